package middleware

import "net/http"

// NewSecurityHeadersMiddleware はステータス応答用のレスポンスヘッダーを付与するミドルウェアを返す。
// レポートは実行中に変化するため、キャッシュを禁止する。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r)
		})
	}
}
