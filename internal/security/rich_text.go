// Package security は取り込み処理の安全対策を提供する。
//
// RichTextSanitizer はレガシーシステムで自由入力されていたリッチテキスト
// （顧客メモ、プロジェクト説明など）を移行前にサニタイズする。
// SourceGuard はHTTP経由でエクスポートを取得する際のSSRF対策を行う。
package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer はリッチテキストのサニタイズ機能のインターフェース。
type Sanitizer interface {
	// Sanitize は許可リストにないタグと属性を除去したHTMLを返す。
	// タグを含まないプレーンテキストはエスケープせずにそのまま返す。
	// 同一入力に対して常に同一出力を返す。
	Sanitize(rawHTML string) string
}

// RichTextSanitizer はbluemondayのポリシーでリッチテキストをサニタイズする。
// ポリシーは生成後に変更しないため、複数goroutineから同時に使用してよい。
type RichTextSanitizer struct {
	policy *bluemonday.Policy
}

// NewRichTextSanitizer はレガシーのメモ欄向けのポリシーを構築する。
//   - 許可タグ: p, br, ul, ol, li, blockquote, strong, em, b, i, u
//   - aタグ: href属性のみ。http/https/mailtoのみ許可し、rel="nofollow noreferrer"を付与
//   - 画像、script、style、on*属性はすべて除去
func NewRichTextSanitizer() *RichTextSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "ul", "ol", "li", "blockquote",
		"strong", "em", "b", "i", "u",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto")
	p.AllowRelativeURLs(false)
	p.RequireNoFollowOnLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &RichTextSanitizer{policy: p}
}

// Sanitize はリッチテキストをサニタイズする。前後の空白は除去する。
// レガシーのメモ欄の大半はプレーンテキストのため、タグを含まない値は
// "&" や "'" を実体参照に変換せずに取り込む。
func (s *RichTextSanitizer) Sanitize(rawHTML string) string {
	if !containsMarkup(rawHTML) {
		return strings.TrimSpace(rawHTML)
	}
	return strings.TrimSpace(s.policy.Sanitize(rawHTML))
}

// containsMarkup は値にタグ、コメント、処理命令の開始らしき "<" が含まれるかを返す。
// "< 5k" のように直後が英字・"/"・"!"・"?" 以外の "<" はテキストとみなす。
func containsMarkup(s string) bool {
	for i := 0; i < len(s)-1; i++ {
		if s[i] != '<' {
			continue
		}
		c := s[i+1]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '/' || c == '!' || c == '?' {
			return true
		}
	}
	return false
}
