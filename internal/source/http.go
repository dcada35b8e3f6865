package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/text/encoding"
)

// HTTPSource はベースURL配下のCSVファイルをHTTP GETで取得するSource。
// 404はファイルが存在しないものとして扱う。
type HTTPSource struct {
	base   *url.URL
	client *http.Client
	enc    encoding.Encoding
}

// NewHTTPSource はHTTPSourceを生成する。
// 本番ではsecurity.SourceGuardが生成したクライアントを渡すこと。
func NewHTTPSource(baseURL string, client *http.Client, enc encoding.Encoding) (*HTTPSource, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid source URL: %w", err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return &HTTPSource{base: base, client: client, enc: enc}, nil
}

// Open はファイルを取得する。レスポンスボディはストリームとして返す。
func (s *HTTPSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	target := s.base.ResolveReference(&url.URL{Path: name})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", name, err)
	}
	req.Header.Set("Accept", "text/csv, text/plain;q=0.9, */*;q=0.1")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", target, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch %s: unexpected status %d", target, resp.StatusCode)
	}

	return decode(resp.Body, s.enc), nil
}

// Location はベースURLを返す。
func (s *HTTPSource) Location() string {
	return s.base.String()
}
