// Package source はエンティティ種別ごとのソースCSVを開く。
//
// ソースは「ファイルが存在するか、存在しないか」の2状態のみを持つ。
// 存在しないファイルは ErrNotFound で表し、呼び出し側で任意/必須を判断する。
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"

	"github.com/hitoshi/crmigrate/internal/security"
)

// ErrNotFound はソースファイルが存在しないことを表す。
var ErrNotFound = errors.New("source file not found")

// Source はソースファイルを名前で開く。
type Source interface {
	// Open はnameのファイルをUTF-8のストリームとして開く。
	// 存在しない場合は ErrNotFound をラップしたエラーを返す。
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// Location はログ出力用のソースの所在を返す。
	Location() string
}

// LookupEncoding はエンコーディング名から文字コード変換を返す。
// UTF-8の場合は変換不要のためnilを返す。
func LookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return nil, nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252, nil
	case "iso-8859-1", "latin1":
		return charmap.ISO8859_1, nil
	case "shift_jis", "sjis", "cp932":
		return japanese.ShiftJIS, nil
	case "euc-jp":
		return japanese.EUCJP, nil
	default:
		return nil, fmt.Errorf("unsupported source encoding: %s", name)
	}
}

// New はlocationに応じたSourceを生成する。
// http:// または https:// で始まる場合はHTTPソース、それ以外はディレクトリとして扱う。
func New(location, encodingName string, fetchTimeout time.Duration) (Source, error) {
	enc, err := LookupEncoding(encodingName)
	if err != nil {
		return nil, err
	}

	lower := strings.ToLower(location)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		client, err := security.NewSourceGuard().NewClient(location, fetchTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid source URL: %w", err)
		}
		return NewHTTPSource(location, client, enc)
	}

	info, err := os.Stat(location)
	if err != nil {
		return nil, fmt.Errorf("source directory %s: %w", location, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s is not a directory", location)
	}
	return NewDirSource(os.DirFS(location), location, enc), nil
}

// decode は文字コード変換を適用したReadCloserを返す。
func decode(rc io.ReadCloser, enc encoding.Encoding) io.ReadCloser {
	if enc == nil {
		return rc
	}
	return &decodingReader{
		Reader: transform.NewReader(rc, enc.NewDecoder()),
		closer: rc,
	}
}

type decodingReader struct {
	io.Reader
	closer io.Closer
}

func (d *decodingReader) Close() error {
	return d.closer.Close()
}
