package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"golang.org/x/text/encoding"
)

// DirSource はディレクトリ（fs.FS）上のCSVファイルを読むSource。
type DirSource struct {
	fsys     fs.FS
	location string
	enc      encoding.Encoding
}

// NewDirSource はDirSourceを生成する。encがnilの場合はUTF-8として読む。
func NewDirSource(fsys fs.FS, location string, enc encoding.Encoding) *DirSource {
	return &DirSource{fsys: fsys, location: location, enc: enc}
}

// Open はファイルを開く。
func (s *DirSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.fsys.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	return decode(f, s.enc), nil
}

// Location はディレクトリのパスを返す。
func (s *DirSource) Location() string {
	return s.location
}
