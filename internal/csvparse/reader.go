package csvparse

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/hitoshi/crmigrate/internal/model"
)

// maxLineSize は1行あたりの最大バイト数。JSONを埋め込んだ行は長くなりやすい。
const maxLineSize = 16 << 20

const utf8BOM = "\uFEFF"

// Reader はソースCSVをヘッダー検証付きで1行ずつ読み込む。
// 行単位のエラーはNextの戻り値として返し、読み込み自体は継続できる。
type Reader struct {
	scanner *bufio.Scanner
	header  []string
	line    int
}

// NewReader はヘッダー行を読み込み、EntitySpecのカラム定義と照合する。
// カラム名・順序・個数のいずれかが一致しない場合は *model.ConfigurationError を返す。
// 空のストリームはヘッダー欠落として扱う。
func NewReader(r io.Reader, spec model.EntitySpec) (*Reader, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	rd := &Reader{scanner: sc}

	raw, ok, err := rd.nextLine()
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read header: %w", spec.File, err)
	}
	if !ok {
		return nil, model.NewConfigurationError("%s: missing header line", spec.File)
	}
	raw = strings.TrimPrefix(raw, utf8BOM)

	header, err := Tokenize(raw, 0)
	if err != nil {
		return nil, model.NewConfigurationError("%s: unreadable header: %v", spec.File, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	want := spec.ColumnNames()
	if !slices.Equal(header, want) {
		return nil, &model.ConfigurationError{
			Reason: fmt.Sprintf("%s: header %v does not match expected columns %v", spec.File, header, want),
		}
	}

	rd.header = header
	return rd, nil
}

// Header は検証済みのヘッダーを返す。
func (r *Reader) Header() []string {
	return r.header
}

// Next は次のデータ行を返す。
// 終端ではio.EOFを返す。分割できない行は *model.MalformedRowError を返し、
// 呼び出し側はそのままNextの呼び出しを続けてよい。
func (r *Reader) Next() (model.RawRow, error) {
	for {
		raw, ok, err := r.nextLine()
		if err != nil {
			return model.RawRow{}, err
		}
		if !ok {
			return model.RawRow{}, io.EOF
		}
		if strings.TrimSpace(raw) == "" {
			continue
		}

		fields, err := Tokenize(raw, len(r.header))
		if err != nil {
			var malformed *model.MalformedRowError
			if errors.As(err, &malformed) {
				malformed.Line = r.line
			}
			return model.RawRow{Line: r.line}, err
		}
		return model.NewRawRow(r.line, r.header, fields), nil
	}
}

func (r *Reader) nextLine() (string, bool, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	r.line++
	return strings.TrimSuffix(r.scanner.Text(), "\r"), true, nil
}
