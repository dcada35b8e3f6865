// Package csvparse はレガシーエクスポートのCSV行を分割する。
//
// レガシーシステムのエクスポートには、引用符で保護されていないJSON断片
// （カンマを含む）がフィールドとして出力されているため、encoding/csvでは
// 正しく分割できない。Tokenize は引用符の状態と {}/[] のネスト深さを
// 同時に追跡し、どちらの内側でもないカンマのみを区切りとして扱う。
package csvparse

import (
	"fmt"
	"strings"

	"github.com/hitoshi/crmigrate/internal/model"
)

// Tokenize は1行分のCSVテキストをフィールド列に分割する。
// 結果のフィールド数がwantと一致しない場合、または行末で引用符・括弧が
// 閉じていない場合は *model.MalformedRowError を返す（暗黙に閉じることはしない）。
// wantが0以下の場合はフィールド数を検証しない。
func Tokenize(line string, want int) ([]string, error) {
	var (
		fields   []string
		buf      strings.Builder
		inQuotes bool   // CSVの引用符付きフィールド内
		started  bool   // 現在のフィールドで1文字以上読んだか
		stack    []byte // 引用符外のJSONネスト（'}' または ']' を積む）
		inString bool   // ネストしたJSON内の文字列リテラル内
		escaped  bool   // JSON文字列内でバックスラッシュ直後
	)

	flush := func() {
		fields = append(fields, buf.String())
		buf.Reset()
		started = false
	}

	for i := 0; i < len(line); i++ {
		c := line[i]

		if inQuotes {
			if c == '"' {
				if i+1 < len(line) && line[i+1] == '"' {
					buf.WriteByte('"')
					i++
					continue
				}
				inQuotes = false
				continue
			}
			buf.WriteByte(c)
			continue
		}

		if len(stack) > 0 {
			buf.WriteByte(c)
			switch {
			case inString:
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
			case c == '"':
				inString = true
			case c == '{':
				stack = append(stack, '}')
			case c == '[':
				stack = append(stack, ']')
			case c == '}' || c == ']':
				if stack[len(stack)-1] != c {
					return nil, &model.MalformedRowError{
						Want:   want,
						Reason: fmt.Sprintf("mismatched %q at offset %d", c, i),
					}
				}
				stack = stack[:len(stack)-1]
			}
			continue
		}

		switch c {
		case ',':
			flush()
			continue
		case '"':
			if !started {
				inQuotes = true
				started = true
				continue
			}
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			return nil, &model.MalformedRowError{
				Want:   want,
				Reason: fmt.Sprintf("unbalanced %q at offset %d", c, i),
			}
		}
		buf.WriteByte(c)
		started = true
	}

	if inQuotes {
		return nil, &model.MalformedRowError{Want: want, Reason: "unterminated quoted field"}
	}
	if len(stack) > 0 {
		return nil, &model.MalformedRowError{
			Want:   want,
			Reason: fmt.Sprintf("unbalanced json fragment: %d unclosed bracket(s)", len(stack)),
		}
	}
	flush()

	if want > 0 && len(fields) != want {
		return nil, &model.MalformedRowError{Want: want, Got: len(fields)}
	}
	return fields, nil
}
