// Package jsonrepair はレガシーエクスポートに含まれる「JSONのようなもの」を修復する。
//
// 修復は決められた手順のみを適用し、それ以上の推測は行わない。
//  1. 二重化された引用符 "" を " に戻す（空文字列トークンは残す）
//  2. 識別子形式の裸のキーを引用符で囲む
//  3. 数値・true・false・null 以外の裸の値を引用符で囲む
//
// 手順2と3は構造を1回走査する中でまとめて適用する。
package jsonrepair

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/hitoshi/crmigrate/internal/model"
)

var (
	numberPattern     = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	errNotStructured = errors.New("text is neither a json object nor an array")
)

// Result は修復結果。Text は修復後（または元から正しい）JSONテキスト、
// Value はそれをデコードした値（数値は json.Number）。
type Result struct {
	Text  string
	Value any
}

// Repair はJSONとして解釈すべきテキストを修復してデコードする。
// 既に正しいJSONはそのまま返す。修復できない場合は *model.UnrepairableJSONError を返す。
func Repair(raw string) (Result, error) {
	trimmed := strings.TrimSpace(raw)

	if json.Valid([]byte(trimmed)) {
		v, err := decode(trimmed)
		if err != nil {
			return Result{}, &model.UnrepairableJSONError{Original: raw, Repaired: trimmed, Cause: err}
		}
		return Result{Text: trimmed, Value: v}, nil
	}

	if !looksStructured(trimmed) {
		return Result{}, &model.UnrepairableJSONError{Original: raw, Repaired: trimmed, Cause: errNotStructured}
	}

	unescaped := collapseDoubledQuotes(trimmed)

	p := &repairer{src: unescaped}
	repaired, err := p.run()
	if err != nil {
		return Result{}, &model.UnrepairableJSONError{Original: raw, Repaired: unescaped, Cause: err}
	}

	v, err := decode(repaired)
	if err != nil {
		return Result{}, &model.UnrepairableJSONError{Original: raw, Repaired: repaired, Cause: err}
	}
	return Result{Text: repaired, Value: v}, nil
}

func looksStructured(s string) bool {
	if len(s) < 2 {
		return false
	}
	first, last := s[0], s[len(s)-1]
	return (first == '{' && last == '}') || (first == '[' && last == ']')
}

func decode(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected trailing data after json value")
	}
	return v, nil
}

// collapseDoubledQuotes は "" を " に置き換える。
// 直前が : [ , で直後が , } ] の "" は空文字列の値とみなして残す。
func collapseDoubledQuotes(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		if s[i] == '"' && i+1 < len(s) && s[i+1] == '"' {
			if isEmptyStringToken(s, i) {
				b.WriteString(`""`)
			} else {
				b.WriteByte('"')
			}
			i++
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isEmptyStringToken(s string, i int) bool {
	prev := byte(0)
	for j := i - 1; j >= 0; j-- {
		if !isSpace(s[j]) {
			prev = s[j]
			break
		}
	}
	next := byte(0)
	for j := i + 2; j < len(s); j++ {
		if !isSpace(s[j]) {
			next = s[j]
			break
		}
	}
	return strings.IndexByte(":[,", prev) >= 0 && prev != 0 &&
		strings.IndexByte(",}]", next) >= 0 && next != 0
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// repairer はJSONに近いテキストを再帰下降で走査し、正規化したJSONを組み立てる。
type repairer struct {
	src string
	pos int
	out bytes.Buffer
}

func (p *repairer) run() (string, error) {
	if err := p.value(); err != nil {
		return "", err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return "", fmt.Errorf("unexpected trailing text at offset %d", p.pos)
	}
	return p.out.String(), nil
}

func (p *repairer) skipSpace() {
	for p.pos < len(p.src) && isSpace(p.src[p.pos]) {
		p.pos++
	}
}

func (p *repairer) peek() (byte, bool) {
	if p.pos >= len(p.src) {
		return 0, false
	}
	return p.src[p.pos], true
}

func (p *repairer) value() error {
	p.skipSpace()
	c, ok := p.peek()
	if !ok {
		return errors.New("unexpected end of input")
	}
	switch c {
	case '{':
		return p.object()
	case '[':
		return p.array()
	case '"':
		return p.stringLiteral()
	default:
		return p.bareValue()
	}
}

func (p *repairer) object() error {
	p.pos++ // '{'
	p.out.WriteByte('{')

	p.skipSpace()
	if c, _ := p.peek(); c == '}' {
		p.pos++
		p.out.WriteByte('}')
		return nil
	}

	for {
		if err := p.key(); err != nil {
			return err
		}
		p.skipSpace()
		if c, _ := p.peek(); c != ':' {
			return fmt.Errorf("expected ':' at offset %d", p.pos)
		}
		p.pos++
		p.out.WriteByte(':')

		if err := p.value(); err != nil {
			return err
		}

		p.skipSpace()
		c, ok := p.peek()
		switch {
		case ok && c == ',':
			p.pos++
			p.out.WriteByte(',')
		case ok && c == '}':
			p.pos++
			p.out.WriteByte('}')
			return nil
		default:
			return fmt.Errorf("expected ',' or '}' at offset %d", p.pos)
		}
	}
}

func (p *repairer) array() error {
	p.pos++ // '['
	p.out.WriteByte('[')

	p.skipSpace()
	if c, _ := p.peek(); c == ']' {
		p.pos++
		p.out.WriteByte(']')
		return nil
	}

	for {
		if err := p.value(); err != nil {
			return err
		}

		p.skipSpace()
		c, ok := p.peek()
		switch {
		case ok && c == ',':
			p.pos++
			p.out.WriteByte(',')
		case ok && c == ']':
			p.pos++
			p.out.WriteByte(']')
			return nil
		default:
			return fmt.Errorf("expected ',' or ']' at offset %d", p.pos)
		}
	}
}

func (p *repairer) key() error {
	p.skipSpace()
	if c, _ := p.peek(); c == '"' {
		return p.stringLiteral()
	}

	start := p.pos
	for p.pos < len(p.src) && p.src[p.pos] != ':' && p.src[p.pos] != ',' && p.src[p.pos] != '}' {
		p.pos++
	}
	name := strings.TrimSpace(p.src[start:p.pos])
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid object key %q at offset %d", name, start)
	}
	p.writeQuoted(name)
	return nil
}

// stringLiteral は引用符付き文字列をエスケープを保ったままコピーする。
func (p *repairer) stringLiteral() error {
	start := p.pos
	p.pos++ // opening quote
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case '\\':
			p.pos += 2
			continue
		case '"':
			p.pos++
			p.out.WriteString(p.src[start:p.pos])
			return nil
		}
		p.pos++
	}
	return fmt.Errorf("unterminated string starting at offset %d", start)
}

// bareValue は引用符のない値を次の , } ] まで読み取る。
// 数値と true/false/null はそのまま、それ以外は文字列として引用符で囲む。
func (p *repairer) bareValue() error {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == ',' || c == '}' || c == ']' {
			break
		}
		p.pos++
	}
	token := strings.TrimSpace(p.src[start:p.pos])
	if token == "" {
		return fmt.Errorf("missing value at offset %d", start)
	}

	switch {
	case numberPattern.MatchString(token):
		p.out.WriteString(token)
	case token == "true" || token == "false" || token == "null":
		p.out.WriteString(token)
	default:
		p.writeQuoted(token)
	}
	return nil
}

func (p *repairer) writeQuoted(s string) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	p.out.Write(bytes.TrimRight(buf.Bytes(), "\n"))
}
