// Package coerce は型を持たないCSVの文字列値を宣言型の値に変換する。
package coerce

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/crmigrate/internal/jsonrepair"
	"github.com/hitoshi/crmigrate/internal/model"
)

const isoDate = "2006-01-02"

var (
	isoDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dmyDatePattern = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})$`)
)

// Coerce は生の値を宣言型に変換する。
//
//   - nil（欠損）とリテラル "null" はどの型でもnil
//   - 空白のみの値は integer/decimal ではゼロ、それ以外はnil
//   - 数値として解釈できない integer/decimal はゼロ
//   - boolean は "true"（大文字小文字無視）のみtrue
//   - date は YYYY-MM-DD をそのまま、DD/MM/YYYY をISO形式に変換し、それ以外はnil
//   - json は jsonrepair に委譲し、修復失敗はエラーとして返す
//
// エラーを返すのは json 型のみ。
func Coerce(raw *string, t model.FieldType) (any, error) {
	if raw == nil {
		return nil, nil
	}
	s := strings.TrimSpace(*raw)
	if strings.EqualFold(s, "null") {
		return nil, nil
	}

	switch t {
	case model.FieldInteger:
		return Integer(s), nil
	case model.FieldDecimal:
		return Decimal(s), nil
	}

	if s == "" {
		return nil, nil
	}

	switch t {
	case model.FieldString:
		return s, nil
	case model.FieldBoolean:
		return strings.ToLower(s) == "true", nil
	case model.FieldDate:
		if d, ok := Date(s); ok {
			return d, nil
		}
		return nil, nil
	case model.FieldJSON:
		res, err := jsonrepair.Repair(s)
		if err != nil {
			return nil, err
		}
		return res.Value, nil
	default:
		return nil, fmt.Errorf("unknown field type %q", t)
	}
}

// Integer は整数に変換する。"12.0" のような小数表記は切り捨てる。
// 解釈できない場合とint64の範囲外の場合は0。
func Integer(s string) int64 {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	if n := d.BigInt(); n.IsInt64() {
		return n.Int64()
	}
	return 0
}

// Decimal は10進数に変換する。解釈できない場合はゼロ。
func Decimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Date はISO形式またはDD/MM/YYYY形式の日付を検証し、YYYY-MM-DD形式で返す。
func Date(s string) (string, bool) {
	if isoDatePattern.MatchString(s) {
		if _, err := time.Parse(isoDate, s); err != nil {
			return "", false
		}
		return s, true
	}

	m := dmyDatePattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])

	iso := fmt.Sprintf("%04d-%02d-%02d", year, month, day)
	if _, err := time.Parse(isoDate, iso); err != nil {
		return "", false
	}
	return iso, true
}
