package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrorKind はレポートに記録するエラー分類。
type ErrorKind string

// 定義済みエラー分類
const (
	KindMalformedRow      ErrorKind = "malformed_row"
	KindUnrepairableJSON  ErrorKind = "unrepairable_json"
	KindRow               ErrorKind = "row_error"
	KindBatch             ErrorKind = "batch_error"
	KindConfiguration     ErrorKind = "configuration_error"
	KindDanglingReference ErrorKind = "dangling_reference"
	KindDuplicateID       ErrorKind = "duplicate_legacy_id"
	KindSoftJSON          ErrorKind = "soft_json_dropped"
)

// MalformedRowError はCSV行を期待カラム数に分割できなかったことを表す。
type MalformedRowError struct {
	Line   int
	Want   int
	Got    int
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *MalformedRowError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("line %d: malformed row: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("line %d: malformed row: expected %d fields, got %d", e.Line, e.Want, e.Got)
}

// Kind はエラー分類を返す。
func (e *MalformedRowError) Kind() ErrorKind { return KindMalformedRow }

// UnrepairableJSONError はJSONを含むはずのフィールドを修復できなかったことを表す。
// 診断用に元の文字列と修復後の文字列を保持する。
type UnrepairableJSONError struct {
	Original string
	Repaired string
	Cause    error
}

// Error はerrorインターフェースを実装する。
func (e *UnrepairableJSONError) Error() string {
	return fmt.Sprintf("unrepairable json %q (repaired %q): %v", truncate(e.Original, 200), truncate(e.Repaired, 200), e.Cause)
}

// Unwrap は原因エラーを返す。
func (e *UnrepairableJSONError) Unwrap() error { return e.Cause }

// Kind はエラー分類を返す。
func (e *UnrepairableJSONError) Kind() ErrorKind { return KindUnrepairableJSON }

// RowError は行単位の変換失敗を表す。行はスキップされ、処理は継続する。
type RowError struct {
	Line     int
	LegacyID string
	Column   string
	Err      error
}

// Error はerrorインターフェースを実装する。
func (e *RowError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("line %d: column %s: %v", e.Line, e.Column, e.Err)
	}
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *RowError) Unwrap() error { return e.Err }

// Kind はエラー分類を返す。
func (e *RowError) Kind() ErrorKind { return KindRow }

// BatchError はシンクへのバッチ書き込み失敗を表す。
type BatchError struct {
	Entity    EntityType
	Index     int
	Attempts  int
	Transient bool
	Err       error
}

// Error はerrorインターフェースを実装する。
func (e *BatchError) Error() string {
	return fmt.Sprintf("%s batch %d failed after %d attempt(s): %v", e.Entity, e.Index, e.Attempts, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *BatchError) Unwrap() error { return e.Err }

// Kind はエラー分類を返す。
func (e *BatchError) Kind() ErrorKind { return KindBatch }

// ConfigurationError は実行前に検出される致命的な設定エラー。
// このエラーのみが実行全体を中断する。
type ConfigurationError struct {
	Missing []string
	Reason  string
}

// Error はerrorインターフェースを実装する。
func (e *ConfigurationError) Error() string {
	var parts []string
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("required configuration is not set: %v", e.Missing))
	}
	return "configuration error: " + strings.Join(parts, "; ")
}

// Kind はエラー分類を返す。
func (e *ConfigurationError) Kind() ErrorKind { return KindConfiguration }

// NewConfigurationError は理由付きの設定エラーを生成する。
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// KindOf はエラーの分類を返す。ラップされている場合は最も具体的な分類を優先する。
// 分類を持たないエラーはKindRowとして扱う。
func KindOf(err error) ErrorKind {
	var malformed *MalformedRowError
	var badJSON *UnrepairableJSONError
	var cfgErr *ConfigurationError
	var batchErr *BatchError
	switch {
	case errors.As(err, &malformed):
		return KindMalformedRow
	case errors.As(err, &badJSON):
		return KindUnrepairableJSON
	case errors.As(err, &cfgErr):
		return KindConfiguration
	case errors.As(err, &batchErr):
		return KindBatch
	default:
		return KindRow
	}
}

// truncate はsを最大nバイトに切り詰める。マルチバイト文字の途中では切らない。
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
