// Package sink は変換済みレコードを移行先ストアへ冪等にupsertする。
package sink

import (
	"context"

	"github.com/hitoshi/crmigrate/internal/model"
)

// Result は1回のupsertで挿入・更新された件数。
type Result struct {
	Inserted int
	Updated  int
}

// Sink は移行先ストアへの書き込みインターフェース。
// 同じレコード群を何度書き込んでも結果が変わらないこと（IDをキーにしたupsert）。
type Sink interface {
	// Upsert はrecordsを1つのバッチとして書き込む。
	// バッチは全件成功か全件失敗のいずれかとなる。
	Upsert(ctx context.Context, spec model.EntitySpec, records []model.TransformedRecord) (Result, error)
}
