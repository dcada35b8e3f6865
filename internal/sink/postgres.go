package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/hitoshi/crmigrate/internal/model"
)

// PostgresSink はPostgreSQLへのSink実装。
// バッチごとに1トランザクションで複数行の INSERT ... ON CONFLICT (id) DO UPDATE を発行する。
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink はPostgresSinkを生成する。
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Upsert はバッチを書き込み、RETURNING (xmax = 0) で挿入と更新を数え分ける。
func (s *PostgresSink) Upsert(ctx context.Context, spec model.EntitySpec, records []model.TransformedRecord) (Result, error) {
	if len(records) == 0 {
		return Result{}, nil
	}

	query := BuildUpsertQuery(spec, len(records))
	args, err := upsertArgs(spec, records)
	if err != nil {
		return Result{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return Result{}, fmt.Errorf("failed to upsert %s: %w", spec.Table, err)
	}

	var res Result
	for rows.Next() {
		var inserted bool
		if err := rows.Scan(&inserted); err != nil {
			rows.Close()
			return Result{}, fmt.Errorf("failed to scan upsert result: %w", err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Result{}, fmt.Errorf("failed to upsert %s: %w", spec.Table, err)
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("failed to commit %s batch: %w", spec.Table, err)
	}
	return res, nil
}

// BuildUpsertQuery はn行分のupsert文を組み立てる。
func BuildUpsertQuery(spec model.EntitySpec, n int) string {
	fields := spec.DestFields()

	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = pq.QuoteIdentifier(f)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", pq.QuoteIdentifier(spec.Table), strings.Join(quoted, ", "))

	param := 1
	for r := 0; r < n; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range fields {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", param)
			param++
		}
		b.WriteByte(')')
	}

	b.WriteString(" ON CONFLICT (id) DO UPDATE SET ")
	for i, q := range quoted[1:] {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", q, q)
	}
	b.WriteString(" RETURNING (xmax = 0) AS inserted")
	return b.String()
}

func upsertArgs(spec model.EntitySpec, records []model.TransformedRecord) ([]any, error) {
	width := len(spec.Columns) + 1
	args := make([]any, 0, width*len(records))

	for _, rec := range records {
		if len(rec.Values) != width {
			return nil, fmt.Errorf("record at line %d has %d values, want %d", rec.Line, len(rec.Values), width)
		}
		args = append(args, rec.Values[0])
		for i, col := range spec.Columns {
			v := rec.Values[i+1]
			if col.Type == model.FieldJSON && v != nil {
				encoded, err := json.Marshal(v)
				if err != nil {
					return nil, fmt.Errorf("line %d: failed to encode %s: %w", rec.Line, col.Dest, err)
				}
				v = string(encoded)
			}
			args = append(args, v)
		}
	}
	return args, nil
}
