package sink

import (
	"context"
	"sync"

	"github.com/hitoshi/crmigrate/internal/model"
)

// MemorySink はメモリ上のSink実装。ドライランとテストで使用する。
type MemorySink struct {
	mu     sync.Mutex
	tables map[model.EntityType]map[string]model.TransformedRecord
}

// NewMemorySink は空のMemorySinkを生成する。
func NewMemorySink() *MemorySink {
	return &MemorySink{tables: make(map[model.EntityType]map[string]model.TransformedRecord)}
}

// Upsert はIDをキーにレコードを保存する。
func (s *MemorySink) Upsert(ctx context.Context, spec model.EntitySpec, records []model.TransformedRecord) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	table, ok := s.tables[spec.Entity]
	if !ok {
		table = make(map[string]model.TransformedRecord)
		s.tables[spec.Entity] = table
	}

	var res Result
	for _, rec := range records {
		if _, exists := table[rec.ID]; exists {
			res.Updated++
		} else {
			res.Inserted++
		}
		table[rec.ID] = rec
	}
	return res, nil
}

// Get はIDでレコードを取得する。
func (s *MemorySink) Get(entity model.EntityType, id string) (model.TransformedRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tables[entity][id]
	return rec, ok
}

// Records はエンティティ種別の全レコードを返す（順序不定）。
func (s *MemorySink) Records(entity model.EntityType) []model.TransformedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.TransformedRecord, 0, len(s.tables[entity]))
	for _, rec := range s.tables[entity] {
		out = append(out, rec)
	}
	return out
}

// Count はエンティティ種別のレコード件数を返す。
func (s *MemorySink) Count(entity model.EntityType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[entity])
}
