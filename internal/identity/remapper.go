// Package identity はレガシーIDから移行先IDへの対応付けを管理する。
package identity

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/hitoshi/crmigrate/internal/model"
)

// Mapping はレガシーIDと移行先IDの対応1件。
type Mapping struct {
	Entity        model.EntityType
	LegacyID      string
	DestinationID string
}

// Remapper はエンティティ種別ごとのIDマップ。
// 対応は追加のみで、一度割り当てたIDは実行中に変わらない。
type Remapper struct {
	mu      sync.RWMutex
	maps    map[model.EntityType]map[string]string
	pending []Mapping
	newID   func() string
}

// NewRemapper は空のRemapperを生成する。
func NewRemapper() *Remapper {
	return &Remapper{
		maps:  make(map[model.EntityType]map[string]string),
		newID: func() string { return uuid.New().String() },
	}
}

// Assign はレガシーIDに移行先IDを割り当てて返す。
// 既に割り当て済みの場合は同じIDを返す。
// レガシーIDが空の場合は記録しない新しいIDを返す。
func (r *Remapper) Assign(entity model.EntityType, legacyID string) string {
	legacyID = strings.TrimSpace(legacyID)
	if legacyID == "" {
		return r.newID()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.entityMap(entity)
	if id, ok := m[legacyID]; ok {
		return id
	}
	id := r.newID()
	m[legacyID] = id
	r.pending = append(r.pending, Mapping{Entity: entity, LegacyID: legacyID, DestinationID: id})
	return id
}

// Resolve はレガシーIDに対応する移行先IDを返す。
// 空のIDや未登録のIDはfalseを返す。未登録の場合の警告は呼び出し側で記録する。
func (r *Remapper) Resolve(entity model.EntityType, legacyID string) (string, bool) {
	legacyID = strings.TrimSpace(legacyID)
	if legacyID == "" {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.maps[entity][legacyID]
	return id, ok
}

// Seed は過去の実行で割り当て済みの対応を読み込む。
// 既に対応がある場合は上書きしない。Seedした対応はPendingに含まれない。
func (r *Remapper) Seed(entity model.EntityType, legacyID, destID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.entityMap(entity)
	if _, ok := m[legacyID]; !ok {
		m[legacyID] = destID
	}
}

// Pending は今回の実行で新たに割り当てた対応を割り当て順に返す。
func (r *Remapper) Pending() []Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Mapping(nil), r.pending...)
}

// TakePending は未保存の対応を返し、Pendingを空にする。
// 呼び出し側が保存に失敗しても対応自体はRemapperに残る。
func (r *Remapper) TakePending() []Mapping {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := r.pending
	r.pending = nil
	return pending
}

// Len はエンティティ種別ごとの対応件数を返す。
func (r *Remapper) Len(entity model.EntityType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.maps[entity])
}

func (r *Remapper) entityMap(entity model.EntityType) map[string]string {
	m, ok := r.maps[entity]
	if !ok {
		m = make(map[string]string)
		r.maps[entity] = m
	}
	return m
}
