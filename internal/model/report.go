package model

import (
	"sort"
	"sync"
	"time"
)

// RowIssue は行単位の拒否理由または警告を表す。
type RowIssue struct {
	Line     int       `json:"line" yaml:"line"`
	LegacyID string    `json:"legacy_id,omitempty" yaml:"legacy_id,omitempty"`
	Column   string    `json:"column,omitempty" yaml:"column,omitempty"`
	Kind     ErrorKind `json:"kind" yaml:"kind"`
	Reason   string    `json:"reason" yaml:"reason"`
}

// BatchOutcome はシンクへ投入した1バッチの結果。
type BatchOutcome struct {
	Index     int    `json:"index" yaml:"index"`
	Size      int    `json:"size" yaml:"size"`
	Succeeded bool   `json:"succeeded" yaml:"succeeded"`
	Attempts  int    `json:"attempts" yaml:"attempts"`
	Inserted  int    `json:"inserted" yaml:"inserted"`
	Updated   int    `json:"updated" yaml:"updated"`
	Transient bool   `json:"transient,omitempty" yaml:"transient,omitempty"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// EntityReport はエンティティ種別ごとの集計。
// バッチ投入は並行に行われるため、追記はミューテックスで保護する。
type EntityReport struct {
	mu sync.Mutex

	Entity        EntityType     `json:"entity" yaml:"entity"`
	SourcePresent bool           `json:"source_present" yaml:"source_present"`
	Error         string         `json:"error,omitempty" yaml:"error,omitempty"`
	RowsRead      int            `json:"rows_read" yaml:"rows_read"`
	RowsAccepted  int            `json:"rows_accepted" yaml:"rows_accepted"`
	RowsRejected  int            `json:"rows_rejected" yaml:"rows_rejected"`
	Rejections    []RowIssue     `json:"rejections,omitempty" yaml:"rejections,omitempty"`
	Warnings      []RowIssue     `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Batches       []BatchOutcome `json:"batches,omitempty" yaml:"batches,omitempty"`
}

// SetSourcePresent はソースファイルの有無を記録する。
func (r *EntityReport) SetSourcePresent(present bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SourcePresent = present
}

// Fail はエンティティ単位の処理失敗（ソースの読み込み途中のI/Oエラーなど）を記録する。
func (r *EntityReport) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Error = err.Error()
}

// AddRead は読み込み行数を加算する。
func (r *EntityReport) AddRead(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RowsRead += n
}

// Accept は受理行数を加算する。
func (r *EntityReport) Accept(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RowsAccepted += n
}

// Reject は拒否された行を理由付きで記録する。
func (r *EntityReport) Reject(issue RowIssue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RowsRejected++
	r.Rejections = append(r.Rejections, issue)
}

// Warn は警告を記録する。
func (r *EntityReport) Warn(issues ...RowIssue) {
	if len(issues) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Warnings = append(r.Warnings, issues...)
}

// AddBatch はバッチ結果を記録する。
func (r *EntityReport) AddBatch(outcome BatchOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Batches = append(r.Batches, outcome)
}

// SortBatches はバッチ結果をインデックス順に並べ替える。
// 並行投入の完了順は不定のため、レポート出力前に呼び出す。
func (r *EntityReport) SortBatches() {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.Slice(r.Batches, func(i, j int) bool { return r.Batches[i].Index < r.Batches[j].Index })
}

// FailedBatches は失敗したバッチ数を返す。
func (r *EntityReport) FailedBatches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.Batches {
		if !b.Succeeded {
			n++
		}
	}
	return n
}

// Written は挿入数と更新数の合計を返す。
func (r *EntityReport) Written() (inserted, updated int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.Batches {
		inserted += b.Inserted
		updated += b.Updated
	}
	return inserted, updated
}

// ImportReport は1回の実行全体の結果。シンクへの書き込み以外で唯一外部から見える成果物。
type ImportReport struct {
	mu sync.Mutex

	StartedAt  time.Time       `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time       `json:"finished_at" yaml:"finished_at"`
	Completed  bool            `json:"completed" yaml:"completed"`
	Cancelled  bool            `json:"cancelled" yaml:"cancelled"`
	DryRun     bool            `json:"dry_run" yaml:"dry_run"`
	Entities   []*EntityReport `json:"entities" yaml:"entities"`
}

// NewImportReport は空のレポートを生成する。
func NewImportReport(now time.Time) *ImportReport {
	return &ImportReport{StartedAt: now}
}

// Entity は指定エンティティの集計を返す。未登録の場合は追加する。
func (r *ImportReport) Entity(entity EntityType) *EntityReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.Entities {
		if e.Entity == entity {
			return e
		}
	}
	e := &EntityReport{Entity: entity}
	r.Entities = append(r.Entities, e)
	return e
}

// Lookup は指定エンティティの集計を返す。未登録の場合はnil。
func (r *ImportReport) Lookup(entity EntityType) *EntityReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.Entities {
		if e.Entity == entity {
			return e
		}
	}
	return nil
}

// Finish は実行終了を記録する。
func (r *ImportReport) Finish(now time.Time, cancelled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FinishedAt = now
	r.Cancelled = cancelled
	r.Completed = true
}

// Snapshot はシリアライズ用にロックを取った状態でコピーを返す。
// 実行中のレポートをHTTPで公開する際に使用する。
func (r *ImportReport) Snapshot() ImportReportView {
	r.mu.Lock()
	view := ImportReportView{
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Completed:  r.Completed,
		Cancelled:  r.Cancelled,
		DryRun:     r.DryRun,
	}
	entities := append([]*EntityReport(nil), r.Entities...)
	r.mu.Unlock()

	for _, e := range entities {
		e.mu.Lock()
		view.Entities = append(view.Entities, EntityReportView{
			Entity:        e.Entity,
			SourcePresent: e.SourcePresent,
			Error:         e.Error,
			RowsRead:      e.RowsRead,
			RowsAccepted:  e.RowsAccepted,
			RowsRejected:  e.RowsRejected,
			Rejections:    append([]RowIssue(nil), e.Rejections...),
			Warnings:      append([]RowIssue(nil), e.Warnings...),
			Batches:       append([]BatchOutcome(nil), e.Batches...),
		})
		e.mu.Unlock()
	}
	return view
}

// ImportReportView はImportReportのロックを含まない読み取り専用コピー。
type ImportReportView struct {
	StartedAt  time.Time          `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time          `json:"finished_at" yaml:"finished_at"`
	Completed  bool               `json:"completed" yaml:"completed"`
	Cancelled  bool               `json:"cancelled" yaml:"cancelled"`
	DryRun     bool               `json:"dry_run" yaml:"dry_run"`
	Entities   []EntityReportView `json:"entities" yaml:"entities"`
}

// EntityReportView はEntityReportの読み取り専用コピー。
type EntityReportView struct {
	Entity        EntityType     `json:"entity" yaml:"entity"`
	SourcePresent bool           `json:"source_present" yaml:"source_present"`
	Error         string         `json:"error,omitempty" yaml:"error,omitempty"`
	RowsRead      int            `json:"rows_read" yaml:"rows_read"`
	RowsAccepted  int            `json:"rows_accepted" yaml:"rows_accepted"`
	RowsRejected  int            `json:"rows_rejected" yaml:"rows_rejected"`
	Rejections    []RowIssue     `json:"rejections,omitempty" yaml:"rejections,omitempty"`
	Warnings      []RowIssue     `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Batches       []BatchOutcome `json:"batches,omitempty" yaml:"batches,omitempty"`
}
