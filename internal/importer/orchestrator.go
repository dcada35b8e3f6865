// Package importer はソースCSVを依存順に読み込み、変換し、シンクへバッチ投入する。
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/crmigrate/internal/csvparse"
	"github.com/hitoshi/crmigrate/internal/identity"
	"github.com/hitoshi/crmigrate/internal/metrics"
	"github.com/hitoshi/crmigrate/internal/model"
	"github.com/hitoshi/crmigrate/internal/security"
	"github.com/hitoshi/crmigrate/internal/sink"
	"github.com/hitoshi/crmigrate/internal/source"
	"github.com/hitoshi/crmigrate/internal/transform"
)

const (
	defaultBatchSize = 100
	defaultWorkers   = 4
)

// Submitter はバッチをシンクへ投入する。sink.RetryingSink が実装する。
type Submitter interface {
	Submit(ctx context.Context, spec model.EntitySpec, records []model.TransformedRecord) sink.Submission
}

// IdentityStore は実行をまたいでIDマップを永続化する。identity.Store が実装する。
type IdentityStore interface {
	Load(ctx context.Context, r *identity.Remapper) (int, error)
	Save(ctx context.Context, mappings []identity.Mapping) error
}

// Options はOrchestratorの設定。ゼロ値の項目はデフォルト値を使用する。
type Options struct {
	Specs     []model.EntitySpec // nilの場合は transform.Specs()
	BatchSize int
	Workers   int
	Required  []model.EntityType // ソースファイルが必須のエンティティ
	DryRun    bool
	Store     IdentityStore
	Sanitizer security.Sanitizer
	Metrics   metrics.Recorder
}

// Orchestrator は1回のインポート実行を管理する。
type Orchestrator struct {
	source    source.Source
	submitter Submitter
	logger    *slog.Logger
	opts      Options
	now       func() time.Time

	current atomic.Pointer[model.ImportReport]
}

// New はOrchestratorを生成する。
func New(src source.Source, submitter Submitter, logger *slog.Logger, opts Options) *Orchestrator {
	if opts.Specs == nil {
		opts.Specs = transform.Specs()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	return &Orchestrator{
		source:    src,
		submitter: submitter,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

// Report は実行中（または直近の実行）のレポートを返す。実行前はnil。
func (o *Orchestrator) Report() *model.ImportReport {
	return o.current.Load()
}

// ValidatePlan はエンティティの処理順を検証する。
// 外部キーで参照するエンティティが自身より前に処理されない場合は設定エラーとする。
func ValidatePlan(specs []model.EntitySpec) error {
	seen := make(map[model.EntityType]bool, len(specs))
	for _, spec := range specs {
		if seen[spec.Entity] {
			return model.NewConfigurationError("entity %s appears more than once in the import plan", spec.Entity)
		}
		for _, ref := range spec.References() {
			if !seen[ref] {
				return model.NewConfigurationError("entity %s references %s, which is not imported before it", spec.Entity, ref)
			}
		}
		seen[spec.Entity] = true
	}
	return nil
}

// Run はインポートを実行する。
// エラーを返すのは設定エラー（*model.ConfigurationError）など実行前に検出される致命的な問題のみで、
// 行単位・バッチ単位の失敗はレポートに記録して処理を継続する。
// ctxがキャンセルされた場合は処理中のバッチの完了を待ってから、cancelled としてレポートを返す。
func (o *Orchestrator) Run(ctx context.Context) (*model.ImportReport, error) {
	if err := ValidatePlan(o.opts.Specs); err != nil {
		return nil, err
	}

	present, err := o.preflight(ctx)
	if err != nil {
		return nil, err
	}

	ids := identity.NewRemapper()
	users := identity.NewDirectory()
	if o.opts.Store != nil {
		n, err := o.opts.Store.Load(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to load identity store: %w", err)
		}
		o.logger.Info("IDマップを読み込みました", slog.Int("mappings", n))
	}
	tr := transform.New(ids, users, o.opts.Sanitizer)
	unwritten := newIDSet()

	report := model.NewImportReport(o.now())
	report.DryRun = o.opts.DryRun
	for _, spec := range o.opts.Specs {
		report.Entity(spec.Entity).SetSourcePresent(present[spec.Entity])
	}
	o.current.Store(report)

	o.logger.Info("インポートを開始します",
		slog.String("source", o.source.Location()),
		slog.Int("batch_size", o.opts.BatchSize),
		slog.Int("workers", o.opts.Workers),
		slog.Bool("dry_run", o.opts.DryRun),
	)

	cancelled := false
	for _, spec := range o.opts.Specs {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		entityReport := report.Entity(spec.Entity)
		if !present[spec.Entity] {
			o.logger.Info("ソースファイルがないためスキップします",
				slog.String("entity", string(spec.Entity)),
				slog.String("file", spec.File),
			)
			continue
		}
		if o.importEntity(ctx, spec, tr, ids, unwritten, entityReport) {
			cancelled = true
			break
		}
	}

	report.Finish(o.now(), cancelled)
	o.logSummary(report)
	return report, nil
}

// preflight はすべてのソースを開いてヘッダーを検証する。
// 任意のファイルが存在しない場合はスキップ対象とし、必須ファイルの欠落とヘッダー不一致は設定エラーとする。
func (o *Orchestrator) preflight(ctx context.Context) (map[model.EntityType]bool, error) {
	required := make(map[model.EntityType]bool, len(o.opts.Required))
	for _, e := range o.opts.Required {
		required[e] = true
	}

	present := make(map[model.EntityType]bool, len(o.opts.Specs))
	var missing []string
	for _, spec := range o.opts.Specs {
		rc, err := o.source.Open(ctx, spec.File)
		if err != nil {
			if errors.Is(err, source.ErrNotFound) {
				if required[spec.Entity] {
					missing = append(missing, spec.File)
				}
				continue
			}
			return nil, model.NewConfigurationError("cannot open source %s: %v", spec.File, err)
		}

		_, err = csvparse.NewReader(rc, spec)
		rc.Close()
		if err != nil {
			var cfgErr *model.ConfigurationError
			if errors.As(err, &cfgErr) {
				return nil, cfgErr
			}
			return nil, model.NewConfigurationError("cannot read header of %s: %v", spec.File, err)
		}
		present[spec.Entity] = true
	}

	if len(missing) > 0 {
		return nil, &model.ConfigurationError{Reason: "required source files are missing", Missing: missing}
	}
	return present, nil
}

// importEntity は1エンティティ種別分の読み込み・変換・投入を行う。キャンセルされた場合はtrueを返す。
//
// 今回割り当てたIDの対応はバッチ投入より前にストアへ保存する。
// 保存に失敗した場合、このエンティティのレコードは1件も書き込まない。
func (o *Orchestrator) importEntity(ctx context.Context, spec model.EntitySpec, tr *transform.Transformer, ids *identity.Remapper, unwritten *idSet, report *model.EntityReport) bool {
	start := time.Now()
	logger := o.logger.With(slog.String("entity", string(spec.Entity)))

	records, readErr := o.readEntity(ctx, spec, tr, report)
	if readErr != nil {
		report.Fail(readErr)
		logger.Error("ソースファイルの読み込みに失敗しました", slog.String("error", readErr.Error()))
	}

	cancelled := false
	if err := o.persistIdentities(ctx, ids); err != nil {
		report.Fail(errors.Join(readErr, err))
		unwritten.add(records)
		logger.Error("IDマップを保存できないため、このエンティティは書き込みません",
			slog.Int("records", len(records)),
			slog.String("error", err.Error()),
		)
	} else {
		o.detachUnwritten(spec, records, unwritten, report)
		cancelled = o.submitBatches(ctx, spec, records, unwritten, report, logger)
	}

	inserted, updated := report.Written()
	logger.Info("エンティティの取り込みが完了しました",
		slog.Int("rows_read", report.RowsRead),
		slog.Int("rows_accepted", report.RowsAccepted),
		slog.Int("rows_rejected", report.RowsRejected),
		slog.Int("warnings", len(report.Warnings)),
		slog.Int("inserted", inserted),
		slog.Int("updated", updated),
		slog.Int("failed_batches", report.FailedBatches()),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return cancelled
}

// persistIdentities は未保存のIDの対応をストアに保存する。
// ストアがない場合とドライランの場合は何もしない。
func (o *Orchestrator) persistIdentities(ctx context.Context, ids *identity.Remapper) error {
	if o.opts.Store == nil || o.opts.DryRun {
		return nil
	}
	pending := ids.TakePending()
	if len(pending) == 0 {
		return nil
	}
	if err := o.opts.Store.Save(context.WithoutCancel(ctx), pending); err != nil {
		return fmt.Errorf("failed to persist %d identity mappings: %w", len(pending), err)
	}
	o.logger.Debug("IDマップを保存しました", slog.Int("mappings", len(pending)))
	return nil
}

// detachUnwritten は書き込まれなかった親レコードを指す外部キーをnullにし、参照先不明の警告を記録する。
func (o *Orchestrator) detachUnwritten(spec model.EntitySpec, records []model.TransformedRecord, unwritten *idSet, report *model.EntityReport) {
	if unwritten.size() == 0 {
		return
	}
	for _, rec := range records {
		for i, col := range spec.Columns {
			if !col.IsForeignKey() || i+1 >= len(rec.Values) {
				continue
			}
			id, ok := rec.Values[i+1].(string)
			if !ok || !unwritten.has(id) {
				continue
			}
			rec.Values[i+1] = nil

			target := col.Ref
			if col.RefByEmail {
				target = model.EntityUser
			}
			o.warn(spec.Entity, report, model.RowIssue{
				Line:     rec.Line,
				LegacyID: rec.LegacyID,
				Column:   col.Name,
				Kind:     model.KindDanglingReference,
				Reason:   fmt.Sprintf("referenced %s record %s was not written", target, id),
			})
		}
	}
}

// readEntity はソースを読み込んで全行を変換する。
// 同じ移行先IDを持つレコードは後の行で置き換え、警告を記録する。
func (o *Orchestrator) readEntity(ctx context.Context, spec model.EntitySpec, tr *transform.Transformer, report *model.EntityReport) ([]model.TransformedRecord, error) {
	rc, err := o.source.Open(ctx, spec.File)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	reader, err := csvparse.NewReader(rc, spec)
	if err != nil {
		return nil, err
	}

	var records []model.TransformedRecord
	index := make(map[string]int)
	for {
		row, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var malformed *model.MalformedRowError
			if !errors.As(err, &malformed) {
				return records, err
			}
			report.AddRead(1)
			o.opts.Metrics.RecordRowsRead(spec.Entity, 1)
			o.reject(spec.Entity, report, model.RowIssue{Line: malformed.Line}, err)
			continue
		}
		report.AddRead(1)
		o.opts.Metrics.RecordRowsRead(spec.Entity, 1)

		rec, warnings, err := tr.Transform(row, spec)
		if err != nil {
			issue := model.RowIssue{Line: row.Line}
			var rowErr *model.RowError
			if errors.As(err, &rowErr) {
				issue.LegacyID = rowErr.LegacyID
				issue.Column = rowErr.Column
			}
			o.reject(spec.Entity, report, issue, err)
			continue
		}

		report.Accept(1)
		o.opts.Metrics.RecordRowAccepted(spec.Entity)
		o.warn(spec.Entity, report, warnings...)

		if i, dup := index[rec.ID]; dup {
			o.warn(spec.Entity, report, model.RowIssue{
				Line:     rec.Line,
				LegacyID: rec.LegacyID,
				Kind:     model.KindDuplicateID,
				Reason:   fmt.Sprintf("duplicates the record at line %d; the later row wins", records[i].Line),
			})
			records[i] = rec
			continue
		}
		index[rec.ID] = len(records)
		records = append(records, rec)
	}
	return records, nil
}

// submitBatches はレコードをバッチに分割し、上限付きの並行数でシンクへ投入する。
// バッチ間でctxのキャンセルを確認し、キャンセル後は新たなバッチを投入しない。
// 投入済みのバッチはキャンセルの影響を受けずに完了させる。
// 書き込めなかったバッチのレコードはunwrittenに追加する。
func (o *Orchestrator) submitBatches(ctx context.Context, spec model.EntitySpec, records []model.TransformedRecord, unwritten *idSet, report *model.EntityReport, logger *slog.Logger) bool {
	sinkCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(o.opts.Workers)

	var skipped atomic.Bool
	cancelled := false
	for index, start := 0, 0; start < len(records); index, start = index+1, start+o.opts.BatchSize {
		if ctx.Err() != nil {
			cancelled = true
			unwritten.add(records[start:])
			break
		}
		end := min(start+o.opts.BatchSize, len(records))
		batch := records[start:end]
		batchIndex := index

		g.Go(func() error {
			// 空きワーカーを待つ間にキャンセルされたバッチは投入しない
			if ctx.Err() != nil {
				skipped.Store(true)
				unwritten.add(batch)
				return nil
			}
			began := time.Now()
			sub := o.submitter.Submit(sinkCtx, spec, batch)
			o.opts.Metrics.RecordBatch(spec.Entity, sub.Err == nil, sub.Attempts, time.Since(began))

			outcome := model.BatchOutcome{
				Index:     batchIndex,
				Size:      len(batch),
				Succeeded: sub.Err == nil,
				Attempts:  sub.Attempts,
				Inserted:  sub.Result.Inserted,
				Updated:   sub.Result.Updated,
			}
			if sub.Err != nil {
				batchErr := &model.BatchError{
					Entity:    spec.Entity,
					Index:     batchIndex,
					Attempts:  sub.Attempts,
					Transient: sub.Transient,
					Err:       sub.Err,
				}
				outcome.Transient = sub.Transient
				outcome.Error = batchErr.Error()
				unwritten.add(batch)
				logger.Error("バッチ書き込みに失敗しました",
					slog.Int("batch", batchIndex),
					slog.Int("size", len(batch)),
					slog.Int("attempts", sub.Attempts),
					slog.Bool("transient", sub.Transient),
					slog.String("error", sub.Err.Error()),
				)
			} else {
				o.opts.Metrics.RecordWritten(spec.Entity, sub.Result.Inserted, sub.Result.Updated)
			}
			report.AddBatch(outcome)
			return nil
		})
	}
	_ = g.Wait()
	cancelled = cancelled || skipped.Load()

	report.SortBatches()
	if cancelled {
		logger.Warn("キャンセルされたため残りのバッチを投入しません")
	}
	return cancelled
}

func (o *Orchestrator) reject(entity model.EntityType, report *model.EntityReport, issue model.RowIssue, err error) {
	issue.Kind = model.KindOf(err)
	issue.Reason = err.Error()
	report.Reject(issue)
	o.opts.Metrics.RecordRowRejected(entity, issue.Kind)
	o.logger.Debug("行を拒否しました",
		slog.String("entity", string(entity)),
		slog.Int("line", issue.Line),
		slog.String("kind", string(issue.Kind)),
		slog.String("reason", issue.Reason),
	)
}

func (o *Orchestrator) warn(entity model.EntityType, report *model.EntityReport, issues ...model.RowIssue) {
	report.Warn(issues...)
	for _, issue := range issues {
		o.opts.Metrics.RecordWarning(entity, issue.Kind)
	}
}

func (o *Orchestrator) logSummary(report *model.ImportReport) {
	view := report.Snapshot()
	var read, accepted, rejected, failedBatches int
	for _, e := range view.Entities {
		read += e.RowsRead
		accepted += e.RowsAccepted
		rejected += e.RowsRejected
		for _, b := range e.Batches {
			if !b.Succeeded {
				failedBatches++
			}
		}
	}
	o.logger.Info("インポートが完了しました",
		slog.Int("rows_read", read),
		slog.Int("rows_accepted", accepted),
		slog.Int("rows_rejected", rejected),
		slog.Int("failed_batches", failedBatches),
		slog.Bool("cancelled", view.Cancelled),
		slog.Duration("elapsed", view.FinishedAt.Sub(view.StartedAt)),
	)
}

// idSet は書き込まれなかったレコードの移行先IDの集合。
// バッチのgoroutineから並行に追加される。
type idSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func newIDSet() *idSet {
	return &idSet{ids: make(map[string]struct{})}
}

func (s *idSet) add(records []model.TransformedRecord) {
	if len(records) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.ids[rec.ID] = struct{}{}
	}
}

func (s *idSet) has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

func (s *idSet) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

type nopRecorder struct{}

func (nopRecorder) RecordRowsRead(model.EntityType, int) {}
func (nopRecorder) RecordRowAccepted(model.EntityType) {}
func (nopRecorder) RecordRowRejected(model.EntityType, model.ErrorKind) {}
func (nopRecorder) RecordWarning(model.EntityType, model.ErrorKind) {}
func (nopRecorder) RecordBatch(model.EntityType, bool, int, time.Duration) {}
func (nopRecorder) RecordWritten(model.EntityType, int, int) {}
