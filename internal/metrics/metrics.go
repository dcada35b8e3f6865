// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/crmigrate/internal/model"
)

// Recorder はメトリクス記録のインターフェース。
// インポート処理から利用する。
type Recorder interface {
	RecordRowsRead(entity model.EntityType, n int)
	RecordRowAccepted(entity model.EntityType)
	RecordRowRejected(entity model.EntityType, kind model.ErrorKind)
	RecordWarning(entity model.EntityType, kind model.ErrorKind)
	RecordBatch(entity model.EntityType, succeeded bool, attempts int, duration time.Duration)
	RecordWritten(entity model.EntityType, inserted, updated int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	rowsRead       *prometheus.CounterVec
	rowsAccepted   *prometheus.CounterVec
	rowsRejected   *prometheus.CounterVec
	warnings       *prometheus.CounterVec
	batches        *prometheus.CounterVec
	batchRetries   *prometheus.CounterVec
	batchLatency   *prometheus.HistogramVec
	recordsWritten *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		rowsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crmigrate_rows_read_total",
			Help: "ソースCSVから読み込んだデータ行の合計数",
		}, []string{"entity"}),
		rowsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crmigrate_rows_accepted_total",
			Help: "変換に成功した行の合計数",
		}, []string{"entity"}),
		rowsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crmigrate_rows_rejected_total",
			Help: "拒否された行の合計数（エラー分類別）",
		}, []string{"entity", "kind"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crmigrate_warnings_total",
			Help: "警告の合計数（分類別）",
		}, []string{"entity", "kind"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crmigrate_batches_total",
			Help: "シンクに投入したバッチの合計数（結果別）",
		}, []string{"entity", "result"}),
		batchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crmigrate_batch_retries_total",
			Help: "バッチ書き込みの再試行の合計数",
		}, []string{"entity"}),
		batchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crmigrate_batch_latency_seconds",
			Help:    "再試行を含むバッチ書き込みのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"entity"}),
		recordsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crmigrate_records_written_total",
			Help: "シンクに書き込んだレコードの合計数（挿入・更新別）",
		}, []string{"entity", "op"}),
	}

	reg.MustRegister(
		c.rowsRead,
		c.rowsAccepted,
		c.rowsRejected,
		c.warnings,
		c.batches,
		c.batchRetries,
		c.batchLatency,
		c.recordsWritten,
	)

	return c
}

// RecordRowsRead は読み込んだ行数を記録する。
func (c *Collector) RecordRowsRead(entity model.EntityType, n int) {
	c.rowsRead.WithLabelValues(string(entity)).Add(float64(n))
}

// RecordRowAccepted は受理した行を記録する。
func (c *Collector) RecordRowAccepted(entity model.EntityType) {
	c.rowsAccepted.WithLabelValues(string(entity)).Inc()
}

// RecordRowRejected は拒否した行を記録する。
func (c *Collector) RecordRowRejected(entity model.EntityType, kind model.ErrorKind) {
	c.rowsRejected.WithLabelValues(string(entity), string(kind)).Inc()
}

// RecordWarning は警告を記録する。
func (c *Collector) RecordWarning(entity model.EntityType, kind model.ErrorKind) {
	c.warnings.WithLabelValues(string(entity), string(kind)).Inc()
}

// RecordBatch はバッチの結果とレイテンシを記録する。
func (c *Collector) RecordBatch(entity model.EntityType, succeeded bool, attempts int, duration time.Duration) {
	result := "success"
	if !succeeded {
		result = "failure"
	}
	c.batches.WithLabelValues(string(entity), result).Inc()
	if attempts > 1 {
		c.batchRetries.WithLabelValues(string(entity)).Add(float64(attempts - 1))
	}
	c.batchLatency.WithLabelValues(string(entity)).Observe(duration.Seconds())
}

// RecordWritten は挿入・更新したレコード数を記録する。
func (c *Collector) RecordWritten(entity model.EntityType, inserted, updated int) {
	c.recordsWritten.WithLabelValues(string(entity), "inserted").Add(float64(inserted))
	c.recordsWritten.WithLabelValues(string(entity), "updated").Add(float64(updated))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
