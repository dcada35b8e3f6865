package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/hitoshi/crmigrate/internal/model"
)

// findMetric は名前とラベルが一致するメトリクスを返す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return nil
}

func matchLabels(m *dto.Metric, labels map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range labels {
		if got[k] != v {
			return false
		}
	}
	return true
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestCollector_ImplementsRecorder はCollectorがRecorderを満たすことを検証する。
func TestCollector_ImplementsRecorder(t *testing.T) {
	var _ Recorder = NewCollector(prometheus.NewRegistry())
}

// TestRecordRows は行数カウンタがエンティティ別に増加することを検証する。
func TestRecordRows(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRowsRead(model.EntityClient, 3)
	c.RecordRowAccepted(model.EntityClient)
	c.RecordRowAccepted(model.EntityClient)
	c.RecordRowRejected(model.EntityClient, model.KindMalformedRow)

	if v := findMetric(t, reg, "crmigrate_rows_read_total", map[string]string{"entity": "clients"}).GetCounter().GetValue(); v != 3 {
		t.Errorf("rows_read_total = %v, want 3", v)
	}
	if v := findMetric(t, reg, "crmigrate_rows_accepted_total", map[string]string{"entity": "clients"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("rows_accepted_total = %v, want 2", v)
	}
	m := findMetric(t, reg, "crmigrate_rows_rejected_total", map[string]string{"entity": "clients", "kind": "malformed_row"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("rows_rejected_total = %v, want 1", v)
	}
}

// TestRecordWarning は警告カウンタが分類別に増加することを検証する。
func TestRecordWarning(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordWarning(model.EntityProject, model.KindDanglingReference)

	m := findMetric(t, reg, "crmigrate_warnings_total", map[string]string{"entity": "projects", "kind": "dangling_reference"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("warnings_total = %v, want 1", v)
	}
}

// TestRecordBatch はバッチ結果・再試行回数・レイテンシが記録されることを検証する。
func TestRecordBatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordBatch(model.EntityTask, true, 1, 50*time.Millisecond)
	c.RecordBatch(model.EntityTask, false, 3, 2*time.Second)

	if v := findMetric(t, reg, "crmigrate_batches_total", map[string]string{"entity": "tasks", "result": "success"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("batches_total{success} = %v, want 1", v)
	}
	if v := findMetric(t, reg, "crmigrate_batches_total", map[string]string{"entity": "tasks", "result": "failure"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("batches_total{failure} = %v, want 1", v)
	}
	if v := findMetric(t, reg, "crmigrate_batch_retries_total", map[string]string{"entity": "tasks"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("batch_retries_total = %v, want 2", v)
	}
	h := findMetric(t, reg, "crmigrate_batch_latency_seconds", map[string]string{"entity": "tasks"}).GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("batch_latency sample count = %d, want 2", h.GetSampleCount())
	}
}

// TestRecordWritten は挿入・更新件数が記録されることを検証する。
func TestRecordWritten(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordWritten(model.EntityUser, 4, 1)

	if v := findMetric(t, reg, "crmigrate_records_written_total", map[string]string{"entity": "users", "op": "inserted"}).GetCounter().GetValue(); v != 4 {
		t.Errorf("records_written_total{inserted} = %v, want 4", v)
	}
	if v := findMetric(t, reg, "crmigrate_records_written_total", map[string]string{"entity": "users", "op": "updated"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("records_written_total{updated} = %v, want 1", v)
	}
}

// TestHandler_ServesMetrics はHandlerがテキスト形式でメトリクスを返すことを検証する。
func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordRowsRead(model.EntityUser, 1)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "crmigrate_rows_read_total") {
		t.Error("response should contain crmigrate_rows_read_total metric")
	}
}
