package handler

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/crmigrate/internal/model"
)

// ReportProvider は実行中のレポートを返す。importer.Orchestrator が実装する。
type ReportProvider interface {
	Report() *model.ImportReport
}

// 実行フェーズ
const (
	PhasePending   = "pending"
	PhaseRunning   = "running"
	PhaseCompleted = "completed"
	PhaseCancelled = "cancelled"
)

// HealthResponse は /health のレスポンス。
type HealthResponse struct {
	Status string `json:"status"`
	Phase  string `json:"phase"`
}

// ErrorResponseBody はエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusHandler はヘルスチェックとレポート参照を処理する。
type StatusHandler struct {
	reports ReportProvider
}

// NewStatusHandler はStatusHandlerを生成する。
func NewStatusHandler(reports ReportProvider) *StatusHandler {
	return &StatusHandler{reports: reports}
}

// Health はプロセスの生存と実行フェーズを返す。
// GET /health
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Phase: h.phase()})
}

// Report は実行中（または完了した）レポートのスナップショットを返す。
// 実行開始前は404を返す。
// GET /report
func (h *StatusHandler) Report(w http.ResponseWriter, r *http.Request) {
	report := h.current()
	if report == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponseBody{
			Code:    "REPORT_NOT_READY",
			Message: "import has not started yet",
		})
		return
	}
	writeJSON(w, http.StatusOK, report.Snapshot())
}

func (h *StatusHandler) current() *model.ImportReport {
	if h.reports == nil {
		return nil
	}
	return h.reports.Report()
}

func (h *StatusHandler) phase() string {
	report := h.current()
	if report == nil {
		return PhasePending
	}
	view := report.Snapshot()
	switch {
	case view.Cancelled:
		return PhaseCancelled
	case view.Completed:
		return PhaseCompleted
	default:
		return PhaseRunning
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
