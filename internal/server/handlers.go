package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/rainshield/rainshield/internal/domain"
	"github.com/rainshield/rainshield/internal/submitter"
)

// Handlers implements the status API endpoints.
type Handlers struct {
	cfg     Config
	started time.Time
}

// NewHandlers creates the API handlers.
func NewHandlers(cfg Config, started time.Time) *Handlers {
	return &Handlers{cfg: cfg, started: started}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHealth is the liveness probe: process up, databases reachable.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.SubmissionsDB.Conn().PingContext(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "submissions database unreachable")
		return
	}
	if h.cfg.CacheDB != nil {
		if err := h.cfg.CacheDB.Conn().PingContext(r.Context()); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "cache database unreachable")
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStatus returns an operator overview: system resources, policy
// counts, submission counts, stream state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"pass_cycle":     h.cfg.Monitor.Cycle(),
	}

	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		status["cpu_percent"] = cpuPercent[0]
	}
	if memStat, err := mem.VirtualMemory(); err == nil {
		status["memory_percent"] = memStat.UsedPercent
	}

	policyCounts := map[string]int{}
	for st, n := range h.cfg.Registry.StatusCounts() {
		policyCounts[string(st)] = n
	}
	status["policies"] = policyCounts

	if counts, err := h.cfg.Submissions.StatusCounts(r.Context()); err == nil {
		submissionCounts := map[string]int{}
		for st, n := range counts {
			submissionCounts[string(st)] = n
		}
		status["submissions"] = submissionCounts
	}

	status["excluded_policies"] = len(h.cfg.Monitor.Exclusions())

	if h.cfg.Stream != nil {
		status["chain_stream_connected"] = h.cfg.Stream.Connected()
	}

	h.writeJSON(w, http.StatusOK, status)
}

// HandlePolicies lists every tracked policy.
func (h *Handlers) HandlePolicies(w http.ResponseWriter, r *http.Request) {
	policies := h.cfg.Registry.All()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(policies),
		"policies": policies,
	})
}

// HandlePolicy returns one tracked policy.
func (h *Handlers) HandlePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "policyID")
	policy, ok := h.cfg.Registry.Get(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "policy not tracked")
		return
	}
	h.writeJSON(w, http.StatusOK, policy)
}

type submissionView struct {
	PolicyID      string          `json:"policy_id"`
	Kind          string          `json:"kind"`
	EventOccurred bool            `json:"event_occurred"`
	Status        string          `json:"status"`
	Evidence      domain.Evidence `json:"evidence"`
	TxID          string          `json:"tx_id,omitempty"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// HandleSubmissions lists all submission records, newest first.
func (h *Handlers) HandleSubmissions(w http.ResponseWriter, r *http.Request) {
	records, err := h.cfg.Submissions.ListAll(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":       len(records),
		"submissions": toSubmissionViews(records),
	})
}

// HandleFailedSubmissions lists records awaiting the retry sweep. These
// are the engine's actionable alerts.
func (h *Handlers) HandleFailedSubmissions(w http.ResponseWriter, r *http.Request) {
	records, err := h.cfg.Submissions.ListByStatus(r.Context(), submitter.StatusFailed)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":       len(records),
		"submissions": toSubmissionViews(records),
	})
}

// HandleExclusions lists policies excluded by fatal faults.
func (h *Handlers) HandleExclusions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.cfg.Monitor.Exclusions())
}

// HandleClearExclusion re-admits a policy after operator intervention.
func (h *Handlers) HandleClearExclusion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "policyID")
	h.cfg.Monitor.ClearExclusion(id)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "policy_id": id})
}

// HandleEvents returns the recent event history.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.cfg.EventBus.Recent())
}

// HandleBackups lists remote ledger backups.
func (h *Handlers) HandleBackups(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Backups == nil {
		h.writeError(w, http.StatusServiceUnavailable, "backups not configured")
		return
	}
	backups, err := h.cfg.Backups.ListBackups(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, backups)
}

// HandleReconcile triggers a full policy reconciliation immediately.
func (h *Handlers) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.Registry.Reconcile(r.Context()); err != nil {
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
}

// HandleRunPass triggers a monitoring pass immediately.
func (h *Handlers) HandleRunPass(w http.ResponseWriter, r *http.Request) {
	stats := h.cfg.Monitor.RunPass(r.Context())
	h.writeJSON(w, http.StatusOK, stats)
}

func toSubmissionViews(records []*submitter.SubmissionRecord) []submissionView {
	out := make([]submissionView, 0, len(records))
	for _, rec := range records {
		out = append(out, submissionView{
			PolicyID:      rec.PolicyID,
			Kind:          string(rec.Kind),
			EventOccurred: rec.EventOccurred,
			Status:        string(rec.Status),
			Evidence:      rec.Evidence,
			TxID:          rec.TxID,
			RetryCount:    rec.RetryCount,
			LastError:     rec.LastError,
			UpdatedAt:     rec.UpdatedAt,
		})
	}
	return out
}
