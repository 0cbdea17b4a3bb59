package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/fieldline/fieldsync/internal/types"
)

// Coordinator is the sync trigger contract the handlers need.
type Coordinator interface {
	TriggerNow() bool
	Running() bool
	Status() (lastSyncAt *time.Time, lastError string)
}

// QueueReader provides queue observability.
type QueueReader interface {
	QueueStats(ctx context.Context) (*types.QueueStats, error)
}

// Capture is the write-ahead entity seam exposed to the device UI.
// Implemented by capture.Service: every write commits together with its queue
// item.
type Capture interface {
	Create(ctx context.Context, entityType string, fields json.RawMessage, priority int) (*types.Record, error)
	Update(ctx context.Context, entityType, localID string, fields json.RawMessage, priority int) (*types.Record, error)
	Delete(ctx context.Context, entityType, localID string, priority int) error
	Get(ctx context.Context, entityType, localID string) (*types.Record, error)
}

// Handler holds dependencies for the admin HTTP surface.
type Handler struct {
	queue       QueueReader
	capture     Capture
	coordinator Coordinator
	apiKey      string
	version     string
}

// NewHandler creates an admin API handler.
func NewHandler(queue QueueReader, capture Capture, coordinator Coordinator, apiKey, version string) *Handler {
	return &Handler{
		queue:       queue,
		capture:     capture,
		coordinator: coordinator,
		apiKey:      apiKey,
		version:     version,
	}
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.QueueStats(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	lastSyncAt, lastError := h.coordinator.Status()
	resp := types.HealthResponse{
		Status:      "ok",
		Version:     h.version,
		QueueDepth:  stats.Pending,
		SyncRunning: h.coordinator.Running(),
		LastSyncAt:  lastSyncAt,
		LastError:   lastError,
	}

	writeJSON(w, http.StatusOK, resp)
}

// triggerResponse is the body for POST /api/v1/sync.
type triggerResponse struct {
	Started bool   `json:"started"`
	Reason  string `json:"reason,omitempty"`
}

// TriggerSync handles POST /api/v1/sync. Idempotent: a trigger while a run
// is active reports skipped instead of queuing a second run.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.coordinator.TriggerNow() {
		slog.Info("manual sync triggered",
			"component", "api",
			"action", "sync_trigger",
		)
		writeJSON(w, http.StatusAccepted, triggerResponse{Started: true})
		return
	}

	writeJSON(w, http.StatusOK, triggerResponse{Started: false, Reason: "already_running"})
}

// QueueStats handles GET /api/v1/queue/stats.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.QueueStats(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	lastSyncAt, _ := h.coordinator.Status()
	stats.LastSyncAt = lastSyncAt

	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
