package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// recordRequest is the body for record create and update calls.
type recordRequest struct {
	Fields   json.RawMessage `json:"fields"`
	Priority int             `json:"priority,omitempty"`
}

// CreateRecord handles POST /api/v1/records/{entityType}. The entity write and
// its queue item commit in one transaction; the response is the local record
// awaiting dispatch.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")

	var req recordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if len(req.Fields) == 0 {
		WriteProblem(w, r, http.StatusBadRequest, "fields is required")
		return
	}

	rec, err := h.capture.Create(r.Context(), entityType, req.Fields, req.Priority)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Info("record captured",
		"component", "api",
		"action", "record_create",
		"entity_type", entityType,
		"record_id", rec.LocalID,
	)
	writeJSON(w, http.StatusCreated, rec)
}

// GetRecord handles GET /api/v1/records/{entityType}/{localID}.
// Records pending deletion read as not found.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	localID := chi.URLParam(r, "localID")

	rec, err := h.capture.Get(r.Context(), entityType, localID)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// UpdateRecord handles PUT /api/v1/records/{entityType}/{localID}.
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	localID := chi.URLParam(r, "localID")

	var req recordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if len(req.Fields) == 0 {
		WriteProblem(w, r, http.StatusBadRequest, "fields is required")
		return
	}

	rec, err := h.capture.Update(r.Context(), entityType, localID, req.Fields, req.Priority)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// DeleteRecord handles DELETE /api/v1/records/{entityType}/{localID}. The
// record stays visible as pending_delete to the sync core until its queue
// item completes; a record never synced is removed outright.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	localID := chi.URLParam(r, "localID")

	if err := h.capture.Delete(r.Context(), entityType, localID, 0); err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Info("record deletion captured",
		"component", "api",
		"action", "record_delete",
		"entity_type", entityType,
		"record_id", localID,
	)
	w.WriteHeader(http.StatusNoContent)
}
