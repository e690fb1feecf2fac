package handlers

import (
	"encoding/json"
	"net/http"

	peatedcore "github.com/peatedapp/peated-core"
	"github.com/peatedapp/peated-core/internal/errors"
	"github.com/peatedapp/peated-core/internal/models"
)

// SyncHandler exposes queue inspection, drains and the reachability
// control the harness uses to simulate going offline.
type SyncHandler struct {
	core      *peatedcore.Client
	onNetwork func(models.NetworkState)
}

// NewSyncHandler creates a new SyncHandler. onNetwork is invoked after
// every accepted reachability change so the caller can fan it out.
func NewSyncHandler(core *peatedcore.Client, onNetwork func(models.NetworkState)) *SyncHandler {
	return &SyncHandler{core: core, onNetwork: onNetwork}
}

type submitRequest struct {
	Type    models.OperationType `json:"type"`
	Payload json.RawMessage      `json:"payload"`
}

// Submit handles POST /operations: an arbitrary optimistic mutation.
func (h *SyncHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return
	}
	out, err := h.core.Submit(r.Context(), req.Type, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, outcomeView(out))
}

// Status handles GET /sync/status.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.core.SyncStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Drain handles POST /sync/drain: ask the coordinator for an
// immediate pass over the queue.
func (h *SyncHandler) Drain(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"started": h.core.TriggerSync(),
	})
}

// ListFailed handles GET /sync/failed.
func (h *SyncHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	ops, err := h.core.FailedOperations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"operations": ops,
		"total":      len(ops),
	})
}

// RetryFailed handles POST /sync/failed/retry.
func (h *SyncHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.core.RetryFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"retried": n})
}

// PurgeFailed handles DELETE /sync/failed.
func (h *SyncHandler) PurgeFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.core.PurgeFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"purged": n})
}

// GetNetwork handles GET /network.
func (h *SyncHandler) GetNetwork(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.core.NetworkState())
}

// SetNetwork handles POST /network: the harness stand-in for the
// platform reachability callback.
func (h *SyncHandler) SetNetwork(w http.ResponseWriter, r *http.Request) {
	var state models.NetworkState
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return
	}
	h.core.PushNetworkState(state)
	if h.onNetwork != nil {
		h.onNetwork(state)
	}
	writeJSON(w, http.StatusOK, state)
}
