// Package handlers provides the REST surface of the desktop harness.
// Routes mirror what a mobile UI asks of the core: feed reads, record
// reads, optimistic mutations and sync inspection.
package handlers

import (
	"encoding/json"
	"net/http"

	peatedcore "github.com/peatedapp/peated-core"
	"github.com/peatedapp/peated-core/internal/errors"
	"github.com/peatedapp/peated-core/internal/models"
	"github.com/peatedapp/peated-core/internal/optimistic"
)

// Register mounts the harness API onto mux.
func Register(mux *http.ServeMux, core *peatedcore.Client, onNetwork func(models.NetworkState)) {
	feed := NewFeedHandler(core)
	record := NewRecordHandler(core)
	syncH := NewSyncHandler(core, onNetwork)

	mux.HandleFunc("GET /feed/{partition}", feed.Read)
	mux.HandleFunc("POST /feed/{partition}/more", feed.LoadMore)
	mux.HandleFunc("POST /feed/{partition}/active", feed.SetActive)
	mux.HandleFunc("GET /cache/stats", feed.Stats)

	mux.HandleFunc("GET /records/{id}", record.Get)
	mux.HandleFunc("POST /records/{id}/toast", record.Toast)

	mux.HandleFunc("POST /operations", syncH.Submit)
	mux.HandleFunc("GET /sync/status", syncH.Status)
	mux.HandleFunc("POST /sync/drain", syncH.Drain)
	mux.HandleFunc("GET /sync/failed", syncH.ListFailed)
	mux.HandleFunc("POST /sync/failed/retry", syncH.RetryFailed)
	mux.HandleFunc("DELETE /sync/failed", syncH.PurgeFailed)
	mux.HandleFunc("GET /network", syncH.GetNetwork)
	mux.HandleFunc("POST /network", syncH.SetNetwork)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps core error classes onto HTTP statuses: cache misses
// are 404, bad input 400, connectivity 502, server rejections 422.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsCacheMiss(err):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrInvalid):
		status = http.StatusBadRequest
	case errors.IsNetwork(err):
		status = http.StatusBadGateway
	case errors.IsSemantic(err):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

// rawPayloads inlines stored payloads so responses carry the server
// objects, not base64 blobs.
func rawPayloads(recs []*models.CachedRecord) []json.RawMessage {
	items := make([]json.RawMessage, 0, len(recs))
	for _, rec := range recs {
		items = append(items, json.RawMessage(rec.Payload))
	}
	return items
}

func outcomeView(out *optimistic.Outcome) map[string]interface{} {
	view := map[string]interface{}{"state": out.State}
	if out.Notice != "" {
		view["notice"] = out.Notice
	}
	if out.Operation != nil {
		view["operation_id"] = out.Operation.ID
	}
	if out.Record != nil {
		view["record"] = json.RawMessage(out.Record.Payload)
	}
	return view
}
