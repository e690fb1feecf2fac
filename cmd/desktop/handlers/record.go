package handlers

import (
	"encoding/json"
	"net/http"

	peatedcore "github.com/peatedapp/peated-core"
)

// RecordHandler serves single record reads and record-scoped actions.
type RecordHandler struct {
	core *peatedcore.Client
}

// NewRecordHandler creates a new RecordHandler.
func NewRecordHandler(core *peatedcore.Client) *RecordHandler {
	return &RecordHandler{core: core}
}

// Get handles GET /records/{id}. ?force=true bypasses freshness
// windows.
func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	force := r.URL.Query().Get("force") == "true"

	rec, fresh, err := h.core.ReadRecord(r.Context(), id, force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"record":       json.RawMessage(rec.Payload),
		"is_fresh":     fresh,
		"last_updated": rec.LastUpdated,
	})
}

// Toast handles POST /records/{id}/toast: the optimistic toggle.
func (h *RecordHandler) Toast(w http.ResponseWriter, r *http.Request) {
	out, err := h.core.ToggleToast(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeView(out))
}
