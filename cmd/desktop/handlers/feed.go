package handlers

import (
	"net/http"

	peatedcore "github.com/peatedapp/peated-core"
	"github.com/peatedapp/peated-core/internal/cache"
)

// FeedHandler serves partitioned feed reads.
type FeedHandler struct {
	core *peatedcore.Client
}

// NewFeedHandler creates a new FeedHandler.
func NewFeedHandler(core *peatedcore.Client) *FeedHandler {
	return &FeedHandler{core: core}
}

// Read handles GET /feed/{partition}. ?force=true bypasses freshness
// windows.
func (h *FeedHandler) Read(w http.ResponseWriter, r *http.Request) {
	partition := r.PathValue("partition")
	force := r.URL.Query().Get("force") == "true"

	res, err := h.core.ReadFeed(r.Context(), partition, force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feedView(res))
}

// LoadMore handles POST /feed/{partition}/more.
func (h *FeedHandler) LoadMore(w http.ResponseWriter, r *http.Request) {
	res, err := h.core.LoadMore(r.Context(), r.PathValue("partition"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feedView(res))
}

// SetActive handles POST /feed/{partition}/active.
func (h *FeedHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	h.core.SetActiveFeed(r.PathValue("partition"))
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /cache/stats.
func (h *FeedHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.core.CacheStats())
}

func feedView(res *cache.FeedResult) map[string]interface{} {
	return map[string]interface{}{
		"partition": res.Partition,
		"items":     rawPayloads(res.Records),
		"cursor":    res.Cursor,
		"has_more":  res.HasMore,
		"is_fresh":  res.IsFresh,
		"total":     len(res.Records),
	}
}
