// Package handlers tests route the harness API against a real core
// wired to scripted transports.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	peatedcore "github.com/peatedapp/peated-core"
	"github.com/peatedapp/peated-core/internal/config"
	"github.com/peatedapp/peated-core/internal/errors"
	"github.com/peatedapp/peated-core/internal/models"
	"github.com/peatedapp/peated-core/internal/remote"
)

// scriptedFetcher serves fixed pages and items.
type scriptedFetcher struct {
	mu    sync.Mutex
	pages map[string]*remote.Page
	items map[string]*remote.Item
}

func (f *scriptedFetcher) FetchPage(_ context.Context, partition, cursor string, _ int) (*remote.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if page, ok := f.pages[partition]; ok {
		return page, nil
	}
	return nil, errors.New(errors.ErrNetwork, "no upstream page for "+partition)
}

func (f *scriptedFetcher) FetchOne(_ context.Context, id string) (*remote.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.items[id]; ok {
		return item, nil
	}
	return nil, errors.New(errors.ErrNetwork, "no upstream item for "+id)
}

// scriptedMutator acknowledges every send.
type scriptedMutator struct {
	mu  sync.Mutex
	ack *remote.Ack
	err error
}

func (m *scriptedMutator) Send(_ context.Context, _ *models.OfflineOperation) (*remote.Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ack, m.err
}

// newTestServer builds a core over temp storage and mounts the full
// route table. Returns the mux and the states seen by onNetwork.
func newTestServer(t *testing.T, fetcher *scriptedFetcher, mutator *scriptedMutator) (*http.ServeMux, *[]models.NetworkState) {
	t.Helper()

	cfg := config.Default()
	cfg.Store.DataDir = t.TempDir()

	core, err := peatedcore.New(peatedcore.Options{
		Config:  cfg,
		Fetcher: fetcher,
		Mutator: mutator,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { core.Stop() })
	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	core.PushNetworkState(models.NetworkState{IsConnected: true})

	var seen []models.NetworkState
	mux := http.NewServeMux()
	Register(mux, core, func(state models.NetworkState) {
		seen = append(seen, state)
	})
	return mux, &seen
}

func doJSON(t *testing.T, mux *http.ServeMux, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	decoded := map[string]interface{}{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: response is not JSON: %v\nbody: %s", method, target, err, w.Body.String())
		}
	}
	return w, decoded
}

func tastingPage(partition string, n int) *remote.Page {
	page := &remote.Page{NextCursor: partition + "-c1", HasMore: true}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-t%d", partition, i)
		payload := fmt.Sprintf(`{"id":%q,"hasToasted":false,"toasts":%d}`, id, i)
		page.Items = append(page.Items, remote.Item{ID: id, Payload: []byte(payload)})
	}
	return page
}

// =====================================================
// Feed Route Tests
// =====================================================

// TestFeedRead verifies GET /feed/{partition} returns the page
// envelope with inlined items.
func TestFeedRead(t *testing.T) {
	fetcher := &scriptedFetcher{pages: map[string]*remote.Page{
		"friends": tastingPage("friends", 3),
	}}
	mux, _ := newTestServer(t, fetcher, &scriptedMutator{})

	w, body := doJSON(t, mux, http.MethodGet, "/feed/friends", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	if body["partition"] != "friends" {
		t.Errorf("partition = %v, want friends", body["partition"])
	}
	items, ok := body["items"].([]interface{})
	if !ok || len(items) != 3 {
		t.Errorf("items = %v, want 3 inlined objects", body["items"])
	}
	if body["has_more"] != true {
		t.Errorf("has_more = %v, want true", body["has_more"])
	}
	if body["is_fresh"] != true {
		t.Errorf("is_fresh = %v, want true", body["is_fresh"])
	}
}

// TestFeedRead_UpstreamDown verifies a cold feed with no upstream maps
// to 502.
func TestFeedRead_UpstreamDown(t *testing.T) {
	mux, _ := newTestServer(t, &scriptedFetcher{}, &scriptedMutator{})

	w, body := doJSON(t, mux, http.MethodGet, "/feed/friends", "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
	if body["error"] == nil {
		t.Error("error body missing")
	}
}

// TestFeedMethodNotAllowed verifies the mux rejects wrong verbs.
func TestFeedMethodNotAllowed(t *testing.T) {
	mux, _ := newTestServer(t, &scriptedFetcher{}, &scriptedMutator{})

	req := httptest.NewRequest(http.MethodDelete, "/feed/friends", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

// TestCacheStats verifies GET /cache/stats exposes budget counters.
func TestCacheStats(t *testing.T) {
	fetcher := &scriptedFetcher{pages: map[string]*remote.Page{
		"friends": tastingPage("friends", 2),
	}}
	mux, _ := newTestServer(t, fetcher, &scriptedMutator{})

	doJSON(t, mux, http.MethodGet, "/feed/friends", "")
	w, body := doJSON(t, mux, http.MethodGet, "/cache/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if n, ok := body["partitions"].(float64); !ok || n < 1 {
		t.Errorf("partitions = %v, want >= 1", body["partitions"])
	}
	if n, ok := body["total_bytes"].(float64); !ok || n <= 0 {
		t.Errorf("total_bytes = %v, want > 0", body["total_bytes"])
	}
}

// =====================================================
// Record Route Tests
// =====================================================

// TestRecordGetAndToast verifies the single record read and the
// optimistic toggle round trip.
func TestRecordGetAndToast(t *testing.T) {
	fetcher := &scriptedFetcher{
		pages: map[string]*remote.Page{"friends": tastingPage("friends", 1)},
	}
	mutator := &scriptedMutator{}
	mux, _ := newTestServer(t, fetcher, mutator)

	// Feed read persists the tasting locally.
	doJSON(t, mux, http.MethodGet, "/feed/friends", "")

	w, body := doJSON(t, mux, http.MethodGet, "/records/friends-t0", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET record status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	record, ok := body["record"].(map[string]interface{})
	if !ok {
		t.Fatalf("record should be inlined JSON, got %T", body["record"])
	}
	if record["hasToasted"] != false {
		t.Errorf("hasToasted = %v, want false", record["hasToasted"])
	}

	w, body = doJSON(t, mux, http.MethodPost, "/records/friends-t0/toast", "")
	if w.Code != http.StatusOK {
		t.Fatalf("toast status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	if body["state"] != "confirmed" {
		t.Errorf("state = %v, want confirmed", body["state"])
	}
	record, ok = body["record"].(map[string]interface{})
	if !ok {
		t.Fatalf("outcome record should be inlined JSON, got %T", body["record"])
	}
	if record["hasToasted"] != true {
		t.Errorf("hasToasted after toggle = %v, want true", record["hasToasted"])
	}
}

// TestRecordGet_Unknown verifies an unknown record with no upstream
// maps to 502.
func TestRecordGet_Unknown(t *testing.T) {
	mux, _ := newTestServer(t, &scriptedFetcher{}, &scriptedMutator{})

	w, _ := doJSON(t, mux, http.MethodGet, "/records/nope", "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

// =====================================================
// Sync Route Tests
// =====================================================

// TestSyncStatus verifies GET /sync/status exposes coordinator state.
func TestSyncStatus(t *testing.T) {
	mux, _ := newTestServer(t, &scriptedFetcher{}, &scriptedMutator{})

	w, body := doJSON(t, mux, http.MethodGet, "/sync/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body["running"] != true {
		t.Errorf("running = %v, want true", body["running"])
	}
	if n, ok := body["pending"].(float64); !ok || n != 0 {
		t.Errorf("pending = %v, want 0", body["pending"])
	}
}

// TestSyncDrain verifies POST /sync/drain reports trigger acceptance.
func TestSyncDrain(t *testing.T) {
	mux, _ := newTestServer(t, &scriptedFetcher{}, &scriptedMutator{})

	w, body := doJSON(t, mux, http.MethodPost, "/sync/drain", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if _, ok := body["started"].(bool); !ok {
		t.Errorf("started = %v, want bool", body["started"])
	}
}

// TestSyncFailedEmpty verifies the failed listing on a clean queue.
func TestSyncFailedEmpty(t *testing.T) {
	mux, _ := newTestServer(t, &scriptedFetcher{}, &scriptedMutator{})

	w, body := doJSON(t, mux, http.MethodGet, "/sync/failed", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if n, ok := body["total"].(float64); !ok || n != 0 {
		t.Errorf("total = %v, want 0", body["total"])
	}
}

// TestSubmit_InvalidBody verifies malformed JSON maps to 400.
func TestSubmit_InvalidBody(t *testing.T) {
	mux, _ := newTestServer(t, &scriptedFetcher{}, &scriptedMutator{})

	w, _ := doJSON(t, mux, http.MethodPost, "/operations", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// TestSubmit verifies an accepted mutation reports its settled state.
func TestSubmit(t *testing.T) {
	mux, _ := newTestServer(t, &scriptedFetcher{}, &scriptedMutator{})

	w, body := doJSON(t, mux, http.MethodPost, "/operations",
		`{"type":"add_comment","payload":{"tasting_id":"t1","comment":"peaty"}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body %s", w.Code, w.Body.String())
	}
	if body["state"] != "confirmed" {
		t.Errorf("state = %v, want confirmed", body["state"])
	}
}

// =====================================================
// Network Route Tests
// =====================================================

// TestNetworkRoundTrip verifies POST /network updates reachability and
// notifies the fan-out callback.
func TestNetworkRoundTrip(t *testing.T) {
	mux, seen := newTestServer(t, &scriptedFetcher{}, &scriptedMutator{})

	w, body := doJSON(t, mux, http.MethodPost, "/network",
		`{"is_connected":false,"is_expensive":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body["is_connected"] != false {
		t.Errorf("is_connected = %v, want false", body["is_connected"])
	}
	if len(*seen) != 1 || (*seen)[0].IsConnected {
		t.Errorf("onNetwork saw %v, want one offline state", *seen)
	}

	w, body = doJSON(t, mux, http.MethodGet, "/network", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", w.Code)
	}
	if body["is_connected"] != false {
		t.Errorf("GET is_connected = %v, want false", body["is_connected"])
	}
	if body["is_expensive"] != true {
		t.Errorf("GET is_expensive = %v, want true", body["is_expensive"])
	}
}
