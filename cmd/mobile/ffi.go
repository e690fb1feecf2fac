// Package main provides the FFI bridge for mobile platforms.
// Build as a shared library: libpeatedcore.so (Android) or
// PeatedCore.xcframework (iOS). The host registers C callbacks for the
// network transport (see transport.go for the envelope protocol),
// pushes reachability reports, and calls the exported functions below.
// Every returned string is malloc'd C memory the host must release
// through FreeString.
package main

/*
#include <stdlib.h>

typedef const char* (*peated_fetch_fn)(const char* kind, const char* a, const char* b, int limit);
typedef const char* (*peated_send_fn)(const char* op_json);
*/
import "C"
import (
	"context"
	"encoding/json"
	"sync"
	"time"
	"unsafe"

	peatedcore "github.com/peatedapp/peated-core"
	"github.com/peatedapp/peated-core/internal/cache"
	"github.com/peatedapp/peated-core/internal/config"
	"github.com/peatedapp/peated-core/internal/logging"
	"github.com/peatedapp/peated-core/internal/models"
	"github.com/peatedapp/peated-core/internal/optimistic"
)

const callTimeout = 30 * time.Second

var (
	coreMu sync.RWMutex
	core   *peatedcore.Client

	bridge = &ffiTransport{}

	lastMu  sync.RWMutex
	lastErr string
)

// =====================================================
// Lifecycle
// =====================================================

//export Init
// Init brings up the core with storage under dataDir. configDir may
// name a directory containing config.yaml; pass empty for defaults.
// Returns 0 on success.
func Init(dataDir, configDir *C.char) C.int {
	coreMu.Lock()
	defer coreMu.Unlock()

	if core != nil {
		return 0
	}

	cfg, err := config.Load(C.GoString(configDir))
	if err != nil {
		setLastError(err.Error())
		return 1
	}
	if dir := C.GoString(dataDir); dir != "" {
		cfg.Store.DataDir = dir
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		setLastError(err.Error())
		return 1
	}

	client, err := peatedcore.New(peatedcore.Options{
		Config:  cfg,
		Fetcher: bridge,
		Mutator: bridge,
		Logger:  log,
	})
	if err != nil {
		setLastError(err.Error())
		return 1
	}

	if err := client.Start(context.Background()); err != nil {
		client.Stop()
		setLastError(err.Error())
		return 1
	}

	core = client
	return 0
}

//export RegisterTransport
// RegisterTransport installs the host's network callbacks. Call before
// or after Init; until registered, every network attempt fails as a
// network error and queued work waits.
func RegisterTransport(fetch C.peated_fetch_fn, send C.peated_send_fn) {
	bridge.register(fetch, send)
}

//export SetNetworkState
// SetNetworkState feeds a platform reachability report into the core.
// Regaining connectivity triggers a queue drain.
func SetNetworkState(connected, expensive, constrained C.int) {
	c := getCore()
	if c == nil {
		return
	}
	c.PushNetworkState(models.NetworkState{
		IsConnected:   connected != 0,
		IsExpensive:   expensive != 0,
		IsConstrained: constrained != 0,
	})
}

//export Cleanup
// Cleanup stops background work and closes the store.
func Cleanup() {
	coreMu.Lock()
	defer coreMu.Unlock()

	if core != nil {
		core.Stop()
		core = nil
	}
}

// =====================================================
// Feed Operations
// =====================================================

//export FeedRead
// FeedRead returns the partition's feed as JSON. force != 0 bypasses
// freshness windows. Returns NULL on failure; see GetLastError.
func FeedRead(partition *C.char, force C.int) *C.char {
	c := getCore()
	if c == nil {
		setLastError("core not initialized")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	res, err := c.ReadFeed(ctx, C.GoString(partition), force != 0)
	if err != nil {
		setLastError(err.Error())
		return nil
	}
	return feedResultJSON(res)
}

//export FeedLoadMore
// FeedLoadMore extends the partition's feed by one server page.
func FeedLoadMore(partition *C.char) *C.char {
	c := getCore()
	if c == nil {
		setLastError("core not initialized")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	res, err := c.LoadMore(ctx, C.GoString(partition))
	if err != nil {
		setLastError(err.Error())
		return nil
	}
	return feedResultJSON(res)
}

//export FeedSetActive
// FeedSetActive marks the partition the user is looking at.
func FeedSetActive(partition *C.char) {
	if c := getCore(); c != nil {
		c.SetActiveFeed(C.GoString(partition))
	}
}

//export RecordGet
// RecordGet returns one record as {"record":...,"is_fresh":bool}.
func RecordGet(id *C.char, force C.int) *C.char {
	c := getCore()
	if c == nil {
		setLastError("core not initialized")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	rec, fresh, err := c.ReadRecord(ctx, C.GoString(id), force != 0)
	if err != nil {
		setLastError(err.Error())
		return nil
	}
	return marshalC(map[string]interface{}{
		"record":   json.RawMessage(rec.Payload),
		"is_fresh": fresh,
	})
}

// =====================================================
// Mutations
// =====================================================

//export ToastToggle
// ToastToggle optimistically flips the user's toast on a tasting and
// returns the settlement outcome.
func ToastToggle(tastingID *C.char) *C.char {
	c := getCore()
	if c == nil {
		setLastError("core not initialized")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	out, err := c.ToggleToast(ctx, C.GoString(tastingID))
	if err != nil {
		setLastError(err.Error())
		return nil
	}
	return outcomeJSON(out)
}

//export OperationSubmit
// OperationSubmit routes any other mutation through the online-or-queue
// path. opType is one of the operation type strings; payload is JSON.
func OperationSubmit(opType, payload *C.char) *C.char {
	c := getCore()
	if c == nil {
		setLastError("core not initialized")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	out, err := c.Submit(ctx, models.OperationType(C.GoString(opType)), []byte(C.GoString(payload)))
	if err != nil {
		setLastError(err.Error())
		return nil
	}
	return outcomeJSON(out)
}

// =====================================================
// Sync Inspection
// =====================================================

//export SyncTrigger
// SyncTrigger requests an immediate queue drain. Returns 1 when a
// drain was started.
func SyncTrigger() C.int {
	c := getCore()
	if c == nil {
		return 0
	}
	if c.TriggerSync() {
		return 1
	}
	return 0
}

//export SyncStatus
// SyncStatus reports coordinator state plus queue depths as JSON.
func SyncStatus() *C.char {
	c := getCore()
	if c == nil {
		setLastError("core not initialized")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	status, err := c.SyncStatus(ctx)
	if err != nil {
		setLastError(err.Error())
		return nil
	}
	return marshalC(status)
}

//export SyncFailedList
// SyncFailedList returns failed operations, oldest first, as JSON.
func SyncFailedList() *C.char {
	c := getCore()
	if c == nil {
		setLastError("core not initialized")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	failed, err := c.FailedOperations(ctx)
	if err != nil {
		setLastError(err.Error())
		return nil
	}
	return marshalC(map[string]interface{}{"operations": failed, "total": len(failed)})
}

//export SyncRetryFailed
// SyncRetryFailed returns failed operations to the queue and kicks a
// drain when connected. Returns the number retried, -1 on error.
func SyncRetryFailed() C.longlong {
	c := getCore()
	if c == nil {
		setLastError("core not initialized")
		return -1
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	n, err := c.RetryFailed(ctx)
	if err != nil {
		setLastError(err.Error())
		return -1
	}
	return C.longlong(n)
}

//export SyncPurgeFailed
// SyncPurgeFailed permanently discards failed operations. Returns the
// number purged, -1 on error.
func SyncPurgeFailed() C.longlong {
	c := getCore()
	if c == nil {
		setLastError("core not initialized")
		return -1
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	n, err := c.PurgeFailed(ctx)
	if err != nil {
		setLastError(err.Error())
		return -1
	}
	return C.longlong(n)
}

//export CacheStats
// CacheStats reports feed cache occupancy and eviction counters.
func CacheStats() *C.char {
	c := getCore()
	if c == nil {
		setLastError("core not initialized")
		return nil
	}
	return marshalC(c.CacheStats())
}

// =====================================================
// Memory Management Helpers
// =====================================================

//export GetLastError
// GetLastError returns the last error message as a C string the host
// must free.
func GetLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return C.CString(lastErr)
}

//export FreeString
// FreeString releases a string returned by this library.
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

func getCore() *peatedcore.Client {
	coreMu.RLock()
	defer coreMu.RUnlock()
	return core
}

func setLastError(msg string) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = msg
}

// feedResultJSON inlines record payloads so the host receives the raw
// server objects, not base64 blobs.
func feedResultJSON(res *cache.FeedResult) *C.char {
	items := make([]json.RawMessage, 0, len(res.Records))
	for _, rec := range res.Records {
		items = append(items, json.RawMessage(rec.Payload))
	}
	return marshalC(map[string]interface{}{
		"partition": res.Partition,
		"items":     items,
		"cursor":    res.Cursor,
		"has_more":  res.HasMore,
		"is_fresh":  res.IsFresh,
	})
}

func outcomeJSON(out *optimistic.Outcome) *C.char {
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
	return marshalC(view)
}

func marshalC(v interface{}) *C.char {
	data, err := json.Marshal(v)
	if err != nil {
		setLastError("failed to serialize: " + err.Error())
		return nil
	}
	return C.CString(string(data))
}

func main() {
	// Required for c-shared build mode; never runs when loaded as a
	// library.
}
