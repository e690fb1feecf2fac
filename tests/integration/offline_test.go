// Integration tests for the offline-first workflow: every read and
// mutation must work without connectivity, and queued work must drain
// in order once the network returns.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	peatedcore "github.com/peatedapp/peated-core"
	"github.com/peatedapp/peated-core/internal/config"
	"github.com/peatedapp/peated-core/internal/errors"
	"github.com/peatedapp/peated-core/internal/models"
	"github.com/peatedapp/peated-core/internal/optimistic"
	"github.com/peatedapp/peated-core/internal/remote"
)

// scriptedServer stands in for the Peated API: it serves fixed feed
// pages and acknowledges mutations, recording everything it is asked.
type scriptedServer struct {
	mu      sync.Mutex
	pages   map[string]*remote.Page
	items   map[string]*remote.Item
	fetches int
	sends   []*models.OfflineOperation
	sendErr error
	acks    map[models.OperationType]*remote.Ack
}

func newScriptedServer() *scriptedServer {
	return &scriptedServer{
		pages: make(map[string]*remote.Page),
		items: make(map[string]*remote.Item),
		acks:  make(map[models.OperationType]*remote.Ack),
	}
}

func (s *scriptedServer) FetchPage(_ context.Context, partition, cursor string, _ int) (*remote.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if page, ok := s.pages[partition]; ok {
		return page, nil
	}
	return nil, errors.New(errors.ErrNetwork, "connection refused")
}

func (s *scriptedServer) FetchOne(_ context.Context, id string) (*remote.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if item, ok := s.items[id]; ok {
		return item, nil
	}
	return nil, errors.New(errors.ErrNetwork, "connection refused")
}

func (s *scriptedServer) Send(_ context.Context, op *models.OfflineOperation) (*remote.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	clone := *op
	s.sends = append(s.sends, &clone)
	return s.acks[op.Type], nil
}

func (s *scriptedServer) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *scriptedServer) sentTypes() []models.OperationType {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]models.OperationType, 0, len(s.sends))
	for _, op := range s.sends {
		types = append(types, op.Type)
	}
	return types
}

func (s *scriptedServer) setAck(opType models.OperationType, ack *remote.Ack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks[opType] = ack
}

func (s *scriptedServer) setSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// startClient builds a started core over dataDir wired to the server.
func startClient(t *testing.T, server *scriptedServer, dataDir string) *peatedcore.Client {
	t.Helper()

	cfg := config.Default()
	cfg.Store.DataDir = dataDir

	client, err := peatedcore.New(peatedcore.Options{
		Config:  cfg,
		Fetcher: server,
		Mutator: server,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return client
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func seedFeed(server *scriptedServer, partition string, n int) {
	page := &remote.Page{NextCursor: partition + "-c1", HasMore: true}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-t%d", partition, i)
		payload := fmt.Sprintf(`{"id":%q,"hasToasted":false,"toasts":%d}`, id, i)
		page.Items = append(page.Items, remote.Item{ID: id, Payload: []byte(payload)})
	}
	server.mu.Lock()
	server.pages[partition] = page
	server.mu.Unlock()
}

func toastState(t *testing.T, payload []byte) (bool, int) {
	t.Helper()
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("record payload is not JSON: %v", err)
	}
	toasted, _ := doc["hasToasted"].(bool)
	count, _ := doc["toasts"].(float64)
	return toasted, int(count)
}

// TestOfflineLifecycle walks the core workflow: warm the cache online,
// lose the network, keep reading and mutating locally, then reconnect
// and watch the queue drain in order and reconcile.
func TestOfflineLifecycle(t *testing.T) {
	server := newScriptedServer()
	seedFeed(server, models.FeedFriends, 3)

	client := startClient(t, server, t.TempDir())
	defer client.Stop()

	client.PushNetworkState(models.NetworkState{IsConnected: true})

	// Online read populates the snapshot and the record store.
	res, err := client.ReadFeed(context.Background(), models.FeedFriends, false)
	if err != nil {
		t.Fatalf("ReadFeed() error = %v", err)
	}
	if len(res.Records) != 3 || !res.IsFresh {
		t.Fatalf("ReadFeed() = %d records, fresh=%v; want 3 fresh", len(res.Records), res.IsFresh)
	}
	warmFetches := server.fetchCount()

	client.PushNetworkState(models.NetworkState{})

	// Offline reads serve the snapshot without touching the network.
	res, err = client.ReadFeed(context.Background(), models.FeedFriends, false)
	if err != nil {
		t.Fatalf("offline ReadFeed() error = %v", err)
	}
	if len(res.Records) != 3 {
		t.Errorf("offline ReadFeed() = %d records, want 3", len(res.Records))
	}
	if got := server.fetchCount(); got != warmFetches {
		t.Errorf("offline read hit the network: fetches %d -> %d", warmFetches, got)
	}

	// Offline mutations apply locally and queue for replay.
	out, err := client.ToggleToast(context.Background(), "friends-t0")
	if err != nil {
		t.Fatalf("ToggleToast() error = %v", err)
	}
	if out.State != optimistic.StateQueued {
		t.Errorf("ToggleToast() state = %q, want queued", out.State)
	}
	if toasted, count := toastState(t, out.Record.Payload); !toasted || count != 1 {
		t.Errorf("optimistic record = (%v, %d), want (true, 1)", toasted, count)
	}

	out, err = client.Submit(context.Background(), models.OpAddComment,
		json.RawMessage(`{"tasting_id":"friends-t0","comment":"lovely dram"}`))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if out.State != optimistic.StateQueued {
		t.Errorf("Submit() state = %q, want queued", out.State)
	}

	status, err := client.SyncStatus(context.Background())
	if err != nil {
		t.Fatalf("SyncStatus() error = %v", err)
	}
	if status.Pending != 2 {
		t.Errorf("Pending = %d, want 2", status.Pending)
	}

	// The server confirms the toggle with an authoritative count.
	ten := int64(10)
	server.setAck(models.OpToggleToast, &remote.Ack{ToastCount: &ten})

	client.PushNetworkState(models.NetworkState{IsConnected: true})

	waitFor(t, func() bool {
		s, err := client.SyncStatus(context.Background())
		return err == nil && s.Pending == 0
	}, "queue never drained after reconnect")

	if types := server.sentTypes(); len(types) != 2 ||
		types[0] != models.OpToggleToast || types[1] != models.OpAddComment {
		t.Errorf("replay order = %v, want [toggle_toast add_comment]", types)
	}

	// The acknowledged count lands on the local record.
	waitFor(t, func() bool {
		rec, _, err := client.ReadRecord(context.Background(), "friends-t0", false)
		if err != nil {
			return false
		}
		toasted, count := toastState(t, rec.Payload)
		return toasted && count == 10
	}, "acknowledged toast count never reconciled")
}

// TestQueueSurvivesRestart verifies queued work is durable across a
// full stop and reopen of the data directory.
func TestQueueSurvivesRestart(t *testing.T) {
	server := newScriptedServer()
	dataDir := t.TempDir()

	client := startClient(t, server, dataDir)

	out, err := client.Submit(context.Background(), models.OpFollowUser,
		json.RawMessage(`{"user_id":"u42"}`))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if out.State != optimistic.StateQueued {
		t.Fatalf("Submit() state = %q, want queued while offline", out.State)
	}
	if err := client.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	reopened := startClient(t, server, dataDir)
	defer reopened.Stop()

	status, err := reopened.SyncStatus(context.Background())
	if err != nil {
		t.Fatalf("SyncStatus() error = %v", err)
	}
	if status.Pending != 1 {
		t.Fatalf("Pending after restart = %d, want 1", status.Pending)
	}

	reopened.PushNetworkState(models.NetworkState{IsConnected: true})
	waitFor(t, func() bool {
		s, err := reopened.SyncStatus(context.Background())
		return err == nil && s.Pending == 0
	}, "recovered queue never drained")

	if types := server.sentTypes(); len(types) != 1 || types[0] != models.OpFollowUser {
		t.Errorf("replayed = %v, want [follow_user]", types)
	}
}

// TestOnlineRejectionRollsBack verifies a server rejection undoes the
// optimistic write and surfaces the server's message.
func TestOnlineRejectionRollsBack(t *testing.T) {
	server := newScriptedServer()
	seedFeed(server, models.FeedFriends, 1)

	client := startClient(t, server, t.TempDir())
	defer client.Stop()

	client.PushNetworkState(models.NetworkState{IsConnected: true})
	if _, err := client.ReadFeed(context.Background(), models.FeedFriends, false); err != nil {
		t.Fatalf("ReadFeed() error = %v", err)
	}

	server.setSendErr(errors.New(errors.ErrSemantic, "tasting was deleted"))

	out, err := client.ToggleToast(context.Background(), "friends-t0")
	if err != nil {
		t.Fatalf("ToggleToast() error = %v", err)
	}
	if out.State != optimistic.StateRolledBack {
		t.Errorf("state = %q, want rolled_back", out.State)
	}
	if out.Notice != "tasting was deleted" {
		t.Errorf("notice = %q, want the server message", out.Notice)
	}

	rec, _, err := client.ReadRecord(context.Background(), "friends-t0", false)
	if err != nil {
		t.Fatalf("ReadRecord() error = %v", err)
	}
	if toasted, count := toastState(t, rec.Payload); toasted || count != 0 {
		t.Errorf("record after rollback = (%v, %d), want (false, 0)", toasted, count)
	}
}
