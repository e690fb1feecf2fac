// Package peatedcore is the embeddable offline data layer for Peated
// mobile clients. It owns the on-device SQLite store, a partitioned
// feed cache with stale-while-revalidate reads, a durable queue of
// offline mutations and the coordinator that drains the queue when
// connectivity returns. The host application supplies the network
// transport and reachability signals; the core decides when to use
// them.
package peatedcore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peatedapp/peated-core/internal/cache"
	"github.com/peatedapp/peated-core/internal/config"
	"github.com/peatedapp/peated-core/internal/db"
	"github.com/peatedapp/peated-core/internal/errors"
	"github.com/peatedapp/peated-core/internal/models"
	"github.com/peatedapp/peated-core/internal/optimistic"
	"github.com/peatedapp/peated-core/internal/remote"
	coresync "github.com/peatedapp/peated-core/internal/sync"
	"github.com/peatedapp/peated-core/internal/sync/queue"
)

// Re-exported feed partition keys for hosts that do not import the
// internal models package.
const (
	FeedFriends  = models.FeedFriends
	FeedPersonal = models.FeedPersonal
	FeedGlobal   = models.FeedGlobal
)

// Options configures a Client. Fetcher and Mutator are the host's
// network layer and are required. Reachability is optional; without it
// the client starts offline and the host drives connectivity through
// PushNetworkState.
type Options struct {
	Config       *config.Config
	Fetcher      remote.Fetcher
	Mutator      remote.Mutator
	Reachability remote.Reachability
	Logger       *zap.Logger
}

// Client is the top-level handle the host application embeds. All
// methods are safe for concurrent use.
type Client struct {
	cfg     *config.Config
	log     *zap.Logger
	db      *db.DB
	store   *db.Store
	cache   *cache.FeedCache
	manager *cache.Manager
	queue   *queue.Queue
	coord   *coresync.Coordinator
	control *optimistic.Controller
	reach   remote.Reachability
	hub     *remote.Hub

	hookMu   sync.Mutex
	settled  []func(op *models.OfflineOperation, err error)
	stopOnce sync.Once
	stopErr  error
}

// New opens the local store, applies migrations and wires the core
// components. The client is inert until Start.
func New(opts Options) (*Client, error) {
	if opts.Fetcher == nil || opts.Mutator == nil {
		return nil, errors.New(errors.ErrInvalid, "fetcher and mutator are required")
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid configuration", err)
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var hub *remote.Hub
	reach := opts.Reachability
	if reach == nil {
		hub = remote.NewHub(models.Offline)
		reach = hub
	}

	database, err := db.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to open store", err)
	}
	if err := db.NewMigrator(database.DB).Setup(); err != nil {
		database.Close()
		return nil, err
	}

	store := db.NewStore(database.DB)
	feedCache := cache.NewFeedCache(cfg.Cache, log.Named("cache"))
	manager := cache.NewManager(store, feedCache, opts.Fetcher, cfg.Cache, log.Named("cache"))
	q := queue.New(store, cfg.Queue, log.Named("queue"))
	coord := coresync.NewCoordinator(q, opts.Mutator, reach, cfg.Sync, log.Named("sync"))
	control := optimistic.NewController(store, q, opts.Mutator, reach, log.Named("optimistic"))

	c := &Client{
		cfg:     cfg,
		log:     log,
		db:      database,
		store:   store,
		cache:   feedCache,
		manager: manager,
		queue:   q,
		coord:   coord,
		control: control,
		reach:   reach,
		hub:     hub,
	}

	// Drained operations settle back into local records; permanently
	// failed ones trigger a refetch so local state converges on the
	// server instead of keeping a mutation that never happened.
	coord.SetOnCompleted(func(op *models.OfflineOperation, ack *remote.Ack) {
		control.HandleQueuedCompletion(op, ack)
		c.notifySettled(op, nil)
	})
	coord.SetOnFailed(func(op *models.OfflineOperation, cause error) {
		c.reconcileFailed(op, cause)
		c.notifySettled(op, cause)
	})

	return c, nil
}

// Start brings up the sync coordinator: crash recovery, expiry sweep,
// schedules and the reachability watch.
func (c *Client) Start(ctx context.Context) error {
	return c.coord.Start(ctx)
}

// Stop shuts down background work and closes the store. Safe to call
// more than once.
func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		c.coord.Stop()
		c.manager.Close()
		c.store.Close()
		c.stopErr = c.db.Close()
	})
	return c.stopErr
}

// =====================================================
// Feed Reads
// =====================================================

// ReadFeed returns the named feed partition, serving cached data when
// fresh and revalidating in the background or synchronously per the
// freshness window. force skips the windows and always hits the server.
func (c *Client) ReadFeed(ctx context.Context, partition string, force bool) (*cache.FeedResult, error) {
	return c.manager.ReadFeed(ctx, partition, force)
}

// LoadMore extends the partition's feed by one server page.
func (c *Client) LoadMore(ctx context.Context, partition string) (*cache.FeedResult, error) {
	return c.manager.LoadMore(ctx, partition)
}

// ReadRecord returns a single record with the same freshness protocol
// as ReadFeed. The bool reports whether the record is fresh.
func (c *Client) ReadRecord(ctx context.Context, id string, force bool) (*models.CachedRecord, bool, error) {
	return c.manager.ReadRecord(ctx, id, force)
}

// SetActiveFeed marks the partition the user is looking at. The active
// partition is the last to lose cache memory and the first to refresh.
func (c *Client) SetActiveFeed(partition string) {
	c.manager.SetActive(partition)
}

// OnFeedRefresh registers a hook invoked when a background refresh
// lands new data for the active partition. UI layers use it to show a
// "new items" affordance.
func (c *Client) OnFeedRefresh(fn cache.RefreshFunc) {
	c.manager.SetOnRefresh(fn)
}

// InvalidateFeeds drops all cached feed indexes. Stored records remain;
// the next read refetches from the server.
func (c *Client) InvalidateFeeds() {
	c.cache.InvalidateAll()
}

// CacheStats reports feed cache occupancy and eviction counters.
func (c *Client) CacheStats() cache.Stats {
	return c.cache.Stats()
}

// =====================================================
// Mutations
// =====================================================

// ToggleToast optimistically flips the user's toast on a tasting and
// settles it against the server.
func (c *Client) ToggleToast(ctx context.Context, tastingID string) (*optimistic.Outcome, error) {
	return c.control.ToggleToast(ctx, tastingID)
}

// Submit routes any other mutation through the online-or-queue path.
func (c *Client) Submit(ctx context.Context, opType models.OperationType, payload json.RawMessage) (*optimistic.Outcome, error) {
	return c.control.Submit(ctx, opType, payload)
}

// =====================================================
// Sync and Queue Inspection
// =====================================================

// TriggerSync requests an immediate queue drain. Returns false when
// offline or when a drain is already running.
func (c *Client) TriggerSync() bool {
	return c.coord.TriggerDrain()
}

// SyncStatus reports coordinator state plus queue depths.
func (c *Client) SyncStatus(ctx context.Context) (*coresync.Status, error) {
	return c.coord.Status(ctx)
}

// FailedOperations lists operations that exhausted retries or were
// rejected, oldest first, for a sync issues screen.
func (c *Client) FailedOperations(ctx context.Context) ([]*models.OfflineOperation, error) {
	return c.queue.ListFailed(ctx)
}

// RetryFailed returns failed operations to the pending state and kicks
// a drain if connected.
func (c *Client) RetryFailed(ctx context.Context) (int64, error) {
	n, err := c.queue.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.coord.TriggerDrain()
	}
	return n, nil
}

// PurgeFailed permanently discards failed operations.
func (c *Client) PurgeFailed(ctx context.Context) (int64, error) {
	return c.queue.PurgeFailed(ctx)
}

// OnOperationSettled registers a hook invoked after a queued operation
// finishes draining: err is nil when the server accepted it, the final
// error otherwise. UI layers use it for sync banners and toasts.
func (c *Client) OnOperationSettled(fn func(op *models.OfflineOperation, err error)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.settled = append(c.settled, fn)
}

func (c *Client) notifySettled(op *models.OfflineOperation, err error) {
	c.hookMu.Lock()
	hooks := make([]func(*models.OfflineOperation, error), len(c.settled))
	copy(hooks, c.settled)
	c.hookMu.Unlock()

	for _, fn := range hooks {
		fn(op, err)
	}
}

// =====================================================
// Connectivity
// =====================================================

// PushNetworkState feeds a platform reachability report into the core.
// No-op when the host supplied its own Reachability implementation.
func (c *Client) PushNetworkState(state models.NetworkState) {
	if c.hub != nil {
		c.hub.Push(state)
	}
}

// NetworkState returns the connectivity snapshot the core is acting on.
func (c *Client) NetworkState() models.NetworkState {
	return c.reach.Current()
}

// reconcileFailed refetches the record behind a permanently failed
// operation so the optimistic local value converges on server truth.
func (c *Client) reconcileFailed(op *models.OfflineOperation, cause error) {
	c.log.Warn("operation failed permanently",
		zap.String("id", string(op.ID)),
		zap.String("type", string(op.Type)),
		zap.Error(cause))

	if op.Type != models.OpToggleToast {
		return
	}
	var intent struct {
		TastingID string `json:"tasting_id"`
	}
	if err := json.Unmarshal(op.Payload, &intent); err != nil || intent.TastingID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, _, err := c.manager.ReadRecord(ctx, intent.TastingID, true); err != nil {
		c.log.Debug("failed to refetch after permanent failure",
			zap.String("tasting_id", intent.TastingID), zap.Error(err))
	}
}
