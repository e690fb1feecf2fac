package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peatedapp/peated-core/internal/config"
	"github.com/peatedapp/peated-core/internal/db"
	"github.com/peatedapp/peated-core/internal/errors"
	"github.com/peatedapp/peated-core/internal/models"
	"github.com/peatedapp/peated-core/internal/remote"
)

// backgroundTimeout bounds refresh tasks the caller is not waiting on.
const backgroundTimeout = 30 * time.Second

// FeedResult is the materialized view of one partition handed to the
// UI: resolved records in feed order plus pagination state. IsFresh is
// false only when a fetch failed and stale data is being served.
type FeedResult struct {
	Partition string
	Records   []*models.CachedRecord
	Cursor    string
	HasMore   bool
	IsFresh   bool
}

// RefreshFunc receives background refresh results for the active
// partition so the UI can republish without polling.
type RefreshFunc func(result *FeedResult)

// refreshTask tracks one in-flight background feed refresh.
type refreshTask struct {
	cancel context.CancelFunc
}

// Manager orchestrates stale-while-revalidate reads over the feed cache
// and the store. Fresh entries serve directly, aging entries serve
// while one deduplicated background refresh runs, and missing or
// expired entries fetch synchronously. Background results publish under
// a per-partition generation check so a forced refresh started later
// always wins.
type Manager struct {
	store   *db.Store
	cache   *FeedCache
	fetcher remote.Fetcher
	cfg     config.CacheConfig
	log     *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	gens        map[string]uint64
	feedTasks   map[string]*refreshTask
	recordTasks map[string]struct{}
	onRefresh   RefreshFunc
}

// NewManager creates a manager over the given store, cache and fetcher.
func NewManager(store *db.Store, feedCache *FeedCache, fetcher remote.Fetcher, cfg config.CacheConfig, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:       store,
		cache:       feedCache,
		fetcher:     fetcher,
		cfg:         cfg,
		log:         log,
		baseCtx:     baseCtx,
		cancel:      cancel,
		gens:        make(map[string]uint64),
		feedTasks:   make(map[string]*refreshTask),
		recordTasks: make(map[string]struct{}),
	}
}

// SetOnRefresh registers the republish callback. Pass nil to clear.
func (m *Manager) SetOnRefresh(fn RefreshFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRefresh = fn
}

// Close cancels outstanding background work and waits for it to stop.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// ReadFeed returns the partition's page-one view. Non-expired entries
// return without network activity; aging entries additionally trigger
// one background refresh. Missing or expired entries, and any read with
// force set, fetch synchronously. A failed synchronous fetch falls back
// to whatever cached data exists, marked not fresh.
func (m *Manager) ReadFeed(ctx context.Context, partition string, force bool) (*FeedResult, error) {
	entry, ok := m.cache.Get(partition)
	if !force && ok {
		switch entry.Freshness(time.Now(), m.cfg.StaleAfter, m.cfg.ExpireAfter) {
		case Fresh:
			return m.materialize(ctx, entry, true)
		case Aging:
			m.refreshInBackground(partition)
			return m.materialize(ctx, entry, true)
		}
	}
	return m.fetchFeed(ctx, partition, entry, ok)
}

// LoadMore fetches the next page of a partition and extends its entry,
// returning the full extended view. Without pagination state to extend
// the current view is returned unchanged.
func (m *Manager) LoadMore(ctx context.Context, partition string) (*FeedResult, error) {
	entry, ok := m.cache.Get(partition)
	if !ok {
		return nil, errors.New(errors.ErrCacheMiss, "no cached feed to extend: "+partition)
	}
	if !entry.HasMore {
		return m.materialize(ctx, entry, true)
	}

	gen := m.currentGen(partition)
	page, err := m.fetcher.FetchPage(ctx, partition, entry.Cursor, m.cfg.PageSize)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	records, refs := pageToRecords(page, now)

	// A refresh that replaced the list mid-flight invalidates the
	// cursor this page was fetched with; skip the append and hand back
	// whatever is current instead.
	if m.paginationValid(partition, entry.Cursor, gen) {
		if err := m.store.PutRecords(ctx, records); err != nil {
			return nil, err
		}
		if m.paginationValid(partition, entry.Cursor, gen) {
			m.cache.Append(partition, refs, page.NextCursor, page.HasMore, now)
		} else {
			m.log.Debug("discarding stale page append", zap.String("partition", partition))
		}
	} else {
		m.log.Debug("discarding stale page append", zap.String("partition", partition))
	}

	current, ok := m.cache.Get(partition)
	if !ok {
		return nil, errors.New(errors.ErrCacheMiss, "feed evicted during pagination: "+partition)
	}
	return m.materialize(ctx, current, true)
}

// ReadRecord is the single-record detail path, under the same freshness
// windows as feeds. The bool result reports whether the record is
// fresh; it is false only when a fetch failed and stale data is served.
func (m *Manager) ReadRecord(ctx context.Context, id string, force bool) (*models.CachedRecord, bool, error) {
	rec, err := m.store.GetRecord(ctx, id)
	if err != nil && !errors.IsCacheMiss(err) {
		return nil, false, err
	}
	haveCached := err == nil

	if !force && haveCached {
		age := time.Since(rec.LastUpdatedTime())
		switch {
		case age <= m.cfg.StaleAfter:
			return rec, true, nil
		case age <= m.cfg.ExpireAfter:
			m.refreshRecordInBackground(id)
			return rec, true, nil
		}
	}

	item, err := m.fetcher.FetchOne(ctx, id)
	if err != nil {
		if haveCached {
			m.log.Warn("record fetch failed, serving stale data",
				zap.String("id", id), zap.Error(err))
			return rec, false, nil
		}
		return nil, false, err
	}

	fresh := &models.CachedRecord{
		ID:          item.ID,
		Payload:     item.Payload,
		LastUpdated: time.Now().Unix(),
	}
	if err := m.store.PutRecord(ctx, fresh); err != nil {
		return nil, false, err
	}
	return fresh, true, nil
}

// SetActive switches the displayed partition. The outgoing partition's
// background refresh is cancelled and any late result discarded; the
// incoming partition gets a refresh kick when its entry is aging.
// Re-selecting the current partition is a no-op.
func (m *Manager) SetActive(partition string) {
	prev := m.cache.Active()
	if prev == partition {
		return
	}

	m.mu.Lock()
	if task, ok := m.feedTasks[prev]; ok {
		task.cancel()
		delete(m.feedTasks, prev)
	}
	m.gens[prev]++
	m.mu.Unlock()

	m.cache.SetActive(partition)

	if entry, ok := m.cache.Get(partition); ok {
		if entry.Freshness(time.Now(), m.cfg.StaleAfter, m.cfg.ExpireAfter) == Aging {
			m.refreshInBackground(partition)
		}
	}
}

// fetchFeed synchronously replaces the partition from the network,
// falling back to stale cached data when the fetch fails.
func (m *Manager) fetchFeed(ctx context.Context, partition string, stale *Entry, haveStale bool) (*FeedResult, error) {
	// A synchronous fetch supersedes any refresh already in flight
	gen := m.bumpGen(partition)

	page, err := m.fetcher.FetchPage(ctx, partition, "", m.cfg.PageSize)
	if err != nil {
		if haveStale {
			m.log.Warn("feed fetch failed, serving stale data",
				zap.String("partition", partition), zap.Error(err))
			return m.materialize(ctx, stale, false)
		}
		return nil, err
	}

	now := time.Now()
	records, refs := pageToRecords(page, now)
	if _, err := m.publishReplace(ctx, partition, gen, records, refs, page.NextCursor, page.HasMore, now); err != nil {
		return nil, err
	}

	return &FeedResult{
		Partition: partition,
		Records:   records,
		Cursor:    page.NextCursor,
		HasMore:   page.HasMore,
		IsFresh:   true,
	}, nil
}

// refreshInBackground starts at most one refresh task per partition. A
// second trigger while one is outstanding is a no-op.
func (m *Manager) refreshInBackground(partition string) {
	m.mu.Lock()
	if _, running := m.feedTasks[partition]; running {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(m.baseCtx, backgroundTimeout)
	task := &refreshTask{cancel: cancel}
	m.feedTasks[partition] = task
	gen := m.gens[partition]
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.finishFeedTask(partition, task)
		m.backgroundRefresh(ctx, partition, gen)
	}()
}

// backgroundRefresh revalidates a partition without a waiting caller.
// Failures are logged and swallowed so a refresh never worsens the
// user-visible state.
func (m *Manager) backgroundRefresh(ctx context.Context, partition string, gen uint64) {
	page, err := m.fetcher.FetchPage(ctx, partition, "", m.cfg.PageSize)
	if err != nil {
		m.log.Warn("background refresh failed",
			zap.String("partition", partition), zap.Error(err))
		return
	}

	now := time.Now()
	records, refs := pageToRecords(page, now)
	published, err := m.publishReplace(ctx, partition, gen, records, refs, page.NextCursor, page.HasMore, now)
	if err != nil {
		m.log.Warn("background refresh publish failed",
			zap.String("partition", partition), zap.Error(err))
		return
	}
	if !published {
		return
	}

	m.notifyRefresh(&FeedResult{
		Partition: partition,
		Records:   records,
		Cursor:    page.NextCursor,
		HasMore:   page.HasMore,
		IsFresh:   true,
	})
}

// refreshRecordInBackground revalidates one record, deduplicated by id.
func (m *Manager) refreshRecordInBackground(id string) {
	m.mu.Lock()
	if _, running := m.recordTasks[id]; running {
		m.mu.Unlock()
		return
	}
	m.recordTasks[id] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.recordTasks, id)
			m.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(m.baseCtx, backgroundTimeout)
		defer cancel()

		item, err := m.fetcher.FetchOne(ctx, id)
		if err != nil {
			m.log.Warn("background record refresh failed",
				zap.String("id", id), zap.Error(err))
			return
		}
		rec := &models.CachedRecord{
			ID:          item.ID,
			Payload:     item.Payload,
			LastUpdated: time.Now().Unix(),
		}
		if err := m.store.PutRecord(ctx, rec); err != nil {
			m.log.Warn("background record refresh publish failed",
				zap.String("id", id), zap.Error(err))
		}
	}()
}

// publishReplace writes fetched records through to the store and swaps
// the partition entry, unless a newer refresh superseded this gen.
// Reports whether the publish took effect.
func (m *Manager) publishReplace(ctx context.Context, partition string, gen uint64, records []*models.CachedRecord, refs []RecordRef, cursor string, hasMore bool, now time.Time) (bool, error) {
	if m.currentGen(partition) != gen {
		m.log.Debug("discarding superseded refresh", zap.String("partition", partition))
		return false, nil
	}
	if err := m.store.PutRecords(ctx, records); err != nil {
		return false, err
	}
	// The store write suspends; re-check before touching the index
	if m.currentGen(partition) != gen {
		m.log.Debug("discarding superseded refresh", zap.String("partition", partition))
		return false, nil
	}
	m.cache.Put(partition, refs, cursor, hasMore, now)
	return true, nil
}

// materialize resolves an entry's refs into records, preserving order.
func (m *Manager) materialize(ctx context.Context, entry *Entry, isFresh bool) (*FeedResult, error) {
	ids := make([]string, len(entry.Refs))
	for i, ref := range entry.Refs {
		ids[i] = ref.ID
	}
	records, err := m.store.GetRecords(ctx, ids)
	if err != nil {
		return nil, err
	}
	return &FeedResult{
		Partition: entry.Partition,
		Records:   records,
		Cursor:    entry.Cursor,
		HasMore:   entry.HasMore,
		IsFresh:   isFresh,
	}, nil
}

// paginationValid reports whether a page fetched against the given
// cursor can still be appended.
func (m *Manager) paginationValid(partition, cursor string, gen uint64) bool {
	if m.currentGen(partition) != gen {
		return false
	}
	current, ok := m.cache.Get(partition)
	return ok && current.Cursor == cursor
}

func (m *Manager) notifyRefresh(result *FeedResult) {
	if m.cache.Active() != result.Partition {
		return
	}
	m.mu.Lock()
	fn := m.onRefresh
	m.mu.Unlock()
	if fn != nil {
		fn(result)
	}
}

func (m *Manager) finishFeedTask(partition string, task *refreshTask) {
	m.mu.Lock()
	if m.feedTasks[partition] == task {
		delete(m.feedTasks, partition)
	}
	m.mu.Unlock()
	task.cancel()
}

func (m *Manager) bumpGen(partition string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gens[partition]++
	return m.gens[partition]
}

func (m *Manager) currentGen(partition string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gens[partition]
}

// pageToRecords converts a fetched page into store records and cache refs.
func pageToRecords(page *remote.Page, now time.Time) ([]*models.CachedRecord, []RecordRef) {
	records := make([]*models.CachedRecord, 0, len(page.Items))
	refs := make([]RecordRef, 0, len(page.Items))
	for _, item := range page.Items {
		records = append(records, &models.CachedRecord{
			ID:          item.ID,
			Payload:     item.Payload,
			LastUpdated: now.Unix(),
		})
		refs = append(refs, RecordRef{ID: item.ID, Size: int64(len(item.Payload))})
	}
	return records, refs
}
