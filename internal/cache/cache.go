// Package cache provides the in-memory partitioned feed cache and the
// stale-while-revalidate cache manager. The cache indexes record ids
// held durably by the store; it can be dropped and rebuilt at any time
// without data loss.
package cache

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peatedapp/peated-core/internal/config"
)

// RecordRef points at one stored record from a feed partition. Size is
// the estimated in-memory cost, typically the serialized payload length.
type RecordRef struct {
	ID   string
	Size int64
}

// Entry is one partition's cached view: record refs in recency order
// with no duplicates, plus pagination state. Size is derived from the
// refs and maintained on every mutation.
type Entry struct {
	Partition   string
	Refs        []RecordRef
	Cursor      string
	HasMore     bool
	LastUpdated time.Time
	Size        int64
}

// Freshness classifies an entry's age.
type Freshness int

const (
	// Fresh entries serve directly with no network activity.
	Fresh Freshness = iota
	// Aging entries serve directly but trigger a background refresh.
	Aging
	// Expired entries require a synchronous fetch.
	Expired
)

// Freshness classifies the entry against the given age windows. A zero
// LastUpdated always reads as expired.
func (e *Entry) Freshness(now time.Time, staleAfter, expireAfter time.Duration) Freshness {
	if e.LastUpdated.IsZero() {
		return Expired
	}
	age := now.Sub(e.LastUpdated)
	switch {
	case age > expireAfter:
		return Expired
	case age > staleAfter:
		return Aging
	default:
		return Fresh
	}
}

// recomputeSize rederives the entry's estimated byte cost.
func (e *Entry) recomputeSize() {
	var total int64
	for _, ref := range e.Refs {
		total += ref.Size
	}
	e.Size = total
}

// clone returns a copy safe to hand outside the cache lock.
func (e *Entry) clone() *Entry {
	cp := *e
	cp.Refs = make([]RecordRef, len(e.Refs))
	copy(cp.Refs, e.Refs)
	return &cp
}

// Stats is a point-in-time snapshot of cache occupancy.
type Stats struct {
	Partitions  int    `json:"partitions"`
	TotalBytes  int64  `json:"total_bytes"`
	Evictions   int64  `json:"evictions"`
	Truncations int64  `json:"truncations"`
	Active      string `json:"active"`
}

// FeedCache holds one Entry per feed partition under a global memory
// budget. All methods are safe for concurrent use; entries returned by
// Get are copies and never alias internal state.
type FeedCache struct {
	mu          sync.Mutex
	entries     map[string]*Entry
	active      string
	cfg         config.CacheConfig
	log         *zap.Logger
	evictions   int64
	truncations int64
}

// NewFeedCache creates an empty cache with the given budget policy.
func NewFeedCache(cfg config.CacheConfig, log *zap.Logger) *FeedCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &FeedCache{
		entries: make(map[string]*Entry),
		cfg:     cfg,
		log:     log,
	}
}

// Get returns a copy of the partition's entry, or false when absent.
func (c *FeedCache) Get(partition string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[partition]
	if !ok {
		return nil, false
	}
	return entry.clone(), true
}

// Put replaces the partition's entry with freshly fetched refs. Stamps
// lastUpdated and runs eviction.
func (c *FeedCache) Put(partition string, refs []RecordRef, cursor string, hasMore bool, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &Entry{
		Partition:   partition,
		Refs:        dedupe(refs),
		Cursor:      cursor,
		HasMore:     hasMore,
		LastUpdated: now,
	}
	c.capLocked(entry)
	entry.recomputeSize()
	c.entries[partition] = entry

	c.evictIfOverBudgetLocked()
}

// Append extends the partition's entry with the next page of refs and
// advances the pagination state. Ids already present are skipped.
// Appending to an absent partition creates it.
func (c *FeedCache) Append(partition string, refs []RecordRef, cursor string, hasMore bool, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[partition]
	if !ok {
		entry = &Entry{Partition: partition}
		c.entries[partition] = entry
	}

	seen := make(map[string]struct{}, len(entry.Refs))
	for _, ref := range entry.Refs {
		seen[ref.ID] = struct{}{}
	}
	for _, ref := range refs {
		if _, dup := seen[ref.ID]; dup {
			continue
		}
		seen[ref.ID] = struct{}{}
		entry.Refs = append(entry.Refs, ref)
	}

	entry.Cursor = cursor
	entry.HasMore = hasMore
	entry.LastUpdated = now
	c.capLocked(entry)
	entry.recomputeSize()

	c.evictIfOverBudgetLocked()
}

// dedupe drops later duplicates, preserving first-occurrence order.
func dedupe(refs []RecordRef) []RecordRef {
	out := make([]RecordRef, 0, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if _, dup := seen[ref.ID]; dup {
			continue
		}
		seen[ref.ID] = struct{}{}
		out = append(out, ref)
	}
	return out
}

// capLocked enforces the per-partition item cap, keeping only the most
// recently appended suffix. A capped partition cannot safely resume
// pagination, so hasMore is forced off.
func (c *FeedCache) capLocked(entry *Entry) {
	max := c.cfg.MaxItemsPerFeed
	if max <= 0 || len(entry.Refs) <= max {
		return
	}
	kept := make([]RecordRef, max)
	copy(kept, entry.Refs[len(entry.Refs)-max:])
	entry.Refs = kept
	entry.HasMore = false

	c.log.Debug("capped partition",
		zap.String("partition", entry.Partition),
		zap.Int("max_items", max))
}

// Invalidate drops the partition's entry. The next read rebuilds it
// from the store and a fresh fetch.
func (c *FeedCache) Invalidate(partition string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, partition)
}

// InvalidateAll drops every entry.
func (c *FeedCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
}

// SetActive marks the partition the UI is displaying. The active
// partition is evicted last and only ever by truncation.
func (c *FeedCache) SetActive(partition string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = partition
}

// Active returns the currently displayed partition.
func (c *FeedCache) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Stats returns current occupancy counters.
func (c *FeedCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Partitions:  len(c.entries),
		Evictions:   c.evictions,
		Truncations: c.truncations,
		Active:      c.active,
	}
	for _, entry := range c.entries {
		s.TotalBytes += entry.Size
	}
	return s
}

// evictIfOverBudgetLocked brings total cache size back under the global
// budget. Inactive partitions go first, oldest lastUpdated first and
// removed wholesale. If the active partition alone still exceeds the
// budget its list is halved, never below the configured floor.
func (c *FeedCache) evictIfOverBudgetLocked() {
	var total int64
	for _, entry := range c.entries {
		total += entry.Size
	}
	if total <= c.cfg.GlobalBudgetBytes {
		return
	}

	victims := make([]*Entry, 0, len(c.entries))
	for partition, entry := range c.entries {
		if partition == c.active {
			continue
		}
		victims = append(victims, entry)
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].LastUpdated.Before(victims[j].LastUpdated)
	})

	for _, entry := range victims {
		if total <= c.cfg.GlobalBudgetBytes {
			return
		}
		total -= entry.Size
		delete(c.entries, entry.Partition)
		c.evictions++

		c.log.Debug("evicted partition",
			zap.String("partition", entry.Partition),
			zap.Int64("freed_bytes", entry.Size))
	}

	if total <= c.cfg.GlobalBudgetBytes {
		return
	}

	entry, ok := c.entries[c.active]
	if !ok {
		return
	}
	half := len(entry.Refs) / 2
	if half < c.cfg.TruncateFloor {
		half = c.cfg.TruncateFloor
	}
	if half >= len(entry.Refs) {
		return
	}

	kept := make([]RecordRef, half)
	copy(kept, entry.Refs[:half])
	entry.Refs = kept
	entry.HasMore = false
	entry.recomputeSize()
	c.truncations++

	c.log.Info("truncated active partition",
		zap.String("partition", entry.Partition),
		zap.Int("kept_items", half))
}
