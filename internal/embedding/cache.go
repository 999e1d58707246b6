package embedding

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// CacheConfig bounds the embedding cache by age, entry count and memory.
type CacheConfig struct {
	TTL             time.Duration // entries older than this are treated as absent
	MaxEntries      int           // hard cap on entry count
	MaxMemoryBytes  int64         // soft ceiling on estimated memory use
	CleanupInterval time.Duration // period of the background expiry sweep
}

// DefaultCacheConfig returns the production defaults: 30 minute TTL,
// 1000 entries, 50MB estimated memory, sweep every 5 minutes.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:             30 * time.Minute,
		MaxEntries:      1000,
		MaxMemoryBytes:  50 * 1024 * 1024,
		CleanupInterval: 5 * time.Minute,
	}
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	TotalRequests int64   `json:"total_requests"`
	HitRate       float64 `json:"hit_rate"`
	Entries       int     `json:"entries"`
	MemoryBytes   int64   `json:"memory_bytes"`
}

// entryOverheadBytes approximates per-entry bookkeeping (key, timestamps,
// map slot). The memory figure gates a soft ceiling, not exact heap use.
const entryOverheadBytes = 200

type cacheEntry struct {
	embedding    []float32
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  int64
}

func (e *cacheEntry) sizeBytes() int64 {
	return int64(len(e.embedding))*8 + entryOverheadBytes
}

// Cache is an in-process store of query-text to embedding-vector mappings.
// Lookups are keyed on normalized query text (lowercased, trimmed, collapsed
// whitespace) so trivially different spellings of the same query share one
// entry. Entries expire lazily on read after TTL and are purged by a
// background sweep; capacity pressure is relieved by evicting least recently
// used entries (memory ceiling) or the oldest fifth of entries (entry cap).
//
// A Cache is safe for concurrent use. Construct one per process (or per
// tenant) and inject it; there is no package-level instance.
type Cache struct {
	cfg CacheConfig

	mu      sync.Mutex
	entries map[string]*cacheEntry
	memory  int64
	hits    int64
	misses  int64

	now       func() time.Time // overridable in tests
	stop      chan struct{}
	closeOnce sync.Once
}

// NewCache creates a Cache and starts its background expiry sweep.
// Call Close to stop the sweep when the cache is no longer needed.
func NewCache(cfg CacheConfig) *Cache {
	c := &Cache{
		cfg:     cfg,
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go c.sweepLoop()
	}
	return c
}

// Get returns the cached embedding for query, or ok=false on a miss.
// An entry past its TTL counts as a miss and is deleted in place.
func (c *Cache) Get(query string) ([]float32, bool) {
	key := normalizeQuery(query)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	now := c.now()
	if now.Sub(entry.createdAt) > c.cfg.TTL {
		c.removeLocked(key)
		c.misses++
		return nil, false
	}

	entry.accessCount++
	entry.lastAccessed = now
	c.hits++
	return entry.embedding, true
}

// Set stores the embedding for query, evicting as needed to stay within the
// configured memory and entry limits. Set never fails: over capacity it
// always makes room and inserts.
func (c *Cache) Set(query string, embedding []float32) {
	key := normalizeQuery(query)
	now := c.now()
	entry := &cacheEntry{
		embedding:    embedding,
		createdAt:    now,
		lastAccessed: now,
		accessCount:  1,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.memory+entry.sizeBytes() > c.cfg.MaxMemoryBytes {
		c.evictLRULocked(entry.sizeBytes())
	}
	if len(c.entries) >= c.cfg.MaxEntries {
		c.evictOldestLocked()
	}

	if old, ok := c.entries[key]; ok {
		c.memory -= old.sizeBytes()
	}
	c.entries[key] = entry
	c.memory += entry.sizeBytes()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	s := Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		TotalRequests: total,
		Entries:       len(c.entries),
		MemoryBytes:   c.memory,
	}
	if total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Clear removes all entries and resets the hit/miss counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry)
	c.memory = 0
	c.hits = 0
	c.misses = 0
}

// Close stops the background sweep. The cache remains usable afterwards.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// sweep deletes all entries past TTL so an idle cache still shrinks.
func (c *Cache) sweep() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if now.Sub(entry.createdAt) > c.cfg.TTL {
			c.removeLocked(key)
		}
	}
}

// evictLRULocked removes least recently used entries until the cache can
// absorb incoming bytes without exceeding the memory ceiling.
func (c *Cache) evictLRULocked(incoming int64) {
	type keyed struct {
		key          string
		lastAccessed time.Time
	}
	byAccess := make([]keyed, 0, len(c.entries))
	for key, entry := range c.entries {
		byAccess = append(byAccess, keyed{key, entry.lastAccessed})
	}
	sort.Slice(byAccess, func(i, j int) bool {
		return byAccess[i].lastAccessed.Before(byAccess[j].lastAccessed)
	})

	for _, k := range byAccess {
		if c.memory+incoming <= c.cfg.MaxMemoryBytes {
			break
		}
		c.removeLocked(k.key)
	}
}

// evictOldestLocked removes the oldest ~20% of entries by insertion time.
func (c *Cache) evictOldestLocked() {
	type keyed struct {
		key       string
		createdAt time.Time
	}
	byAge := make([]keyed, 0, len(c.entries))
	for key, entry := range c.entries {
		byAge = append(byAge, keyed{key, entry.createdAt})
	}
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].createdAt.Before(byAge[j].createdAt)
	})

	removeCount := c.cfg.MaxEntries / 5
	if removeCount < 1 {
		removeCount = 1
	}
	for i := 0; i < removeCount && i < len(byAge); i++ {
		c.removeLocked(byAge[i].key)
	}
}

func (c *Cache) removeLocked(key string) {
	if entry, ok := c.entries[key]; ok {
		c.memory -= entry.sizeBytes()
		delete(c.entries, key)
	}
}

// normalizeQuery lowercases, trims, and collapses internal whitespace so
// near-identical queries map to the same cache key.
func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}
