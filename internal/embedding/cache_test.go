package embedding

import (
	"fmt"
	"math"
	"testing"
	"time"
)

func testCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:             30 * time.Minute,
		MaxEntries:      1000,
		MaxMemoryBytes:  50 * 1024 * 1024,
		CleanupInterval: 0, // no background sweep in tests unless started explicitly
	}
}

func makeVector(dims int) []float32 {
	v := make([]float32, dims)
	for i := range v {
		v[i] = float32(i%7) + 0.5
	}
	return v
}

func TestCacheSetGet(t *testing.T) {
	c := NewCache(testCacheConfig())
	defer c.Close()

	vec := makeVector(8)
	c.Set("what is our refund policy", vec)

	got, ok := c.Get("what is our refund policy")
	if !ok {
		t.Fatal("expected cache hit after Set")
	}
	if len(got) != len(vec) {
		t.Fatalf("got %d dims, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Fatalf("vector mismatch at %d: got %f, want %f", i, got[i], vec[i])
		}
	}

	if _, ok := c.Get("never seen before"); ok {
		t.Error("expected miss for unknown query")
	}
}

func TestCacheNormalization(t *testing.T) {
	c := NewCache(testCacheConfig())
	defer c.Close()

	c.Set("hello world", makeVector(4))

	if _, ok := c.Get("  Hello   World "); !ok {
		t.Error("expected hit: lookup should be case and whitespace insensitive")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	cfg := testCacheConfig()
	cfg.TTL = 30 * time.Minute
	c := NewCache(cfg)
	defer c.Close()

	base := time.Now()
	c.now = func() time.Time { return base }
	c.Set("stale query", makeVector(4))

	// Advance past TTL.
	c.now = func() time.Time { return base.Add(31 * time.Minute) }

	if _, ok := c.Get("stale query"); ok {
		t.Fatal("expected expired entry to be absent")
	}

	stats := c.Stats()
	if stats.Misses != 1 {
		t.Errorf("expired get should count as a miss, got %d misses", stats.Misses)
	}
	if stats.Entries != 0 {
		t.Errorf("expired entry should be deleted, got %d entries", stats.Entries)
	}
}

func TestCacheEntryCapEviction(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxEntries = 10
	c := NewCache(cfg)
	defer c.Close()

	for i := 0; i < 25; i++ {
		c.Set(fmt.Sprintf("query %d", i), makeVector(4))
	}

	if got := c.Stats().Entries; got > cfg.MaxEntries {
		t.Errorf("cache holds %d entries, want at most %d", got, cfg.MaxEntries)
	}
}

func TestCacheMemoryCeilingEviction(t *testing.T) {
	cfg := testCacheConfig()
	// Each 1536-dim entry estimates to 1536*8+200 bytes; allow roughly three.
	cfg.MaxMemoryBytes = 3 * (1536*8 + 200 + 1)
	c := NewCache(cfg)
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("large query %d", i), makeVector(1536))
		if got := c.Stats().MemoryBytes; got > cfg.MaxMemoryBytes {
			t.Fatalf("memory estimate %d exceeds ceiling %d after insert %d", got, cfg.MaxMemoryBytes, i)
		}
	}
}

func TestCacheLRUEvictionOrder(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxMemoryBytes = 3 * (4*8 + 200)
	c := NewCache(cfg)
	defer c.Close()

	base := time.Now()
	now := base
	c.now = func() time.Time { return now }

	c.Set("a", makeVector(4))
	now = now.Add(time.Second)
	c.Set("b", makeVector(4))
	now = now.Add(time.Second)
	c.Set("c", makeVector(4))

	// Touch "a" so "b" becomes least recently used.
	now = now.Add(time.Second)
	c.Get("a")

	now = now.Add(time.Second)
	c.Set("d", makeVector(4))

	if _, ok := c.Get("b"); ok {
		t.Error("expected LRU entry b to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("recently accessed entry a should survive eviction")
	}
}

func TestCacheHitRateAccounting(t *testing.T) {
	c := NewCache(testCacheConfig())
	defer c.Close()

	c.Set("known", makeVector(4))

	// 3 hits, 2 misses.
	c.Get("known")
	c.Get("known")
	c.Get("known")
	c.Get("unknown one")
	c.Get("unknown two")

	stats := c.Stats()
	if stats.Hits != 3 || stats.Misses != 2 {
		t.Fatalf("got hits=%d misses=%d, want 3/2", stats.Hits, stats.Misses)
	}
	if stats.TotalRequests != 5 {
		t.Errorf("total requests = %d, want 5", stats.TotalRequests)
	}
	if math.Abs(stats.HitRate-0.6) > 1e-9 {
		t.Errorf("hit rate = %f, want 0.6", stats.HitRate)
	}
}

func TestCacheClear(t *testing.T) {
	c := NewCache(testCacheConfig())
	defer c.Close()

	c.Set("q1", makeVector(4))
	c.Set("q2", makeVector(4))
	c.Get("q1")
	c.Get("nope")

	c.Clear()

	stats := c.Stats()
	if stats.Entries != 0 || stats.Hits != 0 || stats.Misses != 0 || stats.MemoryBytes != 0 {
		t.Errorf("clear should reset everything, got %+v", stats)
	}
}

func TestCacheSweepRemovesExpired(t *testing.T) {
	cfg := testCacheConfig()
	cfg.TTL = time.Minute
	c := NewCache(cfg)
	defer c.Close()

	base := time.Now()
	c.now = func() time.Time { return base }
	c.Set("old", makeVector(4))
	c.now = func() time.Time { return base.Add(30 * time.Second) }
	c.Set("fresh", makeVector(4))

	// Sweep at a point where only "old" is past TTL.
	c.now = func() time.Time { return base.Add(75 * time.Second) }
	c.sweep()

	stats := c.Stats()
	if stats.Entries != 1 {
		t.Fatalf("sweep left %d entries, want 1", stats.Entries)
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Error("fresh entry should survive the sweep")
	}
}

func TestCacheOverwriteResetsAccessCount(t *testing.T) {
	c := NewCache(testCacheConfig())
	defer c.Close()

	c.Set("q", makeVector(4))
	c.Get("q")
	c.Get("q")
	c.Set("q", makeVector(4))

	c.mu.Lock()
	entry := c.entries["q"]
	c.mu.Unlock()
	if entry.accessCount != 1 {
		t.Errorf("overwrite should reset access count to 1, got %d", entry.accessCount)
	}
}
