package service

import (
	"testing"
	"time"

	"github.com/rune-labs/rune/internal/domain/decision"
)

// TestCachePutGet tests basic hit/miss behavior.
func TestCachePutGet(t *testing.T) {
	c := newDecisionCache(100, time.Minute)
	now := time.Now()

	if _, ok := c.Get(1, now); ok {
		t.Error("hit on empty cache")
	}
	c.Put(1, decision.Decision{Effect: decision.Permit}, now)
	dec, ok := c.Get(1, now)
	if !ok || dec.Effect != decision.Permit {
		t.Errorf("Get = %v, %v", dec, ok)
	}
}

// TestCacheTTLExpiry tests that entries past the TTL stop being served.
func TestCacheTTLExpiry(t *testing.T) {
	c := newDecisionCache(100, 50*time.Millisecond)
	now := time.Now()
	c.Put(1, decision.Decision{Effect: decision.Permit}, now)

	if _, ok := c.Get(1, now.Add(49*time.Millisecond)); !ok {
		t.Error("entry expired before TTL")
	}
	if _, ok := c.Get(1, now.Add(50*time.Millisecond)); ok {
		t.Error("entry served past TTL")
	}
	if c.Size() != 0 {
		t.Error("expired entry not reclaimed on read")
	}
}

// TestCacheZeroTTLDisables tests that a zero TTL disables the cache.
func TestCacheZeroTTLDisables(t *testing.T) {
	c := newDecisionCache(100, 0)
	now := time.Now()
	c.Put(1, decision.Decision{Effect: decision.Permit}, now)
	if _, ok := c.Get(1, now); ok {
		t.Error("disabled cache served an entry")
	}
	if c.Size() != 0 {
		t.Error("disabled cache stored an entry")
	}
}

// TestCacheCapacityPruning tests oldest-first eviction on overflow.
func TestCacheCapacityPruning(t *testing.T) {
	// Capacity below the shard count pins each shard to one entry.
	c := newDecisionCache(1, time.Minute)
	now := time.Now()

	// Two keys in the same shard: the older one must be evicted.
	c.Put(0, decision.Decision{Effect: decision.Permit}, now)
	c.Put(cacheShards, decision.Decision{Effect: decision.Deny}, now.Add(time.Millisecond))

	if _, ok := c.Get(0, now.Add(2*time.Millisecond)); ok {
		t.Error("oldest entry survived overflow")
	}
	if dec, ok := c.Get(cacheShards, now.Add(2*time.Millisecond)); !ok || dec.Effect != decision.Deny {
		t.Error("newest entry evicted")
	}
}

// TestCacheClear tests reload-time clearing.
func TestCacheClear(t *testing.T) {
	c := newDecisionCache(100, time.Minute)
	now := time.Now()
	for k := uint64(0); k < 40; k++ {
		c.Put(k, decision.Decision{}, now)
	}
	if c.Size() != 40 {
		t.Fatalf("size = %d, want 40", c.Size())
	}
	c.Clear()
	if c.Size() != 0 {
		t.Errorf("size after clear = %d", c.Size())
	}
}
