// Package service contains the application services: the decision
// engine and the reload coordinator.
package service

import (
	"sync"
	"time"

	"github.com/rune-labs/rune/internal/domain/decision"
)

// cacheShards is the number of independently locked cache buckets.
// Writes are spread by the low bits of the fingerprint so concurrent
// authorize calls rarely contend on the same lock.
const cacheShards = 16

// cacheEntry is a doubly-linked node in a shard's insertion-order list.
type cacheEntry struct {
	key        uint64
	dec        decision.Decision
	insertedAt time.Time
	prev       *cacheEntry
	next       *cacheEntry
}

// cacheShard holds one bucket of the decision cache. Entries are linked
// newest-first; capacity overflow prunes from the tail (oldest first).
type cacheShard struct {
	mu      sync.Mutex
	entries map[uint64]*cacheEntry
	head    *cacheEntry
	tail    *cacheEntry
	maxSize int
}

// decisionCache maps request fingerprints to recent decisions with a
// TTL and a bounded capacity. Reload invalidation happens upstream by
// bumping the epoch folded into every fingerprint, so stale entries
// become unreachable without a walk. Expired entries are removed only
// when their own key is read; Clear and capacity pruning free the rest.
type decisionCache struct {
	shards [cacheShards]cacheShard
	ttl    time.Duration
}

// newDecisionCache creates a cache with the given total capacity. A
// zero TTL disables the cache: Get always misses and Put drops.
func newDecisionCache(capacity int, ttl time.Duration) *decisionCache {
	perShard := capacity / cacheShards
	if perShard < 1 {
		perShard = 1
	}
	c := &decisionCache{ttl: ttl}
	for i := range c.shards {
		c.shards[i].entries = make(map[uint64]*cacheEntry)
		c.shards[i].maxSize = perShard
	}
	return c
}

func (c *decisionCache) shard(key uint64) *cacheShard {
	return &c.shards[key%cacheShards]
}

// Get returns the cached decision for a fingerprint if present and not
// expired. Expired entries are removed on the way out.
func (c *decisionCache) Get(key uint64, now time.Time) (decision.Decision, bool) {
	if c.ttl == 0 {
		return decision.Decision{}, false
	}
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return decision.Decision{}, false
	}
	if now.Sub(e.insertedAt) >= c.ttl {
		s.removeLocked(e)
		return decision.Decision{}, false
	}
	return e.dec, true
}

// Put stores a decision under a fingerprint, evicting the shard's
// oldest entry on capacity overflow.
func (c *decisionCache) Put(key uint64, dec decision.Decision, now time.Time) {
	if c.ttl == 0 {
		return
	}
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		e.dec = dec
		e.insertedAt = now
		s.unlinkLocked(e)
		s.pushHeadLocked(e)
		return
	}
	if len(s.entries) >= s.maxSize {
		s.removeLocked(s.tail)
	}
	e := &cacheEntry{key: key, dec: dec, insertedAt: now}
	s.entries[key] = e
	s.pushHeadLocked(e)
}

// Clear empties the cache. Called on reload so superseded entries free
// their memory immediately.
func (c *decisionCache) Clear() {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		s.entries = make(map[uint64]*cacheEntry)
		s.head = nil
		s.tail = nil
		s.mu.Unlock()
	}
}

// Size returns the current entry count across shards.
func (c *decisionCache) Size() int {
	total := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

func (s *cacheShard) pushHeadLocked(e *cacheEntry) {
	e.prev = nil
	e.next = s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *cacheShard) unlinkLocked(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (s *cacheShard) removeLocked(e *cacheEntry) {
	if e == nil {
		return
	}
	delete(s.entries, e.key)
	s.unlinkLocked(e)
}
