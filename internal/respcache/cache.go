// Package respcache is the content-addressed, TTL-bounded response cache
// with in-flight request coalescing.
package respcache

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/quietloop/quietloop/internal/domain"
)

// Key derives the cache key from the normalized input and the frame
// signature. Same content, same key.
func Key(normalizedInput, frameSignature string) string {
	h := sha256.New()
	h.Write([]byte(normalizedInput))
	h.Write([]byte{0})
	h.Write([]byte(frameSignature))
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize lowercases, trims, and collapses interior whitespace so
// cosmetically different inputs share a key.
func Normalize(input string) string {
	return strings.Join(strings.Fields(strings.ToLower(input)), " ")
}

type entry struct {
	candidate domain.ResponseCandidate
	expiresAt time.Time
	seq       uint64 // heap entries with a lower seq for the same key are stale
}

type heapItem struct {
	key       string
	expiresAt time.Time
	seq       uint64
}

type expiryHeap []heapItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)        { *h = append(*h, x.(heapItem)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Cache stores (input, frame-signature) -> ResponseCandidate pairs with TTL
// expiry and a bounded entry count. When the ceiling is reached the entry
// closest to expiry is evicted first. GetOrCompute coalesces concurrent
// computations per key; different keys never block each other.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	expiry  expiryHeap
	max     int
	seq     uint64

	group singleflight.Group
	now   func() time.Time
}

// New creates a cache bounded to max entries.
func New(max int) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		max:     max,
		now:     time.Now,
	}
}

// SetNow overrides the clock; test hook.
func (c *Cache) SetNow(now func() time.Time) { c.now = now }

// Get returns the live candidate for key, if any.
func (c *Cache) Get(key string) (domain.ResponseCandidate, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expiresAt) {
		return domain.ResponseCandidate{}, false
	}
	return e.candidate, true
}

// Put stores candidate under key for ttl. Non-cacheable sources (crisis,
// static fallback) are silently rejected.
func (c *Cache) Put(key string, candidate domain.ResponseCandidate, ttl time.Duration) {
	if !candidate.Source.Cacheable() || ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.max {
		c.evictLocked()
	}

	c.seq++
	e := entry{candidate: candidate, expiresAt: c.now().Add(ttl), seq: c.seq}
	c.entries[key] = e
	heap.Push(&c.expiry, heapItem{key: key, expiresAt: e.expiresAt, seq: e.seq})
}

// evictLocked removes the oldest-expiring live entry. Heap items that no
// longer describe the current entry for their key are skipped lazily.
func (c *Cache) evictLocked() {
	for c.expiry.Len() > 0 {
		item := heap.Pop(&c.expiry).(heapItem)
		e, ok := c.entries[item.key]
		if !ok || e.seq != item.seq {
			continue // stale heap item, the entry was overwritten or removed
		}
		delete(c.entries, item.key)
		return
	}
}

// Len reports the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// flightResult carries a coalesced value together with its provenance, so
// callers can tell a served-from-cache value from one their flight computed.
type flightResult struct {
	cand      domain.ResponseCandidate
	fromCache bool
}

// GetOrCompute returns the cached candidate for key, or runs compute exactly
// once across all concurrent callers of the same key and caches its result
// for ttl. The hit return is true only when this caller's value came out of
// the cache or out of another caller's flight; the caller whose compute
// actually ran is never reported as a hit. Waiting on a flight honors ctx:
// a cancelled waiter unblocks with ctx.Err() while the flight finishes for
// the others.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (domain.ResponseCandidate, error)) (domain.ResponseCandidate, bool, error) {
	if cand, ok := c.Get(key); ok {
		return cand, true, nil
	}

	executedHere := false
	ch := c.group.DoChan(key, func() (any, error) {
		// Double-check under the flight: another caller may have stored the
		// value between our miss and acquiring the flight.
		if cand, ok := c.Get(key); ok {
			return flightResult{cand: cand, fromCache: true}, nil
		}
		executedHere = true
		cand, err := compute(ctx)
		if err != nil {
			return flightResult{}, err
		}
		c.Put(key, cand, ttl)
		return flightResult{cand: cand}, nil
	})

	select {
	case <-ctx.Done():
		return domain.ResponseCandidate{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.ResponseCandidate{}, false, res.Err
		}
		fr := res.Val.(flightResult)
		return fr.cand, fr.fromCache || !executedHere, nil
	}
}
