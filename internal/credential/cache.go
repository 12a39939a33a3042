package credential

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Cache is the process-local credential cache: one entry per instance ID.
// It is an owned object with an explicit lifecycle, injected into the
// middleware and the watcher, never ambient global state.
//
// Correctness does not depend on the background sweep: Get applies lazy
// expiration, so an entry whose expiry has passed is treated as absent (and
// evicted as a side effect) no matter when the watcher last ran. The sweep
// exists to bound memory and to refresh tokens off the request path.
//
// All operations are in-memory and non-blocking; entries returned to
// callers are copies.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	maxEntries int

	// hit/miss counters over a rolling window, for the stats peek.
	windowStart  time.Time
	windowHits   int64
	windowMisses int64

	clock func() time.Time
}

// CacheStats is the non-mutating observability snapshot.
type CacheStats struct {
	TotalEntries        int     `json:"totalEntries"`
	ExpiredEntries      int     `json:"expiredEntries"`
	RecentlyUsed        int     `json:"recentlyUsed"`
	HitRateLastHour     float64 `json:"hitRateLastHour"`
	MemoryUsageEstimate int64   `json:"memoryUsageEstimate"`
}

// recentlyUsedWindow bounds the "recently used" stats bucket.
const recentlyUsedWindow = 5 * time.Minute

// NewCache creates a cache bounded to maxEntries entries.
func NewCache(maxEntries int) *Cache {
	return NewCacheWithClock(maxEntries, time.Now)
}

// NewCacheWithClock allows tests to control time.
func NewCacheWithClock(maxEntries int, clock func() time.Time) *Cache {
	return &Cache{
		entries:     make(map[string]*Entry),
		maxEntries:  maxEntries,
		windowStart: clock(),
		clock:       clock,
	}
}

// Get returns a copy of the entry for the instance, applying lazy
// expiration: an entry whose credential expiry has passed is evicted and
// reported absent. A hit bumps LastUsed. Get never touches the store or the
// network.
func (c *Cache) Get(instanceID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	c.rollWindow(now)

	e, ok := c.entries[instanceID]
	if !ok {
		c.windowMisses++
		recordCacheOp("get", "miss")
		return Entry{}, false
	}

	if e.Credential.Expired(now) {
		// lazily invalidate: the entry must be treated as absent by all
		// readers even before the next sweep
		delete(c.entries, instanceID)
		c.windowMisses++
		recordCacheOp("get", "expired")
		return Entry{}, false
	}

	e.LastUsed = now
	c.windowHits++
	recordCacheOp("get", "hit")
	return *e, true
}

// Set inserts or fully overwrites the entry for the instance. Overwrite
// semantics, not merge: CachedAt is reset and RefreshAttempts returns to
// zero, since a fresh Set implies a fresh, trusted credential. When the
// cache is full, the least recently used entry makes room.
func (c *Cache) Set(instanceID string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	e.InstanceID = instanceID
	e.CachedAt = now
	e.LastModified = now
	if e.LastUsed.IsZero() {
		e.LastUsed = now
	}
	e.RefreshAttempts = 0

	if _, exists := c.entries[instanceID]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}

	c.entries[instanceID] = &e
	recordCacheOp("set", "success")
}

// MetadataUpdate names the fields UpdateMetadata may change. Nil fields are
// left untouched.
type MetadataUpdate struct {
	Status       *Status
	ExpiresAt    *time.Time
	Token        *string
	RefreshToken *string
}

// UpdateMetadata mutates a subset of an entry's fields in place, for
// out-of-band events such as a status change pushed from the store. Returns
// false without creating an entry when the instance is not cached; that is
// not an error.
func (c *Cache) UpdateMetadata(instanceID string, update MetadataUpdate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[instanceID]
	if !ok {
		return false
	}

	if update.Status != nil {
		e.Status = *update.Status
	}
	if update.ExpiresAt != nil {
		e.Credential.ExpiresAt = *update.ExpiresAt
	}
	if update.Token != nil {
		e.Credential.Token = *update.Token
	}
	if update.RefreshToken != nil {
		e.Credential.RefreshToken = *update.RefreshToken
	}
	e.LastModified = c.clock()
	recordCacheOp("update_metadata", "success")
	return true
}

// Remove explicitly invalidates the entry. Idempotent: removing an absent
// entry reports false and is not an error.
func (c *Cache) Remove(instanceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[instanceID]
	if ok {
		delete(c.entries, instanceID)
	}
	recordCacheOp("remove", "success")
	return ok
}

// IncrementRefreshAttempts bumps the consecutive-failure counter for the
// instance, returning the new value. Absent entries are not created; zero is
// returned.
func (c *Cache) IncrementRefreshAttempts(instanceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[instanceID]
	if !ok {
		return 0
	}
	e.RefreshAttempts++
	e.LastModified = c.clock()
	return e.RefreshAttempts
}

// ResetRefreshAttempts clears the counter after a successful refresh.
func (c *Cache) ResetRefreshAttempts(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[instanceID]; ok {
		e.RefreshAttempts = 0
		e.LastModified = c.clock()
	}
}

// CleanupInvalid removes every entry whose credential expiry has passed or
// whose status is inactive/expired, returning the count removed. Called by
// the watcher, not per-request.
func (c *Cache) CleanupInvalid(reason string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	removed := 0
	for id, e := range c.entries {
		if e.Credential.Expired(now) || e.Status == StatusInactive || e.Status == StatusExpired {
			delete(c.entries, id)
			removed++
		}
	}

	if removed > 0 {
		log.Debug().Str("reason", reason).Int("removed", removed).
			Msg("credential cache: invalid entries removed")
	}
	return removed
}

// Stats returns aggregate counters for observability. It is a peek, not a
// get: no entry is mutated or evicted.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	s := CacheStats{TotalEntries: len(c.entries)}

	var mem int64
	for _, e := range c.entries {
		if e.Credential.Expired(now) {
			s.ExpiredEntries++
		}
		if now.Sub(e.LastUsed) <= recentlyUsedWindow {
			s.RecentlyUsed++
		}
		mem += entryFootprint(e)
	}
	s.MemoryUsageEstimate = mem

	if total := c.windowHits + c.windowMisses; total > 0 {
		s.HitRateLastHour = float64(c.windowHits) / float64(total)
	}
	return s
}

// Snapshot returns copies of all entries, expired ones included. Used by
// the watcher to choose sweep candidates without holding the cache lock
// during refresh calls.
func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	return out
}

// Len reports the entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// peek returns a copy of the entry without lazy eviction or LastUsed
// mutation. Resolver-internal: it lets the slow path see entries whose
// bearer token has expired but whose refresh token and attempt counter are
// still live.
func (c *Cache) peek(instanceID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[instanceID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// evictOldestLocked drops the least recently used entry. Caller holds the
// lock.
func (c *Cache) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, e := range c.entries {
		if oldestID == "" || e.LastUsed.Before(oldest) {
			oldestID = id
			oldest = e.LastUsed
		}
	}
	if oldestID != "" {
		delete(c.entries, oldestID)
		recordCacheOp("evict", "size_pressure")
	}
}

// rollWindow resets the hit/miss counters hourly so the reported rate stays
// a last-hour figure. Caller holds the lock.
func (c *Cache) rollWindow(now time.Time) {
	if now.Sub(c.windowStart) >= time.Hour {
		c.windowStart = now
		c.windowHits = 0
		c.windowMisses = 0
	}
}

// entryFootprint approximates the heap cost of an entry: struct size plus
// string payloads.
func entryFootprint(e *Entry) int64 {
	const structOverhead = 200
	return structOverhead + int64(
		len(e.InstanceID)+len(e.UserID)+len(e.Service)+
			len(e.Credential.Token)+len(e.Credential.RefreshToken))
}
