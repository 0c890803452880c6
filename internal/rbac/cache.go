package rbac

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const userCacheKeyPrefix = "rbac:user:"

// Watermarks for the eviction sweep, as percentages of the configured max
// size. Crossing the high mark evicts entries with the soonest expiry until
// occupancy is back at the low mark.
const (
	cacheHighWaterPct = 80
	cacheLowWaterPct  = 50
)

// Upper bound on any snapshot string field; longer values mark the entry
// structurally invalid.
const maxSnapshotFieldLen = 256

func userCacheKey(userID string) string {
	return userCacheKeyPrefix + userID
}

type cacheEntry struct {
	snapshot *UserPermissions
	expiry   time.Time
}

// snapshotCache is a bounded TTL map from cache key to permission snapshot.
// It is owned by a single Service instance; all access goes through the
// mutex, including the janitor.
type snapshotCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	maxSize int
	logger  *slog.Logger
}

func newSnapshotCache(maxSize int, logger *slog.Logger) *snapshotCache {
	return &snapshotCache{
		entries: make(map[string]cacheEntry),
		maxSize: maxSize,
		logger:  logger,
	}
}

// get returns the cached snapshot when present, unexpired, and structurally
// valid. An invalid entry is purged and treated as a miss.
func (c *snapshotCache) get(key string, now time.Time) (*UserPermissions, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(entry.expiry) {
		delete(c.entries, key)
		return nil, false
	}
	if !validSnapshot(entry.snapshot) {
		delete(c.entries, key)
		if c.logger != nil {
			c.logger.Warn("purged structurally invalid cache entry", slog.String("key", key))
		}
		return nil, false
	}
	return entry.snapshot, true
}

func (c *snapshotCache) put(key string, snapshot *UserPermissions, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{snapshot: snapshot, expiry: now.Add(ttl)}
	c.evictLocked()
}

func (c *snapshotCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *snapshotCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

func (c *snapshotCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// sweep drops expired entries and then applies the watermark eviction. Called
// by the janitor so occupancy cannot grow unbounded under long TTLs.
func (c *snapshotCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if !now.Before(entry.expiry) {
			delete(c.entries, key)
		}
	}
	c.evictLocked()
}

// evictLocked enforces the watermarks. Entries with the soonest expiry go
// first: they are the least recently refreshed. Caller must hold the mutex.
func (c *snapshotCache) evictLocked() {
	high := c.maxSize * cacheHighWaterPct / 100
	if len(c.entries) <= high {
		return
	}
	low := c.maxSize * cacheLowWaterPct / 100

	type ranked struct {
		key    string
		expiry time.Time
	}
	order := make([]ranked, 0, len(c.entries))
	for key, entry := range c.entries {
		order = append(order, ranked{key: key, expiry: entry.expiry})
	}
	slices.SortFunc(order, func(a, b ranked) int {
		return a.expiry.Compare(b.expiry)
	})
	evicted := 0
	for _, r := range order {
		if len(c.entries) <= low {
			break
		}
		delete(c.entries, r.key)
		evicted++
	}
	if evicted > 0 && c.logger != nil {
		c.logger.Debug("evicted cold cache entries", slog.Int("count", evicted), slog.Int("remaining", len(c.entries)))
	}
}

// runJanitor sweeps on a fixed interval until the context is cancelled.
func (c *snapshotCache) runJanitor(ctx context.Context, interval time.Duration, now func() time.Time) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(now())
		}
	}
}

// validSnapshot checks the structural invariants of a cached snapshot:
// non-empty ids, non-negative role levels, permission fields present and
// within length bounds.
func validSnapshot(s *UserPermissions) bool {
	if s == nil || s.UserID == "" || len(s.UserID) > maxSnapshotFieldLen {
		return false
	}
	if s.EffectiveLevel < 0 {
		return false
	}
	for _, role := range s.Roles {
		if role.ID == "" || role.Name == "" || role.Level < 0 {
			return false
		}
		if len(role.ID) > maxSnapshotFieldLen || len(role.Name) > maxSnapshotFieldLen {
			return false
		}
	}
	for _, perm := range s.Permissions {
		if perm.ID == "" || perm.Name == "" || perm.Resource == "" || perm.Action == "" {
			return false
		}
		if len(perm.ID) > maxSnapshotFieldLen || len(perm.Name) > maxSnapshotFieldLen ||
			len(perm.Resource) > maxSnapshotFieldLen || len(perm.Action) > maxSnapshotFieldLen {
			return false
		}
	}
	return true
}
