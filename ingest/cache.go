package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/crashcache/store"
)

// ProjectCache memoizes successful key validations so the hot path skips
// the database. An entry only counts as a hit when the cached key matches
// the presented one; a changed key falls through to the database.
type ProjectCache struct {
	st  *store.Store
	ttl time.Duration

	mu      sync.RWMutex
	entries map[int64]cacheEntry
}

type cacheEntry struct {
	key      string
	cachedAt time.Time
}

// NewProjectCache builds a cache with the given entry lifetime.
func NewProjectCache(st *store.Store, ttl time.Duration) *ProjectCache {
	return &ProjectCache{
		st:      st,
		ttl:     ttl,
		entries: make(map[int64]cacheEntry),
	}
}

// Validate checks a sentry_key for a project. Returns
// store.ErrProjectNotFound for unknown projects and ErrInvalidKey for a
// key mismatch.
func (c *ProjectCache) Validate(ctx context.Context, projectID int64, key string) error {
	c.mu.RLock()
	e, ok := c.entries[projectID]
	c.mu.RUnlock()
	if ok && e.key == key && time.Since(e.cachedAt) < c.ttl {
		return nil
	}

	valid, err := c.st.ValidateProjectKey(ctx, projectID, key)
	if err != nil {
		return err
	}
	if !valid {
		return ErrInvalidKey
	}

	c.mu.Lock()
	c.entries[projectID] = cacheEntry{key: key, cachedAt: time.Now()}
	c.mu.Unlock()
	return nil
}

// Invalidate drops the cached entry for a project.
func (c *ProjectCache) Invalidate(projectID int64) {
	c.mu.Lock()
	delete(c.entries, projectID)
	c.mu.Unlock()
}

// HealthCache keeps the /health counters fresh in the background so the
// endpoint never queries the database on request.
type HealthCache struct {
	st *store.Store

	mu     sync.RWMutex
	counts store.HealthCounts
}

// NewHealthCache builds the cache and takes a first snapshot.
func NewHealthCache(ctx context.Context, st *store.Store) *HealthCache {
	h := &HealthCache{st: st}
	h.refresh(ctx)
	return h
}

// Run refreshes the snapshot every interval until ctx is cancelled.
func (h *HealthCache) Run(ctx context.Context, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			h.refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (h *HealthCache) refresh(ctx context.Context) {
	counts, err := h.st.Health(ctx)
	if err != nil {
		slog.Warn("health: snapshot refresh failed", "error", err)
		return
	}
	h.mu.Lock()
	h.counts = counts
	h.mu.Unlock()
}

// Snapshot returns the last refreshed counters.
func (h *HealthCache) Snapshot() store.HealthCounts {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.counts
}
