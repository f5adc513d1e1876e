// Package cache implements the tiered TTL cache backing the price engine: an
// in-memory layer, an optional persistent layer, and in-flight request
// de-duplication for cache-filling computations.
package cache

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// entry is one cached value with its lifecycle timestamps.
type entry struct {
	Value     any       `json:"value"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (e entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Options configures a Tiered cache.
type Options struct {
	// Store is the optional persistent layer; nil for memory-only
	Store Store

	// MaxEntries bounds the in-memory layer; 0 means unbounded
	MaxEntries int
}

// Tiered is a key-value cache with per-entry TTL. Reads check memory first
// and fall back to the persistent layer, promoting hits. Persistence failures
// are logged and never surfaced: the in-memory layer stays authoritative for
// the current process lifetime.
type Tiered struct {
	mu         sync.Mutex
	entries    map[string]entry
	store      Store
	maxEntries int
	flight     singleflight.Group
	now        func() time.Time
}

// New creates a Tiered cache.
func New(opts Options) *Tiered {
	return &Tiered{
		entries:    make(map[string]entry),
		store:      opts.Store,
		maxEntries: opts.MaxEntries,
		now:        time.Now,
	}
}

// Get returns the live value for key, or (nil, false) if absent or expired.
// Expired entries are kept so GetStale can still serve them; EvictExpired and
// the size bound reclaim the space.
func (c *Tiered) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key, false)
}

// GetStale returns the value for key even if its TTL has passed. Used as the
// last fallback when every upstream source is unavailable.
func (c *Tiered) GetStale(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key, true)
}

func (c *Tiered) getLocked(key string, allowStale bool) (any, bool) {
	now := c.now()
	if e, ok := c.entries[key]; ok {
		if !e.expired(now) || allowStale {
			return e.Value, true
		}
		return nil, false
	}

	if c.store == nil {
		return nil, false
	}
	raw, ok, err := c.store.Get(key)
	if err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Persistent cache read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil || e.ExpiresAt.IsZero() {
		// Corrupt or foreign data is a cache miss, never an error.
		logrus.WithField("key", key).Debug("Dropping unreadable persistent cache entry")
		c.storeDelete(key)
		return nil, false
	}
	// Promote into memory even when expired: the entry stays reachable for
	// GetStale without another store read.
	c.entries[key] = e
	c.evictLocked()
	if e.expired(now) && !allowStale {
		return nil, false
	}
	return e.Value, true
}

// Set writes value under key with the given TTL to memory and, if configured,
// the persistent layer.
func (c *Tiered) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e := entry{Value: value, StoredAt: now, ExpiresAt: now.Add(ttl)}
	c.entries[key] = e
	c.evictLocked()
	if c.store != nil {
		raw, err := json.Marshal(e)
		if err == nil {
			err = c.store.Put(key, raw)
		}
		if err != nil {
			logrus.WithError(err).WithField("key", key).Warn("Persistent cache write failed")
		}
	}
}

// GetOrCompute returns the cached value for key, or runs compute to fill it.
// Concurrent callers for the same key share a single in-flight computation;
// the in-flight marker clears when compute returns, so both success and
// failure unblock all waiters. Failed computations cache nothing.
func (c *Tiered) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.flight.Do(key, func() (any, error) {
		// Re-check under the flight: a racing caller may have filled it.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})
	return v, err
}

// EvictExpired removes all expired entries from the in-memory layer.
func (c *Tiered) EvictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
		}
	}
}

// Clear drops everything from both layers.
func (c *Tiered) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
	if c.store == nil {
		return nil
	}
	return c.store.Clear()
}

// Len reports the in-memory entry count.
func (c *Tiered) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked enforces the size bound by dropping oldest-by-StoredAt entries.
func (c *Tiered) evictLocked() {
	if c.maxEntries <= 0 || len(c.entries) <= c.maxEntries {
		return
	}
	type aged struct {
		key      string
		storedAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.StoredAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].storedAt.Before(all[j].storedAt) })
	for _, a := range all[:len(all)-c.maxEntries] {
		delete(c.entries, a.key)
	}
}

func (c *Tiered) storeDelete(key string) {
	if c.store == nil {
		return
	}
	if err := c.store.Delete(key); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Persistent cache delete failed")
	}
}
