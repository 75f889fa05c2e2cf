// Package cache provides the capacity-bounded expiring key/value store
// backing docmcp's credential caches.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"pkt.systems/docmcp/internal/clock"
	"pkt.systems/docmcp/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultSweepInterval paces the proactive expiry sweep when Options leaves
// it unset.
const DefaultSweepInterval = 60 * time.Second

// Options configures a Cache.
type Options struct {
	// Capacity bounds the entry count; inserting at capacity evicts the
	// single oldest entry by creation time. Zero or negative disables the
	// bound.
	Capacity int
	// Disabled switches the cache into pass-through mode: Set returns
	// false and nothing is stored.
	Disabled bool
	// SweepInterval drives the background expiry sweep started by Run.
	SweepInterval time.Duration
	Clock         clock.Clock
	Logger        pslog.Logger
	// OnHit and OnMiss are optional telemetry callbacks fired outside the
	// cache mutex.
	OnHit  func()
	OnMiss func()
}

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
}

type mutationHook struct {
	prefix string
	fn     func(key string) error
}

// Cache is a mutex-guarded expiring map. All methods are safe for
// concurrent use.
type Cache[V any] struct {
	opts   Options
	clk    clock.Clock
	logger pslog.Logger

	mu      sync.Mutex
	entries map[string]entry[V]
	hooks   []mutationHook
}

// New constructs a Cache with the supplied options.
func New[V any](opts Options) *Cache[V] {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Cache[V]{
		opts:    opts,
		clk:     clk,
		logger:  svcfields.WithSubsystem(logger, "cache"),
		entries: make(map[string]entry[V]),
	}
}

// OnMutate registers fn to run after every mutation (Set, Delete,
// ClearPrefix) of a key under prefix. Hooks run outside the cache mutex;
// a hook error is logged and swallowed so persistence trouble never fails
// the mutation that triggered it.
func (c *Cache[V]) OnMutate(prefix string, fn func(key string) error) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.hooks = append(c.hooks, mutationHook{prefix: prefix, fn: fn})
	c.mu.Unlock()
}

// Set stores value under key for ttl. It reports false when the cache is
// disabled or ttl is not positive; the entry is stored otherwise.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) bool {
	if c.opts.Disabled || ttl <= 0 {
		return false
	}
	now := c.clk.Now()

	c.mu.Lock()
	if _, exists := c.entries[key]; !exists && c.opts.Capacity > 0 && len(c.entries) >= c.opts.Capacity {
		c.evictOldestLocked()
	}
	c.entries[key] = entry[V]{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	c.mu.Unlock()

	c.fireHooks(key)
	return true
}

// Get returns the live value for key. Expired entries are deleted on
// access and reported as absent; a hit never extends the TTL.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	if c.opts.Disabled {
		c.miss()
		return zero, false
	}
	now := c.clk.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !e.expiresAt.After(now) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.miss()
		return zero, false
	}
	c.hit()
	return e.value, true
}

// Delete removes key, reporting whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	_, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if ok {
		c.fireHooks(key)
	}
	return ok
}

// ClearPrefix removes every entry whose key starts with prefix and returns
// the number removed.
func (c *Cache[V]) ClearPrefix(prefix string) int {
	c.mu.Lock()
	removed := make([]string, 0, 4)
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed = append(removed, key)
		}
	}
	c.mu.Unlock()

	for _, key := range removed {
		c.fireHooks(key)
	}
	return len(removed)
}

// Snapshot returns a copy of the live values under prefix, keyed as stored.
// Expired entries are skipped (and left for the sweep).
func (c *Cache[V]) Snapshot(prefix string) map[string]V {
	now := c.clk.Now()
	out := make(map[string]V)
	c.mu.Lock()
	for key, e := range c.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !e.expiresAt.After(now) {
			continue
		}
		out[key] = e.value
	}
	c.mu.Unlock()
	return out
}

// Len reports the current entry count, expired entries included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run drives the proactive expiry sweep until ctx is cancelled, bounding
// memory growth from keys that are never re-queried.
func (c *Cache[V]) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clk.After(c.opts.SweepInterval):
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("cache.sweep", "expired", n, "remaining", c.Len())
			}
		}
	}
}

// Sweep removes all expired entries and returns the number removed.
func (c *Cache[V]) Sweep() int {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *Cache[V]) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for key, e := range c.entries {
		if first || e.createdAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.createdAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
		c.logger.Debug("cache.evict", "key", oldestKey)
	}
}

func (c *Cache[V]) fireHooks(key string) {
	c.mu.Lock()
	hooks := make([]mutationHook, 0, len(c.hooks))
	hooks = append(hooks, c.hooks...)
	c.mu.Unlock()
	for _, hook := range hooks {
		if !strings.HasPrefix(key, hook.prefix) {
			continue
		}
		if err := hook.fn(key); err != nil {
			c.logger.Warn("cache.persist_hook_failed", "key", key, "error", err)
		}
	}
}

func (c *Cache[V]) hit() {
	if c.opts.OnHit != nil {
		c.opts.OnHit()
	}
}

func (c *Cache[V]) miss() {
	if c.opts.OnMiss != nil {
		c.opts.OnMiss()
	}
}
