// Package rpccache implements a TTL-plus-LRU bounded result cache in
// front of the upstream pool, with concurrent callers for the same key
// coalesced into a single in-flight computation via
// golang.org/x/sync/singleflight.
package rpccache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/quantedge/rpcrelay/internal/events"
)

// Config holds the cache's tunable parameters.
type Config struct {
	MaxEntries int
	DefaultTTL time.Duration
}

// DefaultConfig returns sensible defaults for a hot-path result cache.
func DefaultConfig() Config {
	return Config{MaxEntries: 10_000, DefaultTTL: time.Second}
}

type entry struct {
	key       string
	value     json.RawMessage
	expiresAt time.Time
	element   *list.Element
}

// Cache is a bounded, TTL-aware cache of upstream call results, with
// in-flight coalescing for concurrent misses on the same key.
type Cache struct {
	cfg Config
	bus *events.Bus

	mu      sync.Mutex
	items   map[string]*entry
	lruList *list.List

	group singleflight.Group
}

// New constructs a Cache. bus may be nil if no observer is wired.
func New(cfg Config, bus *events.Bus) *Cache {
	return &Cache{
		cfg:     cfg,
		bus:     bus,
		items:   make(map[string]*entry, cfg.MaxEntries),
		lruList: list.New(),
	}
}

// Key derives a deterministic, bounded cache key from a method name, a
// commitment level, and the call's parameters. The key is a fixed 32-byte
// hex digest regardless of how large params is.
func Key(method, commitment string, params any) (string, error) {
	canon, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("rpccache: canonicalizing params: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(commitment))
	h.Write([]byte{0})
	h.Write(canon)
	sum := h.Sum(nil)[:16] // 16 bytes -> 32 hex chars
	return hex.EncodeToString(sum), nil
}

// Get returns a cached value if present and not expired.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.deleteLocked(key)
		return nil, false
	}
	c.lruList.MoveToFront(e.element)
	return e.value, true
}

// Set stores value under key with the given TTL, evicting the least
// recently used entry first if the cache is at capacity.
func (c *Cache) Set(key string, value json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(ttl)
	if e, ok := c.items[key]; ok {
		e.value = value
		e.expiresAt = expiresAt
		c.lruList.MoveToFront(e.element)
		return
	}

	if c.lruList.Len() >= c.cfg.MaxEntries {
		c.evictOldestLocked()
	}

	e := &entry{key: key, value: value, expiresAt: expiresAt}
	e.element = c.lruList.PushFront(e)
	c.items[key] = e
}

// Invalidate removes a single key, reporting whether it was present.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteLocked(key)
}

// Clear drops every cached entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*entry, c.cfg.MaxEntries)
	c.lruList.Init()
}

// Size returns the current number of entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Compute fetches fn's result, either from a warm Get, by running fn
// itself, or by waiting on another caller's in-flight run of fn behind
// the singleflight group. Only the result of the coalesced call is
// stored. hit reports a genuine warm-cache Get; coalesced reports that
// this call shared another caller's in-flight miss instead of invoking
// fn itself. Exactly one of hit and coalesced is true when err is nil
// and this call didn't run fn.
func (c *Cache) Compute(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (json.RawMessage, error)) (value json.RawMessage, hit bool, coalesced bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, false, nil
	}

	ran := false
	v, err, shared := c.group.Do(key, func() (any, error) {
		ran = true
		res, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, res, ttl)
		return res, nil
	})
	if err != nil {
		return nil, false, false, err
	}
	return v.(json.RawMessage), false, shared && !ran, nil
}

// deleteLocked must be called with mu held.
func (c *Cache) deleteLocked(key string) bool {
	e, ok := c.items[key]
	if !ok {
		return false
	}
	c.lruList.Remove(e.element)
	delete(c.items, key)
	return true
}

// evictOldestLocked drops the least recently used entry and publishes a
// CacheEvicted event. Must be called with mu held.
func (c *Cache) evictOldestLocked() {
	oldest := c.lruList.Back()
	if oldest == nil {
		return
	}
	e := oldest.Value.(*entry)
	c.lruList.Remove(oldest)
	delete(c.items, e.key)
	c.bus.Publish(events.Event{Kind: events.CacheEvicted, At: time.Now(), Detail: e.key})
}

// Sweep removes every expired entry, for the periodic leak-guard pass.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expired []string
	for key, e := range c.items {
		if now.After(e.expiresAt) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.deleteLocked(key)
	}
	return len(expired)
}
