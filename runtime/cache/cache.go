// Package cache provides a bounded in-memory TTL+LRU store used to memoize
// discovery and execution results. Capacity is enforced on both item count
// and an estimated byte budget; a background janitor purges expired entries.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Capacity defaults.
const (
	DefaultMaxItems        = 1000
	DefaultMaxBytes        = 100 << 20
	DefaultTTL             = 5 * time.Minute
	DefaultJanitorInterval = time.Minute
)

// fallbackItemSize is charged when a value cannot be serialized for sizing.
const fallbackItemSize = 64

// Item is one cache entry.
type Item struct {
	Key          string
	Value        any
	CreatedAt    time.Time
	ExpiresAt    time.Time
	AccessCount  int64
	LastAccessed time.Time
	SizeBytes    int64
}

func (it *Item) expired(now time.Time) bool {
	return !it.ExpiresAt.IsZero() && now.After(it.ExpiresAt)
}

// Stats is a point-in-time snapshot of cache effectiveness counters.
type Stats struct {
	Items       int
	Bytes       int64
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
}

// Cache is a mutex-guarded TTL+LRU store. The zero value is not usable;
// construct with New.
type Cache struct {
	mu       sync.Mutex
	items    map[string]*Item
	curBytes int64

	maxItems        int
	maxBytes        int64
	defaultTTL      time.Duration
	janitorInterval time.Duration
	now             func() time.Time

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	janitorCancel context.CancelFunc
	janitorWG     sync.WaitGroup
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxItems bounds the number of stored entries.
func WithMaxItems(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxItems = n
		}
	}
}

// WithMaxBytes bounds the total estimated size of stored values.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// WithDefaultTTL sets the TTL applied when Set receives a zero ttl.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

// WithJanitorInterval sets the period of the expired-entry sweep.
func WithJanitorInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.janitorInterval = d
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		items:           make(map[string]*Item),
		maxItems:        DefaultMaxItems,
		maxBytes:        DefaultMaxBytes,
		defaultTTL:      DefaultTTL,
		janitorInterval: DefaultJanitorInterval,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the stored value for key. Every hit bumps recency and the
// access count. Expired entries are removed on access.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	now := c.now()
	if item.expired(now) {
		c.removeLocked(item)
		c.expirations++
		c.misses++
		return nil, false
	}
	item.AccessCount++
	item.LastAccessed = now
	c.hits++
	return item.Value, true
}

// Set stores value under key. A zero ttl applies the default TTL; a negative
// ttl stores without expiry. Returns false when the value alone exceeds the
// byte budget.
func (c *Cache) Set(key string, value any, ttl time.Duration) bool {
	size := estimateSize(value)
	if size > c.maxBytes {
		return false
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	item := &Item{
		Key:          key,
		Value:        value,
		CreatedAt:    now,
		LastAccessed: now,
		SizeBytes:    size,
	}
	if ttl > 0 {
		item.ExpiresAt = now.Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.items[key]; ok {
		c.removeLocked(prev)
	}
	c.items[key] = item
	c.curBytes += size
	c.evictLocked(now)
	return true
}

// Delete removes key. Returns whether an entry was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeLocked(item)
	return true
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*Item)
	c.curBytes = 0
}

// Len returns the number of stored entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of the effectiveness counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Items:       len(c.items),
		Bytes:       c.curBytes,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

// Start launches the background janitor. Stop must be called to release it.
func (c *Cache) Start(ctx context.Context) {
	if c.janitorCancel != nil {
		return
	}
	janitorCtx, cancel := context.WithCancel(ctx)
	c.janitorCancel = cancel
	c.janitorWG.Add(1)
	go c.janitorLoop(janitorCtx)
}

// Stop terminates the janitor and waits for it to exit.
func (c *Cache) Stop() {
	if c.janitorCancel == nil {
		return
	}
	c.janitorCancel()
	c.janitorWG.Wait()
	c.janitorCancel = nil
}

func (c *Cache) janitorLoop(ctx context.Context) {
	defer c.janitorWG.Done()
	ticker := time.NewTicker(c.janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.purgeExpired()
		}
	}
}

func (c *Cache) purgeExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range c.items {
		if item.expired(now) {
			c.removeLocked(item)
			c.expirations++
		}
	}
}

// evictLocked enforces both capacity bounds: least-recently-used unexpired
// entry first, earliest-expiring entry when everything left is expired.
func (c *Cache) evictLocked(now time.Time) {
	for len(c.items) > c.maxItems || c.curBytes > c.maxBytes {
		victim := c.victimLocked(now)
		if victim == nil {
			return
		}
		c.removeLocked(victim)
		c.evictions++
	}
}

func (c *Cache) victimLocked(now time.Time) *Item {
	var lru *Item
	var earliest *Item
	for _, item := range c.items {
		if item.expired(now) {
			return item
		}
		if lru == nil || item.LastAccessed.Before(lru.LastAccessed) {
			lru = item
		}
		if !item.ExpiresAt.IsZero() && (earliest == nil || item.ExpiresAt.Before(earliest.ExpiresAt)) {
			earliest = item
		}
	}
	if lru != nil {
		return lru
	}
	return earliest
}

func (c *Cache) removeLocked(item *Item) {
	if _, ok := c.items[item.Key]; !ok {
		return
	}
	delete(c.items, item.Key)
	c.curBytes -= item.SizeBytes
}

func estimateSize(value any) int64 {
	data, err := json.Marshal(value)
	if err != nil {
		return fallbackItemSize
	}
	return int64(len(data))
}
