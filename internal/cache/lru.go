// Package cache provides caching implementations for Kestrel.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/clearpath-legal/kestrel/internal/domain"
)

// timelineKey namespaces cached visa-type timelines.
const timelineKey = "timeline:"

// LRUCache is a thread-safe LRU cache with TTL support.
// Used as the Community tier cache and as L1 in two-phase caching.
type LRUCache struct {
	mu      sync.RWMutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
}

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewLRUCache creates a new LRU cache with the specified max size.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Get retrieves a value from cache.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, nil
	}

	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		return nil, nil
	}

	// Move to front (most recently used)
	c.order.MoveToFront(elem)
	return entry.value, nil
}

// Set stores a value in cache with TTL.
func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Update existing entry
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(ttl)
		return nil
	}

	// Add new entry
	entry := &cacheEntry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	elem := c.order.PushFront(entry)
	c.items[key] = elem

	// Evict if over capacity
	for c.order.Len() > c.maxSize {
		c.removeOldest()
	}

	return nil
}

// Delete removes a value from cache.
func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	return nil
}

// GetTimeline retrieves a cached visa-type timeline.
func (c *LRUCache) GetTimeline(ctx context.Context, visaTypeID string) (*domain.TimelineCache, error) {
	data, err := c.Get(ctx, timelineKey+visaTypeID)
	if err != nil || data == nil {
		return nil, err
	}

	var tc domain.TimelineCache
	if err := json.Unmarshal(data, &tc); err != nil {
		return nil, err
	}
	return &tc, nil
}

// SetTimeline caches a visa-type timeline.
func (c *LRUCache) SetTimeline(ctx context.Context, visaTypeID string, data *domain.TimelineCache, ttl time.Duration) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.Set(ctx, timelineKey+visaTypeID, bytes, ttl)
}

// InvalidateTimeline drops a cached visa-type timeline.
func (c *LRUCache) InvalidateTimeline(ctx context.Context, visaTypeID string) error {
	return c.Delete(ctx, timelineKey+visaTypeID)
}

// Ping checks cache health.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close cleans up the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	return nil
}

// Stats returns cache statistics.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len(), c.maxSize
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
}

func (c *LRUCache) removeOldest() {
	elem := c.order.Back()
	if elem != nil {
		c.removeElement(elem)
	}
}
