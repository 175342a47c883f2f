// Package cache implements the bounded LRU+TTL cache fronting the hybrid
// document store's read-through layer.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/docstore/internal/dberr"
	"github.com/cuemby/docstore/internal/events"
)

// EvictReason classifies why an entry left the cache.
type EvictReason string

const (
	ReasonExpired  EvictReason = "Expired"
	ReasonCapacity EvictReason = "Capacity"
	ReasonRemoved  EvictReason = "Removed"
	ReasonCleared  EvictReason = "Cleared"
)

// Stats holds the monotonic counters the spec requires.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Bytes     uint64
	Count     int
}

type entry struct {
	key       string
	value     interface{}
	expiresAt time.Time
	size      int64
}

// Cache is a bounded, capacity- and TTL-evicting associative cache. A
// single write lock protects the map and the LRU list together, matching
// the contention profile the spec describes: reads that hit and must
// promote an entry take the same lock as writes.
type Cache struct {
	mu         sync.Mutex
	items      map[string]*list.Element // key -> element holding *entry
	order      *list.List               // front = most recently used
	maxItems   int
	maxBytes   int64
	defaultTTL time.Duration

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	bytes     atomic.Int64

	broker *events.Broker

	closed   bool
	stopCh   chan struct{}
	sweepWG  sync.WaitGroup
}

// Config parameterizes a new cache.
type Config struct {
	MaxItems   int
	MaxBytes   int64
	DefaultTTL time.Duration
}

// New constructs a cache and starts its 60s expiry sweeper.
func New(cfg Config, broker *events.Broker) *Cache {
	c := &Cache{
		items:      make(map[string]*list.Element),
		order:      list.New(),
		maxItems:   cfg.MaxItems,
		maxBytes:   cfg.MaxBytes,
		defaultTTL: cfg.DefaultTTL,
		broker:     broker,
		stopCh:     make(chan struct{}),
	}
	c.sweepWG.Add(1)
	go c.sweepLoop()
	return c
}

// Close stops the sweeper. Every operation after Close fails with
// CACHE_CLOSED.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.stopCh)
	c.sweepWG.Wait()
}

func (c *Cache) sweepLoop() {
	defer c.sweepWG.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepExpired()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) sweepExpired() {
	c.mu.Lock()
	now := time.Now()
	var expired []*entry
	for e := c.order.Back(); e != nil; {
		prev := e.Prev()
		ent := e.Value.(*entry)
		if now.After(ent.expiresAt) {
			c.removeElementLocked(e)
			expired = append(expired, ent)
		}
		e = prev
	}
	c.mu.Unlock()

	for _, ent := range expired {
		c.publish(ent, ReasonExpired)
	}
}

// Get returns the value for k if present and not expired, promoting it to
// most-recently-used. Otherwise it records a miss.
func (c *Cache) Get(k string) (interface{}, bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false, dberr.New(dberr.CacheClosed, "cache is closed")
	}
	el, ok := c.items[k]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false, nil
	}
	ent := el.Value.(*entry)
	if time.Now().After(ent.expiresAt) {
		c.removeElementLocked(el)
		c.mu.Unlock()
		c.misses.Add(1)
		c.publish(ent, ReasonExpired)
		return nil, false, nil
	}
	c.order.MoveToFront(el)
	c.mu.Unlock()
	c.hits.Add(1)
	return ent.value, true, nil
}

// Contains reports presence respecting expiry identically to Get, without
// affecting hit/miss counters or recency.
func (c *Cache) Contains(k string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, dberr.New(dberr.CacheClosed, "cache is closed")
	}
	el, ok := c.items[k]
	if !ok {
		return false, nil
	}
	ent := el.Value.(*entry)
	return !time.Now().After(ent.expiresAt), nil
}

// Set inserts or replaces a value. A zero ttl uses the cache default; a
// zero size is treated as zero bytes for capacity accounting.
func (c *Cache) Set(k string, v interface{}, ttl time.Duration, size int64) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return dberr.New(dberr.CacheClosed, "cache is closed")
	}

	newEnt := &entry{key: k, value: v, expiresAt: time.Now().Add(ttl), size: size}

	if el, ok := c.items[k]; ok {
		old := el.Value.(*entry)
		c.bytes.Add(size - old.size)
		el.Value = newEnt
		c.order.MoveToFront(el)
	} else {
		el := c.order.PushFront(newEnt)
		c.items[k] = el
		c.bytes.Add(size)
	}

	var evicted []*entry
	for c.needsEvictionLocked() {
		back := c.order.Back()
		if back == nil {
			break
		}
		ent := back.Value.(*entry)
		if ent.key == k {
			break
		}
		c.removeElementLocked(back)
		c.evictions.Add(1)
		evicted = append(evicted, ent)
	}
	c.mu.Unlock()

	for _, ent := range evicted {
		c.publish(ent, ReasonCapacity)
	}
	return nil
}

func (c *Cache) needsEvictionLocked() bool {
	return len(c.items) > c.maxItems || (c.maxBytes > 0 && c.bytes.Load() > c.maxBytes)
}

// Remove deletes k unconditionally, reporting whether it was present.
func (c *Cache) Remove(k string) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, dberr.New(dberr.CacheClosed, "cache is closed")
	}
	el, ok := c.items[k]
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	ent := el.Value.(*entry)
	c.removeElementLocked(el)
	c.mu.Unlock()
	c.publish(ent, ReasonRemoved)
	return true, nil
}

// RemoveByPrefix deletes every key beginning with prefix, reporting how
// many entries were removed. Used to invalidate a collection's entries on
// clear/drop without flushing the whole cache.
func (c *Cache) RemoveByPrefix(prefix string) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, dberr.New(dberr.CacheClosed, "cache is closed")
	}
	var victims []*list.Element
	for el := c.order.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*entry)
		if strings.HasPrefix(ent.key, prefix) {
			victims = append(victims, el)
		}
	}
	removed := make([]*entry, 0, len(victims))
	for _, el := range victims {
		removed = append(removed, el.Value.(*entry))
		c.removeElementLocked(el)
	}
	c.mu.Unlock()

	for _, ent := range removed {
		c.publish(ent, ReasonRemoved)
	}
	return len(removed), nil
}

// Clear empties the cache.
func (c *Cache) Clear() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return dberr.New(dberr.CacheClosed, "cache is closed")
	}
	var cleared []*entry
	for el := c.order.Front(); el != nil; el = el.Next() {
		cleared = append(cleared, el.Value.(*entry))
	}
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	c.bytes.Store(0)
	c.mu.Unlock()

	for _, ent := range cleared {
		c.publish(ent, ReasonCleared)
	}
	return nil
}

// removeElementLocked removes an element from both the map and the list.
// Caller must hold c.mu.
func (c *Cache) removeElementLocked(el *list.Element) {
	ent := el.Value.(*entry)
	delete(c.items, ent.key)
	c.order.Remove(el)
	c.bytes.Add(-ent.size)
}

func (c *Cache) publish(ent *entry, reason EvictReason) {
	if c.broker == nil {
		return
	}
	c.broker.Publish(&events.Event{
		Type:    events.TypeCacheEvicted,
		Message: string(reason),
		Metadata: map[string]string{
			"key":    ent.key,
			"reason": string(reason),
		},
	})
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	count := len(c.items)
	c.mu.Unlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Bytes:     uint64(c.bytes.Load()),
		Count:     count,
	}
}
