// ABOUTME: Thread-safe expiring set used to reject replayed request signatures
// ABOUTME: Entries carry their own deadline; the oldest entry is evicted at capacity

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultMaxSize         = 100000
	DefaultCleanupInterval = time.Minute
)

type entry struct {
	until   time.Time
	element *list.Element
}

// Config contains configuration options for the Cache.
type Config struct {
	MaxSize         int
	CleanupInterval time.Duration
	Now             func() time.Time
}

// Cache remembers keys until a per-key deadline. A doubly-linked list keeps
// insertion order so eviction at capacity is O(1).
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background sweeper.
func New(cfg Config) *Cache {
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		maxSize: cfg.MaxSize,
		now:     cfg.Now,
		done:    make(chan struct{}),
	}
	if c.maxSize <= 0 {
		c.maxSize = DefaultMaxSize
	}
	if c.now == nil {
		c.now = time.Now
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go c.sweep(interval)
	return c
}

// Remember atomically reports whether key is already held and, if it is not,
// holds it until the given deadline. Returns true for a replay.
func (c *Cache) Remember(key string, until time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok {
		if !now.After(e.until) {
			return true
		}
		c.order.Remove(e.element)
		delete(c.seen, key)
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[key] = &entry{until: until, element: c.order.PushBack(key)}
	return false
}

// Seen reports whether key is held and not past its deadline.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[key]
	return ok && !c.now().After(e.until)
}

// Len returns the number of held keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.seen {
		if now.After(e.until) {
			c.order.Remove(e.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
