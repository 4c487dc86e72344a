// Package cache is the concurrent status cache: values keyed by
// (namespace, key) with a per-entry TTL. Each namespace is backed by a
// size-bounded LRU so an event storm cannot grow memory without bound.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
)

// DefaultNamespaceSize bounds each namespace's LRU.
const DefaultNamespaceSize = 1024

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Size    int    `json:"size"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Cleaned uint64 `json:"cleaned"`
}

type entry struct {
	value   any
	expires time.Time
}

// Cache is safe for concurrent use. Read-after-write within one goroutine is
// always consistent; expired entries read as misses and are removed lazily.
type Cache struct {
	mu         sync.Mutex
	namespaces map[string]*lru.Cache[string, entry]
	size       int
	clock      clockwork.Clock

	hits    uint64
	misses  uint64
	cleaned uint64
}

// New creates a Cache whose namespaces hold at most size entries each
// (DefaultNamespaceSize when size ≤ 0).
func New(size int, clock clockwork.Clock) *Cache {
	if size <= 0 {
		size = DefaultNamespaceSize
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{
		namespaces: make(map[string]*lru.Cache[string, entry]),
		size:       size,
		clock:      clock,
	}
}

// Get returns the value under (ns, key), or ok=false on miss or expiry.
func (c *Cache) Get(ns, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(ns, key)
}

func (c *Cache) get(ns, key string) (any, bool) {
	l := c.namespaces[ns]
	if l == nil {
		c.misses++
		return nil, false
	}
	e, ok := l.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	if !c.clock.Now().Before(e.expires) {
		l.Remove(key)
		c.cleaned++
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under (ns, key) for ttl, overwriting any previous entry.
func (c *Cache) Set(ns, key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(ns, key, value, ttl)
}

func (c *Cache) set(ns, key string, value any, ttl time.Duration) {
	l := c.namespaces[ns]
	if l == nil {
		l, _ = lru.New[string, entry](c.size)
		c.namespaces[ns] = l
	}
	l.Add(key, entry{value: value, expires: c.clock.Now().Add(ttl)})
}

// GetOrCompute returns the cached value when present and unexpired; otherwise
// it invokes fn and memoizes the result for ttl. A failed fn caches nothing.
// Concurrent callers on a cold key may compute more than once; callers must
// tolerate a value up to ttl stale.
func (c *Cache) GetOrCompute(ns, key string, ttl time.Duration, fn func() (any, error)) (any, error) {
	c.mu.Lock()
	if v, ok := c.get(ns, key); ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := fn()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.set(ns, key, v, ttl)
	c.mu.Unlock()
	return v, nil
}

// Invalidate removes (ns, key) if present.
func (c *Cache) Invalidate(ns, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l := c.namespaces[ns]; l != nil {
		l.Remove(key)
	}
}

// InvalidateNamespace removes every entry in ns.
func (c *Cache) InvalidateNamespace(ns string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l := c.namespaces[ns]; l != nil {
		l.Purge()
		delete(c.namespaces, ns)
	}
}

// Stats reports current size and lifetime hit/miss/cleanup counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	size := 0
	for _, l := range c.namespaces {
		size += l.Len()
	}
	return Stats{Size: size, Hits: c.hits, Misses: c.misses, Cleaned: c.cleaned}
}
