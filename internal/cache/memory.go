package cache

import (
	"context"
	"sync"
	"time"

	"busmap/internal/metrics"
)

// Memory is a process-scoped TTL cache. Entries are lost on restart; the
// pipeline uses it for live payloads where re-fetching is cheap.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	metrics *metrics.Collector

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

type memoryEntry struct {
	value     any
	expiresAt time.Time
}

// NewMemory creates an empty in-memory cache and starts a background sweep
// for expired entries.
func NewMemory(mc *metrics.Collector) *Memory {
	c := &Memory{
		entries: make(map[string]memoryEntry),
		metrics: mc,
		locks:   make(map[string]*sync.Mutex),
	}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			c.cleanup()
		}
	}()
	return c
}

// Get retrieves a cached value if it exists and hasn't expired.
func (c *Memory) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

// Set stores a value under key for the given TTL.
func (c *Memory) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = memoryEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
}

// GetOrPopulate returns the fresh cached value for key, or calls populate and
// caches its result. Population of the same key is serialized.
func (c *Memory) GetOrPopulate(ctx context.Context, key string, ttl time.Duration, populate func(context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		c.metrics.Hit("memory")
		return v, nil
	}

	l := c.keyLock(key)
	l.Lock()
	defer l.Unlock()

	if v, ok := c.Get(key); ok {
		c.metrics.Hit("memory")
		return v, nil
	}
	c.metrics.Miss("memory")

	v, err := populate(ctx)
	if err != nil {
		return nil, err
	}
	c.Set(key, v, ttl)
	return v, nil
}

func (c *Memory) keyLock(key string) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

func (c *Memory) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
