// Package cache provides the two freshness-gated stores the pipeline runs on:
// a persisted variant backed by the SQLite cache_entries table, and an
// in-memory TTL map for short-lived payloads (vehicles, departures, line
// lists). Both follow the same contract: return the cached payload while its
// age is under the TTL, otherwise invoke the populate function, store the
// result with the current timestamp, and return it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"busmap/internal/metrics"
	"busmap/internal/storage"
)

// Store is the durable backend a Persisted cache writes through to.
// *storage.DB satisfies it.
type Store interface {
	ReadEntry(ctx context.Context, key string) ([]byte, time.Time, error)
	WriteEntry(ctx context.Context, key string, payload []byte) error
}

// Persisted is a TTL-gated cache of JSON payloads in a durable store.
// Concurrent population of the same key is serialized per key, so a cold
// start with many parallel requests performs each upstream fetch once.
type Persisted struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Collector

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPersisted creates a Persisted cache over the given store.
func NewPersisted(store Store, mc *metrics.Collector, logger *slog.Logger) *Persisted {
	return &Persisted{
		store:   store,
		logger:  logger,
		metrics: mc,
		locks:   make(map[string]*sync.Mutex),
	}
}

// keyLock returns the mutex guarding population of one key.
func (p *Persisted) keyLock(key string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	return l
}

// Read returns the raw payload and write time for key, bypassing TTL logic.
// Callers with richer freshness rules (the stop-area index merges two TTLs)
// build on this.
func (p *Persisted) Read(ctx context.Context, key string) ([]byte, time.Time, error) {
	return p.store.ReadEntry(ctx, key)
}

// Write stores a raw payload under key with the current timestamp.
func (p *Persisted) Write(ctx context.Context, key string, payload []byte) error {
	return p.store.WriteEntry(ctx, key, payload)
}

// Lock acquires the per-key population lock and returns the unlock function.
func (p *Persisted) Lock(key string) func() {
	l := p.keyLock(key)
	l.Lock()
	return l.Unlock
}

// GetOrPopulate returns the value cached under key if its age is below ttl,
// otherwise calls populate, persists the result as JSON, and returns it.
func GetOrPopulate[T any](ctx context.Context, p *Persisted, key string, ttl time.Duration, populate func(context.Context) (T, error)) (T, error) {
	var zero T

	read := func() (T, bool) {
		payload, fetchedAt, err := p.store.ReadEntry(ctx, key)
		if err != nil {
			if !errors.Is(err, storage.ErrNoEntry) {
				p.logger.Warn("cache read failed", "key", key, "error", err)
			}
			return zero, false
		}
		if time.Since(fetchedAt) >= ttl {
			return zero, false
		}
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			p.logger.Warn("cache payload unreadable, repopulating", "key", key, "error", err)
			return zero, false
		}
		return v, true
	}

	if v, ok := read(); ok {
		p.metrics.Hit("persisted")
		return v, nil
	}

	unlock := p.Lock(key)
	defer unlock()

	// Another request may have populated the key while we waited.
	if v, ok := read(); ok {
		p.metrics.Hit("persisted")
		return v, nil
	}
	p.metrics.Miss("persisted")

	v, err := populate(ctx)
	if err != nil {
		return zero, err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("encode cache payload %q: %w", key, err)
	}
	if err := p.store.WriteEntry(ctx, key, payload); err != nil {
		// The value is good even if persisting it failed.
		p.logger.Warn("cache write failed", "key", key, "error", err)
	}
	return v, nil
}
