// Package dedup provides the duplicate-suppression store used by the signal
// gate and the fill event consumer. Redis is the shared backing store; a
// bounded in-process cache keeps dedup working when Redis is unreachable,
// with the degradation observable through the health endpoint.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quantloop/quantloop/internal/metrics"
)

// Store answers "have I seen this key recently".
type Store interface {
	// Has reports whether the key was marked within its TTL.
	Has(ctx context.Context, key string) (bool, error)
	// Set marks the key for ttl.
	Set(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

// ==================== REDIS STORE ====================

// RedisStore backs dedup with a shared Redis instance so restarts and
// multiple processes agree on what was seen.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. Keys are namespaced by prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "dedup:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Has(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("dedup exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("dedup set: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// ==================== LOCAL STORE ====================

// localEntry is one key in the in-process cache.
type localEntry struct {
	key       string
	expiresAt time.Time
}

// LocalStore is a bounded TTL cache. It is the fallback when Redis is down
// and the whole store in single-process deployments that run without Redis.
type LocalStore struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	order   []string // insertion order for capacity eviction
	cap     int
	now     func() time.Time
}

// NewLocalStore creates a cache bounded to capacity entries. The oldest
// entry is evicted when the bound is hit.
func NewLocalStore(capacity int) *LocalStore {
	if capacity <= 0 {
		capacity = 4096
	}
	return &LocalStore{
		entries: make(map[string]*localEntry),
		cap:     capacity,
		now:     time.Now,
	}
}

func (s *LocalStore) Has(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return false, nil
	}
	return true, nil
}

func (s *LocalStore) Set(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.expiresAt = s.now().Add(ttl)
		return nil
	}
	for len(s.entries) >= s.cap && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}
	s.entries[key] = &localEntry{key: key, expiresAt: s.now().Add(ttl)}
	s.order = append(s.order, key)
	return nil
}

func (s *LocalStore) Close() error { return nil }

// ==================== GUARD ====================

// Guard layers a LocalStore under a RedisStore. Every mark lands in both;
// lookups consult the local cache first and fall back to it when Redis
// errors. Degraded() reports whether the last Redis operation failed.
type Guard struct {
	remote Store
	local  *LocalStore
	logger zerolog.Logger

	mu       sync.Mutex
	degraded bool
	notify   func(degraded bool)
}

// NewGuard builds the layered store. remote may be nil for Redis-less
// deployments; the guard then runs purely local and never degrades.
func NewGuard(remote Store, localCapacity int, logger zerolog.Logger) *Guard {
	return &Guard{
		remote: remote,
		local:  NewLocalStore(localCapacity),
		logger: logger,
	}
}

// Degraded reports whether Redis is currently unreachable.
func (g *Guard) Degraded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.degraded
}

// OnDegraded registers a hook invoked on every degradation transition.
// The trader uses it to emit the alarm event and alert.
func (g *Guard) OnDegraded(fn func(degraded bool)) {
	g.mu.Lock()
	g.notify = fn
	g.mu.Unlock()
}

func (g *Guard) setDegraded(v bool) {
	g.mu.Lock()
	changed := g.degraded != v
	g.degraded = v
	notify := g.notify
	g.mu.Unlock()
	if !changed {
		return
	}
	if v {
		metrics.DedupDegraded.Set(1)
		g.logger.Warn().Msg("Dedup degraded to in-process cache, Redis unreachable")
	} else {
		metrics.DedupDegraded.Set(0)
		g.logger.Info().Msg("Dedup Redis connection recovered")
	}
	if notify != nil {
		notify(v)
	}
}

func (g *Guard) Has(ctx context.Context, key string) (bool, error) {
	if ok, _ := g.local.Has(ctx, key); ok {
		return true, nil
	}
	if g.remote == nil {
		return false, nil
	}
	ok, err := g.remote.Has(ctx, key)
	if err != nil {
		g.setDegraded(true)
		return false, nil
	}
	g.setDegraded(false)
	return ok, nil
}

func (g *Guard) Set(ctx context.Context, key string, ttl time.Duration) error {
	_ = g.local.Set(ctx, key, ttl)
	if g.remote == nil {
		return nil
	}
	if err := g.remote.Set(ctx, key, ttl); err != nil {
		g.setDegraded(true)
		return nil
	}
	g.setDegraded(false)
	return nil
}

func (g *Guard) Close() error {
	if g.remote != nil {
		return g.remote.Close()
	}
	return nil
}
