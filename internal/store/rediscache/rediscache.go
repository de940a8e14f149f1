// Package rediscache wraps a store.Store with a write-through Redis
// accelerator for the cached-data table. The design notes observe that
// cached archived-instance data is never invalidated in place once
// written (archives are assumed immutable), which makes it a clean
// cache-aside candidate: a miss falls through to the underlying store and
// repopulates Redis, a hit never needs to check the store at all.
package rediscache

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pinwheel-sh/pinwheel/internal/store"
)

// Map is the minimal key-value contract the cache accelerator needs.
// Satisfied by *redis.Client. Defined here so the accelerator is
// unit-testable without a live Redis instance.
type Map interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Store wraps an inner store.Store, serving GetCachedData/SetCachedData
// through a Redis write-through cache and delegating everything else.
type Store struct {
	store.Store
	rdb    Map
	prefix string
}

// New wraps inner with a Redis cache accelerator. keyPrefix namespaces the
// Redis keys this master's cache uses, so multiple masters can share a
// Redis instance without colliding.
func New(inner store.Store, rdb Map, keyPrefix string) *Store {
	return &Store{Store: inner, rdb: rdb, prefix: keyPrefix}
}

func (s *Store) cacheKey(name string) string {
	return s.prefix + ":cache:" + name
}

// GetCachedData overrides the embedded Store: Redis first, falling
// through to the inner store on a miss and repopulating Redis.
func (s *Store) GetCachedData(ctx context.Context, name string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, s.cacheKey(name)).Result()
	if err == nil {
		data, decodeErr := base64.StdEncoding.DecodeString(val)
		if decodeErr != nil {
			return nil, fmt.Errorf("rediscache: decode cached value for %q: %w", name, decodeErr)
		}
		return data, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("rediscache: redis get %q: %w", name, err)
	}

	data, err := s.Store.GetCachedData(ctx, name)
	if err != nil {
		return nil, err
	}
	if setErr := s.rdb.Set(ctx, s.cacheKey(name), base64.StdEncoding.EncodeToString(data), 0).Err(); setErr != nil {
		return data, fmt.Errorf("rediscache: repopulate %q: %w", name, setErr)
	}
	return data, nil
}

// SetCachedData writes through: the inner store first (it is the durable
// source of truth), then Redis.
func (s *Store) SetCachedData(ctx context.Context, name string, data []byte) error {
	if err := s.Store.SetCachedData(ctx, name, data); err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	if err := s.rdb.Set(ctx, s.cacheKey(name), encoded, 0).Err(); err != nil {
		return fmt.Errorf("rediscache: write-through set %q: %w", name, err)
	}
	return nil
}

// ClearCachedData clears only the inner store's durable cache table. Keys
// this Store has written to Redis are not deleted (Redis has no namespaced
// FLUSH), so GetCachedData keeps serving them until they are overwritten.
func (s *Store) ClearCachedData(ctx context.Context) error {
	return s.Store.ClearCachedData(ctx)
}

var _ store.Store = (*Store)(nil)
