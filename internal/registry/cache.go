package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-push-gateway/pkg/wakeup"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or an error when the key is missing.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Del removes the key.
	Del(ctx context.Context, key string) error
}

// Cached is a decorator adding read-aside caching to any registry. Lookups
// on the notify hot path hit the cache first; writes invalidate so an
// evicted token stops waking the device immediately.
type Cached struct {
	real  wakeup.Registry
	cache CacheClient
	ttl   time.Duration
}

func NewCached(real wakeup.Registry, cache CacheClient, ttl time.Duration) *Cached {
	return &Cached{real: real, cache: cache, ttl: ttl}
}

func (c *Cached) Lookup(ctx context.Context, token string) (*wakeup.Registration, error) {
	key := c.cacheKey(token)

	var cached wakeup.Registration
	if err := c.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	fresh, err := c.real.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if fresh == nil {
		// Unknown tokens are not negatively cached; a register racing a
		// notify must not be masked by a stale miss.
		return nil, nil
	}

	// Caching is an optimization, not a transaction. If Redis is down we
	// serve from the real store.
	_ = c.cache.Set(ctx, key, fresh, c.ttl)
	return fresh, nil
}

func (c *Cached) Upsert(ctx context.Context, reg wakeup.Registration) (bool, error) {
	created, err := c.real.Upsert(ctx, reg)
	if err != nil {
		return false, err
	}
	return created, c.invalidate(ctx, reg.Token)
}

func (c *Cached) Evict(ctx context.Context, token string) error {
	if err := c.real.Evict(ctx, token); err != nil {
		return err
	}
	return c.invalidate(ctx, token)
}

func (c *Cached) invalidate(ctx context.Context, token string) error {
	return c.cache.Del(ctx, c.cacheKey(token))
}

func (c *Cached) cacheKey(token string) string {
	return fmt.Sprintf("wake:device:%s", token)
}
