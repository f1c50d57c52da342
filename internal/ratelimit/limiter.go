// Package ratelimit enforces per-provider outbound quotas with token
// buckets. The budget is the one piece of state deliberately shared across
// all tokens of a provider; contention is bounded by provider count.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tinywideclouds/go-push-gateway/pkg/wakeup"
)

// BucketConfig sizes one provider's token bucket.
type BucketConfig struct {
	// Capacity is the burst size: the maximum of immediately available tokens.
	Capacity int
	// RefillPerSecond is the continuous refill rate.
	RefillPerSecond float64
}

// DefaultBucket keeps an unconfigured provider at a conservative trickle.
var DefaultBucket = BucketConfig{Capacity: 50, RefillPerSecond: 25}

// Decision is the non-blocking answer to an acquisition attempt.
type Decision struct {
	Allowed bool
	// RetryAfter hints when a denied attempt is worth retrying.
	RetryAfter time.Duration
}

// Limiter holds one bucket per provider. Buckets are created lazily from the
// per-provider configuration, falling back to the default bucket.
type Limiter struct {
	mu       sync.Mutex
	fallback BucketConfig
	configs  map[wakeup.Platform]BucketConfig
	buckets  map[wakeup.Platform]*rate.Limiter
}

// New creates a limiter. A nil or empty perProvider map means every provider
// uses the fallback bucket.
func New(fallback BucketConfig, perProvider map[wakeup.Platform]BucketConfig) *Limiter {
	if fallback.Capacity <= 0 {
		fallback.Capacity = DefaultBucket.Capacity
	}
	if fallback.RefillPerSecond <= 0 {
		fallback.RefillPerSecond = DefaultBucket.RefillPerSecond
	}
	return &Limiter{
		fallback: fallback,
		configs:  perProvider,
		buckets:  make(map[wakeup.Platform]*rate.Limiter),
	}
}

// TryAcquire consumes one token from the provider's bucket if available.
// It never blocks; on denial the caller owns the queue/backoff decision.
func (l *Limiter) TryAcquire(provider wakeup.Platform) Decision {
	bucket := l.bucket(provider)

	r := bucket.Reserve()
	if !r.OK() {
		return Decision{RetryAfter: time.Second}
	}
	if delay := r.Delay(); delay > 0 {
		// Not admissible right now; return the token and report the wait.
		r.Cancel()
		return Decision{RetryAfter: delay}
	}
	return Decision{Allowed: true}
}

func (l *Limiter) bucket(provider wakeup.Platform) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[provider]; ok {
		return b
	}
	cfg, ok := l.configs[provider]
	if !ok {
		cfg = l.fallback
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = l.fallback.Capacity
	}
	if cfg.RefillPerSecond <= 0 {
		cfg.RefillPerSecond = l.fallback.RefillPerSecond
	}
	b := rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.Capacity)
	l.buckets[provider] = b
	return b
}
