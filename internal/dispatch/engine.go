// Package dispatch delivers wake-up pushes to providers with bounded retry.
// It consumes registrations handed off by the debouncer, gates every attempt
// on the per-provider rate budget, classifies provider responses and feeds
// permanent failures back into the token registry.
package dispatch

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-push-gateway/internal/metrics"
	"github.com/tinywideclouds/go-push-gateway/internal/ratelimit"
	"github.com/tinywideclouds/go-push-gateway/pkg/wakeup"
)

// Config tunes the retry engine.
type Config struct {
	// MaxAttempts bounds send attempts per notification, rate-limit
	// deferrals not included.
	MaxAttempts int
	// BackoffBase is the delay before the first retry; it doubles per
	// attempt, plus up to 50% jitter.
	BackoffBase time.Duration
	// QueueSize bounds the pending-attempt queue. On overflow the oldest
	// queued attempt is dropped, favouring freshness of wake signals.
	QueueSize int
	// Workers is the number of concurrent senders.
	Workers int
	// PushTimeout caps a single provider call.
	PushTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 10 * time.Second
	}
	return c
}

// attempt is the ephemeral per-notification retry record.
type attempt struct {
	id       string
	reg      wakeup.Registration
	attempts int
}

// Engine is the push dispatcher.
type Engine struct {
	cfg       Config
	providers map[wakeup.Platform]wakeup.Provider
	limiter   *ratelimit.Limiter
	registry  wakeup.Registry
	collector *metrics.Collector
	logger    *slog.Logger

	queue  chan *attempt
	stop   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New assembles an engine. Call Start before enqueueing.
func New(
	cfg Config,
	providers map[wakeup.Platform]wakeup.Provider,
	limiter *ratelimit.Limiter,
	registry wakeup.Registry,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:       cfg,
		providers: providers,
		limiter:   limiter,
		registry:  registry,
		collector: collector,
		logger:    logger.With("component", "DispatchEngine"),
		queue:     make(chan *attempt, cfg.QueueSize),
		stop:      make(chan struct{}),
	}
}

// Start spawns the worker pool.
func (e *Engine) Start() {
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.logger.Info("Dispatch workers started.", "workers", e.cfg.Workers)
}

// Enqueue accepts a registration whose debounce window just closed. It is
// the debouncer's sink and never blocks.
func (e *Engine) Enqueue(reg wakeup.Registration) {
	e.enqueue(&attempt{id: uuid.NewString(), reg: reg})
}

func (e *Engine) enqueue(at *attempt) {
	if e.closed.Load() {
		return
	}

	select {
	case e.queue <- at:
		return
	default:
	}

	// Queue full: drop the oldest queued attempt to make room. A stale wake
	// signal is worth less than a fresh one.
	select {
	case old := <-e.queue:
		e.collector.QueueFullDrops.Inc()
		e.logger.Warn("Dispatch queue full, dropping oldest attempt.",
			"dropped_id", old.id, "provider", old.reg.Platform)
	default:
	}
	select {
	case e.queue <- at:
	default:
		e.collector.QueueFullDrops.Inc()
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case at := <-e.queue:
			e.process(at)
		}
	}
}

func (e *Engine) process(at *attempt) {
	log := e.logger.With("attempt_id", at.id, "provider", at.reg.Platform)

	dec := e.limiter.TryAcquire(at.reg.Platform)
	if !dec.Allowed {
		// Deferral, not a failure: the attempt counter is untouched.
		log.Debug("Rate budget exhausted, deferring attempt.", "retry_after", dec.RetryAfter)
		e.requeueAfter(at, dec.RetryAfter)
		return
	}

	provider, ok := e.providers[at.reg.Platform]
	if !ok {
		e.collector.Dispatch(at.reg.Platform, wakeup.OutcomeConfigError)
		log.Error("No provider configured for platform; dropping attempt.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PushTimeout)
	start := time.Now()
	outcome, err := provider.Push(ctx, at.reg)
	cancel()
	e.collector.DispatchLatency.UpdateDuration(start)
	at.attempts++
	e.collector.Dispatch(at.reg.Platform, outcome)

	switch outcome {
	case wakeup.OutcomeDelivered:
		log.Debug("Wake-up delivered.", "attempts", at.attempts)

	case wakeup.OutcomeTokenInvalid:
		// The provider says the token is dead: evict so future notifies
		// become unknown-token no-ops instead of wasted attempts.
		log.Info("Provider reports invalid token, evicting registration.", "err", err)
		evictCtx, evictCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if evictErr := e.registry.Evict(evictCtx, at.reg.Token); evictErr != nil {
			log.Warn("Failed to evict registration.", "err", evictErr)
		} else {
			e.collector.DecActiveTokens()
		}
		evictCancel()

	case wakeup.OutcomeConfigError:
		// Service-level condition, not a per-token one. Needs an operator.
		log.Error("Provider rejected request due to configuration.", "err", err)

	case wakeup.OutcomeRetryable:
		if at.attempts >= e.cfg.MaxAttempts {
			e.collector.RetriesExhausted.Inc()
			log.Warn("Retries exhausted, dropping wake-up.", "attempts", at.attempts, "err", err)
			return
		}
		delay := e.backoff(at.attempts)
		log.Debug("Transient failure, retrying.", "attempts", at.attempts, "delay", delay, "err", err)
		e.requeueAfter(at, delay)
	}
}

// backoff returns base*2^(n-1) plus up to 50% jitter.
func (e *Engine) backoff(n int) time.Duration {
	d := e.cfg.BackoffBase << (n - 1)
	if half := d / 2; half > 0 {
		d += rand.N(half)
	}
	return d
}

func (e *Engine) requeueAfter(at *attempt, delay time.Duration) {
	if delay <= 0 {
		e.enqueue(at)
		return
	}
	time.AfterFunc(delay, func() {
		e.enqueue(at)
	})
}

// Stop closes the intake and waits for in-flight sends up to the context
// deadline. Attempts still queued or parked on a backoff timer are dropped.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stop)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Dispatch workers stopped.")
		return nil
	case <-ctx.Done():
		e.logger.Warn("Dispatch worker shutdown timed out.")
		return ctx.Err()
	}
}
