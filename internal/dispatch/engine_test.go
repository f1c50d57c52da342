package dispatch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-gateway/internal/dispatch"
	"github.com/tinywideclouds/go-push-gateway/internal/metrics"
	"github.com/tinywideclouds/go-push-gateway/internal/ratelimit"
	"github.com/tinywideclouds/go-push-gateway/internal/registry"
	"github.com/tinywideclouds/go-push-gateway/pkg/wakeup"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider plays back a scripted sequence of outcomes; the last one
// repeats once the script runs out.
type fakeProvider struct {
	mu       sync.Mutex
	platform wakeup.Platform
	script   []wakeup.Outcome
	calls    int
	tokens   []string
}

func (p *fakeProvider) Platform() wakeup.Platform { return p.platform }

func (p *fakeProvider) Push(_ context.Context, reg wakeup.Registration) (wakeup.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	p.calls++
	p.tokens = append(p.tokens, reg.Token)
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	outcome := p.script[idx]
	if outcome == wakeup.OutcomeDelivered {
		return outcome, nil
	}
	return outcome, errors.New("provider said no")
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type testEngine struct {
	engine    *dispatch.Engine
	provider  *fakeProvider
	registry  *registry.Memory
	collector *metrics.Collector
}

func newTestEngine(t *testing.T, cfg dispatch.Config, script ...wakeup.Outcome) *testEngine {
	t.Helper()
	provider := &fakeProvider{platform: wakeup.PlatformAPNS, script: script}
	reg := registry.NewMemory()
	collector := metrics.New()
	limiter := ratelimit.New(ratelimit.BucketConfig{Capacity: 100, RefillPerSecond: 100}, nil)
	engine := dispatch.New(cfg,
		map[wakeup.Platform]wakeup.Provider{wakeup.PlatformAPNS: provider},
		limiter, reg, collector, newTestLogger())
	engine.Start()
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })
	return &testEngine{engine: engine, provider: provider, registry: reg, collector: collector}
}

func apnsReg(token string) wakeup.Registration {
	return wakeup.Registration{Token: token, Platform: wakeup.PlatformAPNS, RegisteredAt: time.Now()}
}

func TestEngine_Delivered(t *testing.T) {
	te := newTestEngine(t, dispatch.Config{}, wakeup.OutcomeDelivered)

	te.engine.Enqueue(apnsReg("token-1"))

	require.Eventually(t, func() bool { return te.provider.callCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), te.collector.DispatchCount(wakeup.PlatformAPNS, wakeup.OutcomeDelivered))
}

func TestEngine_RetriesThenDelivers(t *testing.T) {
	te := newTestEngine(t, dispatch.Config{BackoffBase: 5 * time.Millisecond},
		wakeup.OutcomeRetryable, wakeup.OutcomeDelivered)

	te.engine.Enqueue(apnsReg("token-1"))

	require.Eventually(t, func() bool { return te.provider.callCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), te.collector.DispatchCount(wakeup.PlatformAPNS, wakeup.OutcomeRetryable))
	assert.Equal(t, uint64(1), te.collector.DispatchCount(wakeup.PlatformAPNS, wakeup.OutcomeDelivered))
	assert.Equal(t, uint64(0), te.collector.RetriesExhausted.Get())
}

func TestEngine_RetryBudgetExhausted(t *testing.T) {
	te := newTestEngine(t, dispatch.Config{MaxAttempts: 2, BackoffBase: 5 * time.Millisecond},
		wakeup.OutcomeRetryable)

	te.engine.Enqueue(apnsReg("token-1"))

	require.Eventually(t, func() bool { return te.collector.RetriesExhausted.Get() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, te.provider.callCount())

	// No further attempts after the drop.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, te.provider.callCount())
}

func TestEngine_PermanentFailureEvictsRegistration(t *testing.T) {
	te := newTestEngine(t, dispatch.Config{}, wakeup.OutcomeTokenInvalid)

	ctx := context.Background()
	created, err := te.registry.Upsert(ctx, apnsReg("xyz789"))
	require.NoError(t, err)
	require.True(t, created)
	te.collector.IncActiveTokens()

	te.engine.Enqueue(apnsReg("xyz789"))

	require.Eventually(t, func() bool {
		reg, lookupErr := te.registry.Lookup(ctx, "xyz789")
		return lookupErr == nil && reg == nil
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(0), te.collector.ActiveTokens())
	assert.Equal(t, uint64(1), te.collector.DispatchCount(wakeup.PlatformAPNS, wakeup.OutcomeTokenInvalid))

	// Permanent failures are never retried.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, te.provider.callCount())
}

func TestEngine_ConfigErrorNotRetried(t *testing.T) {
	te := newTestEngine(t, dispatch.Config{BackoffBase: time.Millisecond}, wakeup.OutcomeConfigError)

	te.engine.Enqueue(apnsReg("token-1"))

	require.Eventually(t, func() bool { return te.provider.callCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, te.provider.callCount())
	assert.Equal(t, uint64(1), te.collector.DispatchCount(wakeup.PlatformAPNS, wakeup.OutcomeConfigError))
}

func TestEngine_RateLimitedAttemptIsDeferredNotDropped(t *testing.T) {
	provider := &fakeProvider{platform: wakeup.PlatformAPNS, script: []wakeup.Outcome{wakeup.OutcomeDelivered}}
	reg := registry.NewMemory()
	collector := metrics.New()
	// One-token bucket refilling fast: the second attempt must wait a beat.
	limiter := ratelimit.New(ratelimit.BucketConfig{Capacity: 1, RefillPerSecond: 100}, nil)
	engine := dispatch.New(dispatch.Config{},
		map[wakeup.Platform]wakeup.Provider{wakeup.PlatformAPNS: provider},
		limiter, reg, collector, newTestLogger())
	engine.Start()
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	engine.Enqueue(apnsReg("token-1"))
	engine.Enqueue(apnsReg("token-2"))

	require.Eventually(t, func() bool { return provider.callCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), collector.DispatchCount(wakeup.PlatformAPNS, wakeup.OutcomeDelivered))
}

func TestEngine_QueueOverflowDropsOldest(t *testing.T) {
	provider := &fakeProvider{platform: wakeup.PlatformAPNS, script: []wakeup.Outcome{wakeup.OutcomeDelivered}}
	collector := metrics.New()
	limiter := ratelimit.New(ratelimit.DefaultBucket, nil)
	engine := dispatch.New(dispatch.Config{QueueSize: 1},
		map[wakeup.Platform]wakeup.Provider{wakeup.PlatformAPNS: provider},
		limiter, registry.NewMemory(), collector, newTestLogger())
	// Not started yet: everything queues.

	engine.Enqueue(apnsReg("stale-1"))
	engine.Enqueue(apnsReg("stale-2"))
	engine.Enqueue(apnsReg("fresh"))

	assert.Equal(t, uint64(2), collector.QueueFullDrops.Get())

	engine.Start()
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	require.Eventually(t, func() bool { return provider.callCount() == 1 }, time.Second, 5*time.Millisecond)
	provider.mu.Lock()
	defer provider.mu.Unlock()
	assert.Equal(t, []string{"fresh"}, provider.tokens)
}

func TestEngine_MissingProviderIsConfigError(t *testing.T) {
	collector := metrics.New()
	engine := dispatch.New(dispatch.Config{}, map[wakeup.Platform]wakeup.Provider{},
		ratelimit.New(ratelimit.DefaultBucket, nil), registry.NewMemory(), collector, newTestLogger())
	engine.Start()
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	engine.Enqueue(wakeup.Registration{Token: "fcm-app:tok", Platform: wakeup.PlatformFCM})

	require.Eventually(t, func() bool {
		return collector.DispatchCount(wakeup.PlatformFCM, wakeup.OutcomeConfigError) == 1
	}, time.Second, 5*time.Millisecond)
}
