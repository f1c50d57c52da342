// Package metrics is the process-wide metrics collector. Every instance owns
// its own metric set so tests get isolated collectors and deterministic
// teardown instead of fighting over package-level state.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"

	"github.com/tinywideclouds/go-push-gateway/pkg/wakeup"
)

// Collector holds the gateway's counters, gauges and histograms and renders
// them in Prometheus text exposition format.
type Collector struct {
	set *metrics.Set

	// Registrations counts accepted /register calls.
	Registrations *metrics.Counter
	// RejectedRegistrations counts /register calls refused with a 400.
	RejectedRegistrations *metrics.Counter
	// NotifyRequests counts notify triggers on both ingestion doors.
	NotifyRequests *metrics.Counter
	// UnknownTokenNotifies counts notify triggers for unregistered tokens.
	UnknownTokenNotifies *metrics.Counter
	// Coalesced counts notify triggers absorbed by an open debounce window.
	Coalesced *metrics.Counter
	// QueueFullDrops counts dispatch attempts discarded because the retry
	// queue was full.
	QueueFullDrops *metrics.Counter
	// RetriesExhausted counts attempts dropped after the retry budget.
	RetriesExhausted *metrics.Counter
	// DispatchLatency observes the duration of provider send calls.
	DispatchLatency *metrics.Histogram

	activeTokens atomic.Int64
}

// New creates an empty collector.
func New() *Collector {
	s := metrics.NewSet()
	c := &Collector{
		set:                   s,
		Registrations:         s.NewCounter("registrations_total"),
		RejectedRegistrations: s.NewCounter("rejected_registrations_total"),
		NotifyRequests:        s.NewCounter("notify_requests_total"),
		UnknownTokenNotifies:  s.NewCounter("unknown_token_notifies_total"),
		Coalesced:             s.NewCounter("debounced_coalesced_total"),
		QueueFullDrops:        s.NewCounter("queue_full_drops_total"),
		RetriesExhausted:      s.NewCounter("retries_exhausted_total"),
		DispatchLatency:       s.NewHistogram("dispatch_latency_seconds"),
	}
	s.NewGauge("active_tokens", func() float64 {
		return float64(c.activeTokens.Load())
	})
	return c
}

// Dispatch records the classified outcome of one dispatch attempt.
func (c *Collector) Dispatch(provider wakeup.Platform, outcome wakeup.Outcome) {
	c.dispatchCounter(provider, outcome).Inc()
}

// DispatchCount returns the current value of a dispatches_total series.
func (c *Collector) DispatchCount(provider wakeup.Platform, outcome wakeup.Outcome) uint64 {
	return c.dispatchCounter(provider, outcome).Get()
}

func (c *Collector) dispatchCounter(provider wakeup.Platform, outcome wakeup.Outcome) *metrics.Counter {
	name := fmt.Sprintf(`dispatches_total{provider=%q,outcome=%q}`, string(provider), outcome.String())
	return c.set.GetOrCreateCounter(name)
}

// IncActiveTokens bumps the active_tokens gauge after a new registration.
func (c *Collector) IncActiveTokens() { c.activeTokens.Add(1) }

// DecActiveTokens drops the active_tokens gauge after an eviction.
func (c *Collector) DecActiveTokens() { c.activeTokens.Add(-1) }

// SetActiveTokens seeds the active_tokens gauge, e.g. from a durable
// registry count at startup.
func (c *Collector) SetActiveTokens(n int64) { c.activeTokens.Store(n) }

// ActiveTokens returns the current gauge value.
func (c *Collector) ActiveTokens() int64 { return c.activeTokens.Load() }

// ObservePendingWindows registers a gauge tracking open debounce windows.
// Call at most once per collector, during service assembly.
func (c *Collector) ObservePendingWindows(f func() float64) {
	c.set.NewGauge("debounce_pending_windows", f)
}

// WritePrometheus renders all metrics in Prometheus text format.
func (c *Collector) WritePrometheus(w io.Writer) {
	c.set.WritePrometheus(w)
}

// Handler serves the exposition endpoint, bound on its own address so the
// metrics surface can stay on a private network.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WritePrometheus(w)
	})
}
