// Package debounce implements the per-token coalescing window. Bursts of
// wake requests for one device token collapse into a single dispatch, handed
// to the sink when the window closes.
package debounce

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinywideclouds/go-push-gateway/internal/metrics"
	"github.com/tinywideclouds/go-push-gateway/pkg/wakeup"
)

// DefaultWindow is used when no window is configured.
const DefaultWindow = 10 * time.Second

// shardCount spreads tokens over independent locks so concurrent notifies
// for distinct tokens never contend.
const shardCount = 64

// Sink receives the single registration produced by a closing window. It
// must not block: the dispatcher's Enqueue satisfies this.
type Sink func(reg wakeup.Registration)

type entry struct {
	reg   wakeup.Registration
	timer *time.Timer
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Debouncer holds one Pending entry per token. The window is anchored to the
// first request of a burst: later requests inside the window are ignored,
// never extending the deadline, which bounds worst-case wake latency to one
// window regardless of burst length.
type Debouncer struct {
	window    time.Duration
	sink      Sink
	collector *metrics.Collector
	logger    *slog.Logger

	closed atomic.Bool
	shards [shardCount]*shard
}

// New creates a debouncer delivering to sink after window.
func New(window time.Duration, sink Sink, collector *metrics.Collector, logger *slog.Logger) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	d := &Debouncer{
		window:    window,
		sink:      sink,
		collector: collector,
		logger:    logger.With("component", "Debouncer"),
	}
	for i := range d.shards {
		d.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return d
}

// Notify opens a coalescing window for the token, or folds the request into
// an already-open one. It reports whether a new window was opened.
func (d *Debouncer) Notify(reg wakeup.Registration) bool {
	if d.closed.Load() {
		return false
	}

	s := d.shard(reg.Token)
	s.mu.Lock()
	if _, ok := s.entries[reg.Token]; ok {
		s.mu.Unlock()
		d.collector.Coalesced.Inc()
		return false
	}
	e := &entry{reg: reg}
	s.entries[reg.Token] = e
	// The timer callback runs on its own goroutine; the flush path hands off
	// to the sink and never does network I/O itself.
	e.timer = time.AfterFunc(d.window, func() {
		d.flush(reg.Token)
	})
	s.mu.Unlock()
	return true
}

// flush closes the window for a token. The entry is removed before the sink
// is invoked, so a notify racing with the flush opens a fresh window instead
// of being lost.
func (d *Debouncer) flush(token string) {
	s := d.shard(token)
	s.mu.Lock()
	e, ok := s.entries[token]
	if !ok {
		// Already drained by Shutdown.
		s.mu.Unlock()
		return
	}
	delete(s.entries, token)
	s.mu.Unlock()

	d.sink(e.reg)
}

// Len returns the number of open windows, feeding the pending-windows gauge.
func (d *Debouncer) Len() int {
	n := 0
	for _, s := range d.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Shutdown stops accepting notifies and drains open windows best-effort:
// each pending entry is flushed to the sink immediately. Windows left behind
// on a hard kill are accepted data loss; the client resyncs on its next
// successful push.
func (d *Debouncer) Shutdown(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	drained := 0
	for _, s := range d.shards {
		s.mu.Lock()
		pending := make([]*entry, 0, len(s.entries))
		for token, e := range s.entries {
			// Stop returning false means the timer fired and its flush is
			// waiting on the shard lock; leave that entry for the flush.
			if e.timer.Stop() {
				pending = append(pending, e)
				delete(s.entries, token)
			}
		}
		s.mu.Unlock()

		for _, e := range pending {
			select {
			case <-ctx.Done():
				d.logger.Warn("Shutdown grace period expired; dropping pending windows.")
				return ctx.Err()
			default:
			}
			d.sink(e.reg)
			drained++
		}
	}

	if drained > 0 {
		d.logger.Info("Drained pending debounce windows.", "count", drained)
	}
	return nil
}

func (d *Debouncer) shard(token string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return d.shards[h.Sum32()%shardCount]
}
