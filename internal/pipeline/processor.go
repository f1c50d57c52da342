package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-gateway/internal/metrics"
	"github.com/tinywideclouds/go-push-gateway/pkg/wakeup"
)

// Notifier is the debounce front of the dispatch path.
type Notifier interface {
	Notify(reg wakeup.Registration) bool
}

// NewProcessor creates the logic behind the Pub/Sub ingestion door. It
// mirrors the HTTP notify handler: resolve the token, then hand off to the
// debouncer.
func NewProcessor(
	registry wakeup.Registry,
	debouncer Notifier,
	collector *metrics.Collector,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[wakeup.WakeRequest] {

	return func(ctx context.Context, original messagepipeline.Message, req *wakeup.WakeRequest) error {
		procLogger := logger.With("pubsub_msg_id", original.ID)

		collector.NotifyRequests.Inc()

		reg, err := registry.Lookup(ctx, req.Token)
		if err != nil {
			// Storage trouble is transient; returning the error Nacks the
			// message for redelivery.
			procLogger.Error("Registry lookup failed.", "err", err)
			return err
		}
		if reg == nil {
			// Unknown tokens are Acked: redelivery cannot make them known.
			collector.UnknownTokenNotifies.Inc()
			procLogger.Info("Wake request for unknown token; dropping.")
			return nil
		}

		debouncer.Notify(*reg)
		return nil
	}
}
