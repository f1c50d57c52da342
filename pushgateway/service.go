// Package pushgateway assembles the wake-up gateway: HTTP front, optional
// Pub/Sub ingestion, debouncer, rate-limited dispatch engine and the
// Prometheus endpoint on its own listener.
package pushgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"

	"github.com/tinywideclouds/go-push-gateway/internal/api"
	"github.com/tinywideclouds/go-push-gateway/internal/debounce"
	"github.com/tinywideclouds/go-push-gateway/internal/dispatch"
	"github.com/tinywideclouds/go-push-gateway/internal/metrics"
	"github.com/tinywideclouds/go-push-gateway/internal/pipeline"
	"github.com/tinywideclouds/go-push-gateway/internal/ratelimit"
	"github.com/tinywideclouds/go-push-gateway/pkg/wakeup"
	"github.com/tinywideclouds/go-push-gateway/pushgateway/config"
)

type Wrapper struct {
	*microservice.BaseServer
	debouncer       *debounce.Debouncer
	engine          *dispatch.Engine
	pipelineService *messagepipeline.StreamingService[wakeup.WakeRequest]
	metricsServer   *http.Server
	metricsAddr     string
	collector       *metrics.Collector
	logger          *slog.Logger
}

// New assembles the service. The consumer is optional; pass nil to run with
// the HTTP door only.
func New(
	cfg *config.Config,
	providers map[wakeup.Platform]wakeup.Provider,
	registry wakeup.Registry,
	consumer messagepipeline.MessageConsumer,
	collector *metrics.Collector,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Dispatch path: limiter -> engine -> debouncer feeding it.
	perProvider := make(map[wakeup.Platform]ratelimit.BucketConfig, len(cfg.RateLimits))
	for name, bucket := range cfg.RateLimits {
		perProvider[wakeup.Platform(name)] = bucket
	}
	limiter := ratelimit.New(cfg.DefaultRateLimit, perProvider)

	engine := dispatch.New(dispatch.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BackoffBase: cfg.Retry.BackoffBase,
		QueueSize:   cfg.Retry.QueueSize,
		Workers:     cfg.Retry.Workers,
	}, providers, limiter, registry, collector, logger)

	debouncer := debounce.New(cfg.DebounceWindow, engine.Enqueue, collector, logger)
	collector.ObservePendingWindows(func() float64 {
		return float64(debouncer.Len())
	})

	// 3. API
	wakeAPI := api.NewWakeAPI(registry, debouncer, collector, logger)
	mux := baseServer.Mux()
	mux.Handle("POST /register", http.HandlerFunc(wakeAPI.RegisterDeviceHandler))
	mux.Handle("POST /notify", http.HandlerFunc(wakeAPI.NotifyDeviceHandler))

	w := &Wrapper{
		BaseServer: baseServer,
		debouncer:  debouncer,
		engine:     engine,
		collector:  collector,
		logger:     logger.With("component", "PushGateway"),
	}

	// 4. Optional Pub/Sub ingestion
	if consumer != nil {
		processor := pipeline.NewProcessor(registry, debouncer, collector, logger)
		streamingService, err := messagepipeline.NewStreamingService[wakeup.WakeRequest](
			messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
			consumer,
			pipeline.WakeRequestTransformer,
			processor,
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create streaming service: %w", err)
		}
		w.pipelineService = streamingService
	}

	// 5. Metrics on a separate listener so scrapes never contend with the
	// public door.
	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", collector.Handler())
		w.metricsServer = &http.Server{Handler: metricsMux}
		w.metricsAddr = cfg.MetricsAddr
	}

	return w, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.engine.Start()

	if w.pipelineService != nil {
		w.logger.Info("Ingestion pipeline starting...")
		if err := w.pipelineService.Start(ctx); err != nil {
			return fmt.Errorf("failed to start ingestion pipeline: %w", err)
		}
	}

	if w.metricsServer != nil {
		// Bind synchronously so a taken port fails startup instead of
		// surfacing later as a silent scrape gap.
		ln, err := net.Listen("tcp", w.metricsAddr)
		if err != nil {
			return fmt.Errorf("failed to bind metrics listener: %w", err)
		}
		w.logger.Info("Metrics listener started.", "addr", w.metricsAddr)
		go func() {
			if err := w.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				w.logger.Error("Metrics server failed.", "err", err)
			}
		}()
	}

	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

// Shutdown stops intake first, then drains: pending debounce windows flush
// into the engine before the engine itself is asked to stop.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error

	if w.pipelineService != nil {
		if err := w.pipelineService.Stop(ctx); err != nil {
			w.logger.Error("Ingestion pipeline shutdown failed.", "err", err)
			finalErr = err
		}
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.debouncer.Shutdown(ctx); err != nil {
		w.logger.Error("Debouncer shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.engine.Stop(ctx); err != nil {
		w.logger.Error("Dispatch engine shutdown failed.", "err", err)
		finalErr = err
	}
	if w.metricsServer != nil {
		if err := w.metricsServer.Shutdown(ctx); err != nil {
			w.logger.Error("Metrics server shutdown failed.", "err", err)
			finalErr = err
		}
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
