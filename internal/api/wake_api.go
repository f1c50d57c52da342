// Package api exposes the HTTP front of the gateway: device registration
// and wake-up requests.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"log/slog"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-push-gateway/internal/metrics"
	"github.com/tinywideclouds/go-push-gateway/pkg/wakeup"
)

// Notifier is the debounce front of the dispatch path.
type Notifier interface {
	Notify(reg wakeup.Registration) bool
}

type WakeAPI struct {
	Registry  wakeup.Registry
	Debouncer Notifier
	Collector *metrics.Collector
	Logger    *slog.Logger
}

func NewWakeAPI(registry wakeup.Registry, debouncer Notifier, collector *metrics.Collector, logger *slog.Logger) *WakeAPI {
	return &WakeAPI{
		Registry:  registry,
		Debouncer: debouncer,
		Collector: collector,
		Logger:    logger.With("component", "WakeAPI"),
	}
}

type deviceRequest struct {
	Token string `json:"token"`
}

// RegisterDeviceHandler stores a device token. The routing prefix of the
// token decides the provider; re-registering the same token is a cheap
// idempotent refresh, which clients do on every app start.
func (api *WakeAPI) RegisterDeviceHandler(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	platform, err := wakeup.ParsePlatform(req.Token)
	if err != nil {
		api.Collector.RejectedRegistrations.Inc()
		api.Logger.Warn("Rejected device registration.", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	reg := wakeup.Registration{
		Token:        req.Token,
		Platform:     platform,
		RegisteredAt: time.Now(),
	}
	created, err := api.Registry.Upsert(r.Context(), reg)
	if err != nil {
		api.Logger.Error("Failed to store device registration.", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	if created {
		api.Collector.IncActiveTokens()
	}
	api.Collector.Registrations.Inc()
	api.Logger.Info("Device registered.", "provider", platform, "created", created)

	writeOK(w)
}

// NotifyDeviceHandler requests a wake-up for a known token. The handler only
// validates and hands off to the debouncer; it never waits for delivery.
func (api *WakeAPI) NotifyDeviceHandler(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if _, err := wakeup.ParsePlatform(req.Token); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	api.Collector.NotifyRequests.Inc()

	reg, err := api.Registry.Lookup(r.Context(), req.Token)
	if err != nil {
		api.Logger.Error("Registry lookup failed.", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	if reg == nil {
		api.Collector.UnknownTokenNotifies.Inc()
		response.WriteJSONError(w, http.StatusNotFound, "unknown token")
		return
	}

	api.Debouncer.Notify(*reg)
	writeOK(w)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("{}"))
}
