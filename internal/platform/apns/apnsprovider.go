// Package apns pushes background wake-ups through the Apple Push
// Notification Service.
package apns

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/payload"

	"github.com/tinywideclouds/go-push-gateway/pkg/wakeup"
)

// Client defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type Client interface {
	Push(n *apns2.Notification) (*apns2.Response, error)
}

// Config holds the provider certificate credentials.
type Config struct {
	// CertificateFile is a .p12 bundle holding the push certificate and key.
	CertificateFile     string
	CertificatePassword string
	// Topic is the app bundle ID (e.g. chat.delta).
	Topic string
}

// Provider sends to one APNs environment. Production and sandbox are
// separate providers with separate clients and rate budgets.
type Provider struct {
	client   Client
	platform wakeup.Platform
	topic    string
	logger   *slog.Logger
}

// NewProviders loads the certificate once and returns a production and a
// sandbox provider sharing it. It parses the P12 immediately to fail fast on
// startup if the credentials are bad.
func NewProviders(cfg Config, logger *slog.Logger) (*Provider, *Provider, error) {
	cert, err := certificate.FromP12File(cfg.CertificateFile, cfg.CertificatePassword)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load APNs certificate: %w", err)
	}

	production := NewProvider(apns2.NewClient(cert).Production(), wakeup.PlatformAPNS, cfg.Topic, logger)
	sandbox := NewProvider(apns2.NewClient(cert).Development(), wakeup.PlatformAPNSSandbox, cfg.Topic, logger)
	return production, sandbox, nil
}

// NewProvider wires an explicit client; tests inject a mock here.
func NewProvider(client Client, platform wakeup.Platform, topic string, logger *slog.Logger) *Provider {
	return &Provider{
		client:   client,
		platform: platform,
		topic:    topic,
		logger:   logger.With("component", "APNSProvider", "environment", platform),
	}
}

func (p *Provider) Platform() wakeup.Platform { return p.platform }

// Push sends a content-available background notification. The payload
// carries no user-visible content; its only job is waking the app so it
// fetches messages over its own transport.
func (p *Provider) Push(_ context.Context, reg wakeup.Registration) (wakeup.Outcome, error) {
	n := &apns2.Notification{
		DeviceToken: wakeup.PlatformToken(reg.Token),
		Topic:       p.topic,
		Payload:     payload.NewPayload().ContentAvailable(),
		Priority:    apns2.PriorityLow,
		PushType:    apns2.PushTypeBackground,
	}

	res, err := p.client.Push(n)
	if err != nil {
		// Network/transport failure, the token verdict is unknown.
		return wakeup.OutcomeRetryable, fmt.Errorf("apns transport failed: %w", err)
	}
	if res.Sent() {
		return wakeup.OutcomeDelivered, nil
	}

	// See: https://developer.apple.com/documentation/usernotifications/handling-notification-responses-from-apns
	switch res.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		return wakeup.OutcomeTokenInvalid, fmt.Errorf("apns rejected token: %s", res.Reason)

	case apns2.ReasonBadCertificate, apns2.ReasonBadCertificateEnvironment,
		apns2.ReasonForbidden, apns2.ReasonMissingTopic, apns2.ReasonTopicDisallowed:
		// The token might be fine but our configuration is wrong.
		return wakeup.OutcomeConfigError, fmt.Errorf("apns rejected request: %s", res.Reason)

	case apns2.ReasonTooManyRequests, apns2.ReasonInternalServerError,
		apns2.ReasonServiceUnavailable, apns2.ReasonShutdown:
		return wakeup.OutcomeRetryable, fmt.Errorf("apns unavailable: %s", res.Reason)
	}

	if res.StatusCode >= 500 {
		return wakeup.OutcomeRetryable, fmt.Errorf("apns server error %d: %s", res.StatusCode, res.Reason)
	}
	p.logger.Warn("APNs rejected notification.", "reason", res.Reason, "status", res.StatusCode)
	return wakeup.OutcomeConfigError, fmt.Errorf("apns rejected request %d: %s", res.StatusCode, res.Reason)
}
