// Package fcm pushes wake-ups through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/messaging"

	"github.com/tinywideclouds/go-push-gateway/pkg/wakeup"
)

// Client defines the subset of the Firebase Messaging API we use.
// This interface allows us to mock the client for unit testing.
type Client interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

type Provider struct {
	client Client
	logger *slog.Logger
}

// NewProvider accepts the concrete client but stores it as the interface.
// Note: *messaging.Client automatically satisfies this interface.
func NewProvider(client Client, logger *slog.Logger) *Provider {
	return &Provider{
		client: client,
		logger: logger.With("component", "FCMProvider"),
	}
}

func (p *Provider) Platform() wakeup.Platform { return wakeup.PlatformFCM }

// Push sends a high-priority data-only message. Data-only keeps the payload
// invisible to the user; high priority is what lets Android deliver it to an
// app in doze.
func (p *Provider) Push(ctx context.Context, reg wakeup.Registration) (wakeup.Outcome, error) {
	msg := &messaging.Message{
		Token: wakeup.PlatformToken(reg.Token),
		Data:  map[string]string{"wakeup": "1"},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}

	_, err := p.client.Send(ctx, msg)
	if err == nil {
		return wakeup.OutcomeDelivered, nil
	}

	switch {
	case messaging.IsRegistrationTokenNotRegistered(err) || messaging.IsInvalidArgument(err):
		// The token is garbage or the app was uninstalled.
		return wakeup.OutcomeTokenInvalid, fmt.Errorf("fcm rejected token: %w", err)

	case messaging.IsSenderIDMismatch(err) || messaging.IsThirdPartyAuthError(err):
		return wakeup.OutcomeConfigError, fmt.Errorf("fcm rejected credentials: %w", err)

	default:
		// Transport, quota and 5xx conditions all land here.
		return wakeup.OutcomeRetryable, fmt.Errorf("fcm send failed: %w", err)
	}
}
