// Package wakeup contains the public domain types and interfaces for the
// push gateway: device token grammar, registrations, dispatch outcomes and
// the contracts for providers and the token registry.
package wakeup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Platform identifies the push provider a device token belongs to.
type Platform string

const (
	PlatformAPNS        Platform = "apns"
	PlatformAPNSSandbox Platform = "apns-sandbox"
	PlatformFCM         Platform = "fcm"
)

// MaxTokenLength bounds accepted device tokens. Real APNs tokens are 64 hex
// bytes and FCM tokens a few hundred; anything near this limit is garbage.
const MaxTokenLength = 4096

// Registration associates a device token with its provider.
type Registration struct {
	Token        string
	Platform     Platform
	RegisteredAt time.Time
}

// Outcome classifies a single dispatch attempt. Retry decisions are driven by
// this enum, never by error types.
type Outcome int

const (
	// OutcomeDelivered means the provider accepted the notification.
	OutcomeDelivered Outcome = iota
	// OutcomeRetryable covers transient failures: timeouts, 5xx, throttling.
	OutcomeRetryable
	// OutcomeTokenInvalid means the provider reports the token as dead.
	// The registration must be evicted; the token is never retried.
	OutcomeTokenInvalid
	// OutcomeConfigError covers bad credentials or malformed requests.
	// A service-level condition, not a per-token one; not retried.
	OutcomeConfigError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeTokenInvalid:
		return "token_invalid"
	case OutcomeConfigError:
		return "config_error"
	default:
		return "unknown"
	}
}

// WakeRequest is the wire form of a notify trigger, both on the HTTP door
// and on the Pub/Sub ingestion path.
type WakeRequest struct {
	Token string `json:"token"`
}

// Provider sends one wake-up ping to a push gateway.
type Provider interface {
	// Platform returns the platform this provider serves.
	Platform() Platform

	// Push delivers a single content-free notification for the registration
	// and classifies the provider's response. The error carries detail for
	// logging; the Outcome alone drives retry and eviction decisions.
	Push(ctx context.Context, reg Registration) (Outcome, error)
}

// Registry tracks known device tokens. Implementations must make operations
// on the same token atomic with respect to concurrent callers.
type Registry interface {
	// Upsert adds or refreshes a registration. It reports whether the token
	// was previously unknown. Re-registration never duplicates.
	Upsert(ctx context.Context, reg Registration) (created bool, err error)

	// Lookup returns the registration for a token, or nil if unknown.
	Lookup(ctx context.Context, token string) (*Registration, error)

	// Evict removes a registration. Evicting an unknown token is a no-op.
	Evict(ctx context.Context, token string) error
}

// ParsePlatform validates a raw device token and derives its platform from
// the token grammar:
//
//	fcm-<package>:<token>  FCM
//	sandbox:<token>        APNs sandbox
//	anything else          APNs production
func ParsePlatform(token string) (Platform, error) {
	if token == "" {
		return "", errors.New("empty device token")
	}
	if len(token) > MaxTokenLength {
		return "", fmt.Errorf("device token exceeds %d bytes", MaxTokenLength)
	}

	if rest, ok := strings.CutPrefix(token, "fcm-"); ok {
		pkg, fcmToken, found := strings.Cut(rest, ":")
		if !found || pkg == "" || fcmToken == "" {
			return "", errors.New("malformed FCM token, want fcm-<package>:<token>")
		}
		if !isFCMToken(fcmToken) {
			return "", errors.New("FCM token contains invalid characters")
		}
		return PlatformFCM, nil
	}

	if rest, ok := strings.CutPrefix(token, "sandbox:"); ok {
		if rest == "" {
			return "", errors.New("empty sandbox device token")
		}
		return PlatformAPNSSandbox, nil
	}

	return PlatformAPNS, nil
}

// PlatformToken strips the routing prefix and returns the bare token the
// provider expects on the wire.
func PlatformToken(token string) string {
	if rest, ok := strings.CutPrefix(token, "fcm-"); ok {
		if _, t, found := strings.Cut(rest, ":"); found {
			return t
		}
		return rest
	}
	if rest, ok := strings.CutPrefix(token, "sandbox:"); ok {
		return rest
	}
	return token
}

func isFCMToken(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == ':' || r == '-':
		default:
			return false
		}
	}
	return true
}
