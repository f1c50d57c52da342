// Package pipeline adapts Pub/Sub wake-up triggers onto the same debounce
// path the HTTP door feeds.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-gateway/pkg/wakeup"
)

// WakeRequestTransformer is a dataflow Transformer that unmarshals and
// validates a raw message payload into a wakeup.WakeRequest.
//
// Malformed payloads return skip=true so the StreamingService routes them to
// the dead-letter topic instead of retrying a permanently broken message.
func WakeRequestTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*wakeup.WakeRequest, bool, error) {
	var req wakeup.WakeRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal wake request from message %s: %w", msg.ID, err)
	}
	if _, err := wakeup.ParsePlatform(req.Token); err != nil {
		return nil, true, fmt.Errorf("invalid device token in message %s: %w", msg.ID, err)
	}
	return &req, false, nil
}
