// Package outbox delivers outbound channel messages reliably.
//
// Queue is the persistent list of pending deliveries, Worker drains it on a
// fixed tick with cooldown-aware deferral and bounded exponential backoff,
// and Relay is the immediate send path that falls back to the queue when a
// recipient is rate limited.
package outbox

import (
	"context"
	"errors"
)

// Sender performs a single delivery attempt to the channel.
type Sender interface {
	SendText(ctx context.Context, to, text string) error
	SendImage(ctx context.Context, to string, data []byte, filename string) error
}

// IsRateLimited reports whether err carries the channel's frequency-limit
// signal. Channel errors opt in by implementing RateLimited() bool.
func IsRateLimited(err error) bool {
	var rl interface{ RateLimited() bool }
	return errors.As(err, &rl) && rl.RateLimited()
}
