// Package cooldown tracks per-recipient rate-limit windows.
//
// A cooldown opens when the channel rejects a delivery with its "frequency
// limited" code and closes on its own once the unblock time passes. Both the
// immediate-send path and the outbox worker consult the same Tracker.
package cooldown

import (
	"context"
	"time"
)

// DefaultWindow is the cooldown length applied on a rate-limit signal.
const DefaultWindow = 60 * time.Second

// Tracker holds recipient -> unblock time. Implementations are safe for
// concurrent use.
type Tracker interface {
	// Mark sets the recipient's unblock time to now+d, overwriting any
	// previous window.
	Mark(ctx context.Context, recipient string, d time.Duration) error
	// Until returns the unblock time and true while the recipient is cooling.
	Until(ctx context.Context, recipient string) (time.Time, bool)
	// Active returns every recipient that is currently cooling.
	Active(ctx context.Context) (map[string]time.Time, error)
}

// IsCooling reports whether recipient is inside a cooldown window.
func IsCooling(ctx context.Context, t Tracker, recipient string) bool {
	_, ok := t.Until(ctx, recipient)
	return ok
}

// Remaining returns how long recipient stays blocked after now, or zero.
func Remaining(ctx context.Context, t Tracker, recipient string, now time.Time) time.Duration {
	until, ok := t.Until(ctx, recipient)
	if !ok || !until.After(now) {
		return 0
	}
	return until.Sub(now)
}
