package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-kf-bridge/internal/cooldown"
	"github.com/tbourn/go-kf-bridge/internal/domain"
	"github.com/tbourn/go-kf-bridge/internal/repo"
)

// Worker defaults.
const (
	DefaultBatch       = 20
	DefaultMaxRetries  = 8
	DefaultBackoffBase = 4 * time.Second
	DefaultBackoffCap  = 60 * time.Second
	DefaultMargin      = time.Second
)

// Worker drains due queue entries. Tick is not safe to run concurrently with
// itself; the Scheduler guarantees a single caller.
type Worker struct {
	Queue    *Queue
	Sender   Sender
	Cooldown cooldown.Tracker

	Batch          int
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	CooldownWindow time.Duration
	// Margin is added to a cooldown's unblock time when deferring.
	Margin time.Duration

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) batch() int {
	if w.Batch > 0 {
		return w.Batch
	}
	return DefaultBatch
}

func (w *Worker) maxRetries() int {
	if w.MaxRetries > 0 {
		return w.MaxRetries
	}
	return DefaultMaxRetries
}

func (w *Worker) backoff(n int) time.Duration {
	base, ceiling := w.BackoffBase, w.BackoffCap
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if ceiling <= 0 {
		ceiling = DefaultBackoffCap
	}
	return Backoff(n, base, ceiling)
}

func (w *Worker) margin() time.Duration {
	if w.Margin > 0 {
		return w.Margin
	}
	return DefaultMargin
}

func (w *Worker) window() time.Duration {
	if w.CooldownWindow > 0 {
		return w.CooldownWindow
	}
	return cooldown.DefaultWindow
}

// Tick processes at most Batch due entries, oldest deadline first.
func (w *Worker) Tick(ctx context.Context) {
	now := w.now()
	due := w.Queue.Due(now)
	if len(due) == 0 {
		return
	}
	if len(due) > w.batch() {
		due = due[:w.batch()]
	}

	ctx, span := otel.Tracer("outbox/Worker").Start(ctx, "Tick",
		trace.WithAttributes(attribute.Int("outbox.due", len(due))))
	defer span.End()

	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		w.process(ctx, e)
	}
}

func (w *Worker) process(ctx context.Context, e domain.OutboxEntry) {
	l := log.With().Str("id", e.ID).Str("to", e.Recipient).Str("kind", string(e.Kind)).Logger()

	if until, ok := w.Cooldown.Until(ctx, e.Recipient); ok {
		if _, err := w.Queue.Reschedule(ctx, e.ID, e.Tries, until.Add(w.margin())); err != nil && !errors.Is(err, repo.ErrNotFound) {
			l.Error().Err(err).Msg("outbox defer failed")
			return
		}
		outboxEvents.WithLabelValues("deferred").Inc()
		l.Debug().Time("until", until).Msg("outbox deferred, recipient cooling")
		return
	}

	err := w.deliver(ctx, e)
	if err == nil {
		if rmErr := w.Queue.Remove(ctx, e.ID); rmErr != nil {
			l.Error().Err(rmErr).Msg("outbox dequeue after delivery failed")
		}
		outboxEvents.WithLabelValues("delivered").Inc()
		l.Info().Int("tries", e.Tries).Msg("outbox delivered")
		return
	}

	limited := IsRateLimited(err)
	if limited {
		if mErr := w.Cooldown.Mark(ctx, e.Recipient, w.window()); mErr != nil {
			l.Warn().Err(mErr).Msg("cooldown mark failed")
		}
	}

	if e.Tries+1 >= w.maxRetries() {
		if rmErr := w.Queue.Remove(ctx, e.ID); rmErr != nil {
			l.Error().Err(rmErr).Msg("outbox drop failed")
		}
		outboxEvents.WithLabelValues("dropped").Inc()
		l.Error().Err(err).Int("tries", e.Tries+1).Msg("outbox exceeded max retries, dropping")
		return
	}

	tries := e.Tries + 1
	now := w.now()
	delay := w.backoff(tries)
	if limited {
		delay = cooldown.Remaining(ctx, w.Cooldown, e.Recipient, now) + w.margin()
	}
	if _, rsErr := w.Queue.Reschedule(ctx, e.ID, tries, now.Add(delay)); rsErr != nil && !errors.Is(rsErr, repo.ErrNotFound) {
		l.Error().Err(rsErr).Msg("outbox reschedule failed")
		return
	}
	outboxEvents.WithLabelValues("retried").Inc()
	l.Warn().Err(err).Int("tries", tries).Dur("delay", delay).Bool("rate_limited", limited).Msg("outbox delivery failed, rescheduled")
}

func (w *Worker) deliver(ctx context.Context, e domain.OutboxEntry) error {
	switch e.Kind {
	case domain.OutboxText:
		return w.Sender.SendText(ctx, e.Recipient, e.Text)
	case domain.OutboxImage:
		name := e.Filename
		if name == "" {
			name = "image.jpg"
		}
		return w.Sender.SendImage(ctx, e.Recipient, e.Image, name)
	default:
		return ErrInvalidEntry
	}
}
