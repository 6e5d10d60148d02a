// Package poller discovers asynchronously produced assistant replies by
// re-reading the remote conversation until the reply settles.
//
// The backend writes a placeholder assistant message first and fills it in
// later without notifying anyone, so Await keeps fetching the conversation
// until the target message holds real text or an image, or the time budget
// runs out.
package poller

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-kf-bridge/internal/domain"
)

// Defaults.
const (
	DefaultInterval    = 600 * time.Millisecond
	DefaultShortWindow = 5 * time.Second
	DefaultTimeout     = 300 * time.Second

	minShortInterval = 200 * time.Millisecond
	maxShortInterval = 500 * time.Millisecond
	minLongInterval  = 300 * time.Millisecond
)

// Status is the outcome of Await.
type Status int

const (
	// NotReady means the budget elapsed with no settled reply.
	NotReady Status = iota
	// Ready means a non-placeholder reply was found.
	Ready
	// Failed means the context ended before a reply was found.
	Failed
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "not_ready"
	}
}

// Target names the reply being waited for. Either field may be empty.
type Target struct {
	AssistantID string
	UserID      string
}

// Result is what Await found.
type Result struct {
	Status    Status
	MessageID string
	Text      string
	Images    []string
	Attempts  int
}

// FetchFunc returns the current messages of the conversation.
type FetchFunc func(ctx context.Context) ([]domain.Message, error)

// Poller runs the two-phase poll: a short window at a tight interval, then a
// looser interval until Timeout.
type Poller struct {
	Interval    time.Duration
	ShortWindow time.Duration
	Timeout     time.Duration

	// Now and Sleep are the clock; nil means wall time.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) bool
}

// New returns a Poller with the given settings; non-positive values fall
// back to the defaults.
func New(interval, shortWindow, timeout time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if shortWindow <= 0 {
		shortWindow = DefaultShortWindow
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Poller{Interval: interval, ShortWindow: shortWindow, Timeout: timeout}
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *Poller) intervals() (short, long time.Duration) {
	iv := p.Interval
	if iv <= 0 {
		iv = DefaultInterval
	}
	short = iv
	if short > maxShortInterval {
		short = maxShortInterval
	}
	if short < minShortInterval {
		short = minShortInterval
	}
	long = iv
	if long < minLongInterval {
		long = minLongInterval
	}
	return short, long
}

// Await polls fetch until the target reply settles, the budget elapses or ctx
// ends. Fetch errors count as not ready.
func (p *Poller) Await(ctx context.Context, fetch FetchFunc, t Target) Result {
	ctx, span := otel.Tracer("poller/Poller").Start(ctx, "Await",
		trace.WithAttributes(
			attribute.String("poll.assistant_id", t.AssistantID),
			attribute.String("poll.user_id", t.UserID),
		))
	defer span.End()

	timeout, window := p.Timeout, p.ShortWindow
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if window <= 0 {
		window = DefaultShortWindow
	}
	if window > timeout {
		window = timeout
	}
	short, long := p.intervals()

	start := p.now()
	shortEnd, deadline := start.Add(window), start.Add(timeout)

	attempts := 0
	for {
		attempts++
		msgs, err := fetch(ctx)
		if err != nil {
			log.Debug().Err(err).Int("attempt", attempts).Msg("poll fetch failed")
		} else if r := Inspect(msgs, t); r.Status == Ready {
			r.Attempts = attempts
			span.SetAttributes(attribute.Int("poll.attempts", attempts), attribute.String("poll.status", r.Status.String()))
			return r
		}
		if ctx.Err() != nil {
			span.SetAttributes(attribute.String("poll.status", Failed.String()))
			return Result{Status: Failed, Attempts: attempts}
		}

		now := p.now()
		if !now.Before(deadline) {
			break
		}
		iv := long
		if now.Before(shortEnd) {
			iv = short
		}
		if left := deadline.Sub(now); left < iv {
			iv = left
		}
		if !p.sleep(ctx, iv) {
			span.SetAttributes(attribute.String("poll.status", Failed.String()))
			return Result{Status: Failed, Attempts: attempts}
		}
	}

	log.Info().Int("attempts", attempts).Dur("budget", timeout).Msg("poll timed out")
	span.SetAttributes(attribute.Int("poll.attempts", attempts), attribute.String("poll.status", NotReady.String()))
	return Result{Status: NotReady, Attempts: attempts}
}

// Inspect classifies one snapshot of the conversation.
func Inspect(msgs []domain.Message, t Target) Result {
	m, ok := Resolve(msgs, t)
	if !ok {
		return Result{Status: NotReady}
	}
	if len(m.Images) == 0 && IsPlaceholder(m.Text) {
		return Result{Status: NotReady, MessageID: m.ID}
	}
	return Result{Status: Ready, MessageID: m.ID, Text: m.Text, Images: m.Images}
}

// Resolve picks the assistant message the target refers to: the message with
// AssistantID, else the assistant whose parent is UserID, else the newest
// assistant not older than the user message, else the newest assistant.
func Resolve(msgs []domain.Message, t Target) (domain.Message, bool) {
	var (
		user    *domain.Message
		newest  *domain.Message
		child   *domain.Message
		younger *domain.Message
	)
	for i := range msgs {
		m := &msgs[i]
		if t.UserID != "" && m.ID == t.UserID && m.Role == domain.RoleUser {
			user = m
		}
		if m.Role != domain.RoleAssistant || m.ID == "" {
			continue
		}
		if t.AssistantID != "" && m.ID == t.AssistantID {
			return *m, true
		}
		if newest == nil || m.Timestamp >= newest.Timestamp {
			newest = m
		}
		if t.UserID != "" && m.ParentID == t.UserID && (child == nil || m.Timestamp >= child.Timestamp) {
			child = m
		}
	}
	if child != nil {
		return *child, true
	}
	if user != nil {
		for i := range msgs {
			m := &msgs[i]
			if m.Role != domain.RoleAssistant || m.ID == "" || m.Timestamp < user.Timestamp {
				continue
			}
			if younger == nil || m.Timestamp >= younger.Timestamp {
				younger = m
			}
		}
		if younger != nil {
			return *younger, true
		}
	}
	if newest != nil {
		return *newest, true
	}
	return domain.Message{}, false
}
