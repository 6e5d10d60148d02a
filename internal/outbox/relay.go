package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-kf-bridge/internal/cooldown"
	"github.com/tbourn/go-kf-bridge/internal/domain"
)

// Fragmentation defaults for long texts.
const (
	DefaultFragmentRunes = 600
	DefaultMaxFragments  = 5
	DefaultFragmentDelay = 900 * time.Millisecond
)

// Relay is the immediate send path. A cooling recipient, or a send rejected
// with the frequency-limit code, is handed to the queue instead; any other
// failure is returned to the caller and not queued.
type Relay struct {
	Sender   Sender
	Cooldown cooldown.Tracker
	Queue    *Queue

	CooldownWindow time.Duration
	Margin         time.Duration

	// Texts longer than FragmentRunes are sent as up to MaxFragments
	// numbered parts, FragmentDelay apart. Overflow is dropped.
	FragmentRunes int
	MaxFragments  int
	FragmentDelay time.Duration

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

func (r *Relay) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Relay) margin() time.Duration {
	if r.Margin > 0 {
		return r.Margin
	}
	return DefaultMargin
}

func (r *Relay) window() time.Duration {
	if r.CooldownWindow > 0 {
		return r.CooldownWindow
	}
	return cooldown.DefaultWindow
}

// SendText delivers text to the recipient now, or queues it when the
// recipient is rate limited. Empty text is ignored.
func (r *Relay) SendText(ctx context.Context, to, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	size, max := r.FragmentRunes, r.MaxFragments
	if size <= 0 {
		size = DefaultFragmentRunes
	}
	if max <= 0 {
		max = DefaultMaxFragments
	}
	parts := Fragment(text, size, max)
	delay := r.FragmentDelay
	if delay <= 0 {
		delay = DefaultFragmentDelay
	}

	for i := range parts {
		rest := strings.Join(parts[i:], "")
		if until, ok := r.Cooldown.Until(ctx, to); ok {
			return r.queue(ctx, domain.OutboxEntry{Recipient: to, Kind: domain.OutboxText, Text: rest}, until)
		}
		msg := parts[i]
		if len(parts) > 1 {
			msg = fmt.Sprintf("（%d/%d）- %s", i+1, len(parts), parts[i])
		}
		err := r.Sender.SendText(ctx, to, msg)
		if err != nil {
			if IsRateLimited(err) {
				return r.limited(ctx, domain.OutboxEntry{Recipient: to, Kind: domain.OutboxText, Text: rest})
			}
			relaySends.WithLabelValues("failed").Inc()
			log.Warn().Err(err).Str("to", to).Msg("send text failed")
			return err
		}
		relaySends.WithLabelValues("sent").Inc()
		if i < len(parts)-1 {
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
		}
	}
	return nil
}

// SendImage delivers an image now, or queues it when the recipient is rate
// limited.
func (r *Relay) SendImage(ctx context.Context, to string, data []byte, filename string) error {
	if len(data) == 0 {
		return nil
	}
	e := domain.OutboxEntry{Recipient: to, Kind: domain.OutboxImage, Image: data, Filename: filename}
	if until, ok := r.Cooldown.Until(ctx, to); ok {
		return r.queue(ctx, e, until)
	}
	err := r.Sender.SendImage(ctx, to, data, filename)
	if err == nil {
		relaySends.WithLabelValues("sent").Inc()
		return nil
	}
	if IsRateLimited(err) {
		return r.limited(ctx, e)
	}
	relaySends.WithLabelValues("failed").Inc()
	log.Warn().Err(err).Str("to", to).Msg("send image failed")
	return err
}

func (r *Relay) limited(ctx context.Context, e domain.OutboxEntry) error {
	if err := r.Cooldown.Mark(ctx, e.Recipient, r.window()); err != nil {
		log.Warn().Err(err).Str("to", e.Recipient).Msg("cooldown mark failed")
	}
	until, ok := r.Cooldown.Until(ctx, e.Recipient)
	if !ok {
		until = r.now().Add(r.window())
	}
	log.Warn().Str("to", e.Recipient).Time("until", until).Msg("frequency limited, queued for retry")
	return r.queue(ctx, e, until)
}

func (r *Relay) queue(ctx context.Context, e domain.OutboxEntry, until time.Time) error {
	e.DueAt = until.Add(r.margin())
	if _, err := r.Queue.Enqueue(ctx, e); err != nil {
		relaySends.WithLabelValues("failed").Inc()
		return err
	}
	relaySends.WithLabelValues("queued").Inc()
	return nil
}

// Fragment splits s into chunks of at most size runes, keeping at most max
// chunks.
func Fragment(s string, size, max int) []string {
	rs := []rune(s)
	if size <= 0 || len(rs) <= size {
		return []string{s}
	}
	var out []string
	for i := 0; i < len(rs) && (max <= 0 || len(out) < max); i += size {
		j := i + size
		if j > len(rs) {
			j = len(rs)
		}
		out = append(out, string(rs[i:j]))
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
