package outbox

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-kf-bridge/internal/domain"
	"github.com/tbourn/go-kf-bridge/internal/repo"
)

// Default ceilings.
const (
	DefaultMaxTotal        = 1000
	DefaultMaxPerRecipient = 100
)

// ErrInvalidEntry is returned by Enqueue for entries without a recipient or
// with an unknown kind.
var ErrInvalidEntry = errors.New("invalid outbox entry")

// Queue is the persistent outbox with a write-through in-memory mirror.
//
// Every mutation holds mu for the whole database write, so the mirror and
// the table never diverge and concurrent callers (worker, relay, ingestion)
// observe a single order of changes.
type Queue struct {
	DB              *gorm.DB
	MaxTotal        int
	MaxPerRecipient int

	// Now is the clock; nil means time.Now.
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]domain.OutboxEntry
}

// NewQueue returns an empty queue over db. Call Load to restore persisted
// entries.
func NewQueue(db *gorm.DB, maxTotal, maxPerRecipient int) *Queue {
	if maxTotal <= 0 {
		maxTotal = DefaultMaxTotal
	}
	if maxPerRecipient <= 0 {
		maxPerRecipient = DefaultMaxPerRecipient
	}
	return &Queue{
		DB:              db,
		MaxTotal:        maxTotal,
		MaxPerRecipient: maxPerRecipient,
		entries:         make(map[string]domain.OutboxEntry),
	}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Load replaces the mirror with the persisted entries.
func (q *Queue) Load(ctx context.Context) error {
	rows, err := repo.ListOutbox(ctx, q.DB)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make(map[string]domain.OutboxEntry, len(rows))
	for _, e := range rows {
		q.entries[e.ID] = e
	}
	outboxDepth.Set(float64(len(q.entries)))
	return nil
}

// Enqueue adds e to the queue and returns the stored entry.
//
// A text entry first replaces any queued text entry for the same recipient.
// Then, while the recipient or the whole queue is at its ceiling, the entry
// with the smallest DueAt among those counted by the exceeded ceiling is
// evicted.
func (q *Queue) Enqueue(ctx context.Context, e domain.OutboxEntry) (domain.OutboxEntry, error) {
	e.Recipient = strings.TrimSpace(e.Recipient)
	if e.Recipient == "" || (e.Kind != domain.OutboxText && e.Kind != domain.OutboxImage) {
		return domain.OutboxEntry{}, ErrInvalidEntry
	}
	now := q.now().UTC()
	if e.ID == "" {
		e.ID = string(e.Kind[0]) + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.DueAt.IsZero() {
		e.DueAt = now
	}
	e.DueAt = e.DueAt.UTC()

	q.mu.Lock()
	defer q.mu.Unlock()

	var coalesced, evicted []string
	if e.Kind == domain.OutboxText {
		for id, x := range q.entries {
			if x.Recipient == e.Recipient && x.Kind == domain.OutboxText {
				coalesced = append(coalesced, id)
			}
		}
	}

	// Plan evictions against a view without the coalesced entries.
	gone := make(map[string]bool, len(coalesced))
	for _, id := range coalesced {
		gone[id] = true
	}
	for {
		total, per := 0, 0
		for id, x := range q.entries {
			if gone[id] {
				continue
			}
			total++
			if x.Recipient == e.Recipient {
				per++
			}
		}
		var victim string
		switch {
		case per >= q.MaxPerRecipient:
			victim = q.oldestLocked(gone, e.Recipient)
		case total >= q.MaxTotal:
			victim = q.oldestLocked(gone, "")
		}
		if victim == "" {
			break
		}
		gone[victim] = true
		evicted = append(evicted, victim)
	}

	err := q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.DeleteOutbox(ctx, tx, append(append([]string{}, coalesced...), evicted...)...); err != nil {
			return err
		}
		return repo.InsertOutbox(ctx, tx, &e)
	})
	if err != nil {
		return domain.OutboxEntry{}, err
	}

	for id := range gone {
		delete(q.entries, id)
	}
	q.entries[e.ID] = e

	outboxEvents.WithLabelValues("enqueued").Inc()
	if n := len(coalesced); n > 0 {
		outboxEvents.WithLabelValues("coalesced").Add(float64(n))
	}
	if n := len(evicted); n > 0 {
		outboxEvents.WithLabelValues("evicted").Add(float64(n))
		log.Warn().Int("evicted", n).Str("to", e.Recipient).Msg("outbox full, dropped oldest")
	}
	outboxDepth.Set(float64(len(q.entries)))
	log.Info().
		Str("id", e.ID).
		Str("kind", string(e.Kind)).
		Str("to", e.Recipient).
		Dur("due_in", e.DueAt.Sub(now)).
		Msg("outbox enqueued")
	return e, nil
}

// oldestLocked returns the id with the smallest DueAt, optionally limited to
// one recipient, skipping ids in skip. Ties break on CreatedAt then id.
func (q *Queue) oldestLocked(skip map[string]bool, recipient string) string {
	var best *domain.OutboxEntry
	for id := range q.entries {
		if skip[id] {
			continue
		}
		x := q.entries[id]
		if recipient != "" && x.Recipient != recipient {
			continue
		}
		if best == nil || lessDue(x, *best) {
			best = &x
		}
	}
	if best == nil {
		return ""
	}
	return best.ID
}

func lessDue(a, b domain.OutboxEntry) bool {
	if !a.DueAt.Equal(b.DueAt) {
		return a.DueAt.Before(b.DueAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Due returns a snapshot of entries with DueAt <= now, ascending by DueAt.
func (q *Queue) Due(now time.Time) []domain.OutboxEntry {
	q.mu.Lock()
	out := make([]domain.OutboxEntry, 0)
	for _, e := range q.entries {
		if !e.DueAt.After(now) {
			out = append(out, e)
		}
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return lessDue(out[i], out[j]) })
	return out
}

// Snapshot returns every entry ascending by DueAt.
func (q *Queue) Snapshot() []domain.OutboxEntry {
	q.mu.Lock()
	out := make([]domain.OutboxEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return lessDue(out[i], out[j]) })
	return out
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Reschedule sets tries and moves the entry to dueAt. DueAt never moves
// backwards: an earlier dueAt leaves the current deadline in place. Returns
// repo.ErrNotFound when the entry is gone (evicted or coalesced meanwhile).
func (q *Queue) Reschedule(ctx context.Context, id string, tries int, dueAt time.Time) (domain.OutboxEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return domain.OutboxEntry{}, repo.ErrNotFound
	}
	dueAt = dueAt.UTC()
	if dueAt.Before(e.DueAt) {
		dueAt = e.DueAt
	}
	if err := repo.RescheduleOutbox(ctx, q.DB, id, tries, dueAt); err != nil {
		return domain.OutboxEntry{}, err
	}
	e.Tries = tries
	e.DueAt = dueAt
	q.entries[id] = e
	return e, nil
}

// Remove deletes the entry. Removing a missing entry is a no-op.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[id]; !ok {
		return nil
	}
	if err := repo.DeleteOutbox(ctx, q.DB, id); err != nil {
		return err
	}
	delete(q.entries, id)
	outboxDepth.Set(float64(len(q.entries)))
	return nil
}
