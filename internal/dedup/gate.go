// Package dedup decides whether an inbound channel event was already
// processed.
//
// The durable seen set lives in the database (see repo.InsertSeen) and is the
// only authority that survives a restart. A short-lived in-process cache sits
// in front of it so one ingestion batch does not repeat durable lookups for
// ids it has just handled; a cache miss always falls through to the database.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-kf-bridge/internal/repo"
)

const (
	// DefaultTTL is how long an id stays in the in-process cache.
	DefaultTTL = 5 * time.Minute
	// DefaultMax is the ceiling of the durable seen set.
	DefaultMax = 2000
)

// Gate is the dedup gate. It is safe for concurrent use.
type Gate struct {
	DB  *gorm.DB
	Max int
	TTL time.Duration

	// Now is the clock; nil means time.Now.
	Now func() time.Time

	// writeMu serializes durable inserts; SQLite admits one writer.
	writeMu sync.Mutex

	mu       sync.Mutex
	cache    map[string]time.Time
	cleanupN uint64
}

// New returns a Gate over db with the given durable ceiling and cache TTL.
// Non-positive values fall back to the defaults.
func New(db *gorm.DB, max int, ttl time.Duration) *Gate {
	if max <= 0 {
		max = DefaultMax
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{DB: db, Max: max, TTL: ttl, cache: make(map[string]time.Time)}
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// HasSeen reports whether id was processed before. Empty ids are never seen.
// A database error is logged and reported as unseen so the event is handled
// again rather than lost.
func (g *Gate) HasSeen(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	if g.cached(id) {
		return true
	}

	ctx, span := otel.Tracer("dedup/Gate").Start(ctx, "HasSeen",
		trace.WithAttributes(attribute.String("event.id", id)))
	defer span.End()

	seen, err := repo.HasSeen(ctx, g.DB, id)
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Str("msgid", id).Msg("dedup lookup failed")
		return false
	}
	if seen {
		g.Hold(id)
	}
	return seen
}

// MarkSeen records id durably and in the cache. Empty ids are ignored.
func (g *Gate) MarkSeen(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	ctx, span := otel.Tracer("dedup/Gate").Start(ctx, "MarkSeen",
		trace.WithAttributes(attribute.String("event.id", id)))
	defer span.End()

	g.writeMu.Lock()
	err := repo.InsertSeen(ctx, g.DB, id, g.now(), g.Max)
	g.writeMu.Unlock()
	if err != nil {
		span.RecordError(err)
		return err
	}
	g.Hold(id)
	return nil
}

// Hold marks id in the in-process cache only.
func (g *Gate) Hold(id string) {
	if id == "" {
		return
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.holdLocked(id, now)
}

// TryHold claims id in the in-process cache. It reports false when id is
// empty or already held, so of several concurrent callers exactly one wins.
func (g *Gate) TryHold(id string) bool {
	if id == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if at, ok := g.cache[id]; ok && now.Sub(at) < g.ttl() {
		return false
	}
	g.holdLocked(id, now)
	return true
}

func (g *Gate) holdLocked(id string, now time.Time) {
	if g.cache == nil {
		g.cache = make(map[string]time.Time)
	}
	g.cleanupN++
	if g.cleanupN >= 512 {
		for k, at := range g.cache {
			if now.Sub(at) >= g.ttl() {
				delete(g.cache, k)
			}
		}
		g.cleanupN = 0
	}
	g.cache[id] = now
}

func (g *Gate) cached(id string) bool {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	at, ok := g.cache[id]
	if !ok {
		return false
	}
	if now.Sub(at) >= g.ttl() {
		delete(g.cache, id)
		return false
	}
	return true
}

func (g *Gate) ttl() time.Duration {
	if g.TTL > 0 {
		return g.TTL
	}
	return DefaultTTL
}
