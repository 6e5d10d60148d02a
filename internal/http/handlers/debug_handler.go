package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-kf-bridge/internal/cooldown"
	"github.com/tbourn/go-kf-bridge/internal/domain"
	"github.com/tbourn/go-kf-bridge/internal/repo"
	"github.com/tbourn/go-kf-bridge/internal/sysutil"
	"github.com/tbourn/go-kf-bridge/internal/utils"
)

// DebugStore is the read side of persistence used by the debug endpoints.
type DebugStore interface {
	GetUser(ctx context.Context, externalID string) (*domain.User, error)
	OutboxStats(ctx context.Context, recipient string) (int64, *time.Time, error)
	CountUsers(ctx context.Context) (int64, error)
	CountSeen(ctx context.Context) (int64, error)
}

// OutboxView is the in-memory outbox mirror.
type OutboxView interface {
	Snapshot() []domain.OutboxEntry
	Len() int
}

// QueueLen reports queued ingest batches.
type QueueLen interface {
	Len() int
}

// Debug serves read-only diagnostics. Nothing here mutates state.
type Debug struct {
	store     DebugStore
	cooldowns cooldown.Tracker
	outbox    OutboxView
	ingest    QueueLen
	now       func() time.Time
}

// NewDebug wires the diagnostics endpoints. ingest may be nil.
func NewDebug(store DebugStore, cooldowns cooldown.Tracker, outbox OutboxView, ingest QueueLen) *Debug {
	return &Debug{store: store, cooldowns: cooldowns, outbox: outbox, ingest: ingest, now: time.Now}
}

//
// DTOs
//

// UserView is a user record with the credential masked and the cached image
// reduced to its size.
type UserView struct {
	ExternalID       string     `json:"external_id"`
	Credential       string     `json:"credential"`
	Model            string     `json:"model"`
	State            string     `json:"state"`
	ConversationID   string     `json:"conversation_id"`
	Scratch          any        `json:"scratch,omitempty"`
	RecentImageBytes int        `json:"recent_image_bytes"`
	RecentImageAt    *time.Time `json:"recent_image_at,omitempty"`
	SessionID        string     `json:"session_id"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// StateResponse wraps one user record.
type StateResponse struct {
	OK   bool     `json:"ok" example:"true"`
	User UserView `json:"user"`
}

// RateLimitResponse lists recipients inside a cooldown window.
type RateLimitResponse struct {
	OK           bool           `json:"ok" example:"true"`
	CooldownLeft map[string]int `json:"cooldown_left_sec"`
}

// OutboxItem is one pending delivery without its payload bytes.
type OutboxItem struct {
	ID        string    `json:"id"`
	Recipient string    `json:"recipient"`
	Kind      string    `json:"kind"`
	Preview   string    `json:"preview,omitempty"`
	Bytes     int       `json:"bytes"`
	Tries     int       `json:"tries"`
	DueAt     time.Time `json:"due_at"`
}

// OutboxResponse describes pending deliveries, from the in-memory mirror and
// from the store.
type OutboxResponse struct {
	OK          bool         `json:"ok" example:"true"`
	Pending     int          `json:"pending"`
	Persisted   int64        `json:"persisted"`
	EarliestDue *time.Time   `json:"earliest_due,omitempty"`
	Entries     []OutboxItem `json:"entries"`
}

// StatsResponse holds coarse counters.
type StatsResponse struct {
	OK            bool  `json:"ok" example:"true"`
	Users         int64 `json:"users"`
	SeenIDs       int64 `json:"seen_ids"`
	OutboxPending int   `json:"outbox_pending"`
	IngestQueued  int   `json:"ingest_queued"`
}

const previewRunes = 80

// Page size bounds of /debug/outbox.
const (
	defaultOutboxLimit = 100
	maxOutboxLimit     = 1000
)

func viewUser(u *domain.User) UserView {
	return UserView{
		ExternalID:       u.ExternalID,
		Credential:       sysutil.Mask(u.Credential),
		Model:            u.Model,
		State:            string(u.State),
		ConversationID:   u.ConversationID,
		Scratch:          u.Scratch.Data,
		RecentImageBytes: len(u.RecentImage),
		RecentImageAt:    u.RecentImageAt,
		SessionID:        u.SessionID,
		UpdatedAt:        u.UpdatedAt,
	}
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	return string([]rune(s)[:previewRunes]) + "..."
}

//
// Handlers
//

// State godoc
// @ID          debugState
// @Summary     Show a user record
// @Description Returns the stored record for ext_uid with the backend credential masked.
// @Tags        Debug
// @Produce     json
// @Param       ext_uid  query  string  true  "Channel external user id"
// @Success     200  {object}  handlers.StateResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Missing ext_uid"
// @Failure     404  {object}  handlers.ErrorResponse  "Unknown ext_uid"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /debug/state [get]
func (h *Debug) State(c *gin.Context) {
	id := strings.TrimSpace(c.Query("ext_uid"))
	if id == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "ext_uid is required")
		return
	}
	u, err := h.store.GetUser(c.Request.Context(), id)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "unknown ext_uid")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, StateResponse{OK: true, User: viewUser(u)})
}

// RateLimit godoc
// @ID          debugRateLimit
// @Summary     List active cooldowns
// @Description Seconds left for every recipient currently rate limited by the channel.
// @Tags        Debug
// @Produce     json
// @Success     200  {object}  handlers.RateLimitResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /debug/ratelimit [get]
func (h *Debug) RateLimit(c *gin.Context) {
	active, err := h.cooldowns.Active(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	now := h.now()
	left := make(map[string]int, len(active))
	for recipient, until := range active {
		if until.After(now) {
			left[recipient] = int(until.Sub(now).Seconds())
		}
	}
	ok(c, RateLimitResponse{OK: true, CooldownLeft: left})
}

// Outbox godoc
// @ID          debugOutbox
// @Summary     List pending deliveries
// @Description Pending outbox entries in due order, optionally for one recipient. Image bytes are omitted.
// @Tags        Debug
// @Produce     json
// @Param       ext_uid  query  string  false  "Only entries for this recipient"
// @Param       limit    query  int     false  "Maximum entries listed (1..1000, default 100)"
// @Success     200  {object}  handlers.OutboxResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /debug/outbox [get]
func (h *Debug) Outbox(c *gin.Context) {
	recipient := strings.TrimSpace(c.Query("ext_uid"))
	limit := utils.LimitParam(c.Query("limit"), defaultOutboxLimit, maxOutboxLimit)
	persisted, earliest, err := h.store.OutboxStats(c.Request.Context(), recipient)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	snap := h.outbox.Snapshot()
	items := make([]OutboxItem, 0, min(len(snap), limit))
	pending := 0
	for _, e := range snap {
		if recipient != "" && e.Recipient != recipient {
			continue
		}
		pending++
		if len(items) >= limit {
			continue
		}
		it := OutboxItem{
			ID:        e.ID,
			Recipient: e.Recipient,
			Kind:      string(e.Kind),
			Tries:     e.Tries,
			DueAt:     e.DueAt,
		}
		if e.Kind == domain.OutboxImage {
			it.Preview, it.Bytes = e.Filename, len(e.Image)
		} else {
			it.Preview, it.Bytes = preview(e.Text), len(e.Text)
		}
		items = append(items, it)
	}
	ok(c, OutboxResponse{
		OK:          true,
		Pending:     pending,
		Persisted:   persisted,
		EarliestDue: earliest,
		Entries:     items,
	})
}

// Stats godoc
// @ID          debugStats
// @Summary     Coarse counters
// @Tags        Debug
// @Produce     json
// @Success     200  {object}  handlers.StatsResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /debug/stats [get]
func (h *Debug) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	users, err := h.store.CountUsers(ctx)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	seen, err := h.store.CountSeen(ctx)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	resp := StatsResponse{OK: true, Users: users, SeenIDs: seen, OutboxPending: h.outbox.Len()}
	if h.ingest != nil {
		resp.IngestQueued = h.ingest.Len()
	}
	ok(c, resp)
}

// Health godoc
// @ID          health
// @Summary     Liveness
// @Tags        Health
// @Produce     json
// @Success     200  {object}  map[string]bool
// @Router      /healthz [get]
func Health(c *gin.Context) {
	ok(c, gin.H{"ok": true})
}
