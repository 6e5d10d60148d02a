// Package services – IngestService
//
// IngestService turns one callback event into work: it pulls the announced
// messages, drops duplicates, stale and malformed events, keeps the latest
// text and image per user, and runs them through the conversation service.
// Replies are relayed to the channel; placeholders are not.
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tbourn/go-kf-bridge/internal/channel/wecom"
	"github.com/tbourn/go-kf-bridge/internal/poller"
)

// DefaultDropOlderThan is how far before boot an event may have been sent
// and still be processed.
const DefaultDropOlderThan = 120 * time.Second

var ingestEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kf_ingest_events_total",
		Help: "Pulled channel events by outcome (processed, duplicate, stale, invalid, superseded).",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(ingestEvents)
}

// Batch is one callback event: the sync token and the account it is for.
type Batch struct {
	Token    string
	OpenKfID string
}

// Channel is the inbound side of the channel client.
type Channel interface {
	SyncMessages(ctx context.Context, eventToken, openKfID string) ([]wecom.Message, error)
	DownloadMedia(ctx context.Context, mediaID string) (string, error)
}

// SeenGate is the dedup gate.
type SeenGate interface {
	HasSeen(ctx context.Context, id string) bool
	MarkSeen(ctx context.Context, id string) error
	// TryHold claims id for this batch; false means another batch has it.
	TryHold(id string) bool
}

// Conversation is the state machine entry point.
type Conversation interface {
	Handle(ctx context.Context, externalID, text string) (string, error)
	AcceptImage(ctx context.Context, externalID, dataURL string) (string, error)
}

// IngestStats summarizes one processed batch.
type IngestStats struct {
	Pulled     int
	Duplicates int
	Dropped    int
	Images     int
	Texts      int
	Replies    int
}

// IngestService processes pulled channel batches.
type IngestService struct {
	Channel      Channel
	Seen         SeenGate
	Conversation Conversation
	Notify       Notifier

	// Boot is the process start; events sent before Boot-DropOlderThan are
	// discarded as replays.
	Boot          time.Time
	DropOlderThan time.Duration
}

// NewIngestService constructs an IngestService booted now.
func NewIngestService(ch Channel, seen SeenGate, conv Conversation, notify Notifier) *IngestService {
	return &IngestService{
		Channel:       ch,
		Seen:          seen,
		Conversation:  conv,
		Notify:        notify,
		Boot:          time.Now(),
		DropOlderThan: DefaultDropOlderThan,
	}
}

type pending struct {
	msgID string
	value string
}

// Process pulls and handles one batch. Images are handled before texts so a
// text arriving with an image in the same batch uses it.
func (s *IngestService) Process(ctx context.Context, b Batch) (IngestStats, error) {
	ctx, span := otel.Tracer("services/IngestService").Start(ctx, "Process")
	defer span.End()

	var st IngestStats
	msgs, err := s.Channel.SyncMessages(ctx, b.Token, b.OpenKfID)
	if err != nil && len(msgs) == 0 {
		span.RecordError(err)
		return st, err
	}
	st.Pulled = len(msgs)
	span.SetAttributes(attribute.Int("pulled", st.Pulled))

	cutoff := s.Boot.Add(-s.DropOlderThan)
	texts := map[string]pending{}
	images := map[string]pending{}
	var textOrder, imageOrder, settle []string

	for _, m := range msgs {
		id := m.MsgID
		if id == "" {
			ingestEvents.WithLabelValues("invalid").Inc()
			continue
		}
		if s.Seen.HasSeen(ctx, id) || !s.Seen.TryHold(id) {
			st.Duplicates++
			ingestEvents.WithLabelValues("duplicate").Inc()
			continue
		}

		if m.SendTime != 0 && time.Unix(m.SendTime, 0).Before(cutoff) {
			st.Dropped++
			ingestEvents.WithLabelValues("stale").Inc()
			settle = append(settle, id)
			continue
		}
		uid := m.ExternalUserID
		if uid == "" {
			st.Dropped++
			ingestEvents.WithLabelValues("invalid").Inc()
			settle = append(settle, id)
			continue
		}

		switch {
		case m.MsgType == wecom.MsgTypeText && m.Text != "":
			if prev, ok := texts[uid]; ok {
				settle = append(settle, prev.msgID)
				ingestEvents.WithLabelValues("superseded").Inc()
			} else {
				textOrder = append(textOrder, uid)
			}
			texts[uid] = pending{msgID: id, value: m.Text}

		case m.MsgType == wecom.MsgTypeImage && m.MediaID != "":
			dataURL, err := s.Channel.DownloadMedia(ctx, m.MediaID)
			if err != nil {
				log.Warn().Err(err).Str("msgid", id).Msg("image download failed")
				settle = append(settle, id)
				continue
			}
			if prev, ok := images[uid]; ok {
				settle = append(settle, prev.msgID)
				ingestEvents.WithLabelValues("superseded").Inc()
			} else {
				imageOrder = append(imageOrder, uid)
			}
			images[uid] = pending{msgID: id, value: dataURL}

		default:
			settle = append(settle, id)
		}
	}

	for _, uid := range imageOrder {
		p := images[uid]
		reply, err := s.Conversation.AcceptImage(ctx, uid, p.value)
		if err != nil {
			log.Error().Err(err).Str("ext_uid", uid).Msg("accept image failed")
		} else if s.relay(ctx, uid, reply) {
			st.Replies++
		}
		s.markSeen(ctx, p.msgID)
		st.Images++
		ingestEvents.WithLabelValues("processed").Inc()
	}

	for _, uid := range textOrder {
		p := texts[uid]
		reply, err := s.Conversation.Handle(ctx, uid, p.value)
		if err != nil {
			log.Error().Err(err).Str("ext_uid", uid).Msg("handle text failed")
			reply = fmt.Sprintf(textHandleFailed, err)
		}
		s.markSeen(ctx, p.msgID)
		st.Texts++
		ingestEvents.WithLabelValues("processed").Inc()
		if s.relay(ctx, uid, reply) {
			st.Replies++
		}
	}

	for _, id := range settle {
		s.markSeen(ctx, id)
	}

	log.Info().
		Int("pulled", st.Pulled).
		Int("duplicates", st.Duplicates).
		Int("dropped", st.Dropped).
		Int("images", st.Images).
		Int("texts", st.Texts).
		Msg("batch processed")
	return st, nil
}

func (s *IngestService) markSeen(ctx context.Context, id string) {
	if err := s.Seen.MarkSeen(ctx, id); err != nil {
		log.Error().Err(err).Str("msgid", id).Msg("mark seen failed")
	}
}

// relay sends a reply unless it is empty, a placeholder or the image
// caption. It reports whether a send was attempted.
func (s *IngestService) relay(ctx context.Context, to, reply string) bool {
	if SkipReply(reply) || s.Notify == nil {
		return false
	}
	if err := s.Notify.SendText(ctx, to, reply); err != nil {
		log.Warn().Err(err).Str("to", to).Msg("reply relay failed")
	}
	return true
}

// SkipReply reports whether a reply should not be sent to the channel.
func SkipReply(reply string) bool {
	r := strings.TrimSpace(reply)
	return r == "" || r == TextImageDone || r == TextNoOutput || poller.IsPlaceholder(r)
}
