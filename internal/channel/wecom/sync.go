package wecom

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// Sync paging limits.
const (
	SyncPageLimit = 1000
	SyncMaxPages  = 10
)

// Message types carried by sync_msg.
const (
	MsgTypeText  = "text"
	MsgTypeImage = "image"
)

// Message is one inbound customer message pulled with sync_msg.
type Message struct {
	MsgID          string
	ExternalUserID string
	MsgType        string
	Text           string
	MediaID        string
	// SendTime is in unix seconds; zero when the platform omitted it.
	SendTime int64
}

type syncRequest struct {
	Token    string `json:"token"`
	Limit    int    `json:"limit"`
	Cursor   string `json:"cursor,omitempty"`
	OpenKfID string `json:"open_kfid,omitempty"`
}

// SyncMessages pulls the messages announced by one callback event token,
// following next_cursor for at most SyncMaxPages pages. openKfID falls back
// to the client's account. A failing page ends paging; messages pulled so
// far are returned together with the error.
func (c *Client) SyncMessages(ctx context.Context, eventToken, openKfID string) ([]Message, error) {
	if openKfID == "" {
		openKfID = c.OpenKfID
	}
	var (
		out    []Message
		cursor string
	)
	for page := 0; page < SyncMaxPages; page++ {
		body, err := c.postJSON(ctx, "kf/sync_msg", "/cgi-bin/kf/sync_msg", syncRequest{
			Token:    eventToken,
			Limit:    SyncPageLimit,
			Cursor:   cursor,
			OpenKfID: openKfID,
		})
		if err != nil {
			log.Error().Err(err).Int("page", page).Msg("kf sync failed")
			return out, err
		}
		gjson.GetBytes(body, "msg_list").ForEach(func(_, m gjson.Result) bool {
			out = append(out, parseMessage(m))
			return true
		})
		cursor = gjson.GetBytes(body, "next_cursor").String()
		if gjson.GetBytes(body, "has_more").Int() == 0 || cursor == "" {
			break
		}
	}
	log.Info().Int("count", len(out)).Msg("kf sync pulled messages")
	return out, nil
}

func parseMessage(m gjson.Result) Message {
	msg := Message{
		MsgID:   strings.TrimSpace(m.Get("msgid").String()),
		MsgType: strings.TrimSpace(m.Get("msgtype").String()),
	}
	for _, k := range []string{"external_userid", "openid", "from"} {
		if v := strings.TrimSpace(m.Get(k).String()); v != "" {
			msg.ExternalUserID = v
			break
		}
	}
	for _, k := range []string{"send_time", "msgtime", "create_time"} {
		if v := m.Get(k).Int(); v != 0 {
			msg.SendTime = v
			break
		}
	}
	switch msg.MsgType {
	case MsgTypeText:
		msg.Text = strings.TrimSpace(m.Get("text.content").String())
	case MsgTypeImage:
		msg.MediaID = strings.TrimSpace(m.Get("image.media_id").String())
	}
	return msg
}
