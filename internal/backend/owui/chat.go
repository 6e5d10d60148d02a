package owui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tbourn/go-kf-bridge/internal/domain"
)

// Chat is a fetched conversation document.
type Chat struct {
	ID    string
	Title string

	// doc is the chat object itself (the "chat" member when the response
	// wraps it).
	doc []byte
}

func parseChat(id string, body []byte) (*Chat, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("chat %s: invalid json", id)
	}
	doc := body
	if inner := gjson.GetBytes(body, "chat"); inner.IsObject() {
		doc = []byte(inner.Raw)
	}
	ch := &Chat{ID: id, doc: doc}
	ch.Title = gjson.GetBytes(body, "title").String()
	if ch.Title == "" {
		ch.Title = gjson.GetBytes(doc, "title").String()
	}
	return ch, nil
}

// Messages returns the conversation's messages ascending by timestamp. The
// flat messages list is preferred; the history map is the fallback.
func (ch *Chat) Messages() []domain.Message {
	var out []domain.Message
	for _, r := range ch.rawMessages() {
		out = append(out, toMessage(r))
	}
	domain.SortByTime(out)
	return out
}

func (ch *Chat) rawMessages() []gjson.Result {
	if list := gjson.GetBytes(ch.doc, "messages").Array(); len(list) > 0 {
		return list
	}
	var out []gjson.Result
	gjson.GetBytes(ch.doc, "history.messages").ForEach(func(_, v gjson.Result) bool {
		out = append(out, v)
		return true
	})
	return out
}

func toMessage(r gjson.Result) domain.Message {
	m := domain.Message{
		ID:        r.Get("id").String(),
		Role:      r.Get("role").String(),
		ParentID:  r.Get("parentId").String(),
		Model:     r.Get("modelName").String(),
		Timestamp: millis(r.Get("timestamp")),
	}
	m.Text = contentText(r)
	m.Images = messageImages(r, m.Text)
	return m
}

// millis accepts unix seconds or milliseconds.
func millis(v gjson.Result) int64 {
	f := v.Float()
	if f <= 0 {
		return 0
	}
	if f < 1e12 {
		f *= 1000
	}
	return int64(f)
}

func contentText(r gjson.Result) string {
	c := r.Get("content")
	switch {
	case c.Type == gjson.String:
		return c.String()
	case c.IsArray():
		var b strings.Builder
		for _, p := range c.Array() {
			switch t := p.Get("type").String(); {
			case (t == "text" || t == "markdown") && p.Get("text").String() != "":
				b.WriteString(p.Get("text").String())
			case p.Get("content").Type == gjson.String:
				b.WriteString(p.Get("content").String())
			}
		}
		return strings.TrimSpace(b.String())
	}
	if resp := r.Get("response"); resp.Type == gjson.String {
		return resp.String()
	}
	return ""
}

// FetchChat reads one conversation.
func (c *Client) FetchChat(ctx context.Context, token, chatID string) (*Chat, error) {
	body, err := c.do(ctx, "FetchChat", "GET", "/api/v1/chats/"+url.PathEscape(chatID)+"?refresh=1", token, nil)
	if err != nil {
		return nil, err
	}
	return parseChat(chatID, body)
}

// Messages is FetchChat reduced to its messages.
func (c *Client) Messages(ctx context.Context, token, chatID string) ([]domain.Message, error) {
	ch, err := c.FetchChat(ctx, token, chatID)
	if err != nil {
		return nil, err
	}
	return ch.Messages(), nil
}

// CreateChat creates an empty conversation and returns its id.
func (c *Client) CreateChat(ctx context.Context, token, title string, models []string) (string, error) {
	payload := map[string]any{"chat": map[string]any{"title": title, "models": nonNil(models)}}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	body, err := c.do(ctx, "CreateChat", "POST", "/api/v1/chats/new", token, b)
	if err != nil {
		return "", err
	}
	for _, p := range []string{"id", "data.id", "chat.id"} {
		if id := gjson.GetBytes(body, p).String(); id != "" {
			log.Info().Str("chat_id", id).Msg("backend chat created")
			return id, nil
		}
	}
	return "", ErrNoChatID
}

// AppendUserMessage adds a user message to the conversation, chained to the
// last assistant message, and returns the new message id.
func (c *Client) AppendUserMessage(ctx context.Context, token, chatID, model, text string, images []string) (string, error) {
	ch, err := c.FetchChat(ctx, token, chatID)
	if err != nil {
		return "", err
	}
	id := c.newID()
	msg := map[string]any{
		"id":        id,
		"role":      domain.RoleUser,
		"content":   text,
		"timestamp": c.nowMillis(),
		"models":    nonNil(optional(model)),
	}
	if len(images) > 0 {
		msg["images"] = images
	}
	if last := ch.lastID(domain.RoleAssistant); last != "" {
		msg["parentId"] = last
	}
	if err := c.appendMessage(ctx, "AppendUserMessage", token, ch, id, msg); err != nil {
		return "", err
	}
	log.Debug().Str("chat_id", chatID).Str("user_mid", id).Msg("user message appended")
	return id, nil
}

// SeedAssistant adds an empty assistant message answering parentID, which
// the completion later fills in.
func (c *Client) SeedAssistant(ctx context.Context, token, chatID, model, parentID string) (string, error) {
	ch, err := c.FetchChat(ctx, token, chatID)
	if err != nil {
		return "", err
	}
	id := c.newID()
	msg := map[string]any{
		"id":        id,
		"role":      domain.RoleAssistant,
		"content":   []any{},
		"parentId":  parentID,
		"modelName": model,
		"modelIdx":  0,
		"timestamp": c.nowMillis(),
	}
	if err := c.appendMessage(ctx, "SeedAssistant", token, ch, id, msg); err != nil {
		return "", err
	}
	return id, nil
}

// Reply is the final content of an assistant message.
type Reply struct {
	AssistantID string
	ParentID    string
	Model       string
	Text        string
	Images      []string
}

// SaveAssistant writes the final reply into the assistant message with the
// given id, appending it when the backend lost the placeholder. Fields of the
// existing message that the bridge does not set are kept.
func (c *Client) SaveAssistant(ctx context.Context, token, chatID string, r Reply) error {
	if r.AssistantID == "" {
		r.AssistantID = c.newID()
	}
	ch, err := c.FetchChat(ctx, token, chatID)
	if err != nil {
		return err
	}
	if r.ParentID == "" {
		r.ParentID = ch.lastID(domain.RoleUser)
	}

	fields := []field{
		{"id", r.AssistantID},
		{"role", domain.RoleAssistant},
		{"content", r.Text},
		{"timestamp", c.nowMillis()},
		{"parentId", r.ParentID},
	}
	if r.Model != "" {
		fields = append(fields, field{"modelName", r.Model}, field{"modelIdx", 0})
	}
	if len(r.Images) > 0 {
		fields = append(fields, field{"images", r.Images})
	}
	set := func(obj string) (string, error) { return setFields(obj, fields) }

	msgs := gjson.GetBytes(ch.doc, "messages")
	list := msgs.Raw
	if !msgs.IsArray() {
		list = "[]"
	}
	idx := -1
	for i, m := range gjson.Parse(list).Array() {
		if m.Get("id").String() == r.AssistantID {
			idx = i
			break
		}
	}
	var obj string
	if idx >= 0 {
		obj, err = set(gjson.Parse(list).Array()[idx].Raw)
		if err == nil {
			list, err = sjson.SetRaw(list, fmt.Sprint(idx), obj)
		}
	} else {
		obj, err = set(`{}`)
		if err == nil {
			list, err = sjson.SetRaw(list, "-1", obj)
		}
	}
	if err != nil {
		return err
	}

	hist := ch.history(list)
	key := escapeKey(r.AssistantID)
	if prev := gjson.Get(hist, "messages."+key); prev.IsObject() {
		obj, err = set(prev.Raw)
		if err != nil {
			return err
		}
	}
	if hist, err = sjson.SetRaw(hist, "messages."+key, obj); err != nil {
		return err
	}
	if hist, err = sjson.Set(hist, "current_id", r.AssistantID); err != nil {
		return err
	}
	return c.postChat(ctx, "SaveAssistant", token, chatID, list, hist)
}

// MarkCompleted tells the backend the assistant message is final so its UI
// leaves the generating state.
func (c *Client) MarkCompleted(ctx context.Context, token, chatID, assistantID, sessionID, model string) error {
	payload := map[string]any{"chat_id": chatID, "id": assistantID}
	if sessionID != "" {
		payload["session_id"] = sessionID
	}
	if model != "" {
		payload["model"] = model
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, "MarkCompleted", "POST", "/api/chat/completed", token, b)
	return err
}

// RenameChat sets the conversation title.
func (c *Client) RenameChat(ctx context.Context, token, chatID, title string) error {
	return c.updateChat(ctx, "RenameChat", token, chatID, map[string]any{"id": chatID, "title": title})
}

// SetChatModel pins the conversation to model.
func (c *Client) SetChatModel(ctx context.Context, token, chatID, model string) error {
	return c.updateChat(ctx, "SetChatModel", token, chatID, map[string]any{"id": chatID, "models": []string{model}})
}

func (c *Client) updateChat(ctx context.Context, op, token, chatID string, chat map[string]any) error {
	b, err := json.Marshal(map[string]any{"chat": chat})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, op, "POST", "/api/v1/chats/"+url.PathEscape(chatID), token, b)
	return err
}

// appendMessage adds msg to both the messages list and the history map and
// makes it current.
func (c *Client) appendMessage(ctx context.Context, op, token string, ch *Chat, id string, msg map[string]any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	list := gjson.GetBytes(ch.doc, "messages").Raw
	if !gjson.GetBytes(ch.doc, "messages").IsArray() {
		list = "[]"
	}
	hist := ch.history(list)
	if list, err = sjson.SetRaw(list, "-1", string(raw)); err != nil {
		return err
	}
	if hist, err = sjson.SetRaw(hist, "messages."+escapeKey(id), string(raw)); err != nil {
		return err
	}
	if hist, err = sjson.Set(hist, "current_id", id); err != nil {
		return err
	}
	return c.postChat(ctx, op, token, ch.ID, list, hist)
}

// history returns the history object, rebuilding its message map from list
// when the backend left it empty.
func (ch *Chat) history(list string) string {
	hist := gjson.GetBytes(ch.doc, "history").Raw
	if !gjson.GetBytes(ch.doc, "history").IsObject() {
		hist = `{"current_id":null,"messages":{}}`
	}
	msgs := gjson.Get(hist, "messages")
	if msgs.IsObject() && len(msgs.Map()) > 0 {
		return hist
	}
	rebuilt := "{}"
	for _, m := range gjson.Parse(list).Array() {
		id := m.Get("id").String()
		if id == "" {
			continue
		}
		if s, err := sjson.SetRaw(rebuilt, escapeKey(id), m.Raw); err == nil {
			rebuilt = s
		}
	}
	if s, err := sjson.SetRaw(hist, "messages", rebuilt); err == nil {
		hist = s
	}
	return hist
}

func (ch *Chat) lastID(role string) string {
	list := gjson.GetBytes(ch.doc, "messages").Array()
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Get("role").String() == role {
			if id := list[i].Get("id").String(); id != "" {
				return id
			}
		}
	}
	return ""
}

func (c *Client) postChat(ctx context.Context, op, token, chatID, list, hist string) error {
	payload := `{"chat":{}}`
	var err error
	if payload, err = sjson.Set(payload, "chat.id", chatID); err != nil {
		return err
	}
	if payload, err = sjson.SetRaw(payload, "chat.messages", list); err != nil {
		return err
	}
	if payload, err = sjson.SetRaw(payload, "chat.history", hist); err != nil {
		return err
	}
	_, err = c.do(ctx, op, "POST", "/api/v1/chats/"+url.PathEscape(chatID)+"?refresh=1", token, []byte(payload))
	return err
}

type field struct {
	path string
	val  any
}

func setFields(obj string, fields []field) (string, error) {
	var err error
	for _, f := range fields {
		if obj, err = sjson.Set(obj, f.path, f.val); err != nil {
			return "", err
		}
	}
	return obj, nil
}

// escapeKey escapes gjson/sjson path metacharacters in a map key.
func escapeKey(k string) string {
	var b strings.Builder
	for _, r := range k {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func optional(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
