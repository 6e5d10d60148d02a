package owui

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/tbourn/go-kf-bridge/internal/domain"
)

// DefaultContextMessages caps the context sent with a completion request.
const DefaultContextMessages = 30

// ImageURL is the url member of an image content part.
type ImageURL struct {
	URL string `json:"url"`
}

// ContentPart is one element of multimodal message content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ContextMessage is one message of a completion request. Content is a plain
// string, or a part list when the message carries images.
type ContextMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// HasImage reports whether the message carries an image part.
func (m ContextMessage) HasImage() bool {
	parts, ok := m.Content.([]ContentPart)
	if !ok {
		return false
	}
	for _, p := range parts {
		if p.Type == "image_url" {
			return true
		}
	}
	return false
}

// BuildContext turns conversation messages into completion context: user and
// assistant messages in time order, empty assistant messages skipped, cut to
// start at the last user message carrying an image, then to the last max.
func BuildContext(msgs []domain.Message, max int) []ContextMessage {
	if max <= 0 {
		max = DefaultContextMessages
	}
	sorted := append([]domain.Message(nil), msgs...)
	domain.SortByTime(sorted)

	out := make([]ContextMessage, 0, len(sorted))
	for _, m := range sorted {
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			continue
		}
		if m.Role == domain.RoleAssistant && !m.HasContent() {
			continue
		}
		if len(m.Images) == 0 {
			out = append(out, ContextMessage{Role: m.Role, Content: m.Text})
			continue
		}
		parts := make([]ContentPart, 0, len(m.Images)+1)
		if m.Text != "" {
			parts = append(parts, ContentPart{Type: "text", Text: m.Text})
		}
		for _, u := range m.Images {
			parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: u}})
		}
		out = append(out, ContextMessage{Role: m.Role, Content: parts})
	}

	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == domain.RoleUser && out[i].HasImage() {
			out = out[i:]
			break
		}
	}
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// CompletionRequest asks the backend to answer a conversation.
type CompletionRequest struct {
	Messages    []ContextMessage
	ChatID      string
	AssistantID string
	Model       string
	SessionID   string
}

type completionPayload struct {
	Messages        []ContextMessage `json:"messages"`
	Stream          bool             `json:"stream"`
	ChatID          string           `json:"chat_id,omitempty"`
	ID              string           `json:"id,omitempty"`
	Model           string           `json:"model,omitempty"`
	SessionID       string           `json:"session_id,omitempty"`
	BackgroundTasks map[string]bool  `json:"background_tasks"`
}

// Complete requests a non-streaming completion. The returned reply is empty
// when the backend answers asynchronously; callers then poll the
// conversation.
func (c *Client) Complete(ctx context.Context, token string, req CompletionRequest) (Reply, error) {
	b, err := json.Marshal(completionPayload{
		Messages:        req.Messages,
		Stream:          false,
		ChatID:          req.ChatID,
		ID:              req.AssistantID,
		Model:           req.Model,
		SessionID:       req.SessionID,
		BackgroundTasks: map[string]bool{"title_generation": false},
	})
	if err != nil {
		return Reply{}, err
	}
	log.Info().
		Str("chat_id", req.ChatID).
		Str("assistant_id", req.AssistantID).
		Str("model", req.Model).
		Int("msgs", len(req.Messages)).
		Msg("completion requested")

	body, err := c.do(ctx, "Complete", "POST", "/api/chat/completions", token, b)
	if err != nil {
		return Reply{}, err
	}
	msg := gjson.GetBytes(body, "choices.0.message")
	r := Reply{AssistantID: req.AssistantID, Model: req.Model}
	if !msg.Exists() {
		return r, nil
	}
	r.Text = contentText(msg)
	msg.Get("images").ForEach(func(_, v gjson.Result) bool {
		if u := v.String(); u != "" {
			r.Images = append(r.Images, u)
		}
		return true
	})
	return r, nil
}
