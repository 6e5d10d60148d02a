package owui

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/tbourn/go-kf-bridge/internal/domain"
)

// DefaultChatLimit caps ListChats.
const DefaultChatLimit = 100

// ListModels returns the models visible to the key, in backend order and
// without duplicate ids. Both {"data": [...]} and bare-array responses are
// accepted.
func (c *Client) ListModels(ctx context.Context, token string) ([]domain.ModelRef, error) {
	body, err := c.do(ctx, "ListModels", "GET", "/api/models", token, nil)
	if err != nil {
		return nil, err
	}
	items := gjson.GetBytes(body, "data")
	if !items.IsArray() {
		items = gjson.ParseBytes(body)
	}
	seen := make(map[string]bool)
	out := make([]domain.ModelRef, 0)
	for _, it := range items.Array() {
		if !it.IsObject() {
			continue
		}
		id := strings.TrimSpace(firstString(it, "id", "name"))
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		name := strings.TrimSpace(firstString(it, "display_name", "name", "label"))
		if name == "" {
			name = id
		}
		out = append(out, domain.ModelRef{ID: id, Name: name})
	}
	return out, nil
}

// ListChats returns up to limit conversations, pinned first and then most
// recently updated. When the pinned listing is unavailable only the regular
// list is used.
func (c *Client) ListChats(ctx context.Context, token string, limit int) ([]domain.ChatRef, error) {
	if limit <= 0 {
		limit = DefaultChatLimit
	}
	var all []domain.ChatRef
	pinned, err := c.do(ctx, "ListPinnedChats", "GET", "/api/v1/chats/pinned", token, nil)
	if err != nil {
		log.Debug().Err(err).Msg("pinned chats unavailable")
	} else {
		all = append(all, parseChatRefs(pinned, true)...)
	}
	body, err := c.do(ctx, "ListChats", "GET", fmt.Sprintf("/api/v1/chats/list?limit=%d", limit), token, nil)
	if err != nil {
		return nil, err
	}
	all = append(all, parseChatRefs(body, false)...)
	SortChats(all)

	seen := make(map[string]bool, len(all))
	out := make([]domain.ChatRef, 0, len(all))
	for _, ch := range all {
		if seen[ch.ID] {
			continue
		}
		seen[ch.ID] = true
		out = append(out, ch)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// SortChats orders pinned conversations first, then by UpdatedAt descending.
func SortChats(chats []domain.ChatRef) {
	sort.SliceStable(chats, func(i, j int) bool {
		if chats[i].Pinned != chats[j].Pinned {
			return chats[i].Pinned
		}
		return chats[i].UpdatedAt > chats[j].UpdatedAt
	})
}

func parseChatRefs(body []byte, pinned bool) []domain.ChatRef {
	var out []domain.ChatRef
	for _, it := range gjson.ParseBytes(body).Array() {
		id := it.Get("id").String()
		if id == "" {
			continue
		}
		out = append(out, domain.ChatRef{
			ID:        id,
			Title:     it.Get("title").String(),
			Pinned:    pinned || it.Get("pinned").Bool(),
			UpdatedAt: it.Get("updated_at").Int(),
		})
	}
	return out
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
			return v.String()
		}
	}
	return ""
}
