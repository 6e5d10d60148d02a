package owui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tbourn/go-kf-bridge/internal/domain"
)

// fakeBackend serves the subset of the Open WebUI API the client uses.
type fakeBackend struct {
	t  *testing.T
	mu sync.Mutex

	chats     map[string]string // id -> chat object
	posts     map[string][]string
	auth      []string
	pinnedErr bool
	models    string
	completed []string
	complete  func(body []byte) (int, string)
}

func newFakeBackend(t *testing.T) (*fakeBackend, *Client) {
	t.Helper()
	fb := &fakeBackend{t: t, chats: map[string]string{}, posts: map[string][]string{}}
	srv := httptest.NewServer(fb)
	t.Cleanup(srv.Close)

	c := New(srv.URL, 5*time.Second)
	n := 0
	c.NewID = func() string { n++; return fmt.Sprintf("id-%d", n) }
	c.Now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return fb, c
}

func (fb *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.auth = append(fb.auth, r.Header.Get("Authorization"))
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")

	p := r.URL.Path
	switch {
	case p == "/api/models":
		_, _ = io.WriteString(w, fb.models)
	case p == "/api/v1/chats/pinned":
		if fb.pinnedErr {
			http.Error(w, `{"detail":"nope"}`, http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, `[{"id":"p1","title":"Pinned","updated_at":1}]`)
	case p == "/api/v1/chats/list":
		_, _ = io.WriteString(w, `[{"id":"c1","title":"Old","updated_at":10},{"id":"p1","title":"Pinned","updated_at":1},{"id":"c2","title":"New","updated_at":20}]`)
	case p == "/api/v1/chats/new":
		fb.chats["new-1"] = gjson.GetBytes(body, "chat").Raw
		_, _ = io.WriteString(w, `{"id":"new-1"}`)
	case p == "/api/chat/completed":
		fb.completed = append(fb.completed, string(body))
		_, _ = io.WriteString(w, `{}`)
	case p == "/api/chat/completions":
		code, out := http.StatusOK, `{}`
		if fb.complete != nil {
			code, out = fb.complete(body)
		}
		w.WriteHeader(code)
		_, _ = io.WriteString(w, out)
	case strings.HasPrefix(p, "/api/v1/chats/"):
		id := strings.TrimPrefix(p, "/api/v1/chats/")
		doc, ok := fb.chats[id]
		if !ok {
			http.Error(w, `{"detail":"chat not found"}`, http.StatusNotFound)
			return
		}
		if r.Method == http.MethodGet {
			_, _ = fmt.Fprintf(w, `{"id":%q,"title":%q,"chat":%s}`, id, gjson.Get(doc, "title").String(), doc)
			return
		}
		fb.posts[id] = append(fb.posts[id], string(body))
		gjson.GetBytes(body, "chat").ForEach(func(k, v gjson.Result) bool {
			doc, _ = sjson.SetRaw(doc, k.String(), v.Raw)
			return true
		})
		fb.chats[id] = doc
		_, _ = io.WriteString(w, `{}`)
	default:
		http.NotFound(w, r)
	}
}

func (fb *fakeBackend) doc(id string) string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.chats[id]
}

func TestHTTPError_Classification(t *testing.T) {
	err := fmt.Errorf("wrap: %w", &HTTPError{Op: "Complete", Status: 404, Detail: "Model not found"})
	if !IsStatus(err, 404) || IsStatus(err, 401) {
		t.Fatal("IsStatus mismatch")
	}
	if !IsModelNotFound(err) {
		t.Fatal("expected model-not-found")
	}
	if IsModelNotFound(errors.New("timeout")) || IsModelNotFound(nil) {
		t.Fatal("false positive")
	}
	if !IsModelNotFound(errors.New("400: 模型不存在")) {
		t.Fatal("expected CJK keyword match")
	}
	if got := err.Error(); !strings.Contains(got, "404 Not Found: Model not found") {
		t.Fatalf("Error() = %q", got)
	}
}

func TestCreateChat(t *testing.T) {
	fb, c := newFakeBackend(t)
	id, err := c.CreateChat(context.Background(), "sk-1", "hello · 20240101-1200", []string{"m1"})
	if err != nil || id != "new-1" {
		t.Fatalf("CreateChat = %q, %v", id, err)
	}
	if got := gjson.Get(fb.doc("new-1"), "models.0").String(); got != "m1" {
		t.Fatalf("models = %q", got)
	}
	if fb.auth[0] != "Bearer sk-1" {
		t.Fatalf("auth = %q", fb.auth[0])
	}
}

func TestAppendUserMessage_ChainsAndKeepsUnknownFields(t *testing.T) {
	fb, c := newFakeBackend(t)
	fb.chats["c1"] = `{"title":"T","custom":{"keep":true},"messages":[
		{"id":"u0","role":"user","content":"hi","timestamp":1},
		{"id":"a0","role":"assistant","content":"yo","timestamp":2,"extra":"x"}
	],"history":{"current_id":"a0","messages":{}}}`

	mid, err := c.AppendUserMessage(context.Background(), "k", "c1", "m1", "next", []string{"data:image/png;base64,AA=="})
	if err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}
	doc := fb.doc("c1")
	if gjson.Get(doc, "messages.#").Int() != 3 {
		t.Fatalf("messages = %s", gjson.Get(doc, "messages").Raw)
	}
	last := gjson.Get(doc, "messages.2")
	if last.Get("id").String() != mid || last.Get("parentId").String() != "a0" || last.Get("images.0").String() == "" {
		t.Fatalf("appended = %s", last.Raw)
	}
	if gjson.Get(doc, "history.current_id").String() != mid {
		t.Fatal("current_id not moved")
	}
	if !gjson.Get(doc, "history.messages.a0").Exists() || !gjson.Get(doc, "history.messages."+mid).Exists() {
		t.Fatalf("history not rebuilt: %s", gjson.Get(doc, "history").Raw)
	}
	if gjson.Get(doc, "messages.1.extra").String() != "x" || !gjson.Get(doc, "custom.keep").Bool() {
		t.Fatal("unknown fields lost")
	}
}

func TestSeedAndSaveAssistant(t *testing.T) {
	fb, c := newFakeBackend(t)
	fb.chats["c1"] = `{"messages":[{"id":"u1","role":"user","content":"q","timestamp":1}],"history":{"messages":{}}}`
	ctx := context.Background()

	aid, err := c.SeedAssistant(ctx, "k", "c1", "m1", "u1")
	if err != nil {
		t.Fatalf("SeedAssistant: %v", err)
	}
	msgs, err := c.Messages(ctx, "k", "c1")
	if err != nil || len(msgs) != 2 || msgs[1].ID != aid || msgs[1].ParentID != "u1" || msgs[1].HasContent() {
		t.Fatalf("after seed: %+v, %v", msgs, err)
	}

	err = c.SaveAssistant(ctx, "k", "c1", Reply{AssistantID: aid, ParentID: "u1", Model: "m1", Text: "answer", Images: []string{"/files/a.png"}})
	if err != nil {
		t.Fatalf("SaveAssistant: %v", err)
	}
	doc := fb.doc("c1")
	if gjson.Get(doc, "messages.#").Int() != 2 {
		t.Fatal("assistant appended instead of overwritten")
	}
	a := gjson.Get(doc, "messages.1")
	if a.Get("content").String() != "answer" || a.Get("images.0").String() != "/files/a.png" || a.Get("modelIdx").Int() != 0 {
		t.Fatalf("saved = %s", a.Raw)
	}
	if gjson.Get(doc, "history.messages."+aid+".content").String() != "answer" {
		t.Fatal("history not updated")
	}

	if err := c.SaveAssistant(ctx, "k", "c1", Reply{AssistantID: "lost", Text: "again"}); err != nil {
		t.Fatalf("SaveAssistant append: %v", err)
	}
	doc = fb.doc("c1")
	if gjson.Get(doc, "messages.#").Int() != 3 || gjson.Get(doc, "messages.2.parentId").String() != "u1" {
		t.Fatalf("append fallback = %s", gjson.Get(doc, "messages").Raw)
	}
}

func TestSaveAssistant_FetchErrorDoesNotWrite(t *testing.T) {
	fb, c := newFakeBackend(t)
	err := c.SaveAssistant(context.Background(), "k", "missing", Reply{AssistantID: "a", Text: "x"})
	if !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("err = %v", err)
	}
	if len(fb.posts) != 0 {
		t.Fatal("unexpected write")
	}
}

func TestMarkRenameSetModel(t *testing.T) {
	fb, c := newFakeBackend(t)
	fb.chats["c1"] = `{"title":"old"}`
	ctx := context.Background()

	if err := c.MarkCompleted(ctx, "k", "c1", "a1", "sess", "m1"); err != nil {
		t.Fatal(err)
	}
	var comp map[string]string
	_ = json.Unmarshal([]byte(fb.completed[0]), &comp)
	if comp["chat_id"] != "c1" || comp["id"] != "a1" || comp["session_id"] != "sess" || comp["model"] != "m1" {
		t.Fatalf("completed payload = %v", comp)
	}

	if err := c.RenameChat(ctx, "k", "c1", "new title"); err != nil {
		t.Fatal(err)
	}
	if err := c.SetChatModel(ctx, "k", "c1", "m2"); err != nil {
		t.Fatal(err)
	}
	doc := fb.doc("c1")
	if gjson.Get(doc, "title").String() != "new title" || gjson.Get(doc, "models.0").String() != "m2" {
		t.Fatalf("doc = %s", doc)
	}

	if err := c.RenameChat(ctx, "k", "missing", "x"); !IsStatus(err, 404) {
		t.Fatalf("missing chat err = %v", err)
	}
}

func TestListModels(t *testing.T) {
	fb, c := newFakeBackend(t)
	fb.models = `{"data":[{"id":"m1","display_name":"Model One"},{"name":"m2"},{"id":"m1","name":"dup"},{"label":"no id"}]}`
	ms, err := c.ListModels(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	want := []domain.ModelRef{{ID: "m1", Name: "Model One"}, {ID: "m2", Name: "m2"}}
	if len(ms) != len(want) || ms[0] != want[0] || ms[1] != want[1] {
		t.Fatalf("models = %+v", ms)
	}

	fb.models = `[{"id":"x","label":"X"}]`
	ms, err = c.ListModels(context.Background(), "k")
	if err != nil || len(ms) != 1 || ms[0].Name != "X" {
		t.Fatalf("bare array models = %+v, %v", ms, err)
	}
}

func TestListChats_PinnedFirstThenUpdated(t *testing.T) {
	fb, c := newFakeBackend(t)
	chats, err := c.ListChats(context.Background(), "k", 0)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, ch := range chats {
		ids = append(ids, ch.ID)
	}
	if strings.Join(ids, ",") != "p1,c2,c1" || !chats[0].Pinned {
		t.Fatalf("order = %v", ids)
	}

	fb.pinnedErr = true
	chats, err = c.ListChats(context.Background(), "k", 2)
	if err != nil || len(chats) != 2 || chats[0].ID != "c2" {
		t.Fatalf("fallback = %+v, %v", chats, err)
	}
}

func TestComplete(t *testing.T) {
	fb, c := newFakeBackend(t)
	var got []byte
	fb.complete = func(body []byte) (int, string) {
		got = body
		return http.StatusOK, `{"choices":[{"message":{"content":"direct","images":["http://x/1.png"]}}]}`
	}
	r, err := c.Complete(context.Background(), "k", CompletionRequest{
		Messages: []ContextMessage{{Role: "user", Content: "q"}}, ChatID: "c1", AssistantID: "a1", Model: "m1", SessionID: "s",
	})
	if err != nil || r.Text != "direct" || len(r.Images) != 1 {
		t.Fatalf("Complete = %+v, %v", r, err)
	}
	if gjson.GetBytes(got, "stream").Bool() || gjson.GetBytes(got, "id").String() != "a1" ||
		gjson.GetBytes(got, "background_tasks.title_generation").Bool() ||
		!gjson.GetBytes(got, "background_tasks.title_generation").Exists() {
		t.Fatalf("payload = %s", got)
	}

	fb.complete = func([]byte) (int, string) { return http.StatusBadRequest, `{"detail":"Model not found"}` }
	_, err = c.Complete(context.Background(), "k", CompletionRequest{ChatID: "c1"})
	if !IsModelNotFound(err) || !IsStatus(err, 400) {
		t.Fatalf("err = %v", err)
	}

	fb.complete = nil
	r, err = c.Complete(context.Background(), "k", CompletionRequest{ChatID: "c1", AssistantID: "a9"})
	if err != nil || r.Text != "" || r.AssistantID != "a9" {
		t.Fatalf("async = %+v, %v", r, err)
	}
}

func TestChatMessages_HistoryFallbackAndImages(t *testing.T) {
	ch, err := parseChat("c1", []byte(`{"chat":{"history":{"messages":{
		"b":{"id":"b","role":"assistant","timestamp":1700000001,"content":[{"type":"text","text":"see ![x](http://h/a.png)"},{"type":"image_url","image_url":{"url":"data:image/png;base64,AA=="}}]},
		"a":{"id":"a","role":"user","timestamp":1700000000,"content":"hi","images":[{"url":"http://h/u.jpg"}]}
	}}}}`))
	if err != nil {
		t.Fatal(err)
	}
	msgs := ch.Messages()
	if len(msgs) != 2 || msgs[0].ID != "a" || msgs[0].Timestamp != 1700000000000 {
		t.Fatalf("msgs = %+v", msgs)
	}
	if len(msgs[0].Images) != 1 || msgs[0].Images[0] != "http://h/u.jpg" {
		t.Fatalf("user images = %v", msgs[0].Images)
	}
	if msgs[1].Text != "see ![x](http://h/a.png)" || len(msgs[1].Images) != 2 {
		t.Fatalf("assistant = %+v", msgs[1])
	}
}

func TestBuildContext(t *testing.T) {
	msgs := []domain.Message{
		{Role: "user", Text: "1", Timestamp: 1},
		{Role: "assistant", Text: "", Timestamp: 2},
		{Role: "system", Text: "sys", Timestamp: 3},
		{Role: "user", Text: "look", Images: []string{"u.png"}, Timestamp: 4},
		{Role: "assistant", Text: "ok", Timestamp: 5},
		{Role: "user", Text: "more", Timestamp: 6},
	}
	ctx := BuildContext(msgs, 0)
	if len(ctx) != 3 || !ctx[0].HasImage() || ctx[2].Content != "more" {
		t.Fatalf("context = %+v", ctx)
	}
	parts := ctx[0].Content.([]ContentPart)
	if parts[0].Text != "look" || parts[1].ImageURL.URL != "u.png" {
		t.Fatalf("parts = %+v", parts)
	}
	if ctx = BuildContext(msgs, 2); len(ctx) != 2 || ctx[0].Content != "ok" {
		t.Fatalf("capped = %+v", ctx)
	}
}

func TestImagesHelpers(t *testing.T) {
	text := "a ![p](http://h/1.png) b http://h/2.JPG?x=1 c ![p](http://h/1.png)"
	got := ExtractImages(text)
	if len(got) != 2 || got[0] != "http://h/1.png" || got[1] != "http://h/2.JPG?x=1" {
		t.Fatalf("ExtractImages = %v", got)
	}
	if r := ReplaceImages("x ![a](http://h/1.png) y", "【图片】"); r != "x 【图片】 y" {
		t.Fatalf("ReplaceImages = %q", r)
	}
}

func TestFetchImage(t *testing.T) {
	var auth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = append(auth, r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/files/pic":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("PNGDATA"))
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html>")
		}
	}))
	defer srv.Close()
	c := New(srv.URL, time.Second)
	ctx := context.Background()

	data, name, err := c.FetchImage(ctx, "k", "/files/pic")
	if err != nil || string(data) != "PNGDATA" || name != "image.png" {
		t.Fatalf("relative = %q %q %v", data, name, err)
	}
	if auth[0] != "Bearer k" {
		t.Fatalf("auth = %q", auth[0])
	}
	if _, _, err := c.FetchImage(ctx, "k", srv.URL+"/page"); !errors.Is(err, ErrNotImage) {
		t.Fatalf("html err = %v", err)
	}

	data, name, err = c.FetchImage(ctx, "k", "data:image/jpeg;base64,SGk=")
	if err != nil || string(data) != "Hi" || name != "image.jpg" {
		t.Fatalf("data url = %q %q %v", data, name, err)
	}
	if _, _, err := c.FetchImage(ctx, "k", "data:text/plain,hi"); !errors.Is(err, ErrNotImage) {
		t.Fatalf("text data url err = %v", err)
	}
}

func TestAbsURL(t *testing.T) {
	c := New("http://owui:8080/", time.Second)
	for in, want := range map[string]string{
		"/a.png":             "http://owui:8080/a.png",
		"b.png":              "http://owui:8080/b.png",
		"https://x/y.png":    "https://x/y.png",
		"data:image/png;b,x": "data:image/png;b,x",
	} {
		if got := c.AbsURL(in); got != want {
			t.Errorf("AbsURL(%q) = %q, want %q", in, got, want)
		}
	}
}
