package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/go-kf-bridge/internal/channel/wecom"
	"github.com/tbourn/go-kf-bridge/internal/dedup"
	"github.com/tbourn/go-kf-bridge/internal/domain"
	"github.com/tbourn/go-kf-bridge/internal/poller"
)

// ---------- test helpers ----------

type fakeChannel struct {
	batches  map[string][]wecom.Message
	syncErr  error
	mediaErr error
}

func (c *fakeChannel) SyncMessages(_ context.Context, token, _ string) ([]wecom.Message, error) {
	return c.batches[token], c.syncErr
}

func (c *fakeChannel) DownloadMedia(_ context.Context, mediaID string) (string, error) {
	if c.mediaErr != nil {
		return "", c.mediaErr
	}
	return "data:image/jpeg;base64," + mediaID, nil
}

type convCall struct {
	Kind string
	User string
	Arg  string
}

type fakeConversation struct {
	mu     sync.Mutex
	calls  []convCall
	reply  string
	err    error
	images string
}

func (c *fakeConversation) Handle(_ context.Context, uid, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, convCall{"text", uid, text})
	if c.err != nil {
		return "", c.err
	}
	if c.reply != "" {
		return c.reply, nil
	}
	return "re: " + text, nil
}

func (c *fakeConversation) AcceptImage(_ context.Context, uid, dataURL string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, convCall{"image", uid, dataURL})
	if c.images != "" {
		return c.images, nil
	}
	return TextImageReceived, nil
}

func newIngest(t *testing.T, ch *fakeChannel, conv *fakeConversation) (*IngestService, *fakeNotifier, *dedup.Gate) {
	t.Helper()
	db := newSvcDB(t, &domain.SeenEvent{})
	gate := dedup.New(db, 1000, time.Minute)
	n := &fakeNotifier{}
	svc := NewIngestService(ch, gate, conv, n)
	return svc, n, gate
}

// lockstepGate makes concurrent batches finish their durable lookup before
// either claims the id.
type lockstepGate struct {
	*dedup.Gate
	arrived sync.WaitGroup
}

func (g *lockstepGate) HasSeen(ctx context.Context, id string) bool {
	seen := g.Gate.HasSeen(ctx, id)
	g.arrived.Done()
	g.arrived.Wait()
	return seen
}

func txt(id, uid, text string) wecom.Message {
	return wecom.Message{MsgID: id, ExternalUserID: uid, MsgType: wecom.MsgTypeText, Text: text, SendTime: time.Now().Unix()}
}

// ---------- tests ----------

func TestIngest_DuplicateAcrossBatchesProcessedOnce(t *testing.T) {
	ch := &fakeChannel{batches: map[string][]wecom.Message{
		"t1": {txt("m1", "wm_1", "hello")},
		"t2": {txt("m1", "wm_1", "hello")},
	}}
	conv := &fakeConversation{}
	svc, n, gate := newIngest(t, ch, conv)
	ctx := context.Background()

	st, err := svc.Process(ctx, Batch{Token: "t1"})
	if err != nil || st.Texts != 1 || st.Replies != 1 {
		t.Fatalf("first batch: %+v %v", st, err)
	}
	st, err = svc.Process(ctx, Batch{Token: "t2"})
	if err != nil || st.Texts != 0 || st.Duplicates != 1 || st.Replies != 0 {
		t.Fatalf("second batch: %+v %v", st, err)
	}
	if len(conv.calls) != 1 {
		t.Fatalf("handled %d times", len(conv.calls))
	}
	if got := n.Texts(); len(got) != 1 || got[0] != "re: hello" {
		t.Fatalf("outbound: %q", got)
	}
	if !gate.HasSeen(ctx, "m1") {
		t.Fatalf("m1 not marked seen")
	}
}

func TestIngest_ConcurrentBatchesClaimOnce(t *testing.T) {
	ch := &fakeChannel{batches: map[string][]wecom.Message{
		"t1": {txt("m1", "wm_1", "hello")},
		"t2": {txt("m1", "wm_1", "hello")},
	}}
	conv := &fakeConversation{}
	db := newSvcDB(t, &domain.SeenEvent{})
	gate := &lockstepGate{Gate: dedup.New(db, 1000, time.Minute)}
	gate.arrived.Add(2)
	svc := NewIngestService(ch, gate, conv, &fakeNotifier{})

	var wg sync.WaitGroup
	stats := make([]IngestStats, 2)
	for i, tok := range []string{"t1", "t2"} {
		wg.Add(1)
		go func(i int, tok string) {
			defer wg.Done()
			stats[i], _ = svc.Process(context.Background(), Batch{Token: tok})
		}(i, tok)
	}
	wg.Wait()

	if got := stats[0].Texts + stats[1].Texts; got != 1 {
		t.Fatalf("texts handled = %d; want 1 (%+v)", got, stats)
	}
	if got := stats[0].Duplicates + stats[1].Duplicates; got != 1 {
		t.Fatalf("duplicates = %d; want 1", got)
	}
	if len(conv.calls) != 1 {
		t.Fatalf("handled %d times", len(conv.calls))
	}
}

func TestIngest_LatestTextPerUserWins(t *testing.T) {
	ch := &fakeChannel{batches: map[string][]wecom.Message{"t": {
		txt("a1", "wm_a", "first"),
		txt("b1", "wm_b", "only"),
		txt("a2", "wm_a", "second"),
	}}}
	conv := &fakeConversation{}
	svc, _, gate := newIngest(t, ch, conv)

	st, err := svc.Process(context.Background(), Batch{Token: "t"})
	if err != nil || st.Texts != 2 {
		t.Fatalf("stats: %+v %v", st, err)
	}
	want := []convCall{{"text", "wm_a", "second"}, {"text", "wm_b", "only"}}
	if len(conv.calls) != 2 || conv.calls[0] != want[0] || conv.calls[1] != want[1] {
		t.Fatalf("calls: %+v", conv.calls)
	}
	for _, id := range []string{"a1", "a2", "b1"} {
		if !gate.HasSeen(context.Background(), id) {
			t.Fatalf("%s not marked seen", id)
		}
	}
}

func TestIngest_ImagesBeforeTexts(t *testing.T) {
	now := time.Now().Unix()
	ch := &fakeChannel{batches: map[string][]wecom.Message{"t": {
		txt("t1", "wm_a", "make it red"),
		{MsgID: "i1", ExternalUserID: "wm_a", MsgType: wecom.MsgTypeImage, MediaID: "MEDIA", SendTime: now},
	}}}
	conv := &fakeConversation{}
	svc, n, _ := newIngest(t, ch, conv)

	st, err := svc.Process(context.Background(), Batch{Token: "t"})
	if err != nil || st.Images != 1 || st.Texts != 1 {
		t.Fatalf("stats: %+v %v", st, err)
	}
	if conv.calls[0].Kind != "image" || conv.calls[0].Arg != "data:image/jpeg;base64,MEDIA" || conv.calls[1].Kind != "text" {
		t.Fatalf("order: %+v", conv.calls)
	}
	if got := n.Texts(); len(got) != 2 || got[0] != TextImageReceived {
		t.Fatalf("outbound: %q", got)
	}
}

func TestIngest_DropsStaleAndInvalid(t *testing.T) {
	old := txt("old", "wm_a", "late")
	old.SendTime = time.Now().Add(-time.Hour).Unix()
	ch := &fakeChannel{batches: map[string][]wecom.Message{"t": {
		old,
		txt("", "wm_a", "no id"),
		txt("anon", "", "no user"),
		{MsgID: "ev", ExternalUserID: "wm_a", MsgType: "event"},
	}}}
	conv := &fakeConversation{}
	svc, n, gate := newIngest(t, ch, conv)

	st, err := svc.Process(context.Background(), Batch{Token: "t"})
	if err != nil || st.Dropped != 2 || st.Texts != 0 {
		t.Fatalf("stats: %+v %v", st, err)
	}
	if len(conv.calls) != 0 || len(n.Sent()) != 0 {
		t.Fatalf("calls=%v sent=%v", conv.calls, n.Sent())
	}
	for _, id := range []string{"old", "anon", "ev"} {
		if !gate.HasSeen(context.Background(), id) {
			t.Fatalf("%s not settled", id)
		}
	}
}

func TestIngest_PlaceholderRepliesNotRelayed(t *testing.T) {
	ch := &fakeChannel{batches: map[string][]wecom.Message{"t": {txt("m1", "wm_a", "hi")}}}
	conv := &fakeConversation{reply: TextNoOutput}
	svc, n, _ := newIngest(t, ch, conv)

	st, err := svc.Process(context.Background(), Batch{Token: "t"})
	if err != nil || st.Replies != 0 {
		t.Fatalf("stats: %+v %v", st, err)
	}
	if len(n.Sent()) != 0 {
		t.Fatalf("sent: %+v", n.Sent())
	}
}

func TestIngest_HandleErrorIsReported(t *testing.T) {
	ch := &fakeChannel{batches: map[string][]wecom.Message{"t": {txt("m1", "wm_a", "hi")}}}
	conv := &fakeConversation{err: errors.New("db down")}
	svc, n, _ := newIngest(t, ch, conv)

	if _, err := svc.Process(context.Background(), Batch{Token: "t"}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := n.Texts(); len(got) != 1 || got[0] != "处理失败：db down" {
		t.Fatalf("outbound: %q", got)
	}
}

func TestIngest_SyncFailure(t *testing.T) {
	ch := &fakeChannel{syncErr: errors.New("token expired")}
	svc, _, _ := newIngest(t, ch, &fakeConversation{})
	if _, err := svc.Process(context.Background(), Batch{Token: "t"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestIngest_FailedDownloadSettles(t *testing.T) {
	ch := &fakeChannel{
		batches: map[string][]wecom.Message{"t": {
			{MsgID: "i1", ExternalUserID: "wm_a", MsgType: wecom.MsgTypeImage, MediaID: "M", SendTime: time.Now().Unix()},
		}},
		mediaErr: errors.New("expired"),
	}
	conv := &fakeConversation{}
	svc, _, gate := newIngest(t, ch, conv)

	st, _ := svc.Process(context.Background(), Batch{Token: "t"})
	if st.Images != 0 || len(conv.calls) != 0 {
		t.Fatalf("stats=%+v calls=%v", st, conv.calls)
	}
	if !gate.HasSeen(context.Background(), "i1") {
		t.Fatal("failed image not settled")
	}
}

func TestSkipReply(t *testing.T) {
	for _, r := range []string{"", "  ", TextImageDone, TextNoOutput, poller.TextGenerating, "(后台生成中...)"} {
		if !SkipReply(r) {
			t.Fatalf("%q should be skipped", r)
		}
	}
	if SkipReply("hello") {
		t.Fatal("real reply skipped")
	}
}
