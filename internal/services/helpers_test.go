package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-kf-bridge/internal/backend/owui"
	"github.com/tbourn/go-kf-bridge/internal/domain"
	"github.com/tbourn/go-kf-bridge/internal/poller"
	"github.com/tbourn/go-kf-bridge/internal/repo"
)

// ---------- test helpers ----------

func newSvcDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(migrate...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// repoUsers adapts the repo free functions to UserRepo.
type repoUsers struct{}

func (repoUsers) GetOrCreateUser(ctx context.Context, db *gorm.DB, id, model string) (*domain.User, error) {
	return repo.GetOrCreateUser(ctx, db, id, model)
}

func (repoUsers) SaveUser(ctx context.Context, db *gorm.DB, u *domain.User) error {
	return repo.SaveUser(ctx, db, u)
}

// testClock drives the poller without sleeping.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Sleep(_ context.Context, d time.Duration) bool {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return true
}

type sent struct {
	To    string
	Text  string
	Image []byte
	Name  string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (n *fakeNotifier) SendText(_ context.Context, to, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{To: to, Text: text})
	return nil
}

func (n *fakeNotifier) SendImage(_ context.Context, to string, data []byte, name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{To: to, Image: data, Name: name})
	return nil
}

func (n *fakeNotifier) Sent() []sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sent(nil), n.sent...)
}

func (n *fakeNotifier) Texts() []string {
	var out []string
	for _, s := range n.Sent() {
		if s.Image == nil {
			out = append(out, s.Text)
		}
	}
	return out
}

// fakeBackend is an in-memory chat backend. Hooks override single calls.
type fakeBackend struct {
	mu     sync.Mutex
	models []domain.ModelRef
	chats  []domain.ChatRef
	msgs   map[string][]domain.Message
	nextID int

	calls     []string
	created   []string
	saved     []owui.Reply
	completed []string
	renamed   map[string]string
	chatModel map[string]string
	requests  []owui.CompletionRequest

	complete   func(req owui.CompletionRequest) (owui.Reply, error)
	appendErr  func(chatID string) error
	createErr  error
	renameErr  error
	modelsErr  error
	messageErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		models:    []domain.ModelRef{{ID: "m1", Name: "Model One"}, {ID: "m2", Name: "Model Two"}},
		msgs:      map[string][]domain.Message{},
		renamed:   map[string]string{},
		chatModel: map[string]string{},
	}
}

func (b *fakeBackend) id(prefix string) string {
	b.nextID++
	return fmt.Sprintf("%s%d", prefix, b.nextID)
}

func (b *fakeBackend) record(call string) {
	b.calls = append(b.calls, call)
}

func (b *fakeBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBackend) ListModels(context.Context, string) ([]domain.ModelRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("ListModels")
	if b.modelsErr != nil {
		return nil, b.modelsErr
	}
	return append([]domain.ModelRef(nil), b.models...), nil
}

func (b *fakeBackend) ListChats(context.Context, string, int) ([]domain.ChatRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("ListChats")
	return append([]domain.ChatRef(nil), b.chats...), nil
}

func (b *fakeBackend) CreateChat(_ context.Context, _, title string, models []string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("CreateChat")
	if b.createErr != nil {
		return "", b.createErr
	}
	id := b.id("c")
	b.created = append(b.created, title)
	if len(models) > 0 {
		b.chatModel[id] = models[0]
	}
	b.msgs[id] = nil
	return id, nil
}

func (b *fakeBackend) Messages(_ context.Context, _, chatID string) ([]domain.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("Messages")
	if b.messageErr != nil {
		return nil, b.messageErr
	}
	return append([]domain.Message(nil), b.msgs[chatID]...), nil
}

func (b *fakeBackend) AppendUserMessage(_ context.Context, _, chatID, _, text string, images []string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("AppendUserMessage")
	if b.appendErr != nil {
		if err := b.appendErr(chatID); err != nil {
			return "", err
		}
	}
	id := b.id("u")
	b.msgs[chatID] = append(b.msgs[chatID], domain.Message{
		ID: id, Role: domain.RoleUser, Text: text, Images: images, Timestamp: int64(b.nextID),
	})
	return id, nil
}

func (b *fakeBackend) SeedAssistant(_ context.Context, _, chatID, model, parentID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("SeedAssistant")
	id := b.id("a")
	b.msgs[chatID] = append(b.msgs[chatID], domain.Message{
		ID: id, Role: domain.RoleAssistant, ParentID: parentID, Model: model, Timestamp: int64(b.nextID),
	})
	return id, nil
}

func (b *fakeBackend) Complete(_ context.Context, _ string, req owui.CompletionRequest) (owui.Reply, error) {
	b.mu.Lock()
	b.record("Complete")
	b.requests = append(b.requests, req)
	hook := b.complete
	b.mu.Unlock()
	if hook != nil {
		return hook(req)
	}
	return owui.Reply{AssistantID: req.AssistantID, Model: req.Model}, nil
}

func (b *fakeBackend) SaveAssistant(_ context.Context, _, chatID string, r owui.Reply) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("SaveAssistant")
	b.saved = append(b.saved, r)
	for i, m := range b.msgs[chatID] {
		if m.ID == r.AssistantID {
			b.msgs[chatID][i].Text, b.msgs[chatID][i].Images = r.Text, r.Images
		}
	}
	return nil
}

func (b *fakeBackend) MarkCompleted(_ context.Context, _, _, assistantID, _, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("MarkCompleted")
	b.completed = append(b.completed, assistantID)
	return nil
}

func (b *fakeBackend) RenameChat(_ context.Context, _, chatID, title string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("RenameChat")
	if b.renameErr != nil {
		return b.renameErr
	}
	b.renamed[chatID] = title
	return nil
}

func (b *fakeBackend) SetChatModel(_ context.Context, _, chatID, model string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("SetChatModel")
	b.chatModel[chatID] = model
	return nil
}

func (b *fakeBackend) FetchImage(_ context.Context, _, ref string) ([]byte, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("FetchImage")
	return []byte("img:" + ref), "image.png", nil
}

// fill writes text into the newest assistant message of chatID, as the
// backend does when it finishes in the background.
func (b *fakeBackend) fill(chatID, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.msgs[chatID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleAssistant {
			msgs[i].Text = text
			return
		}
	}
}

type convFixture struct {
	svc    *ConversationService
	db     *gorm.DB
	be     *fakeBackend
	notify *fakeNotifier
	clock  *testClock
}

func newConvFixture(t *testing.T) *convFixture {
	t.Helper()
	db := newSvcDB(t, &domain.User{})
	be := newFakeBackend()
	n := &fakeNotifier{}
	clk := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	p := poller.New(600*time.Millisecond, time.Second, 3*time.Second)
	p.Now, p.Sleep = clk.Now, clk.Sleep

	svc := NewConversationService(db, repoUsers{}, be, n, p)
	svc.DefaultModel = "m1"
	svc.Now = clk.Now
	return &convFixture{svc: svc, db: db, be: be, notify: n, clock: clk}
}

func (f *convFixture) say(t *testing.T, uid, text string) string {
	t.Helper()
	reply, err := f.svc.Handle(context.Background(), uid, text)
	if err != nil {
		t.Fatalf("Handle(%q): %v", text, err)
	}
	return reply
}

func (f *convFixture) user(t *testing.T, uid string) *domain.User {
	t.Helper()
	u, err := repo.GetUser(context.Background(), f.db, uid)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	return u
}

func (f *convFixture) bound(t *testing.T, uid string) {
	t.Helper()
	f.say(t, uid, "绑定 sk-test")
}
