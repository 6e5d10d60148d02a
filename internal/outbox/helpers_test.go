package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-kf-bridge/internal/domain"
)

func newQueueDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
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
	if err := db.AutoMigrate(&domain.OutboxEntry{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type rateLimitErr struct{}

func (rateLimitErr) Error() string     { return "errcode=95001 frequency limited" }
func (rateLimitErr) RateLimited() bool { return true }

type sent struct {
	To, Text, Filename string
	Image              []byte
}

// fakeSender records deliveries; fail decides the outcome per call.
type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	fail func(to string) error
}

func (f *fakeSender) SendText(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(to); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, sent{To: to, Text: text})
	return nil
}

func (f *fakeSender) SendImage(_ context.Context, to string, data []byte, filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(to); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, sent{To: to, Image: data, Filename: filename})
	return nil
}

func (f *fakeSender) Sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

var errBoom = errors.New("boom")
