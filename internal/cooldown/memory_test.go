package cooldown

import (
	"context"
	"testing"
	"time"
)

func TestMemory_MarkUntilExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.Now = func() time.Time { return now }

	if IsCooling(ctx, m, "u1") {
		t.Fatal("fresh tracker must not be cooling")
	}
	if err := m.Mark(ctx, "u1", 60*time.Second); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	until, ok := m.Until(ctx, "u1")
	if !ok || !until.Equal(now.Add(60*time.Second)) {
		t.Fatalf("Until = %v, %v", until, ok)
	}
	if got := Remaining(ctx, m, "u1", now.Add(20*time.Second)); got != 40*time.Second {
		t.Fatalf("Remaining = %v", got)
	}
	if IsCooling(ctx, m, "u2") {
		t.Fatal("other recipients are unaffected")
	}

	now = now.Add(60 * time.Second)
	if IsCooling(ctx, m, "u1") {
		t.Fatal("window should be closed at unblock time")
	}
	if got := Remaining(ctx, m, "u1", now); got != 0 {
		t.Fatalf("Remaining after expiry = %v", got)
	}
}

func TestMemory_MarkOverwrites(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.Now = func() time.Time { return now }

	_ = m.Mark(ctx, "u1", time.Minute)
	_ = m.Mark(ctx, "u1", 5*time.Second)
	until, _ := m.Until(ctx, "u1")
	if !until.Equal(now.Add(5 * time.Second)) {
		t.Fatalf("latest mark should win, got %v", until)
	}
}

func TestMemory_Active(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.Now = func() time.Time { return now }

	_ = m.Mark(ctx, "a", 10*time.Second)
	_ = m.Mark(ctx, "b", 30*time.Second)
	_ = m.Mark(ctx, "", 30*time.Second)

	now = now.Add(15 * time.Second)
	act, err := m.Active(ctx)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(act) != 1 {
		t.Fatalf("want only b active, got %v", act)
	}
	if _, ok := act["b"]; !ok {
		t.Fatalf("b missing: %v", act)
	}
}
