package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/go-kf-bridge/internal/domain"
)

func TestGetUser_NotFound(t *testing.T) {
	db := newTestDB(t, &domain.User{})
	_, err := GetUser(context.Background(), db, "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestGetOrCreateUser_CreatesOnceWithDefaults(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, &domain.User{})

	u, err := GetOrCreateUser(ctx, db, " wm_1 ", "gpt-4o")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	if u.ExternalID != "wm_1" || u.State != domain.StateMenu || u.Model != "gpt-4o" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if len(u.SessionID) != 32 {
		t.Fatalf("session id should be 32 hex chars, got %q", u.SessionID)
	}

	again, err := GetOrCreateUser(ctx, db, "wm_1", "other")
	if err != nil {
		t.Fatalf("second GetOrCreateUser: %v", err)
	}
	if again.SessionID != u.SessionID || again.Model != "gpt-4o" {
		t.Fatalf("existing user should be returned unchanged: %+v", again)
	}

	n, err := CountUsers(ctx, db)
	if err != nil || n != 1 {
		t.Fatalf("CountUsers = %d, %v", n, err)
	}
}

func TestGetOrCreateUser_RejectsEmptyID(t *testing.T) {
	db := newTestDB(t, &domain.User{})
	if _, err := GetOrCreateUser(context.Background(), db, "  ", ""); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestSaveUser_PersistsStateAndScratch(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, &domain.User{})

	u, err := GetOrCreateUser(ctx, db, "wm_2", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	u.Credential = "sk-test"
	u.State = domain.StatePickModel
	u.Scratch = domain.NewScratch(domain.ModelPick{
		Models:                []domain.ModelRef{{ID: "m1", Name: "Model One"}},
		PendingConversationID: "c9",
	})
	u.ModelsCache = domain.ModelList{{ID: "m1", Name: "Model One"}}
	if err := SaveUser(ctx, db, u); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}

	got, err := GetUser(ctx, db, "wm_2")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.Credential != "sk-test" || got.State != domain.StatePickModel {
		t.Fatalf("fields not persisted: %+v", got)
	}
	mp, ok := got.Scratch.Data.(domain.ModelPick)
	if !ok || len(mp.Models) != 1 || mp.PendingConversationID != "c9" {
		t.Fatalf("scratch not persisted: %#v", got.Scratch.Data)
	}
	if len(got.ModelsCache) != 1 || got.ModelsCache[0].Name != "Model One" {
		t.Fatalf("models cache not persisted: %#v", got.ModelsCache)
	}

	got.ResetToMenu()
	if err := SaveUser(ctx, db, got); err != nil {
		t.Fatalf("SaveUser reset: %v", err)
	}
	again, _ := GetUser(ctx, db, "wm_2")
	if again.State != domain.StateMenu || again.Scratch.Data != nil || again.ConversationID != "" {
		t.Fatalf("reset not persisted: %+v", again)
	}
}

func TestSaveUser_InvalidStateFallsBackToMenu(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, &domain.User{})
	u, _ := GetOrCreateUser(ctx, db, "wm_3", "")
	u.State = "BOGUS"
	if err := SaveUser(ctx, db, u); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	got, _ := GetUser(ctx, db, "wm_3")
	if got.State != domain.StateMenu {
		t.Fatalf("want MENU, got %q", got.State)
	}
}
