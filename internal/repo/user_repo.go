// Package repo implements the data persistence layer for the bridge, backed
// by GORM. This file provides repository functions for the User model.
//
// Users are keyed by their channel-side external id, created lazily on the
// first inbound event and never deleted. Every state transition is persisted
// with SaveUser, which writes the full row.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-kf-bridge/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// GetUser returns the user with the given external id, or ErrNotFound.
func GetUser(ctx context.Context, db *gorm.DB, externalID string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).First(&u, "external_id = ?", externalID).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// GetOrCreateUser loads the user with the given external id, creating it in
// MENU state with a fresh session id and defaultModel when missing.
func GetOrCreateUser(ctx context.Context, db *gorm.DB, externalID, defaultModel string) (*domain.User, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, errors.New("empty external id")
	}
	u, err := GetUser(ctx, db, externalID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	u = &domain.User{
		ExternalID: externalID,
		Model:      defaultModel,
		State:      domain.StateMenu,
		SessionID:  strings.ReplaceAll(uuid.NewString(), "-", ""),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	// A concurrent creator may have won the race; keep its row.
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(u)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return GetUser(ctx, db, externalID)
	}
	return u, nil
}

// SaveUser writes every column of u and bumps UpdatedAt.
func SaveUser(ctx context.Context, db *gorm.DB, u *domain.User) error {
	if u == nil || u.ExternalID == "" {
		return errors.New("invalid user")
	}
	if !u.State.Valid() {
		u.State = domain.StateMenu
	}
	u.UpdatedAt = time.Now().UTC()
	return db.WithContext(ctx).Save(u).Error
}

// CountUsers returns the number of known users.
func CountUsers(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.User{}).Count(&n).Error
	return n, err
}
