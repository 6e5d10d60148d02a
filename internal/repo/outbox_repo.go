// Package repo implements the data persistence layer for the bridge, backed
// by GORM. This file provides repository functions for pending outbound
// deliveries.
//
// The outbox queue keeps an in-memory mirror of this table and calls these
// functions inside its own lock, passing a transaction handle when several
// rows change together (coalesce + evict on enqueue).
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-kf-bridge/internal/domain"
)

// ListOutbox returns every pending entry ordered by due time.
func ListOutbox(ctx context.Context, db *gorm.DB) ([]domain.OutboxEntry, error) {
	var out []domain.OutboxEntry
	err := db.WithContext(ctx).
		Order("due_at ASC, created_at ASC").
		Find(&out).Error
	return out, err
}

// InsertOutbox persists a new entry.
func InsertOutbox(ctx context.Context, db *gorm.DB, e *domain.OutboxEntry) error {
	return db.WithContext(ctx).Create(e).Error
}

// RescheduleOutbox updates the attempt counter and due time of an entry.
// Returns ErrNotFound when the entry no longer exists.
func RescheduleOutbox(ctx context.Context, db *gorm.DB, id string, tries int, dueAt time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.OutboxEntry{}).
		Where("id = ?", id).
		Updates(map[string]any{"tries": tries, "due_at": dueAt.UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOutbox removes entries by id. Missing ids are ignored.
func DeleteOutbox(ctx context.Context, db *gorm.DB, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.OutboxEntry{}).Error
}
