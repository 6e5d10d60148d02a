// Package repo implements the data persistence layer for the bridge, backed
// by GORM. This file provides small aggregate queries used by the debug
// endpoints.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-kf-bridge/internal/domain"
)

// OutboxStats returns the number of pending entries and the earliest DueAt
// among them.
//
// Return values:
//   - count:     total pending entries, optionally scoped to recipient
//   - earliest:  pointer to the smallest DueAt, or nil if no rows
//   - err:       database error, if any
func OutboxStats(ctx context.Context, db *gorm.DB, recipient string) (count int64, earliest *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.OutboxEntry{})
	if recipient != "" {
		q = q.Where("recipient = ?", recipient)
	}

	// Count
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Earliest due_at (avoid MIN() -> TEXT in SQLite)
	var row struct {
		DueAt time.Time
	}
	if err = q.Select("due_at").Order("due_at ASC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.DueAt, nil
}
