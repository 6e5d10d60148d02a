// Package repo implements the data persistence layer for the bridge, backed
// by GORM. This file provides the durable half of the dedup gate: a bounded
// set of processed inbound event ids.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-kf-bridge/internal/domain"
)

// HasSeen reports whether msgID is recorded in the seen set.
func HasSeen(ctx context.Context, db *gorm.DB, msgID string) (bool, error) {
	if msgID == "" {
		return false, nil
	}
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.SeenEvent{}).
		Where("msg_id = ?", msgID).
		Count(&n).Error
	return n > 0, err
}

// InsertSeen records msgID at the given time and trims the set to max rows by
// evicting the oldest SeenAt first. An already recorded id keeps its original
// timestamp. Insert and trim share one transaction.
func InsertSeen(ctx context.Context, db *gorm.DB, msgID string, at time.Time, max int) error {
	if msgID == "" {
		return nil
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := domain.SeenEvent{MsgID: msgID, SeenAt: at.UTC()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
			return err
		}
		if max <= 0 {
			return nil
		}
		var n int64
		if err := tx.Model(&domain.SeenEvent{}).Count(&n).Error; err != nil {
			return err
		}
		if over := n - int64(max); over > 0 {
			oldest := tx.Model(&domain.SeenEvent{}).
				Select("msg_id").
				Order("seen_at ASC, msg_id ASC").
				Limit(int(over))
			if err := tx.Where("msg_id IN (?)", oldest).Delete(&domain.SeenEvent{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// CountSeen returns the size of the seen set.
func CountSeen(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.SeenEvent{}).Count(&n).Error
	return n, err
}
