package domain

import "time"

// SeenEvent records an inbound channel event id that has already been
// processed. The table is bounded: the oldest rows by SeenAt are evicted once
// the configured ceiling is exceeded.
type SeenEvent struct {
	MsgID  string    `gorm:"type:varchar(128);primaryKey"`
	SeenAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (SeenEvent) TableName() string { return "seen_events" }
