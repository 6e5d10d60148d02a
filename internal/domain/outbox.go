package domain

import "time"

// OutboxKind is the payload type of an outbound delivery.
type OutboxKind string

const (
	OutboxText  OutboxKind = "text"
	OutboxImage OutboxKind = "image"
)

// OutboxEntry is a pending delivery to one channel recipient. It is created on
// enqueue, rescheduled on failure and deleted on success or once the retry
// ceiling is reached.
//
// Invariants: DueAt never decreases across reschedules of one entry and Tries
// grows by exactly one per delivery attempt.
type OutboxEntry struct {
	ID        string     `json:"id"        gorm:"type:varchar(40);primaryKey"`
	Recipient string     `json:"recipient" gorm:"type:varchar(128);not null;index:idx_outbox_recipient"`
	Kind      OutboxKind `json:"kind"      gorm:"type:varchar(16);not null;check:kind IN ('text','image')"`
	Text      string     `json:"text,omitempty"     gorm:"type:text;not null;default:''"`
	Image     []byte     `json:"-"                  gorm:"type:blob"`
	Filename  string     `json:"filename,omitempty" gorm:"type:varchar(255);not null;default:''"`
	Tries     int        `json:"tries"     gorm:"not null;default:0"`
	DueAt     time.Time  `json:"due_at"    gorm:"type:DATETIME NOT NULL;index:idx_outbox_due"`
	CreatedAt time.Time  `json:"created_at"`
}

// TableName returns the database table name for OutboxEntry.
func (OutboxEntry) TableName() string { return "outbox_entries" }
