// Package domain defines the persistence models for channel users, processed
// inbound events and pending outbound deliveries. These types are mapped with
// GORM and shared across the repository, queue and service layers.
package domain

import (
	"time"
)

// State is the position of a user inside the conversation menu.
type State string

const (
	StateMenu          State = "MENU"
	StatePickChat      State = "PICK_CHAT"
	StatePickModel     State = "PICK_MODEL"
	StateRenamePick    State = "RENAME_PICK"
	StateRenameTitle   State = "RENAME_TITLE"
	StateRenameConfirm State = "RENAME_CONFIRM"
	StateInChat        State = "IN_CHAT"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateMenu, StatePickChat, StatePickModel, StateRenamePick,
		StateRenameTitle, StateRenameConfirm, StateInChat:
		return true
	}
	return false
}

// User is the per-recipient record of the bridge. It is created on the first
// inbound event from a channel user and mutated on every state transition.
//
// Fields:
//   - ExternalID: channel-side user id (external_userid), primary key.
//   - Credential: backend API key bound with the "绑定" command.
//   - Model: default backend model id used for new conversations.
//   - State / Scratch: menu position and the per-state scratch data.
//   - ConversationID: backend conversation the user is chatting in, if any.
//   - RecentImage / RecentImageAt: last inbound image as a data URL, consumed
//     by the next text message while fresh.
//   - SessionID: stable id forwarded to the backend with completions.
//   - ModelsCache / ModelsCachedAt: short-lived copy of the backend model list
//     used to render the current model name in the menu.
type User struct {
	ExternalID     string        `json:"external_id"      gorm:"type:varchar(128);primaryKey"`
	Credential     string        `json:"credential"       gorm:"type:text;not null;default:''"`
	Model          string        `json:"model"            gorm:"type:varchar(255);not null;default:''"`
	State          State         `json:"state"            gorm:"type:varchar(32);not null;default:'MENU'"`
	ConversationID string        `json:"conversation_id"  gorm:"type:varchar(128);not null;default:''"`
	Scratch        ScratchColumn `json:"scratch"          gorm:"type:text"`
	RecentImage    string        `json:"recent_image"     gorm:"type:text;not null;default:''"`
	RecentImageAt  *time.Time    `json:"recent_image_at"`
	SessionID      string        `json:"session_id"       gorm:"type:char(32);not null"`
	ModelsCache    ModelList     `json:"-"                gorm:"type:text"`
	ModelsCachedAt *time.Time    `json:"-"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Bound reports whether the user has a backend credential.
func (u *User) Bound() bool { return u.Credential != "" }

// ResetToMenu moves the user back to the main menu, dropping scratch data and
// the current conversation.
func (u *User) ResetToMenu() {
	u.State = StateMenu
	u.ConversationID = ""
	u.Scratch = ScratchColumn{}
}

// FreshImage returns the cached recent image when it is younger than ttl.
func (u *User) FreshImage(now time.Time, ttl time.Duration) string {
	if u.RecentImage == "" || u.RecentImageAt == nil {
		return ""
	}
	if now.Sub(*u.RecentImageAt) > ttl {
		return ""
	}
	return u.RecentImage
}

// ConsumeImage clears the cached recent image.
func (u *User) ConsumeImage() {
	u.RecentImage = ""
	u.RecentImageAt = nil
}
