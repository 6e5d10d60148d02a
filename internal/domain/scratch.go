package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// ChatRef is a backend conversation as shown in selection lists.
type ChatRef struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Pinned    bool   `json:"pinned"`
	UpdatedAt int64  `json:"updated_at"`
}

// Label is the display title, falling back to the id.
func (c ChatRef) Label() string {
	if c.Title != "" {
		return c.Title
	}
	return c.ID
}

// ModelRef is a backend model as shown in selection lists.
type ModelRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Scratch is the per-state scratch data of a user. Each state that needs
// scratch data has its own variant; states without one carry nil.
type Scratch interface {
	scratchKind() string
}

// ChatPick is the scratch of PICK_CHAT: the listed conversations.
type ChatPick struct {
	Chats []ChatRef `json:"chats"`
}

// ModelPick is the scratch of PICK_MODEL. PendingConversationID, when set,
// is resumed after a model has been picked.
type ModelPick struct {
	Models                []ModelRef `json:"models"`
	PendingConversationID string     `json:"pending_conversation_id,omitempty"`
}

// RenamePick is the scratch of RENAME_PICK: the listed conversations.
type RenamePick struct {
	Chats []ChatRef `json:"chats"`
}

// RenameTitle is the scratch of RENAME_TITLE.
type RenameTitle struct {
	ConversationID string `json:"conversation_id"`
	OldTitle       string `json:"old_title"`
}

// RenameConfirm is the scratch of RENAME_CONFIRM.
type RenameConfirm struct {
	ConversationID string `json:"conversation_id"`
	OldTitle       string `json:"old_title"`
	NewTitle       string `json:"new_title"`
}

func (ChatPick) scratchKind() string      { return "chat_pick" }
func (ModelPick) scratchKind() string     { return "model_pick" }
func (RenamePick) scratchKind() string    { return "rename_pick" }
func (RenameTitle) scratchKind() string   { return "rename_title" }
func (RenameConfirm) scratchKind() string { return "rename_confirm" }

// ScratchColumn stores a Scratch variant as {"kind": ..., "data": ...} in a
// single text column.
type ScratchColumn struct {
	Data Scratch
}

// NewScratch wraps s for persistence.
func NewScratch(s Scratch) ScratchColumn { return ScratchColumn{Data: s} }

type scratchEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON implements json.Marshaler.
func (c ScratchColumn) MarshalJSON() ([]byte, error) {
	if c.Data == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(c.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(scratchEnvelope{Kind: c.Data.scratchKind(), Data: data})
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ScratchColumn) UnmarshalJSON(b []byte) error {
	c.Data = nil
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	var env scratchEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	var s Scratch
	switch env.Kind {
	case "chat_pick":
		var v ChatPick
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		s = v
	case "model_pick":
		var v ModelPick
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		s = v
	case "rename_pick":
		var v RenamePick
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		s = v
	case "rename_title":
		var v RenameTitle
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		s = v
	case "rename_confirm":
		var v RenameConfirm
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		s = v
	case "":
	default:
		return fmt.Errorf("unknown scratch kind %q", env.Kind)
	}
	c.Data = s
	return nil
}

// Value implements driver.Valuer.
func (c ScratchColumn) Value() (driver.Value, error) {
	b, err := c.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (c *ScratchColumn) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		c.Data = nil
		return nil
	case string:
		return c.UnmarshalJSON([]byte(v))
	case []byte:
		return c.UnmarshalJSON(v)
	default:
		return errors.New("scratch: unsupported column type")
	}
}

// ModelList is a JSON-encoded list of models kept on the user record.
type ModelList []ModelRef

// Value implements driver.Valuer.
func (m ModelList) Value() (driver.Value, error) {
	if m == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]ModelRef(m))
	return string(b), err
}

// Scan implements sql.Scanner.
func (m *ModelList) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return errors.New("models: unsupported column type")
	}
	if len(b) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(b, (*[]ModelRef)(m))
}
