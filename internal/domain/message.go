package domain

import "sort"

// Message roles used by the chat backend.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a remote conversation, flattened to what the
// bridge reads: plain text plus any image references.
type Message struct {
	ID        string
	Role      string
	ParentID  string
	Text      string
	Images    []string
	Model     string
	Timestamp int64 // unix milliseconds
}

// HasContent reports whether the message carries text or images.
func (m Message) HasContent() bool {
	return m.Text != "" || len(m.Images) > 0
}

// SortByTime orders msgs ascending by Timestamp, keeping the original order
// for equal timestamps.
func SortByTime(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })
}
