package models

import (
	"time"
)

// Message is a single entry in a conversation history.
type Message struct {
	// Role is the speaker: "user", "assistant", "system", or "tool".
	Role string `json:"role"`

	// Content is the message text.
	Content string `json:"content"`

	// Timestamp is when the message was recorded, if known.
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// NewMessage builds a message stamped with the current UTC time.
func NewMessage(role, content string) Message {
	now := time.Now().UTC()
	return Message{Role: role, Content: content, Timestamp: &now}
}

// CloneMessages deep-copies a conversation history.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if msgs[i].Timestamp != nil {
			ts := *msgs[i].Timestamp
			out[i].Timestamp = &ts
		}
	}
	return out
}
