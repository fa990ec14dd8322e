package models

import (
	"encoding/json"
	"time"
)

// Checkpoint payload metadata keys.
const (
	// MetaToolTrackPosition records the length of the owning session's
	// tool track at checkpoint time. Rollback reverses everything at or
	// beyond this index.
	MetaToolTrackPosition = "tool_track_position"

	// MetaTurnNumber is the number of completed user turns at checkpoint
	// time.
	MetaTurnNumber = "turn_number"

	// MetaMessageCount is the conversation length at checkpoint time.
	MetaMessageCount = "message_count"

	// MetaBranchedFrom names the checkpoint a forked session was seeded
	// from.
	MetaBranchedFrom = "branched_from"
)

// Checkpoint is an immutable point-in-time snapshot of an internal session:
// state, conversation, and tool track, tied to a position in the tool-effect
// log. A zero ID marks an unpersisted instance.
type Checkpoint struct {
	ID                int64     `json:"id,omitempty"`
	InternalSessionID int64     `json:"internal_session_id"`
	CheckpointName    string    `json:"checkpoint_name"`
	IsAuto            bool      `json:"is_auto"`
	CreatedAt         time.Time `json:"created_at"`

	// UserID is the owning user, nulled if the user is deleted.
	UserID *int64 `json:"user_id,omitempty"`

	// Snapshot payload.
	SessionState        map[string]any   `json:"session_state,omitempty"`
	ConversationHistory []Message        `json:"conversation_history,omitempty"`
	ToolInvocations     []ToolInvocation `json:"tool_invocations,omitempty"`
	Metadata            map[string]any   `json:"metadata,omitempty"`
}

// NewCheckpoint snapshots an internal session. State, history, and tool
// track are deep-copied so later turns on the session cannot mutate the
// payload. The tool-track position, turn number, and message count are
// recorded in metadata.
func NewCheckpoint(session *InternalSession, name string, isAuto bool, userID *int64) *Checkpoint {
	return &Checkpoint{
		InternalSessionID:   session.ID,
		CheckpointName:      name,
		IsAuto:              isAuto,
		CreatedAt:           time.Now().UTC(),
		UserID:              userID,
		SessionState:        CloneMap(session.SessionState),
		ConversationHistory: CloneMessages(session.ConversationHistory),
		ToolInvocations:     CloneInvocations(session.ToolInvocations),
		Metadata: map[string]any{
			MetaToolTrackPosition: len(session.ToolInvocations),
			MetaTurnNumber:        session.TurnNumber(),
			MetaMessageCount:      len(session.ConversationHistory),
		},
	}
}

// ToolTrackPosition returns the recorded tool-track position, or the payload
// track length when the metadata entry is missing.
func (c *Checkpoint) ToolTrackPosition() int {
	if c.Metadata != nil {
		switch v := c.Metadata[MetaToolTrackPosition].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return int(n)
			}
		}
	}
	return len(c.ToolInvocations)
}

// HasToolInvocations reports whether the payload captured any tool calls.
func (c *Checkpoint) HasToolInvocations() bool {
	return len(c.ToolInvocations) > 0
}

// checkpointPayload is the wire shape of the checkpoint_data JSON column.
type checkpointPayload struct {
	ID                  int64            `json:"id,omitempty"`
	InternalSessionID   int64            `json:"internal_session_id"`
	CheckpointName      string           `json:"checkpoint_name"`
	IsAuto              bool             `json:"is_auto"`
	CreatedAt           string           `json:"created_at,omitempty"`
	UserID              *int64           `json:"user_id,omitempty"`
	SessionState        map[string]any   `json:"session_state,omitempty"`
	ConversationHistory []Message        `json:"conversation_history,omitempty"`
	ToolInvocations     []ToolInvocation `json:"tool_invocations,omitempty"`
	Metadata            map[string]any   `json:"metadata,omitempty"`
}

// MarshalPayload serializes the checkpoint into its JSON column form. The
// embedded created_at uses RFC 3339 with timezone and must match the value
// of the created_at column bit-for-bit once persisted.
func (c *Checkpoint) MarshalPayload() ([]byte, error) {
	p := checkpointPayload{
		ID:                  c.ID,
		InternalSessionID:   c.InternalSessionID,
		CheckpointName:      c.CheckpointName,
		IsAuto:              c.IsAuto,
		UserID:              c.UserID,
		SessionState:        c.SessionState,
		ConversationHistory: c.ConversationHistory,
		ToolInvocations:     c.ToolInvocations,
		Metadata:            c.Metadata,
	}
	if !c.CreatedAt.IsZero() {
		p.CreatedAt = c.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(p)
}

// UnmarshalPayload restores a checkpoint from its JSON column form.
func (c *Checkpoint) UnmarshalPayload(data []byte) error {
	var p checkpointPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	c.ID = p.ID
	c.InternalSessionID = p.InternalSessionID
	c.CheckpointName = p.CheckpointName
	c.IsAuto = p.IsAuto
	c.UserID = p.UserID
	c.SessionState = p.SessionState
	c.ConversationHistory = p.ConversationHistory
	c.ToolInvocations = p.ToolInvocations
	c.Metadata = p.Metadata
	if p.CreatedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, p.CreatedAt)
		if err != nil {
			return err
		}
		c.CreatedAt = ts
	}
	return nil
}
