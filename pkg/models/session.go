package models

import (
	"time"
)

// ExternalSession is the user-visible conversation container. Each external
// session owns a forest of internal sessions (branches), exactly one of
// which may be current at a time.
type ExternalSession struct {
	ID          int64     `json:"id,omitempty"`
	UserID      int64     `json:"user_id"`
	SessionName string    `json:"session_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// IsActive is the soft-delete flag; deactivated sessions are hidden
	// from active-only listings but remain queryable.
	IsActive bool `json:"is_active"`

	// GraphSessionIDs lists the graph ids of the branches under this
	// session, in creation order.
	GraphSessionIDs []string `json:"graph_session_ids,omitempty"`

	// CurrentGraphSessionID addresses the current branch, or "" when no
	// branch is current.
	CurrentGraphSessionID string `json:"current_graph_session_id,omitempty"`

	BranchCount      int            `json:"branch_count"`
	TotalCheckpoints int            `json:"total_checkpoints"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// NewExternalSession creates an unpersisted active external session.
func NewExternalSession(userID int64, name string) *ExternalSession {
	now := time.Now().UTC()
	return &ExternalSession{
		UserID:      userID,
		SessionName: name,
		CreatedAt:   now,
		UpdatedAt:   now,
		IsActive:    true,
		Metadata:    map[string]any{},
	}
}

// InternalSession is one branch of a conversation timeline: the unit of
// state, history, and tool track. Branches never change after archival
// except for the IsCurrent flag.
type InternalSession struct {
	ID                int64  `json:"id,omitempty"`
	ExternalSessionID int64  `json:"external_session_id"`
	GraphSessionID    string `json:"graph_session_id"`

	// SessionState is the agent's working state for this branch.
	SessionState map[string]any `json:"session_state,omitempty"`

	// ConversationHistory is the ordered message log.
	ConversationHistory []Message `json:"conversation_history,omitempty"`

	// ToolInvocations is the tool track: the append-only causal log of
	// side effects on this branch.
	ToolInvocations []ToolInvocation `json:"tool_invocations,omitempty"`

	CreatedAt           time.Time `json:"created_at"`
	IsCurrent           bool      `json:"is_current"`
	CheckpointCount     int       `json:"checkpoint_count"`
	ToolInvocationCount int       `json:"tool_invocation_count"`

	// ParentSessionID and BranchPointCheckpointID are both set for a
	// branch created by a fork, and both nil for a root session.
	ParentSessionID         *int64 `json:"parent_session_id,omitempty"`
	BranchPointCheckpointID *int64 `json:"branch_point_checkpoint_id,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// IsBranch reports whether this session was forked from a checkpoint.
func (s *InternalSession) IsBranch() bool {
	return s.ParentSessionID != nil
}

// TurnNumber counts completed user turns in the conversation.
func (s *InternalSession) TurnNumber() int {
	turns := 0
	for _, msg := range s.ConversationHistory {
		if msg.Role == "user" {
			turns++
		}
	}
	return turns
}

// BranchNode is one node of the branch forest returned for UI display.
type BranchNode struct {
	Session  *InternalSession `json:"session"`
	Children []*BranchNode    `json:"children,omitempty"`
	Depth    int              `json:"depth"`
}
