package checkpoint

import (
	"reflect"
	"sort"

	"github.com/haasonsaas/agentgit/pkg/models"
)

// ChangeType classifies a state change between two checkpoints.
type ChangeType string

const (
	ChangeAdded    ChangeType = "ADDED"
	ChangeRemoved  ChangeType = "REMOVED"
	ChangeModified ChangeType = "MODIFIED"
)

// StateChange is one flattened-path difference between two session states.
type StateChange struct {
	Type ChangeType `json:"type"`
	Path string     `json:"path"`
	Old  any        `json:"old,omitempty"`
	New  any        `json:"new,omitempty"`
}

// TrackedInvocation is a tool invocation annotated with its absolute position
// in the newer checkpoint's tool track.
type TrackedInvocation struct {
	Index      int                   `json:"index"`
	Invocation models.ToolInvocation `json:"invocation"`
}

// ConversationDiff describes how the conversation grew between checkpoints.
type ConversationDiff struct {
	OldLength     int              `json:"old_length"`
	NewLength     int              `json:"new_length"`
	MessagesAdded int              `json:"messages_added"`
	NewMessages   []models.Message `json:"new_messages,omitempty"`
}

// MetadataDiff carries both metadata maps verbatim.
type MetadataDiff struct {
	Older map[string]any `json:"older,omitempty"`
	Newer map[string]any `json:"newer,omitempty"`
}

// DiffReport is a directional older-to-newer comparison of two checkpoints.
// CheckpointAID is always the older of the pair.
type DiffReport struct {
	CheckpointAID int64 `json:"checkpoint_a_id"`
	CheckpointBID int64 `json:"checkpoint_b_id"`

	StateChanges    []StateChange       `json:"state_changes"`
	ToolInvocations []TrackedInvocation `json:"tool_invocations"`
	Conversation    ConversationDiff    `json:"conversation_diff"`
	Metadata        MetadataDiff        `json:"metadata_diff"`
}

// Diff compares two checkpoints older-to-newer regardless of argument order.
// Ordering cascades over created_at, id, conversation length, and tool-track
// length; a full tie keeps the first argument as the older one.
func Diff(a, b *models.Checkpoint) *DiffReport {
	older, newer := orderCheckpoints(a, b)

	report := &DiffReport{
		CheckpointAID:   older.ID,
		CheckpointBID:   newer.ID,
		StateChanges:    diffStates(older.SessionState, newer.SessionState),
		ToolInvocations: diffToolTracks(older, newer),
		Metadata:        MetadataDiff{Older: older.Metadata, Newer: newer.Metadata},
	}

	oldLen, newLen := len(older.ConversationHistory), len(newer.ConversationHistory)
	report.Conversation = ConversationDiff{
		OldLength:     oldLen,
		NewLength:     newLen,
		MessagesAdded: newLen - oldLen,
	}
	if newLen > oldLen {
		report.Conversation.NewMessages = newer.ConversationHistory[oldLen:]
	}
	return report
}

// orderCheckpoints decides which checkpoint is older. Each rule is tried in
// turn until one yields a strict comparison.
func orderCheckpoints(a, b *models.Checkpoint) (older, newer *models.Checkpoint) {
	switch {
	case a.CreatedAt.Before(b.CreatedAt):
		return a, b
	case b.CreatedAt.Before(a.CreatedAt):
		return b, a
	case a.ID != 0 && b.ID != 0 && a.ID < b.ID:
		return a, b
	case a.ID != 0 && b.ID != 0 && b.ID < a.ID:
		return b, a
	case len(a.ConversationHistory) < len(b.ConversationHistory):
		return a, b
	case len(b.ConversationHistory) < len(a.ConversationHistory):
		return b, a
	case len(a.ToolInvocations) < len(b.ToolInvocations):
		return a, b
	case len(b.ToolInvocations) < len(a.ToolInvocations):
		return b, a
	default:
		return a, b
	}
}

func diffStates(older, newer map[string]any) []StateChange {
	flatOld := flattenState(older)
	flatNew := flattenState(newer)

	paths := make([]string, 0, len(flatOld)+len(flatNew))
	seen := make(map[string]struct{}, len(flatOld)+len(flatNew))
	for path := range flatOld {
		paths = append(paths, path)
		seen[path] = struct{}{}
	}
	for path := range flatNew {
		if _, ok := seen[path]; !ok {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	changes := []StateChange{}
	for _, path := range paths {
		oldVal, inOld := flatOld[path]
		newVal, inNew := flatNew[path]
		switch {
		case !inOld:
			changes = append(changes, StateChange{Type: ChangeAdded, Path: path, New: newVal})
		case !inNew:
			changes = append(changes, StateChange{Type: ChangeRemoved, Path: path, Old: oldVal})
		case !reflect.DeepEqual(oldVal, newVal):
			changes = append(changes, StateChange{Type: ChangeModified, Path: path, Old: oldVal, New: newVal})
		}
	}
	return changes
}

// flattenState flattens nested maps into dot-separated paths. Non-map values,
// arrays included, are leaves compared as opaque values.
func flattenState(state map[string]any) map[string]any {
	flat := map[string]any{}
	flattenInto(flat, "", state)
	return flat
}

func flattenInto(flat map[string]any, prefix string, value map[string]any) {
	for key, v := range value {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(flat, path, nested)
			continue
		}
		flat[path] = v
	}
}

// diffToolTracks returns the newer checkpoint's tool invocations beyond the
// older's track length, annotated with their absolute positions.
func diffToolTracks(older, newer *models.Checkpoint) []TrackedInvocation {
	start := len(older.ToolInvocations)
	if start >= len(newer.ToolInvocations) {
		return []TrackedInvocation{}
	}
	tracked := make([]TrackedInvocation, 0, len(newer.ToolInvocations)-start)
	for i, invocation := range newer.ToolInvocations[start:] {
		tracked = append(tracked, TrackedInvocation{Index: start + i, Invocation: invocation})
	}
	return tracked
}

// IsEmpty reports whether the diff carries no state, tool, or conversation
// changes.
func (r *DiffReport) IsEmpty() bool {
	return len(r.StateChanges) == 0 && len(r.ToolInvocations) == 0 && r.Conversation.MessagesAdded == 0
}
