package checkpoint

import (
	"fmt"
	"strings"
)

// RenderText formats a diff report for terminal display.
func RenderText(report *DiffReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Checkpoint diff: %d -> %d\n", report.CheckpointAID, report.CheckpointBID)

	if report.IsEmpty() {
		b.WriteString("No changes.\n")
		return b.String()
	}

	if len(report.StateChanges) > 0 {
		fmt.Fprintf(&b, "\nState changes (%d):\n", len(report.StateChanges))
		for _, change := range report.StateChanges {
			switch change.Type {
			case ChangeAdded:
				fmt.Fprintf(&b, "  + %s = %v\n", change.Path, change.New)
			case ChangeRemoved:
				fmt.Fprintf(&b, "  - %s (was %v)\n", change.Path, change.Old)
			case ChangeModified:
				fmt.Fprintf(&b, "  ~ %s: %v -> %v\n", change.Path, change.Old, change.New)
			}
		}
	}

	if len(report.ToolInvocations) > 0 {
		fmt.Fprintf(&b, "\nTool invocations (%d):\n", len(report.ToolInvocations))
		for _, tracked := range report.ToolInvocations {
			status := "ok"
			if !tracked.Invocation.Success {
				status = "failed"
			}
			fmt.Fprintf(&b, "  [%d] %s (%s)\n", tracked.Index, tracked.Invocation.ToolName, status)
		}
	}

	conv := report.Conversation
	if conv.MessagesAdded != 0 {
		fmt.Fprintf(&b, "\nConversation: %d -> %d messages (%+d)\n",
			conv.OldLength, conv.NewLength, conv.MessagesAdded)
		for _, msg := range conv.NewMessages {
			content := msg.Content
			if len(content) > 80 {
				content = content[:77] + "..."
			}
			fmt.Fprintf(&b, "  %s: %s\n", msg.Role, content)
		}
	}

	return b.String()
}
