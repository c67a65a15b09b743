package stages

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/querypilot/pkg/conversation"
)

// formatHistory renders earlier turns for a prompt. Assistant turns are
// truncated to save context.
func formatHistory(turns []conversation.Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Previous conversation:\n")
	for _, t := range turns {
		switch t.Role {
		case conversation.RoleUser:
			fmt.Fprintf(&sb, "User: %s\n", t.Content)
		case conversation.RoleAssistant:
			fmt.Fprintf(&sb, "Assistant: %s\n", truncate(t.Content, 500))
			if t.SQL != "" {
				fmt.Fprintf(&sb, "Assistant ran: %s\n", strings.Join(strings.Fields(t.SQL), " "))
			}
		case conversation.RoleSystem:
		}
	}
	return sb.String()
}

func hasQueryTurn(turns []conversation.Turn) bool {
	for _, t := range turns {
		if t.Role == conversation.RoleAssistant && t.SQL != "" {
			return true
		}
	}
	return false
}
