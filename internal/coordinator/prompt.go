package coordinator

import (
	"fmt"
	"regexp"
	"strings"

	"nanoagent/internal/types"
)

// SummaryPrefix starts the stored message that replaces a compacted history.
const SummaryPrefix = "Summary of earlier conversation:\n"

// TriggerPattern builds the mention regex for an assistant name.
func TriggerPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(^|\W)@` + regexp.QuoteMeta(name) + `\b`)
}

// BuildConversationMessages maps stored messages one-to-one onto backend
// messages, preserving order. Messages from the assistant become assistant
// turns; everything else is a user turn.
func BuildConversationMessages(history []types.StoredMessage) []types.ConversationMessage {
	out := make([]types.ConversationMessage, 0, len(history))
	for _, m := range history {
		role := types.RoleUser
		if m.IsFromMe {
			role = types.RoleAssistant
		}
		out = append(out, types.TextMessage(role, m.Content))
	}
	return out
}

// BuildSystemPrompt assembles the assistant identity, the tool catalogue and
// the group's memory document.
func BuildSystemPrompt(name string, group types.GroupID, catalogue, memory string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a personal assistant. You are talking in the conversation %q.\n", name, group)
	sb.WriteString("Be concise. Use tools when they help; file paths are relative to this conversation's workspace.\n")
	sb.WriteString("Anything you wrap in <internal></internal> tags is removed before the user sees your reply.\n")
	sb.WriteString("Keep durable facts about the user in memory with update_memory.\n")

	if catalogue != "" {
		sb.WriteString("\n## Tools\n")
		sb.WriteString(catalogue)
	}

	if strings.TrimSpace(memory) != "" {
		sb.WriteString("\n## Memory\n")
		sb.WriteString(strings.TrimSpace(memory))
		sb.WriteString("\n")
	}
	return sb.String()
}
