package coordinator

import (
	"errors"
	"fmt"
	"strings"

	"nanoagent/internal/llm"
	"nanoagent/internal/logging"
	"nanoagent/internal/types"
)

const helpText = `Commands:
/new      start a new session (clears this conversation's history)
/compact  replace the history with a summary
/cancel   stop the current request
/status   show what the assistant is doing
/help     show this list`

// handleCommand runs a slash command and reports whether msg was one.
// Commands are answered directly and never stored or queued.
func (c *Coordinator) handleCommand(msg types.InboundMessage) bool {
	text := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(text, "/") {
		return false
	}
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	// "/status@MyBot" as sent by bot clients in group chats.
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}

	group := msg.GroupID
	var reply string
	switch cmd {
	case "/new":
		if err := c.newSession(group); err != nil {
			reply = "Error: " + err.Error()
		} else {
			reply = "Started a new session."
		}
	case "/compact":
		if err := c.compact(group); err != nil {
			reply = "Error: " + err.Error()
		} else {
			reply = "Compacting conversation..."
		}
	case "/cancel":
		err := c.cancel(group)
		switch {
		case errors.Is(err, ErrNothingInFlight):
			reply = "Nothing to cancel."
		case err != nil:
			reply = "Error: " + err.Error()
		default:
			reply = "Cancelling..."
		}
	case "/status":
		reply = formatStatus(c.status())
	case "/help":
		reply = helpText
	default:
		return false
	}

	logging.CoordinatorDebug("Command %s in %s", cmd, group)
	c.notify(group, reply)
	return true
}

func formatStatus(s Status) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "State: %s\n", s.State)
	if s.Active != "" {
		fmt.Fprintf(&sb, "Working on: %s\n", s.Active)
	}
	fmt.Fprintf(&sb, "Queued: %d\n", s.QueueLength)
	provider := s.Provider
	if provider == "" {
		provider = llm.ProviderAnthropic
	}
	fmt.Fprintf(&sb, "Backend: %s / %s", provider, s.Model)
	if !s.Configured {
		sb.WriteString(" (not configured)")
	}
	return sb.String()
}
