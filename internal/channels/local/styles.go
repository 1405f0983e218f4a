package local

import "github.com/charmbracelet/lipgloss"

var (
	colorPrimary = lipgloss.Color("#8BC34A")
	colorMuted   = lipgloss.Color("#6b7280")
	colorError   = lipgloss.Color("#e53935")
	colorInfo    = lipgloss.Color("#2196F3")
)

// Styles holds the TUI styles.
type Styles struct {
	Header    lipgloss.Style
	State     lipgloss.Style
	User      lipgloss.Style
	Assistant lipgloss.Style
	Log       lipgloss.Style
	Error     lipgloss.Style
	Footer    lipgloss.Style
	Prompt    lipgloss.Style
}

// DefaultStyles returns the default TUI styles.
func DefaultStyles() Styles {
	return Styles{
		Header:    lipgloss.NewStyle().Bold(true).Foreground(colorPrimary).Padding(0, 1),
		State:     lipgloss.NewStyle().Foreground(colorInfo),
		User:      lipgloss.NewStyle().Bold(true).Foreground(colorInfo),
		Assistant: lipgloss.NewStyle().Bold(true).Foreground(colorPrimary),
		Log:       lipgloss.NewStyle().Foreground(colorMuted).Italic(true),
		Error:     lipgloss.NewStyle().Foreground(colorError),
		Footer:    lipgloss.NewStyle().Foreground(colorMuted).Padding(0, 1),
		Prompt:    lipgloss.NewStyle().Foreground(colorPrimary),
	}
}
