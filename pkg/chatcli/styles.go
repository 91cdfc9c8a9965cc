package chatcli

import (
	"charm.land/lipgloss/v2"
)

var (
	colorAssistant = lipgloss.Color("#7C3AED")
	colorInfo      = lipgloss.Color("#6B7280")
	colorError     = lipgloss.Color("#EF4444")
)

// Styles colours the REPL output by role.
type Styles struct {
	Assistant lipgloss.Style
	Info      lipgloss.Style
	Error     lipgloss.Style
}

func DefaultStyles() Styles {
	return Styles{
		Assistant: lipgloss.NewStyle().Foreground(colorAssistant).Bold(true),
		Info:      lipgloss.NewStyle().Foreground(colorInfo).Italic(true),
		Error:     lipgloss.NewStyle().Foreground(colorError),
	}
}

// PlainStyles renders text unchanged, for pipes and tests.
func PlainStyles() Styles {
	return Styles{
		Assistant: lipgloss.NewStyle(),
		Info:      lipgloss.NewStyle(),
		Error:     lipgloss.NewStyle(),
	}
}
