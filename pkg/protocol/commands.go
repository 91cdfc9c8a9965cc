package protocol

import "strings"

// Reserved client-to-server literals. The backend tells commands from content by exact
// match only, so user text equal to one of these is indistinguishable from the command.
const (
	StopCommand    = "__STOP__"
	ContextCommand = "__CONTEXT__"
	ModePrefix     = "/mode "
)

// EncodeUserText returns user content as sent on the wire: verbatim, no framing.
func EncodeUserText(text string) string { return text }

// EncodeStop returns the interrupt command.
func EncodeStop() string { return StopCommand }

// EncodeContextLoad asks the backend to ingest previously uploaded files.
func EncodeContextLoad() string { return ContextCommand }

// EncodeMode asks the backend to switch its persona.
func EncodeMode(name string) string { return ModePrefix + strings.TrimSpace(name) }

// IsReserved reports whether text would be read by the backend as a command
// rather than as user content.
func IsReserved(text string) bool {
	return text == StopCommand || text == ContextCommand || strings.HasPrefix(text, ModePrefix)
}

// ParseMode returns the mode name carried by a mode command.
func ParseMode(text string) (string, bool) {
	if !strings.HasPrefix(text, ModePrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(text, ModePrefix)), true
}
