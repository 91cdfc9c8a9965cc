package session

// Change names what triggered an Update.
type Change int

const (
	ChangeConnection Change = iota
	ChangeUserMessage
	ChangeChunk
	ChangeTurnEnded
	ChangeContextLoaded
	ChangeInterrupted
	ChangeError
)

func (c Change) String() string {
	switch c {
	case ChangeConnection:
		return "connection"
	case ChangeUserMessage:
		return "user-message"
	case ChangeChunk:
		return "chunk"
	case ChangeTurnEnded:
		return "turn-ended"
	case ChangeContextLoaded:
		return "context-loaded"
	case ChangeInterrupted:
		return "interrupted"
	case ChangeError:
		return "error"
	default:
		return "unknown"
	}
}

// Snapshot is a read-only copy of the session state.
type Snapshot struct {
	Version     uint64
	Connection  ConnectionStatus
	Generation  GenerationStatus
	ContextLoad ContextLoadStatus
	Messages    []Message
	LoadedKeys  []string
	LastError   error
}

// LastAssistant returns the text of the most recent assistant message.
func (s Snapshot) LastAssistant() (string, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Origin == OriginAssistant {
			return s.Messages[i].Text, true
		}
	}
	return "", false
}

// Update is delivered to subscribers after every state change.
type Update struct {
	Change Change
	// Chunk is the content frame for ChangeChunk.
	Chunk string
	// NewMessage is set when the chunk started a new assistant message.
	NewMessage bool
	// Keys holds newly loaded keys for ChangeContextLoaded.
	Keys []string
	Err  error

	Snapshot Snapshot
}
