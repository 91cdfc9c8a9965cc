package session

// ConnectionStatus tracks the transport lifecycle as seen by the session.
type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connecting
	Connected
)

func (s ConnectionStatus) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// GenerationStatus is Streaming while an assistant turn is in flight.
type GenerationStatus int

const (
	Idle GenerationStatus = iota
	Streaming
)

func (s GenerationStatus) String() string {
	switch s {
	case Idle:
		return "idle"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// ContextLoadStatus is Loading between a context-loaded sentinel and the end of that turn.
type ContextLoadStatus int

const (
	ContextIdle ContextLoadStatus = iota
	ContextLoading
)

func (s ContextLoadStatus) String() string {
	switch s {
	case ContextIdle:
		return "idle"
	case ContextLoading:
		return "loading"
	default:
		return "unknown"
	}
}
