package session

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrBusy is the cause of an IllegalStateError raised while a turn is streaming.
	ErrBusy = errors.New("generation in progress")
	// ErrNotStreaming is the cause of an IllegalStateError raised by Interrupt while idle.
	ErrNotStreaming = errors.New("no generation in progress")
	// ErrBlankMessage rejects user messages that are empty or whitespace only.
	ErrBlankMessage = errors.New("message is blank")
	// ErrNotDisconnected rejects Connect while a connection exists or is being made.
	ErrNotDisconnected = errors.New("session is not disconnected")
)

// IllegalStateError reports an operation issued in a state that forbids it. The UI is
// expected to prevent these by disabling the affected affordance.
type IllegalStateError struct {
	Op         string
	Connection ConnectionStatus
	Generation GenerationStatus
	Err        error
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("session %s: illegal in state %s/%s: %v", e.Op, e.Connection, e.Generation, e.Err)
}

func (e *IllegalStateError) Unwrap() error { return e.Err }

// TransportError is a socket-level failure surfaced by the transport.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("session transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
