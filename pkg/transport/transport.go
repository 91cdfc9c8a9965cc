// Package transport wraps a duplex, message-oriented socket behind a small
// event-subscription interface.
package transport

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrNotConnected is returned by Send when no connection is open.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrAlreadyOpen is returned by Open while a connection is open or being dialed.
	ErrAlreadyOpen = errors.New("transport: connection already open")
)

// Handler receives transport events. Events are delivered from a single goroutine,
// in the order they happened; OnError never implies closure, OnClose always follows
// eventually.
type Handler interface {
	OnOpen()
	OnMessage(frame string)
	OnClose()
	OnError(err error)
}

// Transport is a single duplex text connection. Only one connection may be open at
// a time; there is no reconnect logic.
type Transport interface {
	Open(url string) error
	Send(text string) error
	Close() error
	Subscribe(h Handler) (unsubscribe func())
}

// Error is a socket-level failure.
type Error struct {
	Op  string
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// HandlerFuncs adapts plain functions to Handler; nil fields are ignored.
type HandlerFuncs struct {
	Open    func()
	Message func(frame string)
	Close   func()
	Error   func(err error)
}

var _ Handler = HandlerFuncs{}

func (h HandlerFuncs) OnOpen() {
	if h.Open != nil {
		h.Open()
	}
}

func (h HandlerFuncs) OnMessage(frame string) {
	if h.Message != nil {
		h.Message(frame)
	}
}

func (h HandlerFuncs) OnClose() {
	if h.Close != nil {
		h.Close()
	}
}

func (h HandlerFuncs) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}

// subscribers is a copy-on-read handler list shared by transport implementations.
type subscribers struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]Handler
	order    []int
}

func (s *subscribers) add(h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = map[int]Handler{}
	}
	id := s.nextID
	s.nextID++
	s.handlers[id] = h
	s.order = append(s.order, id)
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.handlers, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (s *subscribers) snapshot() []Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handler, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.handlers[id])
	}
	return out
}

func (s *subscribers) emitOpen() {
	for _, h := range s.snapshot() {
		h.OnOpen()
	}
}

func (s *subscribers) emitMessage(frame string) {
	for _, h := range s.snapshot() {
		h.OnMessage(frame)
	}
}

func (s *subscribers) emitClose() {
	for _, h := range s.snapshot() {
		h.OnClose()
	}
}

func (s *subscribers) emitError(err error) {
	for _, h := range s.snapshot() {
		h.OnError(err)
	}
}
