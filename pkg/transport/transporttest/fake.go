// Package transporttest provides a scriptable in-memory transport.Transport.
package transporttest

import (
	"sync"

	"github.com/go-go-golems/streamchat/pkg/transport"
)

// Fake records outbound frames; tests drive inbound events explicitly. Set OpenErr and
// SendErr before the calls they should affect.
type Fake struct {
	OpenErr error
	SendErr error

	mu       sync.Mutex
	handlers []transport.Handler
	open     bool
	opened   []string
	sent     []string
	closes   int
}

var _ transport.Transport = (*Fake)(nil)

func (f *Fake) Open(url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return f.OpenErr
	}
	if f.open {
		return transport.ErrAlreadyOpen
	}
	f.open = true
	f.opened = append(f.opened, url)
	return nil
}

func (f *Fake) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	if !f.open {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, text)
	return nil
}

// Close only counts; call EmitClose to deliver the close event.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *Fake) Subscribe(h transport.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
	idx := len(f.handlers) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[idx] = nil
	}
}

func (f *Fake) each(fn func(transport.Handler)) {
	f.mu.Lock()
	hs := append([]transport.Handler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			fn(h)
		}
	}
}

func (f *Fake) EmitOpen() { f.each(func(h transport.Handler) { h.OnOpen() }) }

func (f *Fake) EmitFrames(frames ...string) {
	for _, fr := range frames {
		f.each(func(h transport.Handler) { h.OnMessage(fr) })
	}
}

func (f *Fake) EmitClose() {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	f.each(func(h transport.Handler) { h.OnClose() })
}

func (f *Fake) EmitError(err error) { f.each(func(h transport.Handler) { h.OnError(err) }) }

// Sent returns the frames written so far.
func (f *Fake) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// Opened returns the URLs passed to successful Open calls.
func (f *Fake) Opened() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}
