package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type wsState int

const (
	wsIdle wsState = iota
	wsDialing
	wsOpen
	wsClosing
)

// WebSocket is a Transport backed by gorilla/websocket.
//
// Open returns immediately; the dial and the read loop run in one goroutine, so
// OnOpen, every OnMessage and the final OnClose reach subscribers in wire order.
type WebSocket struct {
	dialer *websocket.Dialer
	header http.Header

	mu     sync.Mutex
	state  wsState
	conn   *websocket.Conn
	url    string
	cancel context.CancelFunc

	writeMu sync.Mutex
	subs    subscribers
}

var _ Transport = (*WebSocket)(nil)

type WebSocketOption func(*WebSocket)

// WithDialer replaces the default dialer.
func WithDialer(d *websocket.Dialer) WebSocketOption {
	return func(w *WebSocket) {
		if d != nil {
			w.dialer = d
		}
	}
}

// WithHeader adds request headers to the opening handshake.
func WithHeader(h http.Header) WebSocketOption {
	return func(w *WebSocket) {
		w.header = h.Clone()
	}
}

// WithHandshakeTimeout bounds the opening handshake.
func WithHandshakeTimeout(d time.Duration) WebSocketOption {
	return func(w *WebSocket) {
		dialer := *w.dialer
		dialer.HandshakeTimeout = d
		w.dialer = &dialer
	}
}

func NewWebSocket(opts ...WebSocketOption) *WebSocket {
	dialer := *websocket.DefaultDialer
	w := &WebSocket{dialer: &dialer}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebSocket) Subscribe(h Handler) func() {
	if h == nil {
		return func() {}
	}
	return w.subs.add(h)
}

// Open starts dialing url. A connection stays "open" for the purpose of Open until
// its OnClose has been delivered.
func (w *WebSocket) Open(url string) error {
	w.mu.Lock()
	if w.state != wsIdle {
		w.mu.Unlock()
		return ErrAlreadyOpen
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.state = wsDialing
	w.url = url
	w.cancel = cancel
	w.mu.Unlock()

	go w.run(ctx, url)
	return nil
}

func (w *WebSocket) run(ctx context.Context, url string) {
	wsLog := log.With().Str("component", "transport").Str("url", url).Logger()
	defer func() {
		w.mu.Lock()
		if w.cancel != nil {
			w.cancel()
		}
		w.state = wsIdle
		w.conn = nil
		w.cancel = nil
		w.mu.Unlock()
		w.subs.emitClose()
	}()

	conn, _, err := w.dialer.DialContext(ctx, url, w.header)
	if err != nil {
		if ctx.Err() != nil {
			wsLog.Debug().Msg("ws dial aborted")
			return
		}
		wsLog.Debug().Err(err).Msg("ws dial failed")
		w.subs.emitError(&Error{Op: "dial", URL: url, Err: err})
		return
	}

	w.mu.Lock()
	if w.state != wsDialing {
		w.mu.Unlock()
		_ = conn.Close()
		wsLog.Debug().Msg("ws closed during handshake")
		return
	}
	w.state = wsOpen
	w.conn = conn
	w.mu.Unlock()

	wsLog.Debug().Msg("ws connected")
	w.subs.emitOpen()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !w.isClosing() {
				wsLog.Debug().Err(err).Msg("ws read failed")
				w.subs.emitError(&Error{Op: "read", URL: url, Err: err})
			}
			break
		}
		if msgType != websocket.TextMessage {
			wsLog.Debug().Int("message_type", msgType).Msg("ws ignoring non-text frame")
			continue
		}
		w.subs.emitMessage(string(data))
	}

	_ = conn.Close()
	wsLog.Debug().Msg("ws disconnected")
}

func (w *WebSocket) isClosing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == wsClosing
}

func (w *WebSocket) Send(text string) error {
	w.mu.Lock()
	conn := w.conn
	state := w.state
	url := w.url
	w.mu.Unlock()
	if state != wsOpen || conn == nil {
		return ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return &Error{Op: "write", URL: url, Err: err}
	}
	return nil
}

// Close tears down the connection or aborts a pending dial. OnClose is raised by the
// read loop once the socket is gone, not by Close itself.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	state := w.state
	conn := w.conn
	cancel := w.cancel
	switch state {
	case wsDialing, wsOpen:
		w.state = wsClosing
	}
	w.mu.Unlock()

	switch state {
	case wsDialing:
		if cancel != nil {
			cancel()
		}
		return nil
	case wsOpen:
		w.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		w.writeMu.Unlock()
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return errors.Wrap(err, "close websocket")
		}
		return nil
	default:
		return nil
	}
}
