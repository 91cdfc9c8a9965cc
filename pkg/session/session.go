// Package session implements the client side of the streaming chat protocol: connection
// lifecycle, reassembly of streamed assistant turns, control sentinels and interrupts.
//
// A Session is the single owner of the conversation and of all status fields. Transport
// events and user commands are serialised by one mutex, which gives the cooperative,
// one-event-at-a-time semantics the protocol assumes. Consumers read state through
// Snapshot or receive Updates via Subscribe.
package session

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamchat/pkg/protocol"
	"github.com/go-go-golems/streamchat/pkg/transport"
)

type Session struct {
	id        string
	transport transport.Transport
	logger    zerolog.Logger
	hasLogger bool

	// mu guards every field below. notifyMu is taken before mu is released so that
	// subscribers observe updates in the order the state changed.
	mu          sync.Mutex
	notifyMu    sync.Mutex
	conn        ConnectionStatus
	gen         GenerationStatus
	ctxLoad     ContextLoadStatus
	draining    bool
	conv        Conversation
	keys        keySet
	lastErr     error
	version     uint64
	url         string
	unsubscribe func()

	subsMu  sync.Mutex
	subs    map[int]func(Update)
	subsOrd []int
	nextSub int
}

type Option func(*Session)

// WithID sets the session id used in log fields.
func WithID(id string) Option {
	return func(s *Session) {
		if strings.TrimSpace(id) != "" {
			s.id = id
		}
	}
}

// WithLogger overrides the logger; session_id is added to it.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = l
		s.hasLogger = true
	}
}

// New binds a session to t. The session subscribes to t for its whole lifetime; call
// Close to release it.
func New(t transport.Transport, opts ...Option) *Session {
	s := &Session{
		id:        uuid.NewString(),
		transport: t,
		subs:      map[int]func(Update){},
	}
	for _, opt := range opts {
		opt(s)
	}
	if !s.hasLogger {
		s.logger = log.Logger
	}
	s.logger = s.logger.With().Str("component", "session").Str("session_id", s.id).Logger()
	s.unsubscribe = t.Subscribe(transportHandler{s: s})
	return s
}

func (s *Session) ID() string { return s.id }

// Subscribe registers fn for every Update. fn runs on the goroutine that caused the
// change and must not call Session methods that mutate state.
func (s *Session) Subscribe(fn func(Update)) func() {
	if fn == nil {
		return func() {}
	}
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsOrd = append(s.subsOrd, id)
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			delete(s.subs, id)
			for i, v := range s.subsOrd {
				if v == id {
					s.subsOrd = append(s.subsOrd[:i], s.subsOrd[i+1:]...)
					break
				}
			}
		})
	}
}

func (s *Session) subscribers() []func(Update) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	out := make([]func(Update), 0, len(s.subsOrd))
	for _, id := range s.subsOrd {
		out = append(out, s.subs[id])
	}
	return out
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Version:     s.version,
		Connection:  s.conn,
		Generation:  s.gen,
		ContextLoad: s.ctxLoad,
		Messages:    s.conv.Messages(),
		LoadedKeys:  s.keys.keys(),
		LastError:   s.lastErr,
	}
}

// commitLocked bumps the version and notifies subscribers. It must be called with mu
// held and releases it.
func (s *Session) commitLocked(u Update) {
	s.version++
	u.Snapshot = s.snapshotLocked()
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()
	for _, fn := range s.subscribers() {
		fn(u)
	}
}

func (s *Session) illegalLocked(op string, cause error) error {
	return &IllegalStateError{Op: op, Connection: s.conn, Generation: s.gen, Err: cause}
}

// Connect starts a fresh connection. Only legal while Disconnected; the session moves to
// Connecting and becomes Connected when the transport reports the socket open.
func (s *Session) Connect(url string) error {
	s.mu.Lock()
	if s.conn != Disconnected {
		err := s.illegalLocked("connect", ErrNotDisconnected)
		s.mu.Unlock()
		return err
	}
	if err := s.transport.Open(url); err != nil {
		s.mu.Unlock()
		return errors.Wrapf(err, "connect %s", url)
	}
	s.conn = Connecting
	s.gen = Idle
	s.ctxLoad = ContextIdle
	s.draining = false
	s.keys = keySet{}
	s.lastErr = nil
	s.url = url
	s.logger.Info().Str("url", url).Msg("connecting")
	s.commitLocked(Update{Change: ChangeConnection})
	return nil
}

// Disconnect closes the transport on user request. The session reaches Disconnected
// when the transport reports the close.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.conn == Disconnected {
		err := s.illegalLocked("disconnect", transport.ErrNotConnected)
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return errors.Wrap(s.transport.Close(), "disconnect")
}

// SendUserMessage appends a user message and forwards it verbatim. Legal only when
// Connected, Idle and the text is not blank.
func (s *Session) SendUserMessage(text string) error {
	s.mu.Lock()
	switch {
	case s.conn != Connected:
		err := s.illegalLocked("send", transport.ErrNotConnected)
		s.mu.Unlock()
		return err
	case s.gen == Streaming:
		err := s.illegalLocked("send", ErrBusy)
		s.mu.Unlock()
		return err
	case strings.TrimSpace(text) == "":
		err := s.illegalLocked("send", ErrBlankMessage)
		s.mu.Unlock()
		return err
	}
	if protocol.IsReserved(text) {
		s.logger.Warn().Str("text", text).Msg("user text matches a reserved command literal and will be read as a command")
	}
	if err := s.transport.Send(protocol.EncodeUserText(text)); err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "send user message")
	}
	s.conv.AppendUser(text)
	s.gen = Streaming
	s.draining = false
	s.logger.Debug().Int("length", len(text)).Msg("user message sent")
	s.commitLocked(Update{Change: ChangeUserMessage})
	return nil
}

// Interrupt asks the backend to stop and re-enables input immediately, without waiting
// for an acknowledgement. Frames still in flight for the interrupted turn keep extending
// the assistant message but do not put the session back into Streaming.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	if s.gen != Streaming {
		err := s.illegalLocked("interrupt", ErrNotStreaming)
		s.mu.Unlock()
		return err
	}
	if err := s.transport.Send(protocol.EncodeStop()); err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "send stop")
	}
	s.gen = Idle
	s.draining = true
	s.logger.Debug().Msg("generation interrupted")
	s.commitLocked(Update{Change: ChangeInterrupted})
	return nil
}

// RequestContextLoad asks the backend to ingest uploaded files. Generation status is
// left alone; the backend answers with a context-loaded sentinel and a short turn.
func (s *Session) RequestContextLoad() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != Connected {
		return s.illegalLocked("context", transport.ErrNotConnected)
	}
	if err := s.transport.Send(protocol.EncodeContextLoad()); err != nil {
		return errors.Wrap(err, "send context request")
	}
	s.logger.Debug().Msg("context load requested")
	return nil
}

// SetMode switches the backend persona. Legal when Connected and Idle.
func (s *Session) SetMode(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.conn != Connected:
		return s.illegalLocked("mode", transport.ErrNotConnected)
	case s.gen == Streaming:
		return s.illegalLocked("mode", ErrBusy)
	case strings.TrimSpace(name) == "":
		return s.illegalLocked("mode", ErrBlankMessage)
	}
	if err := s.transport.Send(protocol.EncodeMode(name)); err != nil {
		return errors.Wrap(err, "send mode")
	}
	s.logger.Debug().Str("mode", name).Msg("mode change requested")
	return nil
}

// IsLoaded reports whether the backend announced key as ingested on this connection.
func (s *Session) IsLoaded(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys.has(key)
}

// Close detaches the session from its transport and closes the connection.
func (s *Session) Close() error {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	return s.transport.Close()
}

// transportHandler keeps the transport callbacks off the Session's public surface.
type transportHandler struct {
	s *Session
}

func (h transportHandler) OnOpen() {
	s := h.s
	s.mu.Lock()
	if s.conn != Connecting {
		s.mu.Unlock()
		return
	}
	s.conn = Connected
	s.logger.Info().Str("url", s.url).Msg("connected")
	s.commitLocked(Update{Change: ChangeConnection})
}

func (h transportHandler) OnClose() {
	s := h.s
	s.mu.Lock()
	if s.conn == Disconnected && s.gen == Idle && s.ctxLoad == ContextIdle && !s.draining {
		s.mu.Unlock()
		return
	}
	s.resetLocked()
	s.logger.Info().Str("url", s.url).Msg("disconnected")
	s.commitLocked(Update{Change: ChangeConnection})
}

// OnError records the failure and recovers locally: the session drops to Disconnected
// and Idle and the transport is closed. There is no retry.
func (h transportHandler) OnError(err error) {
	s := h.s
	terr := &TransportError{Err: err}
	s.mu.Lock()
	s.lastErr = terr
	s.resetLocked()
	s.logger.Warn().Err(err).Str("url", s.url).Msg("transport error")
	s.commitLocked(Update{Change: ChangeError, Err: terr})
	if cerr := s.transport.Close(); cerr != nil {
		s.logger.Debug().Err(cerr).Msg("close after transport error")
	}
}

func (s *Session) resetLocked() {
	s.conn = Disconnected
	s.gen = Idle
	s.ctxLoad = ContextIdle
	s.draining = false
	s.conv.Seal()
}

func (h transportHandler) OnMessage(frame string) {
	s := h.s
	f := protocol.Classify(frame)
	s.mu.Lock()
	switch f := f.(type) {
	case protocol.EndOfTurn:
		s.gen = Idle
		s.ctxLoad = ContextIdle
		s.draining = false
		s.conv.Seal()
		s.logger.Debug().Msg("end of turn")
		s.commitLocked(Update{Change: ChangeTurnEnded})
	case protocol.ContextLoaded:
		added := s.keys.union(f.Keys)
		s.ctxLoad = ContextLoading
		s.logger.Debug().Strs("keys", f.Keys).Int("new", len(added)).Msg("context loaded")
		s.commitLocked(Update{Change: ChangeContextLoaded, Keys: added})
	case protocol.Content:
		extend := s.gen == Streaming || s.draining
		started := s.conv.Apply(f.Text, extend)
		if !s.draining {
			s.gen = Streaming
		}
		s.commitLocked(Update{Change: ChangeChunk, Chunk: f.Text, NewMessage: started})
	default:
		s.mu.Unlock()
	}
}
