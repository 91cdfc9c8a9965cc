package backend

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/streamchat/pkg/protocol"
)

// errPeerGone ends a connection's goroutine group when the client goes away.
var errPeerGone = errors.New("peer disconnected")

// chatConn is one /ws/chat connection. The reader feeds an inbox, the consumer turns
// inbound text into frames published on the connection topic, and the forwarder is
// the only writer of the websocket.
type chatConn struct {
	id     string
	topic  string
	ws     *websocket.Conn
	srv    *Server
	logger zerolog.Logger
	seq    atomic.Uint64

	// owned by the consumer goroutine
	mode    string
	seen    map[string]struct{}
	docs    []Document
	history []Turn
}

// generation is a running engine call.
type generation struct {
	cancel context.CancelFunc
	done   chan struct{}
	// written before done is closed
	ended bool // the turn already got its END frame
	turn  Turn
}

// stop cancels the generation and waits for it. It reports whether the generation
// had already finished its turn.
func (g *generation) stop() bool {
	g.cancel()
	<-g.done
	return g.ended
}

func newChatConn(srv *Server, ws *websocket.Conn) *chatConn {
	id := uuid.NewString()
	return &chatConn{
		id:     id,
		topic:  topicForConn(id),
		ws:     ws,
		srv:    srv,
		logger: srv.logger.With().Str("conn_id", id).Logger(),
		mode:   DefaultMode,
		seen:   map[string]struct{}{},
	}
}

func (c *chatConn) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer c.srv.broker.Release(context.Background(), c.topic)
	defer func() { _ = c.ws.Close() }()

	// subscribe before anything can be published so no frame is lost
	frames, err := c.srv.broker.Subscribe(ctx, c.topic)
	if err != nil {
		c.logger.Error().Err(err).Str("topic", c.topic).Msg("subscribe failed")
		return
	}
	c.logger.Info().Str("remote", c.ws.RemoteAddr().String()).Msg("client connected")

	inbox := make(chan string, 16)
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer cancel()
		return c.forward(gctx, frames)
	})
	eg.Go(func() error {
		defer cancel()
		defer close(inbox)
		return c.receive(gctx, inbox)
	})
	eg.Go(func() error {
		defer cancel()
		return c.consume(gctx, inbox)
	})
	eg.Go(func() error {
		// unblocks the reader when the group is torn down from elsewhere
		<-gctx.Done()
		_ = c.ws.Close()
		return nil
	})

	err = eg.Wait()
	if err != nil && !errors.Is(err, errPeerGone) && !errors.Is(err, context.Canceled) {
		c.logger.Warn().Err(err).Msg("connection ended with error")
	}
	c.logger.Info().Msg("client disconnected")
}

func (c *chatConn) receive(ctx context.Context, inbox chan<- string) error {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("read failed")
			}
			return errPeerGone
		}
		if msgType != websocket.TextMessage {
			continue
		}
		select {
		case inbox <- string(data):
		case <-ctx.Done():
			return nil
		}
	}
}

// forward writes frames to the socket in sequence order. Redelivered frames (sequence
// not above the last written one) are acked and dropped.
func (c *chatConn) forward(ctx context.Context, frames <-chan *message.Message) error {
	var last uint64
	for msg := range frames {
		if seq, ok := frameSeq(msg); ok {
			if seq <= last {
				msg.Ack()
				continue
			}
			last = seq
		}
		err := c.ws.WriteMessage(websocket.TextMessage, msg.Payload)
		msg.Ack()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "write frame")
		}
	}
	return nil
}

// emit publishes one outbound frame on the connection topic.
func (c *chatConn) emit(frame string) error {
	if err := c.srv.broker.Publish(c.topic, c.seq.Add(1), frame); err != nil {
		return errors.Wrap(err, "publish frame")
	}
	return nil
}

func (c *chatConn) endTurn() {
	if err := c.emit(protocol.EncodeEndOfTurn()); err != nil {
		c.logger.Warn().Err(err).Msg("failed to emit end of turn")
	}
}

// consume handles inbound text one item at a time. At most one generation runs; any
// new input interrupts it first.
func (c *chatConn) consume(ctx context.Context, inbox <-chan string) error {
	var gen *generation
	defer func() {
		if gen != nil {
			gen.stop()
		}
	}()

	for {
		var done <-chan struct{}
		if gen != nil {
			done = gen.done
		}
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			c.history = append(c.history, gen.turn)
			gen = nil
		case raw, ok := <-inbox:
			if !ok {
				return nil
			}
			if gen != nil {
				if !gen.stop() {
					c.endTurn()
				}
				c.history = append(c.history, gen.turn)
				gen = nil
				if raw == protocol.StopCommand {
					c.logger.Debug().Msg("generation stopped")
					continue
				}
			}
			gen = c.handle(ctx, raw)
		}
	}
}

// handle processes one inbound item while no generation is running. It returns the
// generation it started, if any.
func (c *chatConn) handle(ctx context.Context, raw string) *generation {
	switch {
	case raw == protocol.StopCommand:
		c.endTurn()
		return nil
	case raw == protocol.ContextCommand:
		c.loadContext(ctx)
		return nil
	}
	if name, ok := protocol.ParseMode(raw); ok {
		c.switchMode(name)
		return nil
	}
	return c.startGeneration(ctx, raw)
}

func (c *chatConn) switchMode(name string) {
	name = strings.TrimSpace(name)
	if _, ok := c.srv.modes[name]; !ok {
		c.emitOrLog("[Error] Unknown mode: " + name)
		c.endTurn()
		return
	}
	c.mode = name
	c.logger.Info().Str("mode", name).Msg("mode changed")
	c.emitOrLog("[Mode changed to: " + name + "]")
	c.endTurn()
}

func (c *chatConn) loadContext(ctx context.Context) {
	res, err := ingestFiles(ctx, c.srv.registry, c.seen, c.logger)
	if err != nil {
		c.logger.Error().Err(err).Msg("context ingestion failed")
		c.emitOrLog("[ERROR] " + err.Error())
		c.endTurn()
		return
	}
	if res.empty() {
		c.emitOrLog(noNewFilesMessage)
		c.endTurn()
		return
	}
	c.docs = append(c.docs, res.Loaded...)
	c.logger.Info().Strs("keys", res.loadedKeys()).Int("unreadable", len(res.Unreadable)).Msg("context loaded")
	c.emitOrLog(protocol.EncodeContextLoaded(res.loadedKeys()))
	c.emitOrLog(res.acknowledgement(c.srv.tokens))
	c.endTurn()
}

func (c *chatConn) emitOrLog(frame string) {
	if err := c.emit(frame); err != nil {
		c.logger.Warn().Err(err).Msg("failed to emit frame")
	}
}

func (c *chatConn) startGeneration(ctx context.Context, prompt string) *generation {
	gctx, cancel := context.WithCancel(ctx)
	g := &generation{cancel: cancel, done: make(chan struct{})}
	req := Request{
		Mode:        c.mode,
		Instruction: c.srv.modes[c.mode],
		Documents:   append([]Document(nil), c.docs...),
		History:     append([]Turn(nil), c.history...),
		Prompt:      prompt,
	}
	go func() {
		defer close(g.done)
		var reply strings.Builder
		err := c.srv.engine.Generate(gctx, req, func(chunk string) error {
			reply.WriteString(chunk)
			return c.emit(chunk)
		})
		g.turn = Turn{User: prompt, Assistant: reply.String()}
		if gctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn().Err(err).Msg("generation failed")
			c.emitOrLog("[ERROR] " + err.Error())
		}
		c.endTurn()
		g.ended = true
	}()
	return g
}
