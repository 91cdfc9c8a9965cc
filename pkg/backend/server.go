// Package backend is a development server speaking the streamchat wire protocol on
// /ws/chat, with the /upload and /delete-file collaborator endpoints.
package backend

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/streamchat/pkg/config"
	"github.com/go-go-golems/streamchat/pkg/logging"
	"github.com/go-go-golems/streamchat/pkg/tokens"
)

const shutdownTimeout = 10 * time.Second

// Server owns the HTTP handlers, the frame broker and the upload registry.
type Server struct {
	baseCtx  context.Context
	settings config.ServerSettings
	logger   zerolog.Logger

	broker   *Broker
	registry FileRegistry
	engine   Engine
	modes    map[string]string
	tokens   *tokens.Counter
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	// guards upload key allocation
	uploadMu sync.Mutex
	conns    sync.WaitGroup
}

type Option func(*Server)

func WithBroker(b *Broker) Option { return func(s *Server) { s.broker = b } }

func WithRegistry(r FileRegistry) Option { return func(s *Server) { s.registry = r } }

func WithEngine(e Engine) Option { return func(s *Server) { s.engine = e } }

// WithModes replaces the persona table used by "/mode".
func WithModes(m map[string]string) Option {
	return func(s *Server) {
		s.modes = map[string]string{}
		for k, v := range m {
			s.modes[k] = v
		}
	}
}

func WithTokenCounter(c *tokens.Counter) Option { return func(s *Server) { s.tokens = c } }

// NewServer prepares the upload directory and wires the default broker, registry and
// engine from settings unless options replace them. With an in-memory registry the
// upload directory is wiped, since no record of earlier uploads survives.
func NewServer(ctx context.Context, settings config.ServerSettings, opts ...Option) (*Server, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		baseCtx:  ctx,
		settings: settings,
		logger:   log.With().Str("component", "backend").Logger(),
		modes:    DefaultModes(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.engine == nil {
		s.engine = NewEchoEngine(settings.ChunkSize, settings.ChunkDelay)
	}
	if s.tokens == nil {
		s.tokens = tokens.NewCounter(tokens.DefaultEncoding)
	}
	if s.registry == nil {
		reg, err := newRegistry(settings)
		if err != nil {
			return nil, err
		}
		s.registry = reg
	}
	if err := s.prepareUploadDir(ctx); err != nil {
		_ = s.registry.Close()
		return nil, err
	}
	if s.broker == nil {
		b, err := NewBroker(settings.Redis, logging.NewWatermill(log.Logger))
		if err != nil {
			_ = s.registry.Close()
			return nil, err
		}
		s.broker = b
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws/chat", s.handleChat)
	s.mux.HandleFunc("/upload", s.handleUpload)
	s.mux.HandleFunc("/delete-file", s.handleDelete)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return s, nil
}

func newRegistry(settings config.ServerSettings) (FileRegistry, error) {
	if settings.FilesDB == "" {
		return NewInMemoryFileRegistry(), nil
	}
	dsn, err := SQLiteFileRegistryDSNForFile(settings.FilesDB)
	if err != nil {
		return nil, err
	}
	reg, err := NewSQLiteFileRegistry(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open files db")
	}
	return reg, nil
}

func (s *Server) prepareUploadDir(ctx context.Context) error {
	dir := s.settings.UploadDir
	if _, ok := s.registry.(*InMemoryFileRegistry); ok {
		if err := os.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, "wipe upload dir %s", dir)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create upload dir %s", dir)
	}

	// drop records whose file vanished while the server was down
	recs, err := s.registry.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if _, err := os.Stat(rec.Path); err == nil {
			continue
		}
		s.logger.Info().Str("file_key", rec.Key).Msg("pruning upload record without file")
		if err := s.registry.Delete(ctx, rec.Key); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the HTTP handler with CORS headers applied.
func (s *Server) Handler() http.Handler {
	return withCORS(s.mux)
}

// Run serves on settings.Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.settings.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	eg.Go(func() error {
		<-srvCtx.Done()
		s.logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("server shutdown error")
			return err
		}
		return nil
	})

	eg.Go(func() error {
		defer srvCancel()
		s.logger.Info().Str("addr", s.settings.Addr).Msg("starting streamchat backend")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	err := eg.Wait()
	if cerr := s.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Close waits for open chat connections, which end once the base context is done,
// then releases the broker and the registry.
func (s *Server) Close() error {
	s.conns.Wait()
	var firstErr error
	if err := s.broker.Close(); err != nil {
		firstErr = errors.Wrap(err, "close broker")
	}
	if err := s.registry.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "close registry")
	}
	return firstErr
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()
	newChatConn(s, conn).serve(s.baseCtx)
}

// Modes returns the accepted persona names, sorted.
func (s *Server) Modes() []string { return modeNames(s.modes) }

func (s *Server) uploadPath(key string) string {
	return filepath.Join(s.settings.UploadDir, key)
}
