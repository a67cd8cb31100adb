package web

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"sportpix-chat/internal/chat"
	"sportpix-chat/internal/session"
)

const (
	DefaultAddr = ":8080"

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout = 30 * time.Second
)

//go:embed static/*
var staticFS embed.FS

// Conversation is the part of chat.Machine the HTTP surface drives.
type Conversation interface {
	SubmitText(ctx context.Context, text string) error
	Dispatch(ctx context.Context, a chat.Action) bool
	Snapshot() session.Session
}

type Options struct {
	Addr   string
	Chat   Conversation
	Broker *Broker
	Logger *slog.Logger
}

type Server struct {
	chat   Conversation
	broker *Broker
	logger *slog.Logger
	server *http.Server
}

func NewServer(opts Options) (*Server, error) {
	if opts.Chat == nil {
		return nil, errors.New("web: conversation is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("web: broker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := opts.Addr
	if addr == "" {
		addr = DefaultAddr
	}

	s := &Server{
		chat:   opts.Chat,
		broker: opts.Broker,
		logger: logger,
	}

	handler, err := s.routes()
	if err != nil {
		return nil, err
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       90 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) routes() (http.Handler, error) {
	static, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(s.logger))
	r.Use(Recovery(s.logger))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/messages", s.handleMessage)
		r.Post("/actions", s.handleAction)
		r.Get("/session", s.handleSession)
		r.Method(http.MethodGet, "/events", s.broker)
	})

	r.Handle("/*", http.FileServer(http.FS(static)))
	return r, nil
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("web started", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	// Streams never finish on their own, so close them before draining.
	_ = s.broker.Shutdown(shutdownCtx)
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
