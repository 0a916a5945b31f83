// Package web exposes the assistant's control API and live event stream.
package web

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-realtalk/pkg/history"
	"github.com/teslashibe/go-realtalk/pkg/hub"
	"github.com/teslashibe/go-realtalk/pkg/turn"
)

// Controller is the command surface of the turn orchestrator.
type Controller interface {
	Snapshot(ctx context.Context) (turn.Snapshot, error)
	Tap(ctx context.Context) error
	Conversations(ctx context.Context) ([]history.Summary, error)
	NewConversation(ctx context.Context) (int64, error)
	SelectConversation(ctx context.Context, id int64) error
	DeleteConversation(ctx context.Context, id int64) error
	DeleteActiveConversation(ctx context.Context) error
	Subscribe() (<-chan turn.Event, func())
}

const (
	shutdownTimeout = 5 * time.Second
	snapshotTimeout = 2 * time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRequestLog enables per-request access logging.
func WithRequestLog(enabled bool) Option {
	return func(s *Server) {
		s.requestLog = enabled
	}
}

// Server is the control API server
type Server struct {
	app        *fiber.App
	addr       string
	ctrl       Controller
	logger     *slog.Logger
	requestLog bool

	// Broadcasts orchestrator events to websocket clients
	events *hub.Hub
}

// NewServer creates a control API server for ctrl listening on addr.
func NewServer(addr string, ctrl Controller, opts ...Option) *Server {
	s := &Server{
		addr:   addr,
		ctrl:   ctrl,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "web.server")
	s.events = hub.New("events", s.logger)

	app := fiber.New(fiber.Config{
		AppName:               "RealTalk",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	if s.requestLog {
		app.Use(logger.New())
	}

	// API routes
	api := app.Group("/api")
	api.Get("/state", s.handleState)
	api.Post("/talk", s.handleTalk)
	api.Get("/conversations", s.handleListConversations)
	api.Post("/conversations", s.handleNewConversation)
	api.Post("/conversations/:id/select", s.handleSelectConversation)
	api.Delete("/conversations/active", s.handleDeleteActive)
	api.Delete("/conversations/:id", s.handleDeleteConversation)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEventsWS))

	s.app = app
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("control API listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.events.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.forwardEvents(gctx)
		return nil
	})
	g.Go(func() error {
		errc := make(chan error, 1)
		go func() { errc <- s.app.Listener(ln) }()
		select {
		case err := <-errc:
			return err
		case <-gctx.Done():
			if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
				s.logger.Warn("shutdown failed", "error", err)
			}
			return nil
		}
	})
	return g.Wait()
}

// forwardEvents relays orchestrator events to websocket clients until ctx
// ends or the orchestrator stops.
func (s *Server) forwardEvents(ctx context.Context) {
	events, cancel := s.ctrl.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.events.BroadcastJSON(ev); err != nil {
				s.logger.Warn("encode event failed", "kind", ev.Kind, "error", err)
			}
		}
	}
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	return s.events.ClientCount()
}
