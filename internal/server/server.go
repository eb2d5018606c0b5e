// Package server exposes an engine over a WebSocket message protocol and a
// small set of read-only HTTP routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/lox/dilemmacell/internal/auth"
	"github.com/lox/dilemmacell/internal/engine"
	"github.com/lox/dilemmacell/internal/protocol"
)

// Server represents the WebSocket server. It is also an engine.Sink and
// forwards events to the connections subscribed to their cell.
type Server struct {
	engine      *engine.Engine
	entropy     engine.EntropySource
	auth        auth.Validator
	upgrader    websocket.Upgrader
	logger      *log.Logger
	clock       quartz.Clock
	connections map[*Connection]bool
	mu          sync.RWMutex
	httpServer  *http.Server
}

var _ engine.Sink = (*Server)(nil)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		s.logger = logger.WithPrefix("server")
	}
}

// WithClock sets the clock used to stamp messages.
func WithClock(clock quartz.Clock) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

// WithEntropy sets the source used when create_cell carries no entropy.
func WithEntropy(src engine.EntropySource) Option {
	return func(s *Server) {
		s.entropy = src
	}
}

// WithAuth requires hello to carry a token that v maps to the declared
// address.
func WithAuth(v auth.Validator) Option {
	return func(s *Server) {
		s.auth = v
	}
}

// NewServer creates a server. The engine is attached afterwards with Attach
// so the server can be passed to the engine as its event sink.
func NewServer(opts ...Option) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			// Identity comes from hello, not the origin.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:      log.NewWithOptions(io.Discard, log.Options{}),
		clock:       quartz.NewReal(),
		connections: make(map[*Connection]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.entropy == nil {
		s.entropy = engine.NewClockEntropy(s.clock)
	}
	return s
}

// Attach sets the engine requests are dispatched to. It must be called
// before Serve.
func (s *Server) Attach(eng *engine.Engine) {
	s.engine = eng
}

// Handler returns the routes served by the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("GET /cells/{id}", s.handleGetCell)
	mux.HandleFunc("GET /cells/{id}/rounds/{n}", s.handleGetRound)
	mux.HandleFunc("GET /cells/{id}/status", s.handleGetStatus)
	mux.HandleFunc("GET /cells/{id}/record", s.handleGetRecord)
	mux.HandleFunc("GET /players/{addr}/cell", s.handleGetPlayerCell)
	mux.HandleFunc("GET /stats", s.handleStats)
	return mux
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.engine == nil {
		return errors.New("server: no engine attached")
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Starting WebSocket server", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Shutdown closes every connection and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for conn := range s.connections {
		_ = conn.Close() // Ignore close errors during shutdown
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) register(conn *Connection) {
	s.mu.Lock()
	s.connections[conn] = true
	total := len(s.connections)
	s.mu.Unlock()
	s.logger.Info("Client connected", "total", total)
}

func (s *Server) unregister(conn *Connection) {
	s.mu.Lock()
	delete(s.connections, conn)
	total := len(s.connections)
	s.mu.Unlock()
	_ = conn.Close() // Ignore close errors during unregistration
	s.logger.Info("Client disconnected", "address", conn.Address().Hex(), "total", total)
}

// handleWebSocket handles WebSocket upgrade requests
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	client := newConnection(conn, s)
	s.register(client)
	client.Start()

	go func() {
		<-client.ctx.Done()
		s.unregister(client)
	}()
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "OK") // Ignore write errors for health check
}

// Publish forwards an engine event to every connection subscribed to its
// cell.
func (s *Server) Publish(ev engine.Event) {
	msg, err := protocol.NewMessage(protocol.TypeEvent, eventView(ev))
	if err != nil {
		s.logger.Error("Failed to encode event", "error", err)
		return
	}
	msg.Timestamp = s.clock.Now().UTC()

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for conn := range s.connections {
		if !conn.Subscribed(ev.Cell()) {
			continue
		}
		if err := conn.SendMessage(msg); err != nil {
			s.logger.Debug("Failed to send event", "error", err, "address", conn.Address().Hex())
			continue
		}
		count++
	}
	s.logger.Debug("Broadcasted event", "cell", ev.Cell(), "type", ev.EventType(), "recipients", count)
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}
