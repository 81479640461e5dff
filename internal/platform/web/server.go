// Package web is the websocket front end: it accepts connections, reads one item per
// connection, waits for its envelope and writes it back before closing.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dontdude/classifyd/internal/domain"
)

// Defaults.
const (
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultMaxMessageBytes = 64 * 1024
	DefaultShutdownTimeout = 30 * time.Second
)

// Submitter runs a request and returns its envelope.
type Submitter interface {
	Submit(ctx context.Context, req domain.WorkRequest) (domain.Envelope, error)
}

// Server terminates websocket connections and hands each item to a Submitter.
type Server struct {
	addr         string
	classifierID string
	submitter    Submitter

	limiter         *RateLimiter
	metrics         http.Handler
	readTimeout     time.Duration
	writeTimeout    time.Duration
	maxMessageBytes int64
	shutdownTimeout time.Duration
	logger          *slog.Logger

	upgrader websocket.Upgrader

	// conns tracks hijacked connections, which http.Server.Shutdown does not wait for.
	conns sync.WaitGroup
	// baseCtx parents every request context; cancelling it kills in-flight workers.
	baseCtx     context.Context
	cancelConns context.CancelFunc
}

// Option configures the Server
type Option func(*Server)

// WithRateLimiter limits new connections per client IP.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) {
		s.limiter = rl
	}
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithTimeouts bounds how long the server waits for the request message and for the response write.
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
	}
}

// WithMaxMessageBytes limits the size of the request message.
func WithMaxMessageBytes(n int64) Option {
	return func(s *Server) {
		s.maxMessageBytes = n
	}
}

// WithShutdownTimeout bounds how long in-flight requests may run after shutdown starts.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer returns a server listening on addr. classifierID is used when a
// connection does not name a classifier.
func NewServer(addr, classifierID string, submitter Submitter, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		classifierID:    classifierID,
		submitter:       submitter,
		readTimeout:     DefaultReadTimeout,
		writeTimeout:    DefaultWriteTimeout,
		maxMessageBytes: DefaultMaxMessageBytes,
		shutdownTimeout: DefaultShutdownTimeout,
		logger:          slog.Default(),
		upgrader: websocket.Upgrader{
			// Clients are backend services, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.baseCtx, s.cancelConns = context.WithCancel(context.Background())
	return s
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	ws := s.handleWS
	if s.limiter != nil {
		ws = s.limiter.RateLimitMiddleware(ws)
	}
	mux.HandleFunc("GET /", ws)

	return mux
}

// ListenAndServe binds the endpoint and serves until ctx is cancelled.
// A bind failure is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then drains in-flight
// requests for up to the shutdown timeout before cancelling them.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("Classification server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		s.cancelConns()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down, draining connections", "timeout", s.shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP shutdown incomplete", "error", err)
	}

	drained := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-shutdownCtx.Done():
		s.logger.Warn("Drain timed out, canceling in-flight requests")
		s.cancelConns()
		<-drained
	}
	s.cancelConns()
	return nil
}

// handleWS upgrades the connection and serves exactly one request on it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	classifierID := r.URL.Query().Get("classifier")
	if classifierID == "" {
		classifierID = s.classifierID
	}

	// Tracked before the upgrade: once hijacked, http.Server.Shutdown no longer waits for it.
	s.conns.Add(1)
	defer s.conns.Done()

	// Upgrade writes the HTTP error response itself on failure.
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "remoteAddr", r.RemoteAddr, "error", err)
		return
	}

	s.serveConn(conn, classifierID)
}

// serveConn runs the receive, submit, respond, close sequence for one connection.
// Nothing that goes wrong here may escape to other connections.
func (s *Server) serveConn(conn *websocket.Conn, classifierID string) {
	requestID := uuid.NewString()
	logger := s.logger.With("requestID", requestID, "remoteAddr", conn.RemoteAddr().String())

	defer conn.Close()
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Connection handler panicked", "panic", p, "stack", string(debug.Stack()))
		}
	}()

	// 1. Receive exactly one message
	conn.SetReadLimit(s.maxMessageBytes)
	if s.readTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		logger.Warn("Failed to read request", "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	req := domain.WorkRequest{
		ID:           requestID,
		ClassifierID: classifierID,
		Input:        decodeInput(msg),
	}
	logger.Info("Received request", "classifierID", classifierID)

	// 2. Watch for the client going away while the worker runs
	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	env, err := s.submitter.Submit(ctx, req)
	if err != nil {
		logger.Error("Request was not processed", "error", err)
		return
	}
	if ctx.Err() != nil {
		logger.Warn("Client disconnected before the response", "status", env.Status)
		return
	}

	// 3. Send the envelope
	if s.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := conn.WriteJSON(env); err != nil {
		logger.Error("Failed to write response", "error", err)
		return
	}

	// 4. Close
	deadline := time.Now().Add(time.Second)
	if err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline); err != nil {
		logger.Debug("Failed to send close frame", "error", err)
	}
}

// decodeInput accepts either raw text or a JSON string literal, which is what
// clients that quote the item send.
func decodeInput(msg []byte) string {
	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) >= 2 && trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(msg)
}
