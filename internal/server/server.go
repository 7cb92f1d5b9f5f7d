// Package server is the inbound HTTP surface: the caption webhook and
// WebSocket stream, the per-meeting control routes, health probes, metrics
// and the optional MCP endpoint.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/boardobserver/internal/conversation"
	"github.com/MrWong99/boardobserver/internal/observe"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Meetings is the conversation surface the server drives. [*conversation.Engine]
// satisfies it; the application wraps it to also feed the window buffer.
type Meetings interface {
	HandleFragment(ctx context.Context, meetingID string, f conversation.Fragment) conversation.Result
	Mute(ctx context.Context, meetingID string) bool
	Unmute(ctx context.Context, meetingID string) bool
	ToggleMute(ctx context.Context, meetingID string) bool
	DirectAsk(ctx context.Context, meetingID, question string, speakReply bool) (string, error)
	Status(meetingID string) (conversation.Status, bool)
	EndMeeting(ctx context.Context, meetingID string)
	Meetings() []string
}

var _ Meetings = (*conversation.Engine)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metrics sink used by the request middleware.
func WithMetrics(m *observe.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithToken requires the Bearer token (or "token" query parameter) on the
// ingest and control routes. Empty disables authentication.
func WithToken(token string) Option { return func(s *Server) { s.token = token } }

// WithCheckers adds readiness checks to /readyz.
func WithCheckers(checkers ...Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, checkers...) }
}

// WithMCP mounts h at path.
func WithMCP(path string, h http.Handler) Option {
	return func(s *Server) {
		s.mcpPath = path
		s.mcp = h
	}
}

// WithMetricsHandler replaces the /metrics handler. Default: the Prometheus
// default registry.
func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metricsHandler = h } }

// Server routes inbound HTTP requests to a [Meetings] implementation.
type Server struct {
	meetings       Meetings
	metrics        *observe.Metrics
	token          string
	checkers       []Checker
	mcpPath        string
	mcp            http.Handler
	metricsHandler http.Handler

	handler http.Handler
}

// New builds the router.
func New(m Meetings, opts ...Option) *Server {
	s := &Server{meetings: m}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}

	mux := http.NewServeMux()
	NewHealth(s.checkers...).Register(mux)
	mux.Handle("GET /metrics", s.metricsHandler)

	mux.Handle("POST /webhooks/transcript", s.auth(http.HandlerFunc(s.handleWebhook)))
	mux.Handle("GET /ws/transcript", s.auth(http.HandlerFunc(s.handleStream)))

	mux.Handle("GET /meetings", s.auth(http.HandlerFunc(s.handleList)))
	mux.Handle("GET /meetings/{id}", s.auth(http.HandlerFunc(s.handleStatus)))
	mux.Handle("DELETE /meetings/{id}", s.auth(http.HandlerFunc(s.handleEnd)))
	mux.Handle("POST /meetings/{id}/mute", s.auth(http.HandlerFunc(s.handleMute)))
	mux.Handle("POST /meetings/{id}/unmute", s.auth(http.HandlerFunc(s.handleUnmute)))
	mux.Handle("POST /meetings/{id}/toggle-mute", s.auth(http.HandlerFunc(s.handleToggle)))
	mux.Handle("POST /meetings/{id}/ask", s.auth(http.HandlerFunc(s.handleAsk)))

	if s.mcp != nil {
		mux.Handle(s.mcpPath, s.auth(s.mcp))
	}

	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. certFile and keyFile enable TLS when both are set.
func (s *Server) ListenAndServe(ctx context.Context, addr, certFile, keyFile string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr, "tls", certFile != "")
		var err error
		if certFile != "" && keyFile != "" {
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: listen %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func (s *Server) auth(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	want := []byte(s.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); h != "" {
			got = strings.TrimPrefix(h, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
