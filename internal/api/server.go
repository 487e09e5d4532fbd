// Package api serves the session directory over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/whisper/sessiondir/internal/identity"
	"github.com/whisper/sessiondir/internal/ledger"
	"github.com/whisper/sessiondir/internal/metrics"
	"github.com/whisper/sessiondir/internal/ratelimit"
	"github.com/whisper/sessiondir/internal/session"
	"github.com/whisper/sessiondir/internal/token"
)

// ServerConfig holds tunable parameters for the HTTP server.
type ServerConfig struct {
	ListenAddr   string        // address to listen on, e.g. ":8080"
	ReadTimeout  time.Duration // whole-request read timeout
	WriteTimeout time.Duration // response write timeout
	DefaultTTL   time.Duration // lifetime of sessions created without ttl_seconds
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:   ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		DefaultTTL:   24 * time.Hour,
	}
}

// Directory is the part of session.Directory the API drives.
type Directory interface {
	NewIdentity() identity.Identifier
	NewRecord(id identity.Identifier, meta *session.Metadata) session.Record
	CreateSession(ctx context.Context, rec session.Record, ttl time.Duration) error
	GetSession(ctx context.Context, tok token.Token) (*session.Record, error)
	ListSessions(ctx context.Context, id identity.Identifier) ([]token.Token, error)
	DeleteSession(ctx context.Context, tok token.Token) (bool, error)
	Ping(ctx context.Context) (time.Duration, error)
}

// History serves issuance history. *ledger.Store implements it.
type History interface {
	History(ctx context.Context, id identity.Identifier, limit int) ([]ledger.Entry, error)
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithLimiter enables rate limiting of creates and lookups.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithHistory enables GET /v1/identities/{identity}/history.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// WithReadinessCheck adds a named check to GET /ready.
func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(s *Server) {
		s.checks = append(s.checks, namedCheck{name: name, check: check})
	}
}

type namedCheck struct {
	name  string
	check ReadinessCheck
}

// Server exposes a Directory over HTTP.
type Server struct {
	config     ServerConfig
	dir        Directory
	limiter    *ratelimit.Limiter
	history    History
	checks     []namedCheck
	log        zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer builds the router; nothing listens until Start.
func NewServer(config ServerConfig, dir Directory, log zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		config:    config,
		dir:       dir,
		log:       log,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreate)
			r.Get("/{token}", s.handleGet)
			r.Delete("/{token}", s.handleDelete)
		})
		r.Route("/identities/{identity}", func(r chi.Router) {
			r.Get("/sessions", s.handleList)
			r.Get("/history", s.handleHistory)
		})
	})
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on config.ListenAddr and blocks until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
	}

	s.log.Info().Str("addr", s.config.ListenAddr).Msg("http server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: http server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

// requestLogger logs the route pattern rather than the path, which carries
// session tokens.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		ev := s.log.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			ev = s.log.Warn()
		}
		ev.Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}
