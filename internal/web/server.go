// Package web exposes trading sessions over HTTP: a JSON API and an SSE stream.
package web

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/safesats/safesats/internal/session"
)

const (
	defaultHeartbeat = 30 * time.Second
	defaultPageSize  = 20
	maxPageSize      = 200
	shutdownTimeout  = 5 * time.Second
)

// Sessions resolves per-user trading sessions.
type Sessions interface {
	Open(ctx context.Context, userID string) (*session.Session, error)
	Get(ctx context.Context, userID string) (*session.Session, error)
	Close(userID string) error
}

// Authenticator resolves the caller's user id from a request.
type Authenticator interface {
	FromRequest(r *http.Request) (string, error)
}

// Config server settings.
type Config struct {
	Addr           string
	AllowedOrigins []string
	// PageSize default page of GET /api/transactions.
	PageSize int
	// Heartbeat interval of SSE comment pings.
	Heartbeat time.Duration
}

// Server serves the trading API.
type Server struct {
	cfg      Config
	sessions Sessions
	auth     Authenticator
	logger   *zap.Logger
}

// NewServer creates a new web server instance.
func NewServer(cfg Config, sessions Sessions, auth Authenticator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	return &Server{cfg: cfg, sessions: sessions, auth: auth, logger: logger}
}

// Handler returns the routed handler wrapped in CORS.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/session", s.handleOpenSession)
		r.Get("/session", s.handleGetSession)
		r.Delete("/session", s.handleCloseSession)
		r.Get("/transactions", s.handleTransactions)
		r.Post("/orders/market", s.handleMarketOrder)
		r.Post("/orders/limit", s.handleLimitOrder)
		r.Delete("/orders/{id}", s.handleCancelOrder)
		r.Post("/portfolio/reset", s.handleReset)
		r.Post("/price/refresh", s.handleRefreshPrice)
		r.Get("/stream", s.handleStream)
	})

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	return c.Handler(r)
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("web server listening", zap.String("addr", s.cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listen")
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with automatic TLS certificates via ACME.
// It also starts an HTTP server on port 80 to handle ACME HTTP-01 challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(domains) == 0 {
		return errors.New("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	// no WriteTimeout: SSE responses stay open
	httpsSrv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("acme server shutdown", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("https server shutdown", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("acme server", zap.Error(err))
		}
	}()

	s.logger.Info("web server listening with automatic TLS",
		zap.String("addr", s.cfg.Addr), zap.Strings("domains", domains))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listen tls")
	}
	return nil
}
