package internal

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/safesats/safesats/config"
	"github.com/safesats/safesats/internal/auth"
	"github.com/safesats/safesats/internal/services/pricefeed"
	"github.com/safesats/safesats/internal/session"
	"github.com/safesats/safesats/internal/storage"
	"github.com/safesats/safesats/internal/web"
)

// App a running SafeSats instance: one ledger store, the per-user trading
// sessions built on it and the HTTP surface in front of them.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	store   storage.Store
	manager *session.Manager
	server  *web.Server
}

// NewApp opens the store and wires sessions and the web server.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		return nil, err
	}

	source, err := NewPriceSource(cfg, &http.Client{Timeout: cfg.RequestTimeout})
	if err != nil {
		return nil, err
	}

	store, err := NewStore(ctx, cfg, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open ledger store")
	}

	sessionCfg := sessionConfig(cfg)
	sessionLogger := logger.Named("session")
	factory := func(userID string) (*session.Session, error) {
		return session.New(userID, session.Deps{
			Store:  store,
			Source: source,
			Logger: sessionLogger,
		}, sessionCfg)
	}

	manager := session.NewManager(factory, cfg.SessionIdleTimeout, logger.Named("sessions"))
	server := web.NewServer(web.Config{
		Addr:           cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		PageSize:       cfg.TransactionsPageSize,
	}, manager, verifier, logger.Named("web"))

	return &App{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		manager: manager,
		server:  server,
	}, nil
}

func sessionConfig(cfg config.Config) session.Config {
	return session.Config{
		Feed: pricefeed.Config{
			Pair:           cfg.Pair,
			ExchangeRate:   cfg.ExchangeRate,
			Interval:       cfg.PollPriceInterval,
			StaleAfter:     cfg.StaleAfter,
			RequestTimeout: cfg.RequestTimeout,
		},
		InitialBalance: cfg.InitialBalance,
		AutoFill:       cfg.AutoFillLimitOrders,
		FiatPlaces:     cfg.LocalPrecision,
	}
}

// Handler exposes the routed HTTP handler, e.g. for httptest.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run serves until ctx is cancelled or a component fails, then closes every
// session and the store.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.manager.Run(ctx)
	})
	g.Go(func() error {
		if len(a.cfg.TLSDomains) > 0 {
			return a.server.StartWithAutoTLS(ctx, a.cfg.TLSDomains, a.cfg.TLSCacheDir)
		}
		return a.server.Start(ctx)
	})

	a.logger.Info("safesats started",
		zap.String("pair", a.cfg.Pair.String()),
		zap.String("price_source", a.cfg.PriceSource),
		zap.String("storage", a.cfg.Storage),
		zap.Duration("poll_interval", a.cfg.PollPriceInterval))

	err := g.Wait()

	a.manager.CloseAll()
	if closeErr := a.store.Close(); closeErr != nil {
		a.logger.Error("failed to close ledger store", zap.Error(closeErr))
	}

	a.logger.Info("safesats stopped")
	return err
}
