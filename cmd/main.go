// Command safesats runs the virtual bitcoin trading service: per-user paper
// portfolios valued against a live market price, served over HTTP.
//
// Usage:
//
//	safesats --config config.yaml
//	safesats --setup                 (interactive wizard, writes config.gen.yaml)
//	safesats --issue-token <user-id> (prints a development session token)
//
// Environment variables (also read from .env):
//
//	SAFESATS_JWT_SECRET    HS256 secret shared with the identity provider
//	SAFESATS_POSTGRES_DSN  connection string when storage is postgres
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/safesats/safesats/config"
	"github.com/safesats/safesats/internal"
	"github.com/safesats/safesats/internal/auth"
	"github.com/safesats/safesats/internal/setup"
)

func main() {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	if flags.Setup {
		if err := setup.RunTUI(); err != nil {
			log.Fatal(err)
		}
		flags.ConfigPath = config.GeneratedFile
	}

	cfg, err := config.Get(flags)
	if err != nil {
		log.Fatal(err)
	}

	if flags.IssueToken != "" {
		issuer, err := auth.NewIssuer(cfg.JWTSecret, 0)
		if err != nil {
			log.Fatal(err)
		}
		token, err := issuer.Issue(flags.IssueToken)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(token)
		return
	}

	logger, err := internal.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := internal.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}

	if err := app.Run(ctx); err != nil {
		logger.Error("stopped with error", zap.Error(err))
		os.Exit(1)
	}
}
