package internal

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/safesats/safesats/config"
	"github.com/safesats/safesats/internal/clients"
	"github.com/safesats/safesats/internal/services/pricefeed"
	"github.com/safesats/safesats/internal/storage"
	"github.com/safesats/safesats/internal/storage/pgstore"
	"github.com/safesats/safesats/internal/storage/walstore"
)

// NewPriceSource creates the market-data source selected by cfg. Every session
// polls through the returned source, so the request budget is shared.
// This is the single point of truth for dispatching to source implementations.
func NewPriceSource(cfg config.Config, httpClient *http.Client) (pricefeed.Source, error) {
	var src pricefeed.Source
	switch cfg.PriceSource {
	case config.PriceSourceCoinGecko:
		src = pricefeed.NewCoinGeckoSource(httpClient, cfg.CoinGeckoURL, cfg.AssetID, cfg.Pair.To)
	case config.PriceSourceBinance:
		src = pricefeed.NewBinanceSource(clients.NewBinanceClient(httpClient), cfg.Pair)
	case config.PriceSourceBybit:
		src = pricefeed.NewBybitSource(clients.NewBybitClient(httpClient), cfg.Pair)
	default:
		return nil, fmt.Errorf("unsupported price source: %s", cfg.PriceSource)
	}
	return pricefeed.NewRateLimitedSource(src, cfg.RequestsPerMinute), nil
}

// NewStore opens the ledger backend selected by cfg.
func NewStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Storage {
	case config.StorageWAL:
		s, err := walstore.New(cfg.WALDir, logger.Named("walstore"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoragePostgres:
		s, err := pgstore.New(ctx, cfg.PostgresDSN, logger.Named("pgstore"))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported storage: %s", cfg.Storage)
	}
}
