package pricefeed

import (
	"context"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/safesats/safesats/internal/domain"
)

// BinanceSource reads 24h ticker statistics from the public Binance API.
type BinanceSource struct {
	client *binance.Client
	pair   domain.Pair
}

// NewBinanceSource creates a source without API keys; ticker statistics are public.
func NewBinanceSource(client *binance.Client, pair domain.Pair) *BinanceSource {
	if client == nil {
		client = binance.NewClient("", "")
	}
	return &BinanceSource{client: client, pair: pair}
}

// Fetch implements Source.
func (s *BinanceSource) Fetch(ctx context.Context) (Quote, error) {
	stats, err := s.client.NewListPriceChangeStatsService().Symbol(s.pair.Symbol()).Do(ctx)
	if err != nil {
		return Quote{}, errors.Wrap(domain.ErrNetworkFailure, err.Error())
	}
	if len(stats) == 0 || stats[0] == nil {
		return Quote{}, errors.Wrapf(domain.ErrInvalidResponseFormat, "binance returned no stats for %s", s.pair)
	}

	st := stats[0]
	price, err := decimal.NewFromString(st.LastPrice)
	if err != nil {
		return Quote{}, errors.Wrap(domain.ErrInvalidResponseFormat, err.Error())
	}

	q := Quote{Price: price}
	if change, err := decimal.NewFromString(st.PriceChange); err == nil {
		q.ChangeAbs = change
	}
	if volume, err := decimal.NewFromString(st.Volume); err == nil {
		q.Volume = volume
	}
	if st.CloseTime > 0 {
		q.UpdatedAt = time.UnixMilli(st.CloseTime).UTC()
	}

	return q, nil
}
