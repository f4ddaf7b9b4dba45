package pricefeed

import (
	"context"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/safesats/safesats/internal/domain"
)

// BybitSource reads the spot ticker. Only the last price is used, so the 24h change is zero.
type BybitSource struct {
	client *bybit.Client
	pair   domain.Pair
}

// NewBybitSource creates a source on the public market endpoints.
func NewBybitSource(client *bybit.Client, pair domain.Pair) *BybitSource {
	if client == nil {
		client = bybit.NewClient()
	}
	return &BybitSource{client: client, pair: pair}
}

// Fetch implements Source. The bybit client has no context support; ctx is checked up front.
func (s *BybitSource) Fetch(ctx context.Context) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, errors.Wrap(domain.ErrNetworkFailure, err.Error())
	}

	symbol := bybit.SymbolV5(s.pair.Symbol())
	result, err := s.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: "spot",
		Symbol:   &symbol,
	})
	if err != nil {
		return Quote{}, errors.Wrap(domain.ErrNetworkFailure, err.Error())
	}
	if len(result.Result.Spot.List) == 0 {
		return Quote{}, errors.Wrapf(domain.ErrInvalidResponseFormat, "bybit returned empty prices for %s", s.pair)
	}

	price, err := decimal.NewFromString(result.Result.Spot.List[0].LastPrice)
	if err != nil {
		return Quote{}, errors.Wrap(domain.ErrInvalidResponseFormat, err.Error())
	}

	return Quote{Price: price, ChangeAbs: decimal.Zero, Volume: decimal.Zero}, nil
}
