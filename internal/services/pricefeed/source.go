// Package pricefeed polls a market-data source and keeps the latest price snapshot.
package pricefeed

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/safesats/safesats/internal/domain"
)

// Quote raw values reported by a market-data source for the configured pair.
type Quote struct {
	Price decimal.Decimal
	// ChangeAbs absolute 24h change in the quote currency.
	ChangeAbs decimal.Decimal
	Volume    decimal.Decimal
	// UpdatedAt zero when the source does not report it.
	UpdatedAt time.Time
}

// Source fetches one quote per call.
// Implementations return errors wrapping domain.ErrNetworkFailure or domain.ErrInvalidResponseFormat.
type Source interface {
	Fetch(ctx context.Context) (Quote, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (Quote, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context) (Quote, error) {
	return f(ctx)
}

// RateLimitedSource shares one request budget between every feed that polls through it.
type RateLimitedSource struct {
	source  Source
	limiter *rate.Limiter
}

// NewRateLimitedSource allows at most requestsPerMinute upstream calls.
// A non-positive budget disables limiting.
func NewRateLimitedSource(source Source, requestsPerMinute int) *RateLimitedSource {
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(requestsPerMinute))
	}
	return &RateLimitedSource{
		source:  source,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Fetch waits for the limiter and then queries the wrapped source.
func (s *RateLimitedSource) Fetch(ctx context.Context) (Quote, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return Quote{}, errors.Wrap(domain.ErrNetworkFailure, err.Error())
	}
	return s.source.Fetch(ctx)
}
