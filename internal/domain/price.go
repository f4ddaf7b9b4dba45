package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// PriceSnapshot latest known market price for one asset pair.
// Snapshots are superseded by the next poll and never persisted.
type PriceSnapshot struct {
	Pair Pair `json:"-"`
	// SpotPriceQuote price of one base unit in the quote currency.
	SpotPriceQuote decimal.Decimal `json:"spot_price_quote"`
	// SpotPriceLocal price converted to the local display currency.
	SpotPriceLocal decimal.Decimal `json:"spot_price_local"`
	// ChangePercent24h approximation derived from the absolute change, not reported by the source.
	ChangePercent24h  decimal.Decimal `json:"change_percent_24h"`
	ChangeAbsolute24h decimal.Decimal `json:"change_absolute_24h"`
	// High24h and Low24h are estimates: spot ± |change|.
	High24h    decimal.Decimal `json:"high_24h"`
	Low24h     decimal.Decimal `json:"low_24h"`
	Volume24h  decimal.Decimal `json:"volume_24h"`
	ObservedAt time.Time       `json:"observed_at"`
	// SourceUpdatedAt last update time reported by the source, zero if unknown.
	SourceUpdatedAt time.Time `json:"source_updated_at,omitempty"`
}

// NewPriceSnapshot derives a snapshot from raw source values.
// The local price is spot × exchangeRate.
func NewPriceSnapshot(pair Pair, spot, changeAbs, volume, exchangeRate decimal.Decimal, observedAt time.Time) PriceSnapshot {
	absChange := changeAbs.Abs()

	low := spot.Sub(absChange)
	if low.IsNegative() {
		low = decimal.Zero
	}

	return PriceSnapshot{
		Pair:              pair,
		SpotPriceQuote:    spot,
		SpotPriceLocal:    spot.Mul(exchangeRate),
		ChangePercent24h:  ChangePercent(spot, changeAbs),
		ChangeAbsolute24h: changeAbs,
		High24h:           spot.Add(absChange),
		Low24h:            low,
		Volume24h:         volume,
		ObservedAt:        observedAt,
	}
}

// ChangePercent approximates the 24h percent change as change / (spot - change) * 100.
// Returns zero when the previous price would be zero.
func ChangePercent(spot, changeAbs decimal.Decimal) decimal.Decimal {
	prev := spot.Sub(changeAbs)
	if prev.IsZero() {
		return decimal.Zero
	}
	return changeAbs.Div(prev).Mul(hundred)
}

// IsZero reports whether the snapshot was never populated.
func (s PriceSnapshot) IsZero() bool {
	return s.ObservedAt.IsZero()
}
