package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPriceSnapshot(t *testing.T) {
	pair := Pair{From: "BTC", To: "USD"}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name       string
		spot       decimal.Decimal
		change     decimal.Decimal
		expectHigh decimal.Decimal
		expectLow  decimal.Decimal
		expectPct  decimal.Decimal
	}{
		{
			name:       "Price went up",
			spot:       decimal.NewFromInt(110),
			change:     decimal.NewFromInt(10),
			expectHigh: decimal.NewFromInt(120),
			expectLow:  decimal.NewFromInt(100),
			expectPct:  decimal.NewFromInt(10), // 10 / (110 - 10) * 100
		},
		{
			name:       "Price went down",
			spot:       decimal.NewFromInt(90),
			change:     decimal.NewFromInt(-10),
			expectHigh: decimal.NewFromInt(100),
			expectLow:  decimal.NewFromInt(80),
			expectPct:  decimal.NewFromInt(-10),
		},
		{
			name:       "Change larger than spot clamps low",
			spot:       decimal.NewFromInt(5),
			change:     decimal.NewFromInt(-10),
			expectHigh: decimal.NewFromInt(15),
			expectLow:  decimal.Zero,
			expectPct:  decimal.RequireFromString("-66.66666666666667"),
		},
		{
			name:       "Degenerate denominator",
			spot:       decimal.NewFromInt(10),
			change:     decimal.NewFromInt(10),
			expectHigh: decimal.NewFromInt(20),
			expectLow:  decimal.Zero,
			expectPct:  decimal.Zero,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewPriceSnapshot(pair, tt.spot, tt.change, decimal.Zero, decimal.NewFromInt(16000), now)

			assert.True(t, tt.expectHigh.Equal(s.High24h), "high: expected %s, got %s", tt.expectHigh, s.High24h)
			assert.True(t, tt.expectLow.Equal(s.Low24h), "low: expected %s, got %s", tt.expectLow, s.Low24h)
			assert.True(t, tt.expectPct.Sub(s.ChangePercent24h).Abs().LessThan(decimal.RequireFromString("0.0000001")),
				"pct: expected %s, got %s", tt.expectPct, s.ChangePercent24h)
			assert.True(t, s.High24h.GreaterThanOrEqual(s.SpotPriceQuote))
			assert.True(t, s.SpotPriceQuote.GreaterThanOrEqual(s.Low24h))
			assert.True(t, tt.spot.Mul(decimal.NewFromInt(16000)).Equal(s.SpotPriceLocal))
			assert.Equal(t, now, s.ObservedAt)
		})
	}
}

func TestPriceSnapshot_IsZero(t *testing.T) {
	assert.True(t, PriceSnapshot{}.IsZero())
	assert.False(t, NewPriceSnapshot(Pair{}, decimal.NewFromInt(1), decimal.Zero, decimal.Zero, decimal.NewFromInt(1), time.Now()).IsZero())
}

func TestParsePair(t *testing.T) {
	p, err := ParsePair("btc_usd")
	require.NoError(t, err)
	assert.Equal(t, Pair{From: "BTC", To: "USD"}, p)
	assert.Equal(t, "BTCUSD", p.Symbol())

	for _, bad := range []string{"", "BTC", "BTC_", "_USD", "A_B_C"} {
		_, err := ParsePair(bad)
		assert.Error(t, err, bad)
	}
}
