package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestValuate(t *testing.T) {
	tests := []struct {
		name        string
		fiat        decimal.Decimal
		asset       decimal.Decimal
		price       decimal.Decimal
		initial     decimal.Decimal
		expectTotal decimal.Decimal
		expectPL    decimal.Decimal
		expectPct   decimal.Decimal
	}{
		{
			name:        "Only fiat",
			fiat:        decimal.NewFromInt(100000),
			asset:       decimal.Zero,
			price:       decimal.NewFromInt(50000000),
			initial:     decimal.NewFromInt(100000),
			expectTotal: decimal.NewFromInt(100000),
			expectPL:    decimal.Zero,
			expectPct:   decimal.Zero,
		},
		{
			name:    "Asset gained value",
			fiat:    decimal.NewFromInt(50000),
			asset:   decimal.RequireFromString("0.002"),
			price:   decimal.NewFromInt(50000000),
			initial: decimal.NewFromInt(100000),
			// 50000 + 0.002 * 50000000 = 150000
			expectTotal: decimal.NewFromInt(150000),
			expectPL:    decimal.NewFromInt(50000),
			expectPct:   decimal.NewFromInt(50),
		},
		{
			name:        "Loss",
			fiat:        decimal.NewFromInt(20000),
			asset:       decimal.RequireFromString("0.001"),
			price:       decimal.NewFromInt(40000000),
			initial:     decimal.NewFromInt(100000),
			expectTotal: decimal.NewFromInt(60000),
			expectPL:    decimal.NewFromInt(-40000),
			expectPct:   decimal.NewFromInt(-40),
		},
		{
			name:        "Zero initial value does not divide",
			fiat:        decimal.NewFromInt(10),
			asset:       decimal.Zero,
			price:       decimal.NewFromInt(1),
			initial:     decimal.Zero,
			expectTotal: decimal.NewFromInt(10),
			expectPL:    decimal.NewFromInt(10),
			expectPct:   decimal.Zero,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Valuate(tt.fiat, tt.asset, tt.price, tt.initial)
			assert.True(t, v.Available)
			assert.True(t, tt.expectTotal.Equal(v.TotalValue), "total: expected %s, got %s", tt.expectTotal, v.TotalValue)
			assert.True(t, tt.expectPL.Equal(v.ProfitLoss), "pl: expected %s, got %s", tt.expectPL, v.ProfitLoss)
			assert.True(t, tt.expectPct.Equal(v.ProfitLossPercent), "pct: expected %s, got %s", tt.expectPct, v.ProfitLossPercent)
		})
	}
}

func TestValuate_TotalIdentity(t *testing.T) {
	tolerance := decimal.RequireFromString("0.00000001")
	values := []string{"0", "0.00000001", "1", "12345.678", "99999999.99"}

	for _, f := range values {
		for _, a := range values {
			for _, p := range values {
				fiat := decimal.RequireFromString(f)
				asset := decimal.RequireFromString(a)
				price := decimal.RequireFromString(p)

				v := Valuate(fiat, asset, price, DefaultInitialBalance)
				expected := fiat.Add(asset.Mul(price))
				assert.True(t, v.TotalValue.Sub(expected).Abs().LessThan(tolerance),
					"fiat=%s asset=%s price=%s", f, a, p)
			}
		}
	}
}

func TestPortfolio_Available(t *testing.T) {
	p := NewPortfolio("user-1", decimal.NewFromInt(10000), time.Now())
	p.AssetBalance = decimal.RequireFromString("0.5")
	p.FiatReserved = decimal.NewFromInt(2500)
	p.AssetReserved = decimal.RequireFromString("0.2")

	assert.True(t, decimal.NewFromInt(7500).Equal(p.AvailableFiat()))
	assert.True(t, decimal.RequireFromString("0.3").Equal(p.AvailableAsset()))
}

func TestPortfolio_Display(t *testing.T) {
	p := NewPortfolio("user-1", decimal.NewFromInt(100000), time.Now())
	p.AssetBalance = decimal.RequireFromString("0.123456789123")
	p = p.Revalue(decimal.NewFromInt(1000))

	d := p.Display(0)
	assert.Equal(t, "100000", d.FiatBalance)
	assert.Equal(t, "0.12345679", d.AssetBalance)
	assert.Equal(t, "100123", d.TotalValue)

	p.Valuation = Valuation{}
	assert.Empty(t, p.Display(2).TotalValue, "unavailable valuation is not rendered")
}
