package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetDisplayPrecision satoshi-level precision used when rendering asset amounts.
const AssetDisplayPrecision = 8

// DefaultInitialBalance fiat balance of a fresh or reset portfolio.
var DefaultInitialBalance = decimal.NewFromInt(100000)

// Portfolio virtual balance sheet of one user.
// Reserved amounts are escrowed by pending limit orders and still belong to the user.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	FiatBalance   decimal.Decimal `json:"fiat_balance"`
	AssetBalance  decimal.Decimal `json:"asset_balance"`
	FiatReserved  decimal.Decimal `json:"fiat_reserved"`
	AssetReserved decimal.Decimal `json:"asset_reserved"`
	InitialValue  decimal.Decimal `json:"initial_value"`
	// Valuation persisted for cross-session continuity only; recomputed for display.
	Valuation Valuation `json:"valuation"`
	// Version increases with every committed change.
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPortfolio returns a portfolio holding only the initial fiat balance.
func NewPortfolio(userID string, initial decimal.Decimal, now time.Time) Portfolio {
	return Portfolio{
		UserID:        userID,
		FiatBalance:   initial,
		AssetBalance:  decimal.Zero,
		FiatReserved:  decimal.Zero,
		AssetReserved: decimal.Zero,
		InitialValue:  initial,
		Valuation:     Valuate(initial, decimal.Zero, decimal.Zero, initial),
		UpdatedAt:     now,
	}
}

// AvailableFiat fiat not committed to pending buy orders.
func (p Portfolio) AvailableFiat() decimal.Decimal {
	return p.FiatBalance.Sub(p.FiatReserved)
}

// AvailableAsset asset not committed to pending sell orders.
func (p Portfolio) AvailableAsset() decimal.Decimal {
	return p.AssetBalance.Sub(p.AssetReserved)
}

// Revalue returns a copy with the valuation recomputed at priceLocal.
func (p Portfolio) Revalue(priceLocal decimal.Decimal) Portfolio {
	p.Valuation = Valuate(p.FiatBalance, p.AssetBalance, priceLocal, p.InitialValue)
	return p
}

// Valuation derived totals of a portfolio at a given price.
type Valuation struct {
	TotalValue        decimal.Decimal `json:"total_value"`
	ProfitLoss        decimal.Decimal `json:"profit_loss"`
	ProfitLossPercent decimal.Decimal `json:"profit_loss_percent"`
	// Available is false while no price has been observed.
	Available bool `json:"available"`
}

// Valuate computes total value and profit/loss. It is pure and never fails:
// a zero initial value reports a zero percentage.
func Valuate(fiatBalance, assetBalance, priceLocal, initialValue decimal.Decimal) Valuation {
	total := fiatBalance.Add(assetBalance.Mul(priceLocal))
	pl := total.Sub(initialValue)

	pct := decimal.Zero
	if !initialValue.IsZero() {
		pct = pl.Div(initialValue).Mul(hundred)
	}

	return Valuation{
		TotalValue:        total,
		ProfitLoss:        pl,
		ProfitLossPercent: pct,
		Available:         true,
	}
}

// PortfolioDisplay portfolio rounded for presentation.
type PortfolioDisplay struct {
	FiatBalance       string `json:"fiat_balance"`
	AssetBalance      string `json:"asset_balance"`
	FiatReserved      string `json:"fiat_reserved"`
	AssetReserved     string `json:"asset_reserved"`
	TotalValue        string `json:"total_value,omitempty"`
	ProfitLoss        string `json:"profit_loss,omitempty"`
	ProfitLossPercent string `json:"profit_loss_percent,omitempty"`
}

// Display rounds fiat values to fiatPlaces and asset values to satoshi precision.
func (p Portfolio) Display(fiatPlaces int32) PortfolioDisplay {
	d := PortfolioDisplay{
		FiatBalance:   p.FiatBalance.StringFixed(fiatPlaces),
		AssetBalance:  p.AssetBalance.StringFixed(AssetDisplayPrecision),
		FiatReserved:  p.FiatReserved.StringFixed(fiatPlaces),
		AssetReserved: p.AssetReserved.StringFixed(AssetDisplayPrecision),
	}
	if p.Valuation.Available {
		d.TotalValue = p.Valuation.TotalValue.StringFixed(fiatPlaces)
		d.ProfitLoss = p.Valuation.ProfitLoss.StringFixed(fiatPlaces)
		d.ProfitLossPercent = p.Valuation.ProfitLossPercent.StringFixed(2)
	}
	return d
}
