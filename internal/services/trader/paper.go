// Package trader executes virtual market and limit orders against a user's ledger.
package trader

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/safesats/safesats/internal/domain"
	"github.com/safesats/safesats/internal/storage"
)

// Pricer provides the latest observed price.
type Pricer interface {
	Latest() (domain.PriceSnapshot, bool)
}

// Store persistence used by the trader.
type Store interface {
	Apply(ctx context.Context, userID string, fn storage.ApplyFunc) (domain.Commit, error)
	GetPortfolio(ctx context.Context, userID string) (domain.Portfolio, error)
	ListActiveOrders(ctx context.Context, userID string) ([]domain.Order, error)
}

var errPortfolioExists = errors.New("portfolio exists")

// PaperTrader executes trades without touching any exchange.
// Every operation is a single Store.Apply call, so balances, transactions
// and orders change together or not at all.
type PaperTrader struct {
	store   Store
	pricer  Pricer
	initial decimal.Decimal
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

// Option configures a PaperTrader.
type Option func(*PaperTrader)

// WithInitialBalance sets the fiat balance of new and reset portfolios.
func WithInitialBalance(amount decimal.Decimal) Option {
	return func(t *PaperTrader) {
		if amount.IsPositive() {
			t.initial = amount
		}
	}
}

// WithLogger sets the trader logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *PaperTrader) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *PaperTrader) {
		t.now = now
	}
}

// WithIDGenerator overrides transaction and order id generation.
func WithIDGenerator(fn func() string) Option {
	return func(t *PaperTrader) {
		t.newID = fn
	}
}

// NewPaperTrader creates a new PaperTrader.
func NewPaperTrader(store Store, pricer Pricer, opts ...Option) (*PaperTrader, error) {
	if store == nil {
		return nil, errors.New("store is required for PaperTrader")
	}
	if pricer == nil {
		return nil, errors.New("pricer is required for PaperTrader")
	}

	t := &PaperTrader{
		store:   store,
		pricer:  pricer,
		initial: domain.DefaultInitialBalance,
		logger:  zap.NewNop(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// EnsurePortfolio returns the user's portfolio, creating the initial one on first use.
func (t *PaperTrader) EnsurePortfolio(ctx context.Context, userID string) (domain.Portfolio, error) {
	p, err := t.store.GetPortfolio(ctx, userID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Portfolio{}, err
	}

	c, err := t.store.Apply(ctx, userID, func(l domain.Ledger) (domain.Commit, error) {
		if l.Exists {
			return domain.Commit{}, errPortfolioExists
		}
		return domain.Commit{Portfolio: domain.NewPortfolio(userID, t.initial, t.now())}, nil
	})
	if errors.Is(err, errPortfolioExists) {
		return t.store.GetPortfolio(ctx, userID)
	}
	if err != nil {
		return domain.Portfolio{}, err
	}

	t.logger.Info("portfolio created",
		zap.String("user", userID),
		zap.String("fiat", c.Portfolio.FiatBalance.String()))

	return c.Portfolio, nil
}

// ExecuteMarketBuy spends fiatAmount at the latest local price.
func (t *PaperTrader) ExecuteMarketBuy(ctx context.Context, userID string, fiatAmount decimal.Decimal) (domain.Commit, error) {
	if !fiatAmount.IsPositive() {
		return domain.Commit{}, errors.Wrapf(domain.ErrInvalidAmount, "buy amount must be positive, got %s", fiatAmount.String())
	}
	price, err := t.price()
	if err != nil {
		return domain.Commit{}, err
	}

	c, err := t.store.Apply(ctx, userID, func(l domain.Ledger) (domain.Commit, error) {
		p := t.current(userID, l)
		if p.AvailableFiat().LessThan(fiatAmount) {
			return domain.Commit{}, errors.Wrapf(domain.ErrInsufficientBalance,
				"insufficient fiat balance: have %s need %s", p.AvailableFiat().String(), fiatAmount.String())
		}

		assetAmount := fiatAmount.Div(price)
		p.FiatBalance = p.FiatBalance.Sub(fiatAmount)
		p.AssetBalance = p.AssetBalance.Add(assetAmount)

		return domain.Commit{
			Portfolio:   p.Revalue(price),
			Transaction: t.transaction(userID, domain.SideBuy, domain.OrderKindMarket, assetAmount, fiatAmount, price, ""),
		}, nil
	})
	if err != nil {
		return domain.Commit{}, err
	}

	t.logger.Info("market buy executed",
		zap.String("user", userID),
		zap.String("fiat", fiatAmount.String()),
		zap.String("asset", c.Transaction.AssetAmount.String()),
		zap.String("price", price.String()))

	return c, nil
}

// ExecuteMarketSell sells assetAmount at the latest local price.
func (t *PaperTrader) ExecuteMarketSell(ctx context.Context, userID string, assetAmount decimal.Decimal) (domain.Commit, error) {
	if !assetAmount.IsPositive() {
		return domain.Commit{}, errors.Wrapf(domain.ErrInvalidAmount, "sell amount must be positive, got %s", assetAmount.String())
	}
	price, err := t.price()
	if err != nil {
		return domain.Commit{}, err
	}

	c, err := t.store.Apply(ctx, userID, func(l domain.Ledger) (domain.Commit, error) {
		p := t.current(userID, l)
		if p.AvailableAsset().LessThan(assetAmount) {
			return domain.Commit{}, errors.Wrapf(domain.ErrInsufficientBalance,
				"insufficient asset balance: have %s need %s", p.AvailableAsset().String(), assetAmount.String())
		}

		fiatAmount := assetAmount.Mul(price)
		p.AssetBalance = p.AssetBalance.Sub(assetAmount)
		p.FiatBalance = p.FiatBalance.Add(fiatAmount)

		return domain.Commit{
			Portfolio:   p.Revalue(price),
			Transaction: t.transaction(userID, domain.SideSell, domain.OrderKindMarket, assetAmount, fiatAmount, price, ""),
		}, nil
	})
	if err != nil {
		return domain.Commit{}, err
	}

	t.logger.Info("market sell executed",
		zap.String("user", userID),
		zap.String("asset", assetAmount.String()),
		zap.String("fiat", c.Transaction.FiatAmount.String()),
		zap.String("price", price.String()))

	return c, nil
}

// PlaceLimitOrder records a pending order and escrows its funds.
// amount is fiat for buys and asset for sells; balances move only at fill.
func (t *PaperTrader) PlaceLimitOrder(ctx context.Context, userID string, side domain.Side, amount, triggerPrice decimal.Decimal) (domain.Commit, error) {
	if !side.IsValid() {
		return domain.Commit{}, errors.Wrapf(domain.ErrInvalidAmount, "unknown order side %q", side)
	}
	if !amount.IsPositive() {
		return domain.Commit{}, errors.Wrapf(domain.ErrInvalidAmount, "order amount must be positive, got %s", amount.String())
	}
	if !triggerPrice.IsPositive() {
		return domain.Commit{}, errors.Wrapf(domain.ErrInvalidAmount, "order price must be positive, got %s", triggerPrice.String())
	}

	c, err := t.store.Apply(ctx, userID, func(l domain.Ledger) (domain.Commit, error) {
		p := t.current(userID, l)

		switch side {
		case domain.SideBuy:
			if p.AvailableFiat().LessThan(amount) {
				return domain.Commit{}, errors.Wrapf(domain.ErrInsufficientBalance,
					"insufficient fiat balance: have %s need %s", p.AvailableFiat().String(), amount.String())
			}
			p.FiatReserved = p.FiatReserved.Add(amount)
		case domain.SideSell:
			if p.AvailableAsset().LessThan(amount) {
				return domain.Commit{}, errors.Wrapf(domain.ErrInsufficientBalance,
					"insufficient asset balance: have %s need %s", p.AvailableAsset().String(), amount.String())
			}
			p.AssetReserved = p.AssetReserved.Add(amount)
		}

		now := t.now().UTC()
		return domain.Commit{
			Portfolio: p,
			Order: &domain.Order{
				ID:        t.newID(),
				UserID:    userID,
				Side:      side,
				Kind:      domain.OrderKindLimit,
				Amount:    amount,
				Price:     triggerPrice,
				Status:    domain.OrderStatusPending,
				Timestamp: now,
				UpdatedAt: now,
			},
		}, nil
	})
	if err != nil {
		return domain.Commit{}, err
	}

	t.logger.Info("limit order placed",
		zap.String("user", userID),
		zap.String("order", c.Order.ID),
		zap.String("side", string(side)),
		zap.String("amount", amount.String()),
		zap.String("price", triggerPrice.String()))

	return c, nil
}

// CancelOrder cancels a pending order and releases its reservation.
// Unknown, foreign or already settled orders fail with domain.ErrNotFound.
func (t *PaperTrader) CancelOrder(ctx context.Context, userID, orderID string) (domain.Commit, error) {
	c, err := t.store.Apply(ctx, userID, func(l domain.Ledger) (domain.Commit, error) {
		o, ok := l.FindOrder(orderID)
		if !ok || !l.Exists {
			return domain.Commit{}, errors.Wrapf(domain.ErrNotFound, "order %s", orderID)
		}

		p := release(l.Portfolio, o)
		o.Status = domain.OrderStatusCancelled
		o.UpdatedAt = t.now().UTC()

		return domain.Commit{Portfolio: p, Order: &o}, nil
	})
	if err != nil {
		return domain.Commit{}, err
	}

	t.logger.Info("limit order cancelled", zap.String("user", userID), zap.String("order", orderID))

	return c, nil
}

// ResetPortfolio restores the initial balance and clears history and orders.
func (t *PaperTrader) ResetPortfolio(ctx context.Context, userID string) (domain.Commit, error) {
	c, err := t.store.Apply(ctx, userID, func(domain.Ledger) (domain.Commit, error) {
		return domain.Commit{
			Portfolio: domain.NewPortfolio(userID, t.initial, t.now()),
			Reset:     true,
		}, nil
	})
	if err != nil {
		return domain.Commit{}, err
	}

	t.logger.Info("portfolio reset", zap.String("user", userID), zap.String("fiat", t.initial.String()))

	return c, nil
}

// FillOrder settles a pending order at its trigger price regardless of the market.
func (t *PaperTrader) FillOrder(ctx context.Context, userID, orderID string) (domain.Commit, error) {
	return t.fill(ctx, userID, orderID, nil)
}

// FillTriggered settles every pending order whose trigger price the snapshot crosses.
func (t *PaperTrader) FillTriggered(ctx context.Context, userID string, snap domain.PriceSnapshot) ([]domain.Commit, error) {
	if snap.IsZero() {
		return nil, nil
	}

	orders, err := t.store.ListActiveOrders(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list active orders")
	}

	var commits []domain.Commit
	for _, o := range orders {
		if !o.Triggered(snap.SpotPriceLocal) {
			continue
		}

		price := snap.SpotPriceLocal
		c, err := t.fill(ctx, userID, o.ID, &price)
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, errNotTriggered) {
			// settled or cancelled concurrently
			continue
		}
		if err != nil {
			return commits, err
		}
		commits = append(commits, c)
	}

	return commits, nil
}

var errNotTriggered = errors.New("order not triggered")

// fill settles the order at its trigger price. When market is set the order
// must still be triggered by it at commit time.
func (t *PaperTrader) fill(ctx context.Context, userID, orderID string, market *decimal.Decimal) (domain.Commit, error) {
	c, err := t.store.Apply(ctx, userID, func(l domain.Ledger) (domain.Commit, error) {
		o, ok := l.FindOrder(orderID)
		if !ok || !l.Exists {
			return domain.Commit{}, errors.Wrapf(domain.ErrNotFound, "order %s", orderID)
		}
		if market != nil && !o.Triggered(*market) {
			return domain.Commit{}, errNotTriggered
		}

		p := release(l.Portfolio, o)
		var assetAmount, fiatAmount decimal.Decimal

		switch o.Side {
		case domain.SideBuy:
			fiatAmount = o.Amount
			assetAmount = o.Amount.Div(o.Price)
			if p.AvailableFiat().LessThan(fiatAmount) {
				return domain.Commit{}, errors.Wrapf(domain.ErrInsufficientBalance,
					"insufficient fiat balance: have %s need %s", p.AvailableFiat().String(), fiatAmount.String())
			}
			p.FiatBalance = p.FiatBalance.Sub(fiatAmount)
			p.AssetBalance = p.AssetBalance.Add(assetAmount)
		case domain.SideSell:
			assetAmount = o.Amount
			fiatAmount = o.Amount.Mul(o.Price)
			if p.AvailableAsset().LessThan(assetAmount) {
				return domain.Commit{}, errors.Wrapf(domain.ErrInsufficientBalance,
					"insufficient asset balance: have %s need %s", p.AvailableAsset().String(), assetAmount.String())
			}
			p.AssetBalance = p.AssetBalance.Sub(assetAmount)
			p.FiatBalance = p.FiatBalance.Add(fiatAmount)
		}

		valuationPrice := o.Price
		if market != nil {
			valuationPrice = *market
		} else if snap, ok := t.pricer.Latest(); ok {
			valuationPrice = snap.SpotPriceLocal
		}

		o.Status = domain.OrderStatusFilled
		o.UpdatedAt = t.now().UTC()

		return domain.Commit{
			Portfolio:   p.Revalue(valuationPrice),
			Transaction: t.transaction(userID, o.Side, domain.OrderKindLimit, assetAmount, fiatAmount, o.Price, o.ID),
			Order:       &o,
		}, nil
	})
	if err != nil {
		return domain.Commit{}, err
	}

	t.logger.Info("limit order filled",
		zap.String("user", userID),
		zap.String("order", orderID),
		zap.String("side", string(c.Transaction.Side)),
		zap.String("asset", c.Transaction.AssetAmount.String()),
		zap.String("fiat", c.Transaction.FiatAmount.String()),
		zap.String("price", c.Transaction.ExecutionPrice.String()))

	return c, nil
}

func (t *PaperTrader) price() (decimal.Decimal, error) {
	snap, ok := t.pricer.Latest()
	if !ok || !snap.SpotPriceLocal.IsPositive() {
		return decimal.Decimal{}, errors.Wrap(domain.ErrPriceUnavailable, "no price observed yet")
	}
	return snap.SpotPriceLocal, nil
}

// current returns the ledger's portfolio, or the initial one for a user without a row.
func (t *PaperTrader) current(userID string, l domain.Ledger) domain.Portfolio {
	if !l.Exists {
		return domain.NewPortfolio(userID, t.initial, t.now())
	}
	return l.Portfolio
}

func (t *PaperTrader) transaction(userID string, side domain.Side, kind domain.OrderKind,
	assetAmount, fiatAmount, price decimal.Decimal, orderID string) *domain.Transaction {
	return &domain.Transaction{
		ID:             t.newID(),
		UserID:         userID,
		Side:           side,
		Kind:           kind,
		AssetAmount:    assetAmount,
		FiatAmount:     fiatAmount,
		ExecutionPrice: price,
		OrderID:        orderID,
		Status:         domain.TransactionStatusCompleted,
		Timestamp:      t.now().UTC(),
	}
}

// release returns p with the reservation of o removed.
func release(p domain.Portfolio, o domain.Order) domain.Portfolio {
	switch o.Side {
	case domain.SideBuy:
		p.FiatReserved = decimal.Max(decimal.Zero, p.FiatReserved.Sub(o.Amount))
	case domain.SideSell:
		p.AssetReserved = decimal.Max(decimal.Zero, p.AssetReserved.Sub(o.Amount))
	}
	return p
}
