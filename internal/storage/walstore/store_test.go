package walstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safesats/safesats/internal/domain"
)

func seed(userID string) func(domain.Ledger) (domain.Commit, error) {
	return func(l domain.Ledger) (domain.Commit, error) {
		return domain.Commit{Portfolio: domain.NewPortfolio(userID, decimal.NewFromInt(1000), time.Now())}, nil
	}
}

func buy(userID, id string, fiat int64) func(domain.Ledger) (domain.Commit, error) {
	return func(l domain.Ledger) (domain.Commit, error) {
		p := l.Portfolio
		p.FiatBalance = p.FiatBalance.Sub(decimal.NewFromInt(fiat))
		p.AssetBalance = p.AssetBalance.Add(decimal.NewFromInt(1))
		return domain.Commit{
			Portfolio: p,
			Transaction: &domain.Transaction{
				ID:          id,
				UserID:      userID,
				Side:        domain.SideBuy,
				Kind:        domain.OrderKindMarket,
				FiatAmount:  decimal.NewFromInt(fiat),
				AssetAmount: decimal.NewFromInt(1),
				Status:      domain.TransactionStatusCompleted,
				Timestamp:   time.Now(),
			},
		}, nil
	}
}

func TestStore_ApplyAndReplay(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(dir, nil)
	require.NoError(t, err)

	_, err = s.GetPortfolio(ctx, "u1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	c, err := s.Apply(ctx, "u1", seed("u1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Portfolio.Version)

	for i := 0; i < 3; i++ {
		_, err = s.Apply(ctx, "u1", buy("u1", fmt.Sprintf("tx%d", i), 100))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	reopened, err := New(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	p, err := reopened.GetPortfolio(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(700).Equal(p.FiatBalance), "got %s", p.FiatBalance)
	assert.True(t, decimal.NewFromInt(3).Equal(p.AssetBalance))
	assert.Equal(t, uint64(4), p.Version)

	txs, err := reopened.ListTransactions(ctx, "u1", 2, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "tx2", txs[0].ID)
	assert.Equal(t, "tx1", txs[1].ID)

	txs, err = reopened.ListTransactions(ctx, "u1", 10, 2)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "tx0", txs[0].ID)

	txs, err = reopened.ListTransactions(ctx, "u1", 10, 5)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestStore_RejectsNegativeBalance(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Apply(ctx, "u1", seed("u1"))
	require.NoError(t, err)

	_, err = s.Apply(ctx, "u1", buy("u1", "tx", 5000))
	require.ErrorIs(t, err, domain.ErrOperationFailed)

	p, err := s.GetPortfolio(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1000).Equal(p.FiatBalance), "failed commit must not change state")

	_, err = s.Apply(ctx, "u1", buy("u2", "tx", 10))
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestStore_ApplyErrorAborts(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Apply(ctx, "u1", func(domain.Ledger) (domain.Commit, error) {
		return domain.Commit{}, domain.ErrInsufficientBalance
	})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	_, err = s.GetPortfolio(ctx, "u1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_OrdersAndReset(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Apply(ctx, "u1", seed("u1"))
	require.NoError(t, err)

	order := domain.Order{
		ID: "o1", UserID: "u1", Side: domain.SideBuy, Kind: domain.OrderKindLimit,
		Amount: decimal.NewFromInt(500), Price: decimal.NewFromInt(10),
		Status: domain.OrderStatusPending, Timestamp: time.Now(),
	}
	_, err = s.Apply(ctx, "u1", func(l domain.Ledger) (domain.Commit, error) {
		p := l.Portfolio
		p.FiatReserved = order.Amount
		return domain.Commit{Portfolio: p, Order: &order}, nil
	})
	require.NoError(t, err)

	orders, err := s.ListActiveOrders(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, orders, 1)

	_, err = s.Apply(ctx, "u1", func(l domain.Ledger) (domain.Commit, error) {
		o, ok := l.FindOrder("o1")
		require.True(t, ok)
		o.Status = domain.OrderStatusCancelled
		p := l.Portfolio
		p.FiatReserved = decimal.Zero
		return domain.Commit{Portfolio: p, Order: &o}, nil
	})
	require.NoError(t, err)

	orders, err = s.ListActiveOrders(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, orders)

	_, err = s.Apply(ctx, "u1", buy("u1", "tx", 100))
	require.NoError(t, err)

	_, err = s.Apply(ctx, "u1", func(l domain.Ledger) (domain.Commit, error) {
		return domain.Commit{Portfolio: domain.NewPortfolio("u1", decimal.NewFromInt(1000), time.Now()), Reset: true}, nil
	})
	require.NoError(t, err)

	txs, err := s.ListTransactions(ctx, "u1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestStore_SubscribeReceivesChanges(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	feed, err := s.Subscribe(ctx, "u1")
	require.NoError(t, err)

	other, err := s.Subscribe(ctx, "u2")
	require.NoError(t, err)

	_, err = s.Apply(context.Background(), "u1", seed("u1"))
	require.NoError(t, err)
	_, err = s.Apply(context.Background(), "u1", buy("u1", "tx1", 10))
	require.NoError(t, err)

	expected := []struct {
		typ   domain.EventType
		table domain.Table
	}{
		{domain.EventInsert, domain.TablePortfolios},
		{domain.EventInsert, domain.TableTransactions},
		{domain.EventUpdate, domain.TablePortfolios},
	}
	for _, e := range expected {
		select {
		case ev := <-feed:
			assert.Equal(t, e.typ, ev.Type)
			assert.Equal(t, e.table, ev.Table)
			assert.Equal(t, "u1", ev.UserID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for change event")
		}
	}
	assert.Len(t, other, 0)

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-feed:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestStore_Snapshot(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	empty, err := s.Snapshot(ctx, "u1", 10)
	require.NoError(t, err)
	assert.False(t, empty.Exists)

	_, err = s.Apply(ctx, "u1", seed("u1"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = s.Apply(ctx, "u1", buy("u1", fmt.Sprintf("tx%d", i), 100))
		require.NoError(t, err)
	}

	snap, err := s.Snapshot(ctx, "u1", 2)
	require.NoError(t, err)
	assert.True(t, snap.Exists)
	assert.Equal(t, uint64(4), snap.Portfolio.Version)
	require.Len(t, snap.Transactions, 2)
	assert.Equal(t, "tx2", snap.Transactions[0].ID)
	assert.Equal(t, "tx1", snap.Transactions[1].ID)
	assert.Empty(t, snap.Orders)
}
