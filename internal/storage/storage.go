// Package storage declares the persistence contract shared by the ledger backends.
package storage

import (
	"context"

	"github.com/safesats/safesats/internal/domain"
)

// ApplyFunc decides the commit for one user given the current ledger.
// Returning an error aborts the operation without persisting anything.
type ApplyFunc func(ledger domain.Ledger) (domain.Commit, error)

// Store persists portfolios, transactions and orders per user and notifies
// subscribers of every committed change.
type Store interface {
	// Apply runs fn under the user's lock and persists the returned commit atomically.
	// The stored commit, with Version and UpdatedAt assigned, is returned.
	Apply(ctx context.Context, userID string, fn ApplyFunc) (domain.Commit, error)
	// GetPortfolio returns domain.ErrNotFound when the user has no portfolio yet.
	GetPortfolio(ctx context.Context, userID string) (domain.Portfolio, error)
	// ListTransactions returns transactions newest first.
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]domain.Transaction, error)
	// ListActiveOrders returns pending orders oldest first.
	ListActiveOrders(ctx context.Context, userID string) ([]domain.Order, error)
	// Snapshot reads the portfolio, the latest historyLimit transactions and the
	// pending orders as of one committed version.
	Snapshot(ctx context.Context, userID string, historyLimit int) (domain.Snapshot, error)
	// Subscribe streams the user's change events until ctx is done.
	// The channel is closed when the subscription ends for any reason.
	Subscribe(ctx context.Context, userID string) (<-chan domain.ChangeEvent, error)
	Close() error
}

// CheckCommit validates the balance invariants of a commit before it is persisted.
func CheckCommit(userID string, c domain.Commit) error {
	p := c.Portfolio
	switch {
	case p.FiatBalance.IsNegative(), p.AssetBalance.IsNegative(),
		p.FiatReserved.IsNegative(), p.AssetReserved.IsNegative():
		return errNegative
	case p.FiatReserved.GreaterThan(p.FiatBalance), p.AssetReserved.GreaterThan(p.AssetBalance):
		return errOverReserved
	}
	if c.Transaction != nil && c.Transaction.UserID != userID {
		return errForeignRecord
	}
	if c.Order != nil && c.Order.UserID != userID {
		return errForeignRecord
	}
	return nil
}
