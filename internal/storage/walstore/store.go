// Package walstore keeps ledgers in memory and durably appends every commit to a WAL.
package walstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"

	"github.com/safesats/safesats/internal/domain"
	"github.com/safesats/safesats/internal/events"
	"github.com/safesats/safesats/internal/storage"
)

const (
	DefaultDir   = "./wal/ledger"
	segmentLimit = 1000
	// segments are never rotated away, the log is the only copy of the ledger
	maxSegments = 1 << 20

	commitKeyPrefix = "commit_"
)

var _ storage.Store = (*Store)(nil)

type record struct {
	UserID string        `json:"user_id"`
	Commit domain.Commit `json:"commit"`
}

type userLedger struct {
	portfolio    domain.Portfolio
	exists       bool
	transactions []domain.Transaction
	orders       []domain.Order
}

// Store WAL-backed ledger store.
type Store struct {
	wal    *gowal.Wal
	mu     sync.RWMutex
	users  map[string]*userLedger
	feed   *events.Broadcaster[domain.ChangeEvent]
	logger *zap.Logger
	now    func() time.Time
}

// New opens the WAL in dir and replays it into memory.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "ledger_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init ledger WAL")
	}

	s := &Store{
		wal:    wal,
		users:  make(map[string]*userLedger),
		feed:   events.NewBroadcaster[domain.ChangeEvent](256),
		logger: logger,
		now:    time.Now,
	}

	replayed := 0
	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, commitKeyPrefix) {
			continue
		}

		var rec record
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			logger.Error("failed to unmarshal ledger commit", zap.Error(err), zap.String("key", msg.Key))
			continue
		}
		s.ledger(rec.UserID).apply(rec.Commit)
		replayed++
	}

	logger.Info("ledger WAL replayed",
		zap.String("dir", dir),
		zap.Int("commits", replayed),
		zap.Int("users", len(s.users)))

	return s, nil
}

// Apply implements storage.Store.
func (s *Store) Apply(ctx context.Context, userID string, fn storage.ApplyFunc) (domain.Commit, error) {
	if err := ctx.Err(); err != nil {
		return domain.Commit{}, err
	}
	if userID == "" {
		return domain.Commit{}, errors.Wrap(domain.ErrPermissionDenied, "user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ul := s.ledger(userID)
	commit, err := fn(ul.snapshot())
	if err != nil {
		return domain.Commit{}, err
	}

	commit.Portfolio.UserID = userID
	commit.Portfolio.Version = ul.portfolio.Version + 1
	commit.Portfolio.UpdatedAt = s.now().UTC()

	if err := storage.CheckCommit(userID, commit); err != nil {
		return domain.Commit{}, err
	}

	payload, err := json.Marshal(record{UserID: userID, Commit: commit})
	if err != nil {
		return domain.Commit{}, errors.Wrap(err, "marshal ledger commit")
	}

	if err := s.wal.Write(s.wal.CurrentIndex()+1, commitKeyPrefix+userID, payload); err != nil {
		return domain.Commit{}, errors.Wrap(err, "write ledger commit")
	}

	created, orderExisted := ul.apply(commit)
	for _, ev := range commit.Changes(created, orderExisted) {
		s.feed.Publish(userID, ev)
	}

	return commit, nil
}

// GetPortfolio implements storage.Store.
func (s *Store) GetPortfolio(_ context.Context, userID string) (domain.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ul, ok := s.users[userID]
	if !ok || !ul.exists {
		return domain.Portfolio{}, errors.Wrapf(domain.ErrNotFound, "portfolio of %s", userID)
	}
	return ul.portfolio, nil
}

// ListTransactions implements storage.Store.
func (s *Store) ListTransactions(_ context.Context, userID string, limit, offset int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ul, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return ul.page(limit, offset), nil
}

// ListActiveOrders implements storage.Store.
func (s *Store) ListActiveOrders(_ context.Context, userID string) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ul, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return ul.pending(), nil
}

// Snapshot implements storage.Store. It holds the read lock for the whole read,
// so no commit can land between the parts.
func (s *Store) Snapshot(_ context.Context, userID string, historyLimit int) (domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ul, ok := s.users[userID]
	if !ok {
		return domain.Snapshot{}, nil
	}
	return domain.Snapshot{
		Portfolio:    ul.portfolio,
		Exists:       ul.exists,
		Transactions: ul.page(historyLimit, 0),
		Orders:       ul.pending(),
	}, nil
}

// Subscribe implements storage.Store.
func (s *Store) Subscribe(ctx context.Context, userID string) (<-chan domain.ChangeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := s.feed.Subscribe(userID)
	go func() {
		<-ctx.Done()
		s.feed.Unsubscribe(userID, ch)
	}()

	return ch, nil
}

// Close disconnects subscribers and closes the underlying WAL.
func (s *Store) Close() error {
	s.feed.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}

func (s *Store) ledger(userID string) *userLedger {
	ul, ok := s.users[userID]
	if !ok {
		ul = &userLedger{}
		s.users[userID] = ul
	}
	return ul
}

func (ul *userLedger) snapshot() domain.Ledger {
	return domain.Ledger{
		Portfolio: ul.portfolio,
		Exists:    ul.exists,
		Orders:    ul.pending(),
	}
}

// page returns transactions newest first; a non-positive limit means all.
func (ul *userLedger) page(limit, offset int) []domain.Transaction {
	n := len(ul.transactions)
	if offset < 0 {
		offset = 0
	}
	if offset >= n {
		return nil
	}
	if limit <= 0 || offset+limit > n {
		limit = n - offset
	}

	out := make([]domain.Transaction, 0, limit)
	for i := n - 1 - offset; i >= n-offset-limit; i-- {
		out = append(out, ul.transactions[i])
	}
	return out
}

func (ul *userLedger) pending() []domain.Order {
	out := make([]domain.Order, 0, len(ul.orders))
	for _, o := range ul.orders {
		if o.IsPending() {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// apply folds c into the ledger and reports whether the portfolio was created
// and whether the order replaced an existing one.
func (ul *userLedger) apply(c domain.Commit) (created, orderExisted bool) {
	created = !ul.exists

	if c.Reset {
		ul.transactions = nil
		ul.orders = nil
	}
	if c.Transaction != nil {
		ul.transactions = append(ul.transactions, *c.Transaction)
	}
	if c.Order != nil {
		for i := range ul.orders {
			if ul.orders[i].ID == c.Order.ID {
				ul.orders[i] = *c.Order
				orderExisted = true
				break
			}
		}
		if !orderExisted {
			ul.orders = append(ul.orders, *c.Order)
		}
	}

	ul.portfolio = c.Portfolio
	ul.exists = true

	return created, orderExisted
}
