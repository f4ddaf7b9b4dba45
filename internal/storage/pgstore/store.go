// Package pgstore persists ledgers in PostgreSQL and pushes changes with LISTEN/NOTIFY.
package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/safesats/safesats/internal/domain"
	"github.com/safesats/safesats/internal/storage"
)

// notifyChannel must be a plain identifier, LISTEN does not take parameters.
const notifyChannel = "safesats_changes"

const codeInsufficientPrivilege = "42501"

var _ storage.Store = (*Store)(nil)

// Store PostgreSQL-backed ledger store.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	now    func() time.Time
}

// New connects to dsn and creates the schema when missing.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("dsn is required for the postgres store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(mapErr(err), "ping postgres")
	}

	s := &Store{pool: pool, logger: logger, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("postgres ledger store ready")
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(mapErr(err), "migrate schema")
		}
	}
	return nil
}

// Apply implements storage.Store. A transaction-scoped advisory lock keyed by
// the user serialises concurrent operations, including the very first one
// when no portfolio row exists yet.
func (s *Store) Apply(ctx context.Context, userID string, fn storage.ApplyFunc) (domain.Commit, error) {
	if userID == "" {
		return domain.Commit{}, errors.Wrap(domain.ErrPermissionDenied, "user id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Commit{}, errors.Wrap(mapErr(err), "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", userID); err != nil {
		return domain.Commit{}, errors.Wrap(mapErr(err), "lock ledger")
	}

	ledger, err := loadLedger(ctx, tx, userID)
	if err != nil {
		return domain.Commit{}, err
	}

	commit, err := fn(ledger)
	if err != nil {
		return domain.Commit{}, err
	}

	commit.Portfolio.UserID = userID
	commit.Portfolio.Version = ledger.Portfolio.Version + 1
	commit.Portfolio.UpdatedAt = s.now().UTC()

	if err := storage.CheckCommit(userID, commit); err != nil {
		return domain.Commit{}, err
	}

	orderExisted := false
	if commit.Order != nil {
		_, orderExisted = ledger.FindOrder(commit.Order.ID)
	}

	if err := writeCommit(ctx, tx, userID, commit, orderExisted); err != nil {
		return domain.Commit{}, err
	}

	// notifications are delivered on commit, in the order they were queued
	for _, ev := range commit.Changes(!ledger.Exists, orderExisted) {
		payload, err := json.Marshal(ev)
		if err != nil {
			return domain.Commit{}, errors.Wrap(err, "marshal change event")
		}
		if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, string(payload)); err != nil {
			return domain.Commit{}, errors.Wrap(mapErr(err), "notify change")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Commit{}, errors.Wrap(mapErr(err), "failed to commit transaction")
	}
	return commit, nil
}

// GetPortfolio implements storage.Store.
func (s *Store) GetPortfolio(ctx context.Context, userID string) (domain.Portfolio, error) {
	p, ok, err := getPortfolio(ctx, s.pool, userID)
	if err != nil {
		return domain.Portfolio{}, err
	}
	if !ok {
		return domain.Portfolio{}, errors.Wrapf(domain.ErrNotFound, "portfolio of %s", userID)
	}
	return p, nil
}

// ListTransactions implements storage.Store.
func (s *Store) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]domain.Transaction, error) {
	return listTransactions(ctx, s.pool, userID, limit, offset)
}

// ListActiveOrders implements storage.Store.
func (s *Store) ListActiveOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	return listPending(ctx, s.pool, userID)
}

// Snapshot implements storage.Store. The reads share one repeatable-read
// transaction, so they all see the same committed version.
func (s *Store) Snapshot(ctx context.Context, userID string, historyLimit int) (domain.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return domain.Snapshot{}, errors.Wrap(mapErr(err), "failed to begin snapshot")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ledger, err := loadLedger(ctx, tx, userID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	txs, err := listTransactions(ctx, tx, userID, historyLimit, 0)
	if err != nil {
		return domain.Snapshot{}, err
	}

	return domain.Snapshot{
		Portfolio:    ledger.Portfolio,
		Exists:       ledger.Exists,
		Transactions: txs,
		Orders:       ledger.Orders,
	}, nil
}

// Subscribe implements storage.Store. Each subscription holds a dedicated
// connection taken out of the pool for LISTEN.
func (s *Store) Subscribe(ctx context.Context, userID string) (<-chan domain.ChangeEvent, error) {
	pooled, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(mapErr(err), "acquire listen connection")
	}
	conn := pooled.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		_ = conn.Close(context.Background())
		return nil, errors.Wrap(mapErr(err), "listen for changes")
	}

	ch := make(chan domain.ChangeEvent, 64)
	go func() {
		defer close(ch)
		defer func() { _ = conn.Close(context.Background()) }()

		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("change listener stopped", zap.String("user", userID), zap.Error(err))
				}
				return
			}

			var ev domain.ChangeEvent
			if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
				s.logger.Error("failed to unmarshal change event", zap.Error(err))
				continue
			}
			if ev.UserID != userID {
				continue
			}

			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadLedger(ctx context.Context, q querier, userID string) (domain.Ledger, error) {
	p, ok, err := getPortfolio(ctx, q, userID)
	if err != nil {
		return domain.Ledger{}, err
	}
	orders, err := listPending(ctx, q, userID)
	if err != nil {
		return domain.Ledger{}, err
	}
	return domain.Ledger{Portfolio: p, Exists: ok, Orders: orders}, nil
}

func getPortfolio(ctx context.Context, q querier, userID string) (domain.Portfolio, bool, error) {
	var (
		p                                       domain.Portfolio
		fiat, asset, fiatRes, assetRes, initial string
		total, pl, plPct                        string
		version                                 int64
	)
	err := q.QueryRow(ctx, `SELECT user_id, fiat_balance::text, asset_balance::text,
		fiat_reserved::text, asset_reserved::text, initial_value::text,
		total_value::text, profit_loss::text, profit_loss_percent::text, valuation_available,
		version, updated_at
		FROM portfolios WHERE user_id = $1`, userID).Scan(
		&p.UserID, &fiat, &asset, &fiatRes, &assetRes, &initial,
		&total, &pl, &plPct, &p.Valuation.Available, &version, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Portfolio{}, false, nil
	}
	if err != nil {
		return domain.Portfolio{}, false, errors.Wrap(mapErr(err), "failed to get portfolio")
	}

	if err := parseDecimals(
		decimalField{fiat, &p.FiatBalance},
		decimalField{asset, &p.AssetBalance},
		decimalField{fiatRes, &p.FiatReserved},
		decimalField{assetRes, &p.AssetReserved},
		decimalField{initial, &p.InitialValue},
		decimalField{total, &p.Valuation.TotalValue},
		decimalField{pl, &p.Valuation.ProfitLoss},
		decimalField{plPct, &p.Valuation.ProfitLossPercent},
	); err != nil {
		return domain.Portfolio{}, false, err
	}
	p.Version = uint64(version)
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, true, nil
}

func listPending(ctx context.Context, q querier, userID string) ([]domain.Order, error) {
	rows, err := q.Query(ctx, `SELECT id, user_id, side, kind, amount::text, price::text, status, created_at, updated_at
		FROM orders WHERE user_id = $1 AND status = $2 ORDER BY created_at, id`, userID, string(domain.OrderStatusPending))
	if err != nil {
		return nil, errors.Wrap(mapErr(err), "failed to get pending orders")
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var (
			o                  domain.Order
			side, kind, status string
			amount, price      string
		)
		if err := rows.Scan(&o.ID, &o.UserID, &side, &kind, &amount, &price, &status, &o.Timestamp, &o.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan order")
		}
		o.Side, o.Kind, o.Status = domain.Side(side), domain.OrderKind(kind), domain.OrderStatus(status)
		if err := parseDecimals(decimalField{amount, &o.Amount}, decimalField{price, &o.Price}); err != nil {
			return nil, err
		}
		o.Timestamp = o.Timestamp.UTC()
		o.UpdatedAt = o.UpdatedAt.UTC()
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(mapErr(err), "failed to get pending orders")
	}
	return orders, nil
}

func listTransactions(ctx context.Context, q querier, userID string, limit, offset int) ([]domain.Transaction, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := q.Query(ctx, selectTransactions+
		" WHERE user_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3", userID, lim, offset)
	if err != nil {
		return nil, errors.Wrap(mapErr(err), "failed to list transactions")
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(mapErr(err), "failed to list transactions")
	}
	return txs, nil
}

const selectTransactions = `SELECT id, user_id, side, kind, asset_amount::text, fiat_amount::text,
	execution_price::text, order_id, status, executed_at FROM transactions`

func scanTransaction(rows pgx.Rows) (domain.Transaction, error) {
	var (
		t                  domain.Transaction
		side, kind         string
		asset, fiat, price string
	)
	if err := rows.Scan(&t.ID, &t.UserID, &side, &kind, &asset, &fiat, &price, &t.OrderID, &t.Status, &t.Timestamp); err != nil {
		return domain.Transaction{}, errors.Wrap(err, "failed to scan transaction")
	}
	t.Side, t.Kind = domain.Side(side), domain.OrderKind(kind)
	if err := parseDecimals(
		decimalField{asset, &t.AssetAmount},
		decimalField{fiat, &t.FiatAmount},
		decimalField{price, &t.ExecutionPrice},
	); err != nil {
		return domain.Transaction{}, err
	}
	t.Timestamp = t.Timestamp.UTC()
	return t, nil
}

func writeCommit(ctx context.Context, tx pgx.Tx, userID string, c domain.Commit, orderExisted bool) error {
	if c.Reset {
		if _, err := tx.Exec(ctx, "DELETE FROM transactions WHERE user_id = $1", userID); err != nil {
			return errors.Wrap(mapErr(err), "clear transactions")
		}
		if _, err := tx.Exec(ctx, "DELETE FROM orders WHERE user_id = $1", userID); err != nil {
			return errors.Wrap(mapErr(err), "clear orders")
		}
	}

	if t := c.Transaction; t != nil {
		_, err := tx.Exec(ctx, `INSERT INTO transactions
			(id, user_id, side, kind, asset_amount, fiat_amount, execution_price, order_id, status, executed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			t.ID, t.UserID, string(t.Side), string(t.Kind),
			t.AssetAmount.String(), t.FiatAmount.String(), t.ExecutionPrice.String(),
			t.OrderID, t.Status, t.Timestamp)
		if err != nil {
			return errors.Wrap(mapErr(err), "failed to insert transaction")
		}
	}

	if o := c.Order; o != nil {
		var err error
		if orderExisted {
			_, err = tx.Exec(ctx, `UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3 AND user_id = $4`,
				string(o.Status), o.UpdatedAt, o.ID, userID)
		} else {
			_, err = tx.Exec(ctx, `INSERT INTO orders
				(id, user_id, side, kind, amount, price, status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				o.ID, o.UserID, string(o.Side), string(o.Kind),
				o.Amount.String(), o.Price.String(), string(o.Status), o.Timestamp, o.UpdatedAt)
		}
		if err != nil {
			return errors.Wrap(mapErr(err), "failed to write order")
		}
	}

	p := c.Portfolio
	_, err := tx.Exec(ctx, `INSERT INTO portfolios
		(user_id, fiat_balance, asset_balance, fiat_reserved, asset_reserved, initial_value,
		 total_value, profit_loss, profit_loss_percent, valuation_available, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id) DO UPDATE SET
			fiat_balance = EXCLUDED.fiat_balance,
			asset_balance = EXCLUDED.asset_balance,
			fiat_reserved = EXCLUDED.fiat_reserved,
			asset_reserved = EXCLUDED.asset_reserved,
			initial_value = EXCLUDED.initial_value,
			total_value = EXCLUDED.total_value,
			profit_loss = EXCLUDED.profit_loss,
			profit_loss_percent = EXCLUDED.profit_loss_percent,
			valuation_available = EXCLUDED.valuation_available,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at`,
		userID, p.FiatBalance.String(), p.AssetBalance.String(), p.FiatReserved.String(),
		p.AssetReserved.String(), p.InitialValue.String(),
		p.Valuation.TotalValue.String(), p.Valuation.ProfitLoss.String(), p.Valuation.ProfitLossPercent.String(),
		p.Valuation.Available, int64(p.Version), p.UpdatedAt)
	if err != nil {
		return errors.Wrap(mapErr(err), "failed to upsert portfolio")
	}
	return nil
}

type decimalField struct {
	raw string
	dst *decimal.Decimal
}

func parseDecimals(fields ...decimalField) error {
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return errors.Wrapf(err, "parse numeric %q", f.raw)
		}
		*f.dst = d
	}
	return nil
}

// mapErr translates row-level-security and privilege failures into the taxonomy.
func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeInsufficientPrivilege {
		return errors.Wrap(domain.ErrPermissionDenied, pgErr.Message)
	}
	return err
}
