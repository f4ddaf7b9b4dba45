package pgstore

// schema statements run in order on startup; each is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS portfolios (
		user_id             TEXT PRIMARY KEY,
		fiat_balance        NUMERIC NOT NULL CHECK (fiat_balance >= 0),
		asset_balance       NUMERIC NOT NULL CHECK (asset_balance >= 0),
		fiat_reserved       NUMERIC NOT NULL DEFAULT 0 CHECK (fiat_reserved >= 0),
		asset_reserved      NUMERIC NOT NULL DEFAULT 0 CHECK (asset_reserved >= 0),
		initial_value       NUMERIC NOT NULL,
		total_value         NUMERIC NOT NULL DEFAULT 0,
		profit_loss         NUMERIC NOT NULL DEFAULT 0,
		profit_loss_percent NUMERIC NOT NULL DEFAULT 0,
		valuation_available BOOLEAN NOT NULL DEFAULT FALSE,
		version             BIGINT NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		seq             BIGSERIAL,
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		side            TEXT NOT NULL CHECK (side IN ('buy', 'sell')),
		kind            TEXT NOT NULL,
		asset_amount    NUMERIC NOT NULL CHECK (asset_amount > 0),
		fiat_amount     NUMERIC NOT NULL CHECK (fiat_amount > 0),
		execution_price NUMERIC NOT NULL CHECK (execution_price > 0),
		order_id        TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		executed_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_user_seq_idx ON transactions (user_id, seq DESC)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		side       TEXT NOT NULL CHECK (side IN ('buy', 'sell')),
		kind       TEXT NOT NULL,
		amount     NUMERIC NOT NULL CHECK (amount > 0),
		price      NUMERIC NOT NULL CHECK (price > 0),
		status     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS orders_user_status_idx ON orders (user_id, status)`,
}
