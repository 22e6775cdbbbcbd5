// Package postgres implements the relationaldb.Store over PostgreSQL.
// All lifecycle writes funnel through ApplyTransition; lock ordering is
// order row -> payer balance -> recipient balance throughout.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/rampline/settlecore/internal/core/ledger"
	"github.com/rampline/settlecore/internal/storage/relationaldb"
)

// Store implements relationaldb.Store for PostgreSQL.
type Store struct {
	db     *sql.DB
	config *relationaldb.Config
	ledger *Ledger
}

// NewStore creates a new PostgreSQL store instance.
func NewStore(config *relationaldb.Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, relationaldb.NewConfigurationError("new_store", "invalid configuration", err)
	}

	s := &Store{config: config}
	s.ledger = &Ledger{config: config}
	return s, nil
}

// Ledger exposes the balance-mutation component for effects callbacks.
func (s *Store) Ledger() ledger.Ledger { return s.ledger }

// Open opens the database connection and initializes the schema.
func (s *Store) Open(ctx context.Context) error {
	connStr, err := s.config.BuildConnectionString()
	if err != nil {
		return relationaldb.NewConfigurationError("open", "failed to build connection string", err)
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return relationaldb.NewConnectionError("open", "failed to open database connection", err)
	}

	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxIdleConns)
	db.SetConnMaxLifetime(s.config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(s.config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, s.config.DefaultTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return relationaldb.NewConnectionError("open", "failed to ping database", err)
	}

	s.db = db

	if err := s.initSchema(ctx); err != nil {
		s.db.Close()
		s.db = nil
		return relationaldb.NewSchemaError("open", "failed to initialize schema", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close(ctx context.Context) error {
	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil

	if err != nil {
		return relationaldb.NewConnectionError("close", "failed to close database connection", err)
	}

	return nil
}

// Ping tests the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return relationaldb.ErrDatabaseClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.DefaultTimeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return relationaldb.NewConnectionError("ping", "database ping failed", err)
	}

	return nil
}

// begin starts a transaction bounded by the default statement timeout. The
// returned cancel must be deferred by the caller.
func (s *Store) begin(ctx context.Context) (*sql.Tx, context.Context, context.CancelFunc, error) {
	if s.db == nil {
		return nil, nil, nil, relationaldb.ErrDatabaseClosed
	}

	txCtx, cancel := context.WithTimeout(ctx, s.config.DefaultTimeout)

	tx, err := s.db.BeginTx(txCtx, nil)
	if err != nil {
		cancel()
		return nil, nil, nil, relationaldb.NewTransactionError("begin", "failed to begin transaction", err)
	}

	return tx, txCtx, cancel, nil
}

// initSchema creates the settlement tables.
func (s *Store) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id UUID PRIMARY KEY,
			order_number TEXT UNIQUE NOT NULL,
			seller_merchant_id UUID NOT NULL,
			user_id UUID NOT NULL,
			buyer_merchant_id UUID,
			offer_id UUID NOT NULL,
			type TEXT NOT NULL CHECK (type IN ('buy', 'sell')),
			crypto_amount NUMERIC(30,10) NOT NULL CHECK (crypto_amount > 0),
			fiat_amount NUMERIC(30,10) NOT NULL CHECK (fiat_amount > 0),
			rate NUMERIC(30,10) NOT NULL,
			crypto_currency TEXT NOT NULL,
			fiat_currency TEXT NOT NULL,
			payment_method TEXT NOT NULL CHECK (payment_method IN ('bank', 'cash')),
			payment_details JSONB NOT NULL,
			status TEXT NOT NULL,
			order_version BIGINT NOT NULL DEFAULT 1,
			protocol_fee_percentage NUMERIC(6,2) NOT NULL,
			protocol_fee_amount NUMERIC(30,10) NOT NULL,
			escrow_debited_entity_type TEXT,
			escrow_debited_entity_id UUID,
			escrow_debited_amount NUMERIC(30,10),
			escrow_tx_hash TEXT,
			release_tx_hash TEXT,
			refund_tx_hash TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			accepted_at TIMESTAMPTZ,
			escrowed_at TIMESTAMPTZ,
			payment_sent_at TIMESTAMPTZ,
			payment_confirmed_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			cancelled_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ NOT NULL,
			CHECK (release_tx_hash IS NULL OR refund_tx_hash IS NULL)
		)`,

		`CREATE TABLE IF NOT EXISTS order_events (
			id BIGSERIAL PRIMARY KEY,
			order_id UUID NOT NULL REFERENCES orders(id),
			old_status TEXT NOT NULL,
			new_status TEXT NOT NULL,
			event_type TEXT NOT NULL,
			actor_type TEXT NOT NULL,
			actor_id UUID,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS notification_outbox (
			id BIGSERIAL PRIMARY KEY,
			event_type TEXT NOT NULL,
			order_id UUID NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 3,
			next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_error TEXT,
			sent_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS party_balances (
			entity_type TEXT NOT NULL,
			entity_id UUID NOT NULL,
			balance NUMERIC(30,10) NOT NULL DEFAULT 0 CHECK (balance >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (entity_type, entity_id)
		)`,

		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			account_type TEXT NOT NULL,
			account_id UUID NOT NULL,
			order_id UUID NOT NULL,
			entry_kind TEXT NOT NULL,
			amount_signed NUMERIC(30,10) NOT NULL,
			related_tx_hash TEXT,
			description TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS disputes (
			id UUID PRIMARY KEY,
			order_id UUID NOT NULL UNIQUE REFERENCES orders(id),
			status TEXT NOT NULL,
			reason TEXT NOT NULL,
			description TEXT,
			initiated_by TEXT NOT NULL,
			initiator_id UUID NOT NULL,
			resolution TEXT,
			split_user_pct NUMERIC(6,2),
			split_merchant_pct NUMERIC(6,2),
			user_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			merchant_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			user_amount NUMERIC(30,10),
			merchant_amount NUMERIC(30,10),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			resolved_at TIMESTAMPTZ
		)`,

		`CREATE TABLE IF NOT EXISTS order_number_seq (
			day DATE PRIMARY KEY,
			last_value BIGINT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_orders_status_expires ON orders(status, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_seller_merchant ON orders(seller_merchant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_due ON notification_outbox(status, next_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_order ON ledger_entries(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries(account_type, account_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

var _ relationaldb.Store = (*Store)(nil)
