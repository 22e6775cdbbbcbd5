package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rampline/settlecore/internal/core/ledger"
	"github.com/rampline/settlecore/internal/core/order"
	"github.com/rampline/settlecore/internal/storage/relationaldb"
)

// Ledger implements ledger.Ledger over party_balances and ledger_entries.
// All methods run on the caller's transaction; lock ordering is order row
// first, then payer, then recipient.
type Ledger struct {
	config *relationaldb.Config
}

var _ ledger.Ledger = (*Ledger)(nil)

// lockAccount locks the balance row, creating it first if absent. In mock
// mode new accounts are seeded with the configured initial balance so local
// flows can exercise escrow without an on-chain bridge.
func (l *Ledger) lockAccount(ctx context.Context, tx ledger.Execer, accountType string, accountID uuid.UUID) (decimal.Decimal, error) {
	seed := decimal.Zero
	if l.config.MockMode && accountType != ledger.PlatformAccountType {
		seed = l.config.MockInitialBalance
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO party_balances (entity_type, entity_id, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_type, entity_id) DO NOTHING`,
		accountType, accountID, seed,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to ensure balance row: %w", err)
	}

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT balance FROM party_balances
		WHERE entity_type = $1 AND entity_id = $2
		FOR UPDATE`,
		accountType, accountID,
	).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to lock balance row: %w", err)
	}

	return balance, nil
}

func insertEntry(ctx context.Context, tx ledger.Execer, e ledger.Entry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (account_type, account_id, order_id, entry_kind, amount_signed, related_tx_hash, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.AccountType, e.AccountID, e.OrderID, string(e.Kind), e.AmountSigned, nullString(e.RelatedTxHash), nullString(e.Description),
	)
	return err
}

// DebitAndLock locks the payer's balance row and debits it with a guarded
// UPDATE. Zero rows affected means the balance guard rejected the debit.
func (l *Ledger) DebitAndLock(ctx context.Context, tx ledger.Execer, payer order.Party, amount decimal.Decimal, orderID uuid.UUID, txHash string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("debit amount must be positive, got %s: %w", amount, order.ErrValidation)
	}

	balance, err := l.lockAccount(ctx, tx, string(payer.Type), payer.ID)
	if err != nil {
		return relationaldb.NewQueryError("debit_and_lock", "failed to lock payer", err)
	}
	if balance.LessThan(amount) {
		return fmt.Errorf("%s %s has %s, needs %s: %w",
			payer.Type, payer.ID, balance, amount, ledger.ErrInsufficientFunds)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE party_balances
		SET balance = balance - $3, updated_at = NOW()
		WHERE entity_type = $1 AND entity_id = $2 AND balance >= $3`,
		string(payer.Type), payer.ID, amount,
	)
	if err != nil {
		return relationaldb.NewQueryError("debit_and_lock", "failed to debit payer", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return relationaldb.NewQueryError("debit_and_lock", "failed to read rows affected", err)
	} else if n == 0 {
		return fmt.Errorf("balance guard rejected debit of %s: %w", amount, ledger.ErrInsufficientFunds)
	}

	err = insertEntry(ctx, tx, ledger.Entry{
		AccountType:   string(payer.Type),
		AccountID:     payer.ID,
		OrderID:       orderID,
		Kind:          ledger.EntryEscrowLock,
		AmountSigned:  amount.Neg(),
		RelatedTxHash: txHash,
	})
	if err != nil {
		return relationaldb.NewQueryError("debit_and_lock", "failed to insert ledger entry", err)
	}

	return nil
}

// Credit credits the recipient and writes one entry of the given kind.
func (l *Ledger) Credit(ctx context.Context, tx ledger.Execer, recipient order.Party, amount decimal.Decimal, orderID uuid.UUID, kind ledger.EntryKind, txHash string) error {
	if amount.IsNegative() {
		return fmt.Errorf("credit amount must be non-negative, got %s: %w", amount, order.ErrValidation)
	}
	if amount.IsZero() {
		return nil
	}

	if _, err := l.lockAccount(ctx, tx, string(recipient.Type), recipient.ID); err != nil {
		return relationaldb.NewQueryError("credit", "failed to lock recipient", err)
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE party_balances
		SET balance = balance + $3, updated_at = NOW()
		WHERE entity_type = $1 AND entity_id = $2`,
		string(recipient.Type), recipient.ID, amount,
	)
	if err != nil {
		return relationaldb.NewQueryError("credit", "failed to credit recipient", err)
	}

	err = insertEntry(ctx, tx, ledger.Entry{
		AccountType:   string(recipient.Type),
		AccountID:     recipient.ID,
		OrderID:       orderID,
		Kind:          kind,
		AmountSigned:  amount,
		RelatedTxHash: txHash,
	})
	if err != nil {
		return relationaldb.NewQueryError("credit", "failed to insert ledger entry", err)
	}

	return nil
}

// DebitPlatformFee moves the fee from the payer to the platform account,
// writing one FEE entry per side so the entries for an order sum to zero.
func (l *Ledger) DebitPlatformFee(ctx context.Context, tx ledger.Execer, payer order.Party, amount decimal.Decimal, orderID uuid.UUID) error {
	if amount.IsNegative() {
		return fmt.Errorf("fee amount must be non-negative, got %s: %w", amount, order.ErrValidation)
	}
	if amount.IsZero() {
		return nil
	}

	balance, err := l.lockAccount(ctx, tx, string(payer.Type), payer.ID)
	if err != nil {
		return relationaldb.NewQueryError("debit_platform_fee", "failed to lock payer", err)
	}
	if balance.LessThan(amount) {
		return fmt.Errorf("%s %s has %s, fee is %s: %w",
			payer.Type, payer.ID, balance, amount, ledger.ErrInsufficientFunds)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE party_balances
		SET balance = balance - $3, updated_at = NOW()
		WHERE entity_type = $1 AND entity_id = $2 AND balance >= $3`,
		string(payer.Type), payer.ID, amount,
	)
	if err != nil {
		return relationaldb.NewQueryError("debit_platform_fee", "failed to debit payer", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return relationaldb.NewQueryError("debit_platform_fee", "failed to read rows affected", err)
	} else if n == 0 {
		return fmt.Errorf("balance guard rejected fee of %s: %w", amount, ledger.ErrInsufficientFunds)
	}

	if _, err := l.lockAccount(ctx, tx, ledger.PlatformAccountType, ledger.PlatformAccountID); err != nil {
		return relationaldb.NewQueryError("debit_platform_fee", "failed to lock platform account", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE party_balances
		SET balance = balance + $3, updated_at = NOW()
		WHERE entity_type = $1 AND entity_id = $2`,
		ledger.PlatformAccountType, ledger.PlatformAccountID, amount,
	)
	if err != nil {
		return relationaldb.NewQueryError("debit_platform_fee", "failed to credit platform", err)
	}

	entries := []ledger.Entry{
		{AccountType: string(payer.Type), AccountID: payer.ID, OrderID: orderID, Kind: ledger.EntryFee, AmountSigned: amount.Neg()},
		{AccountType: ledger.PlatformAccountType, AccountID: ledger.PlatformAccountID, OrderID: orderID, Kind: ledger.EntryFee, AmountSigned: amount},
	}
	for _, e := range entries {
		if err := insertEntry(ctx, tx, e); err != nil {
			return relationaldb.NewQueryError("debit_platform_fee", "failed to insert ledger entry", err)
		}
	}

	return nil
}

// GetBalance reads a party's current balance. Unknown accounts read as zero.
func (s *Store) GetBalance(ctx context.Context, p order.Party) (decimal.Decimal, error) {
	if s.db == nil {
		return decimal.Zero, relationaldb.ErrDatabaseClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.DefaultTimeout)
	defer cancel()

	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT balance FROM party_balances WHERE entity_type = $1 AND entity_id = $2`,
		string(p.Type), p.ID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, relationaldb.NewQueryError("get_balance", "failed to query balance", err)
	}

	return balance, nil
}

// EnsureAccount creates the balance row if absent, applying the mock seed.
func (s *Store) EnsureAccount(ctx context.Context, p order.Party) error {
	if s.db == nil {
		return relationaldb.ErrDatabaseClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.DefaultTimeout)
	defer cancel()

	seed := decimal.Zero
	if s.config.MockMode {
		seed = s.config.MockInitialBalance
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO party_balances (entity_type, entity_id, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_type, entity_id) DO NOTHING`,
		string(p.Type), p.ID, seed,
	)
	if err != nil {
		return relationaldb.NewQueryError("ensure_account", "failed to ensure balance row", err)
	}

	return nil
}

// OrderEntries returns the ledger rows of one order in append order.
func (s *Store) OrderEntries(ctx context.Context, orderID uuid.UUID) ([]ledger.Entry, error) {
	if s.db == nil {
		return nil, relationaldb.ErrDatabaseClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.DefaultTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_type, account_id, order_id, entry_kind, amount_signed, related_tx_hash, description, created_at
		FROM ledger_entries WHERE order_id = $1 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, relationaldb.NewQueryError("order_entries", "failed to query entries", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e          ledger.Entry
			kind       string
			hash, desc sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.AccountType, &e.AccountID, &e.OrderID, &kind, &e.AmountSigned, &hash, &desc, &e.CreatedAt); err != nil {
			return nil, relationaldb.NewQueryError("order_entries", "failed to scan entry", err)
		}
		e.Kind = ledger.EntryKind(kind)
		e.RelatedTxHash = hash.String
		e.Description = desc.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, relationaldb.NewQueryError("order_entries", "failed to iterate", err)
	}

	return entries, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
