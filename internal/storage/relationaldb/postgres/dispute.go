package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rampline/settlecore/internal/core/dispute"
	"github.com/rampline/settlecore/internal/core/ledger"
	"github.com/rampline/settlecore/internal/core/order"
	"github.com/rampline/settlecore/internal/storage/relationaldb"
)

// insertDispute creates the dispute record inside the caller's transaction.
// The unique constraint on order_id makes a second open attempt a conflict.
func insertDispute(ctx context.Context, tx ledger.Execer, d *dispute.Dispute) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO disputes (id, order_id, status, reason, description, initiated_by, initiator_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		d.ID, d.OrderID, string(d.Status), d.Reason, nullString(d.Description),
		string(d.InitiatedBy), d.InitiatorID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s already has a dispute: %w", d.OrderID, order.ErrConflict)
		}
		return relationaldb.NewQueryError("insert_dispute", "failed to insert dispute", err)
	}
	return nil
}

// updateDispute writes the mutable dispute fields inside the caller's
// transaction.
func updateDispute(ctx context.Context, tx ledger.Execer, d *dispute.Dispute) error {
	var resolution interface{}
	if d.Resolution != nil {
		resolution = string(*d.Resolution)
	}
	var userPct, merchantPct interface{}
	if d.SplitPct != nil {
		userPct = d.SplitPct.User
		merchantPct = d.SplitPct.Merchant
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE disputes SET
			status = $2,
			resolution = $3,
			split_user_pct = $4,
			split_merchant_pct = $5,
			user_confirmed = $6,
			merchant_confirmed = $7,
			user_amount = $8,
			merchant_amount = $9,
			resolved_at = $10
		WHERE id = $1`,
		d.ID, string(d.Status), resolution, userPct, merchantPct,
		d.UserConfirmed, d.MerchantConfirmed,
		decimal.NullDecimal{Decimal: d.UserAmount, Valid: d.Status == dispute.StatusResolved},
		decimal.NullDecimal{Decimal: d.MerchantAmount, Valid: d.Status == dispute.StatusResolved},
		d.ResolvedAt,
	)
	if err != nil {
		return relationaldb.NewQueryError("update_dispute", "failed to update dispute", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("dispute %s: %w", d.ID, order.ErrNotFound)
	}
	return nil
}

const disputeColumns = `id, order_id, status, reason, description, initiated_by, initiator_id,
	resolution, split_user_pct, split_merchant_pct,
	user_confirmed, merchant_confirmed, user_amount, merchant_amount,
	created_at, resolved_at`

func scanDispute(row *sql.Row, op string) (*dispute.Dispute, error) {
	var (
		d                    dispute.Dispute
		status, initiatedBy  string
		description          sql.NullString
		resolution           sql.NullString
		userPct, merchantPct decimal.NullDecimal
		userAmt, merchantAmt decimal.NullDecimal
	)

	err := row.Scan(
		&d.ID, &d.OrderID, &status, &d.Reason, &description, &initiatedBy, &d.InitiatorID,
		&resolution, &userPct, &merchantPct,
		&d.UserConfirmed, &d.MerchantConfirmed, &userAmt, &merchantAmt,
		&d.CreatedAt, &d.ResolvedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, relationaldb.NewQueryError(op, "failed to query dispute", err)
	}

	d.Status = dispute.Status(status)
	d.InitiatedBy = order.ActorType(initiatedBy)
	d.Description = description.String
	if resolution.Valid {
		res := dispute.Resolution(resolution.String)
		d.Resolution = &res
	}
	if userPct.Valid && merchantPct.Valid {
		d.SplitPct = &dispute.Split{User: userPct.Decimal, Merchant: merchantPct.Decimal}
	}
	if userAmt.Valid {
		d.UserAmount = userAmt.Decimal
	}
	if merchantAmt.Valid {
		d.MerchantAmount = merchantAmt.Decimal
	}

	return &d, nil
}

// GetDispute fetches the dispute attached to an order.
func (s *Store) GetDispute(ctx context.Context, orderID uuid.UUID) (*dispute.Dispute, error) {
	if s.db == nil {
		return nil, relationaldb.ErrDatabaseClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.DefaultTimeout)
	defer cancel()

	return scanDispute(s.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes WHERE order_id = $1`,
		orderID,
	), "get_dispute")
}

// ConfirmDispute claims the dispute row with FOR UPDATE before recording the
// confirmation, so a concurrent confirmation by the other party cannot be
// overwritten by this one's full-row write.
func (s *Store) ConfirmDispute(ctx context.Context, orderID uuid.UUID, party order.EntityType) (*dispute.Dispute, bool, error) {
	tx, txCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer cancel()
	defer tx.Rollback()

	d, err := scanDispute(tx.QueryRowContext(txCtx, `
		SELECT `+disputeColumns+`
		FROM disputes WHERE order_id = $1
		FOR UPDATE`,
		orderID,
	), "confirm_dispute")
	if err != nil {
		return nil, false, err
	}

	both, err := d.Confirm(party)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", err, order.ErrConflict)
	}

	if err := updateDispute(txCtx, tx, d); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, relationaldb.NewTransactionError("confirm_dispute", "failed to commit", err)
	}

	return d, both, nil
}

// SaveDispute persists dispute mutations that happen outside a lifecycle
// transition (proposals, single confirmations, rejections).
func (s *Store) SaveDispute(ctx context.Context, d *dispute.Dispute) error {
	if s.db == nil {
		return relationaldb.ErrDatabaseClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.DefaultTimeout)
	defer cancel()

	return updateDispute(ctx, s.db, d)
}
