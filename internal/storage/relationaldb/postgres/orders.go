package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/rampline/settlecore/internal/core/ledger"
	"github.com/rampline/settlecore/internal/core/order"
	"github.com/rampline/settlecore/internal/storage/relationaldb"
)

const orderColumns = `id, order_number, seller_merchant_id, user_id, buyer_merchant_id, offer_id,
	type, crypto_amount, fiat_amount, rate, crypto_currency, fiat_currency,
	payment_method, payment_details, status, order_version,
	protocol_fee_percentage, protocol_fee_amount,
	escrow_debited_entity_type, escrow_debited_entity_id, escrow_debited_amount,
	escrow_tx_hash, release_tx_hash, refund_tx_hash,
	created_at, accepted_at, escrowed_at, payment_sent_at, payment_confirmed_at,
	completed_at, cancelled_at, expires_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*order.Order, error) {
	var (
		o             order.Order
		status        string
		detailsRaw    []byte
		debitedType   sql.NullString
		debitedAmount decimal.NullDecimal
	)

	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.SellerMerchantID, &o.UserID, &o.BuyerMerchantID, &o.OfferID,
		&o.Type, &o.CryptoAmount, &o.FiatAmount, &o.Rate, &o.CryptoCurrency, &o.FiatCurrency,
		&o.PaymentMethod, &detailsRaw, &status, &o.Version,
		&o.ProtocolFeePercentage, &o.ProtocolFeeAmount,
		&debitedType, &o.EscrowDebitedEntityID, &debitedAmount,
		&o.EscrowTxHash, &o.ReleaseTxHash, &o.RefundTxHash,
		&o.CreatedAt, &o.AcceptedAt, &o.EscrowedAt, &o.PaymentSentAt, &o.PaymentConfirmedAt,
		&o.CompletedAt, &o.CancelledAt, &o.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = order.Status(status)
	if debitedType.Valid {
		o.EscrowDebitedEntityType = order.EntityType(debitedType.String)
	}
	if debitedAmount.Valid {
		o.EscrowDebitedAmount = debitedAmount.Decimal
	}
	if err := json.Unmarshal(detailsRaw, &o.PaymentDetails); err != nil {
		return nil, fmt.Errorf("failed to decode payment details: %w", err)
	}

	return &o, nil
}

// writeOrder persists the mutable columns of an already-inserted order.
func writeOrder(ctx context.Context, tx ledger.Execer, o *order.Order) error {
	detailsRaw, err := json.Marshal(o.PaymentDetails)
	if err != nil {
		return fmt.Errorf("failed to encode payment details: %w", err)
	}

	var debitedType interface{}
	if o.EscrowDebitedEntityType != "" {
		debitedType = string(o.EscrowDebitedEntityType)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET
			seller_merchant_id = $2,
			payment_details = $3,
			status = $4,
			order_version = $5,
			escrow_debited_entity_type = $6,
			escrow_debited_entity_id = $7,
			escrow_debited_amount = $8,
			escrow_tx_hash = $9,
			release_tx_hash = $10,
			refund_tx_hash = $11,
			accepted_at = $12,
			escrowed_at = $13,
			payment_sent_at = $14,
			payment_confirmed_at = $15,
			completed_at = $16,
			cancelled_at = $17
		WHERE id = $1`,
		o.ID, o.SellerMerchantID, detailsRaw, string(o.Status), o.Version,
		debitedType, o.EscrowDebitedEntityID, decimal.NullDecimal{Decimal: o.EscrowDebitedAmount, Valid: o.EscrowDebitedEntityID != nil},
		o.EscrowTxHash, o.ReleaseTxHash, o.RefundTxHash,
		o.AcceptedAt, o.EscrowedAt, o.PaymentSentAt, o.PaymentConfirmedAt,
		o.CompletedAt, o.CancelledAt,
	)
	return err
}

// nextOrderNumber draws the next value of the per-day sequence. Numbers are
// monotonic within a day and never reused, including across rollbacks of the
// surrounding transaction (gaps are acceptable, duplicates are not, so the
// draw happens on the transaction that commits the order).
func nextOrderNumber(ctx context.Context, tx ledger.Execer, now time.Time) (string, error) {
	day := now.UTC().Truncate(24 * time.Hour)

	var n int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO order_number_seq (day, last_value) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET last_value = order_number_seq.last_value + 1
		RETURNING last_value`,
		day,
	).Scan(&n)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("OTC-%s-%06d", day.Format("20060102"), n), nil
}

// CreateOrder inserts the order with a freshly drawn order number, the
// ORDER_CREATED event, and the matching outbox envelope in one transaction.
func (s *Store) CreateOrder(ctx context.Context, o *order.Order, metadata map[string]interface{}) error {
	tx, txCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer tx.Rollback()

	number, err := nextOrderNumber(txCtx, tx, o.CreatedAt)
	if err != nil {
		return relationaldb.NewQueryError("create_order", "failed to draw order number", err)
	}
	o.OrderNumber = number

	detailsRaw, err := json.Marshal(o.PaymentDetails)
	if err != nil {
		return relationaldb.NewQueryError("create_order", "failed to encode payment details", err)
	}

	_, err = tx.ExecContext(txCtx, `
		INSERT INTO orders (
			id, order_number, seller_merchant_id, user_id, buyer_merchant_id, offer_id,
			type, crypto_amount, fiat_amount, rate, crypto_currency, fiat_currency,
			payment_method, payment_details, status, order_version,
			protocol_fee_percentage, protocol_fee_amount, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		o.ID, o.OrderNumber, o.SellerMerchantID, o.UserID, o.BuyerMerchantID, o.OfferID,
		string(o.Type), o.CryptoAmount, o.FiatAmount, o.Rate, o.CryptoCurrency, o.FiatCurrency,
		string(o.PaymentMethod), detailsRaw, string(o.Status), o.Version,
		o.ProtocolFeePercentage, o.ProtocolFeeAmount, o.CreatedAt, o.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order insert collided: %w", order.ErrConflict)
		}
		return relationaldb.NewQueryError("create_order", "failed to insert order", err)
	}

	actor := order.UserActor(o.UserID)
	if _, err := insertEvent(txCtx, tx, o, o.Status, o.Status, actor, metadata); err != nil {
		return relationaldb.NewQueryError("create_order", "failed to insert creation event", err)
	}

	if _, err := stageEnvelope(txCtx, tx, o, o.Status, actor, metadata, s.config.OutboxMaxAttempts); err != nil {
		return relationaldb.NewQueryError("create_order", "failed to stage creation envelope", err)
	}

	if err := tx.Commit(); err != nil {
		return relationaldb.NewTransactionError("create_order", "failed to commit", err)
	}

	return nil
}

// GetOrder fetches one order by ID.
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	if s.db == nil {
		return nil, relationaldb.ErrDatabaseClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.DefaultTimeout)
	defer cancel()

	o, err := scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, relationaldb.NewQueryError("get_order", "failed to query order", err)
	}

	return o, nil
}

// getOrderForUpdate locks the order row for the remainder of the transaction.
func getOrderForUpdate(ctx context.Context, tx ledger.Execer, id uuid.UUID) (*order.Order, error) {
	o, err := scanOrder(tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	return o, err
}

// ListOrders returns orders matching the filter, newest first.
func (s *Store) ListOrders(ctx context.Context, f relationaldb.OrderFilter) ([]*order.Order, error) {
	if s.db == nil {
		return nil, relationaldb.ErrDatabaseClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.DefaultTimeout)
	defer cancel()

	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	args := []interface{}{}

	if f.UserID != nil {
		args = append(args, *f.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if f.MerchantID != nil {
		args = append(args, *f.MerchantID)
		query += fmt.Sprintf(" AND (seller_merchant_id = $%d OR buyer_merchant_id = $%d)", len(args), len(args))
	}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, relationaldb.NewQueryError("list_orders", "failed to query orders", err)
	}
	defer rows.Close()

	var orders []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, relationaldb.NewQueryError("list_orders", "failed to scan order", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, relationaldb.NewQueryError("list_orders", "failed to iterate orders", err)
	}

	return orders, nil
}

// ListEvents returns the per-order event chain in append order.
func (s *Store) ListEvents(ctx context.Context, orderID uuid.UUID) ([]order.Event, error) {
	if s.db == nil {
		return nil, relationaldb.ErrDatabaseClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.DefaultTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, old_status, new_status, event_type, actor_type, actor_id, metadata, created_at
		FROM order_events WHERE order_id = $1 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, relationaldb.NewQueryError("list_events", "failed to query events", err)
	}
	defer rows.Close()

	var events []order.Event
	for rows.Next() {
		var (
			e                     order.Event
			oldS, newS, actorType string
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &oldS, &newS, &e.EventType, &actorType, &e.ActorID, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, relationaldb.NewQueryError("list_events", "failed to scan event", err)
		}
		e.OldStatus = order.Status(oldS)
		e.NewStatus = order.Status(newS)
		e.ActorType = order.ActorType(actorType)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, relationaldb.NewQueryError("list_events", "failed to iterate events", err)
	}

	return events, nil
}

// ReassignSeller swaps the seller merchant on a non-terminal order. The
// escrow provenance columns are deliberately left alone; a refund after a
// reassignment still targets the party that funded the escrow.
func (s *Store) ReassignSeller(ctx context.Context, orderID, newMerchantID uuid.UUID, actor order.Actor) error {
	tx, txCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer tx.Rollback()

	o, err := getOrderForUpdate(txCtx, tx, orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return err
		}
		return relationaldb.NewQueryError("reassign_seller", "failed to lock order", err)
	}

	if o.Status.IsTerminal() {
		return fmt.Errorf("order %s is %s: %w", orderID, o.Status, order.ErrInvalidTransition)
	}

	previous := o.SellerMerchantID
	o.SellerMerchantID = newMerchantID
	o.Version++

	if err := writeOrder(txCtx, tx, o); err != nil {
		return relationaldb.NewQueryError("reassign_seller", "failed to update order", err)
	}

	metadata := map[string]interface{}{
		"previousSellerMerchantId": previous.String(),
		"newSellerMerchantId":      newMerchantID.String(),
	}
	metaRaw, err := json.Marshal(metadata)
	if err != nil {
		return relationaldb.NewQueryError("reassign_seller", "failed to encode metadata", err)
	}

	_, err = tx.ExecContext(txCtx, `
		INSERT INTO order_events (order_id, old_status, new_status, event_type, actor_type, actor_id, metadata)
		VALUES ($1, $2, $2, 'ORDER_SELLER_REASSIGNED', $3, $4, $5)`,
		o.ID, string(o.Status), string(actor.Type), actorIDParam(actor), metaRaw,
	)
	if err != nil {
		return relationaldb.NewQueryError("reassign_seller", "failed to insert event", err)
	}

	if err := tx.Commit(); err != nil {
		return relationaldb.NewTransactionError("reassign_seller", "failed to commit", err)
	}

	return nil
}

// DueExpiries returns IDs of expirable orders whose deadline has passed.
// The candidate set is exactly the statuses with an expired edge, so the
// sweeper never selects an order it cannot transition.
func (s *Store) DueExpiries(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if s.db == nil {
		return nil, relationaldb.ErrDatabaseClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.DefaultTimeout)
	defer cancel()

	expirable := make([]string, len(order.ExpirableStatuses))
	for i, st := range order.ExpirableStatuses {
		expirable[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM orders
		WHERE status = ANY($1) AND expires_at <= $2
		ORDER BY expires_at
		LIMIT $3`,
		pq.Array(expirable),
		now, limit,
	)
	if err != nil {
		return nil, relationaldb.NewQueryError("due_expiries", "failed to query expirable orders", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, relationaldb.NewQueryError("due_expiries", "failed to scan order id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, relationaldb.NewQueryError("due_expiries", "failed to iterate", err)
	}

	return ids, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func actorIDParam(a order.Actor) interface{} {
	if a.Type == order.ActorSystem {
		return nil
	}
	return a.ID
}
