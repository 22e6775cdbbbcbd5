package postgres

import (
	"context"
	"time"

	"github.com/rampline/settlecore/internal/storage/relationaldb"
)

// outboxBackoff doubles per attempt starting at one second, capped at a
// minute. Attempts counts deliveries already tried.
func outboxBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 6 {
		return time.Minute
	}
	d := time.Second << uint(attempts)
	if d > time.Minute {
		return time.Minute
	}
	return d
}

// DrainOutbox claims up to batch due pending envelopes with FOR UPDATE
// SKIP LOCKED so concurrent workers never double-deliver, hands each to
// deliver, and writes the outcome before committing. Returns the number of
// envelopes claimed.
func (s *Store) DrainOutbox(ctx context.Context, batch int, deliver relationaldb.DeliverFunc) (int, error) {
	tx, txCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	defer tx.Rollback()

	rows, err := tx.QueryContext(txCtx, `
		SELECT id, event_type, order_id, payload, status, attempts, max_attempts, next_attempt_at, COALESCE(last_error, ''), sent_at, created_at
		FROM notification_outbox
		WHERE status = $1 AND next_attempt_at <= NOW()
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		relationaldb.OutboxPending, batch,
	)
	if err != nil {
		return 0, relationaldb.NewQueryError("drain_outbox", "failed to claim envelopes", err)
	}

	var claimed []*relationaldb.Envelope
	for rows.Next() {
		var env relationaldb.Envelope
		if err := rows.Scan(&env.ID, &env.EventType, &env.OrderID, &env.Payload, &env.Status,
			&env.Attempts, &env.MaxAttempts, &env.NextAttemptAt, &env.LastError, &env.SentAt, &env.CreatedAt); err != nil {
			rows.Close()
			return 0, relationaldb.NewQueryError("drain_outbox", "failed to scan envelope", err)
		}
		claimed = append(claimed, &env)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, relationaldb.NewQueryError("drain_outbox", "failed to iterate envelopes", err)
	}
	rows.Close()

	for _, env := range claimed {
		deliverErr := deliver(txCtx, env)

		if deliverErr == nil {
			_, err = tx.ExecContext(txCtx, `
				UPDATE notification_outbox
				SET status = $2, attempts = attempts + 1, sent_at = NOW(), last_error = NULL
				WHERE id = $1`,
				env.ID, relationaldb.OutboxSent,
			)
		} else {
			attempts := env.Attempts + 1
			status := relationaldb.OutboxPending
			if attempts >= env.MaxAttempts {
				// Parked for operator inspection; never retried automatically.
				status = relationaldb.OutboxFailed
			}
			_, err = tx.ExecContext(txCtx, `
				UPDATE notification_outbox
				SET status = $2, attempts = $3, last_error = $4, next_attempt_at = NOW() + make_interval(secs => $5)
				WHERE id = $1`,
				env.ID, status, attempts, deliverErr.Error(), outboxBackoff(attempts).Seconds(),
			)
		}
		if err != nil {
			return 0, relationaldb.NewQueryError("drain_outbox", "failed to record delivery outcome", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, relationaldb.NewTransactionError("drain_outbox", "failed to commit", err)
	}

	return len(claimed), nil
}
