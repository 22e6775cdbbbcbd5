package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rampline/settlecore/internal/core/ledger"
	"github.com/rampline/settlecore/internal/core/order"
	"github.com/rampline/settlecore/internal/storage/relationaldb"
)

// ApplyTransition runs the composite lifecycle primitive: lock the order row,
// check the caller's version expectation, then for each step consult the
// state machine and the actor matrix, run the effects callback, and append
// one event row plus one outbox envelope. The order row is written back once
// with the final status and version; everything commits or rolls back
// together.
func (s *Store) ApplyTransition(ctx context.Context, orderID uuid.UUID, expectedVersion int64, steps ...relationaldb.Step) (*relationaldb.TransitionResult, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("transition requires at least one step: %w", order.ErrValidation)
	}

	tx, txCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer tx.Rollback()

	o, err := getOrderForUpdate(txCtx, tx, orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return nil, err
		}
		return nil, relationaldb.NewQueryError("apply_transition", "failed to lock order", err)
	}

	if o.Version != expectedVersion {
		return nil, fmt.Errorf("order %s is at version %d, expected %d: %w",
			orderID, o.Version, expectedVersion, order.ErrConflict)
	}

	now := time.Now().UTC()
	result := &relationaldb.TransitionResult{}

	for _, step := range steps {
		from := o.Status

		if from.IsTerminal() || !order.CanTransition(from, step.Target) {
			return nil, fmt.Errorf("cannot transition %s -> %s: %w",
				from, step.Target, order.ErrInvalidTransition)
		}
		if !order.ActorMayDrive(step.Actor, step.Target) {
			return nil, fmt.Errorf("%s may not drive %s: %w",
				step.Actor.Type, step.Target, order.ErrForbidden)
		}

		if step.Effects != nil {
			if err := step.Effects(txCtx, tx, o); err != nil {
				return nil, err
			}
		}

		if step.CreateDispute != nil {
			if err := insertDispute(txCtx, tx, step.CreateDispute); err != nil {
				return nil, err
			}
		}
		if step.UpdateDispute != nil {
			if err := updateDispute(txCtx, tx, step.UpdateDispute); err != nil {
				return nil, err
			}
		}

		o.Status = step.Target
		o.Version++
		o.TransitionTimestamp(step.Target, now)

		eventID, err := insertEvent(txCtx, tx, o, from, step.Target, step.Actor, step.Metadata)
		if err != nil {
			return nil, relationaldb.NewQueryError("apply_transition", "failed to insert event", err)
		}
		result.EventIDs = append(result.EventIDs, eventID)

		outboxID, err := stageEnvelope(txCtx, tx, o, from, step.Actor, step.Metadata, s.config.OutboxMaxAttempts)
		if err != nil {
			return nil, relationaldb.NewQueryError("apply_transition", "failed to stage envelope", err)
		}
		result.OutboxIDs = append(result.OutboxIDs, outboxID)
	}

	if err := writeOrder(txCtx, tx, o); err != nil {
		return nil, relationaldb.NewQueryError("apply_transition", "failed to write order", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, relationaldb.NewTransactionError("apply_transition", "failed to commit", err)
	}

	result.Order = o
	return result, nil
}

// insertEvent appends one event row. For the creation event old and new
// status are both pending.
func insertEvent(ctx context.Context, tx ledger.Execer, o *order.Order, from, to order.Status, actor order.Actor, metadata map[string]interface{}) (int64, error) {
	var metaRaw []byte
	if len(metadata) > 0 {
		var err error
		metaRaw, err = json.Marshal(metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to encode event metadata: %w", err)
		}
	}

	eventType := order.EventTypeFor(to)

	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO order_events (order_id, old_status, new_status, event_type, actor_type, actor_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		o.ID, string(from), string(to), eventType, string(actor.Type), actorIDParam(actor), metaRaw,
	).Scan(&id)
	return id, err
}

// stageEnvelope writes the notification row for one transition in the same
// transaction. The payload is self-contained so the outbox worker never has
// to join back onto the orders table.
func stageEnvelope(ctx context.Context, tx ledger.Execer, o *order.Order, from order.Status, actor order.Actor, metadata map[string]interface{}, maxAttempts int) (int64, error) {
	payload := map[string]interface{}{
		"orderId":        o.ID.String(),
		"orderNumber":    o.OrderNumber,
		"eventType":      order.EventTypeFor(o.Status),
		"previousStatus": string(from),
		"status":         string(o.Status),
		"minimalStatus":  string(o.Status.Minimal()),
		"orderVersion":   o.Version,
		"actorType":      string(actor.Type),
	}
	if !actor.IsSystem() {
		payload["actorId"] = actor.ID.String()
	}
	for k, v := range metadata {
		payload[k] = v
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode envelope payload: %w", err)
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO notification_outbox (event_type, order_id, payload, status, max_attempts)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		order.EventTypeFor(o.Status), o.ID, raw, relationaldb.OutboxPending, maxAttempts,
	).Scan(&id)
	return id, err
}
