package lifecycle

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rampline/settlecore/internal/core/order"
)

// PatchRequest is the generic status-patch surface: the caller names a
// target status and the service routes it to the matching operation.
type PatchRequest struct {
	Target          order.Status
	ExpectedVersion int64
	Actor           order.Actor

	// TxHash rides along for escrow and release targets.
	TxHash string

	// Reference is the fiat payment reference for payment_sent.
	Reference string

	// Reason rides along for cancellations.
	Reason string

	// IdempotencyKey, when set, deduplicates retried transitions: a replay
	// with a key that already succeeded returns the order without touching
	// the state machine or the ledger.
	IdempotencyKey string
}

// PatchStatus dispatches a requested target status onto the operation that
// owns it. A completed target always routes through the release path so the
// payout cannot be skipped by patching the status directly.
func (s *Service) PatchStatus(ctx context.Context, id uuid.UUID, req PatchRequest) (*order.Order, error) {
	if req.IdempotencyKey != "" {
		if seen, ok := s.applied.Get(req.IdempotencyKey); ok {
			s.log.Debug("transition replayed from idempotency cache",
				zap.String("key", req.IdempotencyKey), zap.String("order_id", seen.String()))
			return s.store.GetOrder(ctx, seen)
		}
	}

	o, err := s.dispatch(ctx, id, req)
	if err != nil {
		return nil, err
	}
	if req.IdempotencyKey != "" {
		s.applied.Add(req.IdempotencyKey, o.ID)
	}
	return o, nil
}

func (s *Service) dispatch(ctx context.Context, id uuid.UUID, req PatchRequest) (*order.Order, error) {
	switch req.Target {
	case order.StatusAccepted:
		return s.Accept(ctx, id, req.ExpectedVersion, req.Actor)
	case order.StatusEscrowed:
		return s.LockEscrow(ctx, id, req.ExpectedVersion, req.Actor, req.TxHash)
	case order.StatusPaymentSent:
		return s.MarkPaymentSent(ctx, id, req.ExpectedVersion, req.Actor, req.Reference)
	case order.StatusPaymentConfirmed:
		return s.ConfirmPayment(ctx, id, req.ExpectedVersion, req.Actor)
	case order.StatusReleasing, order.StatusCompleted:
		return s.Release(ctx, id, req.ExpectedVersion, req.Actor, req.TxHash)
	case order.StatusCancelled:
		return s.Cancel(ctx, id, req.ExpectedVersion, req.Actor, req.Reason)
	case order.StatusDisputed:
		if _, err := s.OpenDispute(ctx, id, req.ExpectedVersion, req.Actor, req.Reason, ""); err != nil {
			return nil, err
		}
		return s.store.GetOrder(ctx, id)
	case order.StatusExpired:
		if !req.Actor.IsSystem() {
			return nil, fmt.Errorf("expiry is system-driven: %w", order.ErrForbidden)
		}
		return s.Expire(ctx, id)
	default:
		return nil, fmt.Errorf("status %q cannot be requested directly: %w", req.Target, order.ErrValidation)
	}
}
