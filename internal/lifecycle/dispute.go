package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rampline/settlecore/internal/core/dispute"
	"github.com/rampline/settlecore/internal/core/order"
	"github.com/rampline/settlecore/internal/storage/relationaldb"
)

// OpenDispute moves the order to disputed and creates the dispute record in
// the same transaction. A second dispute on the same order is a conflict.
func (s *Service) OpenDispute(ctx context.Context, id uuid.UUID, expectedVersion int64, actor order.Actor, reason, description string) (*dispute.Dispute, error) {
	if reason == "" {
		return nil, fmt.Errorf("dispute reason is required: %w", order.ErrValidation)
	}

	o, version, err := s.load(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeParticipant(o, actor); err != nil {
		return nil, err
	}
	if actor.IsSystem() {
		return nil, fmt.Errorf("disputes are opened by parties, not the system: %w", order.ErrForbidden)
	}

	d := &dispute.Dispute{
		ID:          uuid.New(),
		OrderID:     id,
		Status:      dispute.StatusOpen,
		Reason:      reason,
		Description: description,
		InitiatedBy: actor.Type,
		InitiatorID: actor.ID,
	}

	_, err = s.store.ApplyTransition(ctx, id, version, relationaldb.Step{
		Target:        order.StatusDisputed,
		Actor:         actor,
		CreateDispute: d,
		Metadata: map[string]interface{}{
			"disputeId": d.ID.String(),
			"reason":    reason,
		},
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("dispute opened",
		zap.String("order_id", id.String()),
		zap.String("dispute_id", d.ID.String()),
		zap.String("initiated_by", string(actor.Type)))
	return d, nil
}

// GetDispute fetches the dispute attached to an order.
func (s *Service) GetDispute(ctx context.Context, orderID uuid.UUID) (*dispute.Dispute, error) {
	return s.store.GetDispute(ctx, orderID)
}

// ProposeResolution attaches a resolution proposal to an open dispute and
// starts the confirmation round. Proposals come from the operator side.
func (s *Service) ProposeResolution(ctx context.Context, orderID uuid.UUID, actor order.Actor, res dispute.Resolution, split *dispute.Split) (*dispute.Dispute, error) {
	if !actor.IsSystem() {
		return nil, fmt.Errorf("only the system may propose resolutions: %w", order.ErrForbidden)
	}

	d, err := s.store.GetDispute(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := d.Propose(res, split); err != nil {
		return nil, fmt.Errorf("%s: %w", err, order.ErrValidation)
	}
	if err := s.store.SaveDispute(ctx, d); err != nil {
		return nil, err
	}

	s.log.Info("resolution proposed",
		zap.String("order_id", orderID.String()),
		zap.String("resolution", string(res)))
	return d, nil
}

// ConfirmResolution records one party's acceptance through the store's
// row-locked confirm, so simultaneous confirmations cannot lose each other.
// When both parties have confirmed, the resolution executes: payouts, the
// dispute record, and the terminal order status all commit in one
// transaction.
func (s *Service) ConfirmResolution(ctx context.Context, orderID uuid.UUID, actor order.Actor) (*dispute.Dispute, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeParticipant(o, actor); err != nil {
		return nil, err
	}

	var party order.EntityType
	switch actor.Type {
	case order.ActorUser:
		party = order.EntityUser
	case order.ActorMerchant:
		party = order.EntityMerchant
	default:
		return nil, fmt.Errorf("confirmations come from the disputing parties: %w", order.ErrForbidden)
	}

	d, bothConfirmed, err := s.store.ConfirmDispute(ctx, orderID, party)
	if err != nil {
		return nil, err
	}
	if !bothConfirmed {
		return d, nil
	}

	outcome, err := d.OutcomeStatus()
	if err != nil {
		return nil, err
	}
	userAmount, merchantAmount, err := d.Amounts(o.EscrowDebitedAmount)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	d.Status = dispute.StatusResolved
	d.ResolvedAt = &now

	_, err = s.store.ApplyTransition(ctx, orderID, o.Version, relationaldb.Step{
		Target:        outcome,
		Actor:         order.SystemActor(),
		Effects:       s.escrow.ResolveEffects(d),
		UpdateDispute: d,
		Metadata: map[string]interface{}{
			"disputeId":      d.ID.String(),
			"resolution":     string(*d.Resolution),
			"userAmount":     userAmount.String(),
			"merchantAmount": merchantAmount.String(),
		},
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("dispute resolved",
		zap.String("order_id", orderID.String()),
		zap.String("resolution", string(*d.Resolution)),
		zap.String("outcome", string(outcome)))
	return d, nil
}

// RejectResolution reverts a pending proposal to open; the order stays
// disputed and a new proposal may follow.
func (s *Service) RejectResolution(ctx context.Context, orderID uuid.UUID, actor order.Actor) (*dispute.Dispute, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeParticipant(o, actor); err != nil {
		return nil, err
	}

	d, err := s.store.GetDispute(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := d.Reject(); err != nil {
		return nil, fmt.Errorf("%s: %w", err, order.ErrConflict)
	}
	if err := s.store.SaveDispute(ctx, d); err != nil {
		return nil, err
	}

	s.log.Info("resolution rejected", zap.String("order_id", orderID.String()))
	return d, nil
}
