// Package lifecycle is the application service over the order state machine:
// it validates requests, enforces who may drive which transition, composes
// the escrow effects, and submits everything through the store's transition
// primitive.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rampline/settlecore/internal/core/escrow"
	"github.com/rampline/settlecore/internal/core/order"
	"github.com/rampline/settlecore/internal/storage/relationaldb"
)

// idempotencyCacheSize bounds the number of remembered creation keys.
const idempotencyCacheSize = 4096

// Config carries the lifecycle policy knobs.
type Config struct {
	// OrderTTL is the creation-to-expiry window.
	OrderTTL time.Duration

	// Fees maps the spread preference chosen at creation to the protocol
	// fee percentage frozen onto the order.
	Fees map[order.SpreadPreference]decimal.Decimal

	// MockMode relaxes tx-hash requirements for local flows.
	MockMode bool
}

// Service drives the order lifecycle.
type Service struct {
	store  relationaldb.Store
	escrow *escrow.Module
	cfg    Config
	log    *zap.Logger

	// created remembers idempotency keys of successful creations so a
	// retried create returns the same order instead of a duplicate.
	created *lru.Cache[string, uuid.UUID]

	// applied remembers idempotency keys of successful transitions so a
	// retried patch returns the order without re-applying effects.
	applied *lru.Cache[string, uuid.UUID]
}

// NewService creates the lifecycle service.
func NewService(store relationaldb.Store, cfg Config, log *zap.Logger) (*Service, error) {
	if cfg.OrderTTL <= 0 {
		return nil, fmt.Errorf("order TTL must be positive: %w", order.ErrValidation)
	}
	created, err := lru.New[string, uuid.UUID](idempotencyCacheSize)
	if err != nil {
		return nil, err
	}
	applied, err := lru.New[string, uuid.UUID](idempotencyCacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:   store,
		escrow:  escrow.NewModule(store.Ledger(), cfg.MockMode),
		cfg:     cfg,
		log:     log,
		created: created,
		applied: applied,
	}, nil
}

// CreateRequest carries everything needed to open an order.
type CreateRequest struct {
	SellerMerchantID uuid.UUID
	UserID           uuid.UUID
	BuyerMerchantID  *uuid.UUID
	OfferID          uuid.UUID

	Type           order.Type
	CryptoAmount   decimal.Decimal
	Rate           decimal.Decimal
	CryptoCurrency string
	FiatCurrency   string
	PaymentMethod  order.PaymentMethod
	PaymentDetails order.PaymentDetails
	Spread         order.SpreadPreference

	// IdempotencyKey, when set, deduplicates retried creations.
	IdempotencyKey string
}

func (r *CreateRequest) validate() error {
	switch r.Type {
	case order.TypeBuy, order.TypeSell:
	default:
		return fmt.Errorf("unknown order type %q: %w", r.Type, order.ErrValidation)
	}
	if r.SellerMerchantID == uuid.Nil || r.UserID == uuid.Nil || r.OfferID == uuid.Nil {
		return fmt.Errorf("seller merchant, user, and offer are required: %w", order.ErrValidation)
	}
	if r.BuyerMerchantID != nil && *r.BuyerMerchantID == uuid.Nil {
		return fmt.Errorf("buyer merchant id must not be the nil uuid: %w", order.ErrValidation)
	}
	if !r.CryptoAmount.IsPositive() {
		return fmt.Errorf("crypto amount must be positive: %w", order.ErrValidation)
	}
	if !r.Rate.IsPositive() {
		return fmt.Errorf("rate must be positive: %w", order.ErrValidation)
	}
	if r.CryptoCurrency == "" || r.FiatCurrency == "" {
		return fmt.Errorf("currencies are required: %w", order.ErrValidation)
	}
	if err := r.PaymentDetails.Validate(r.PaymentMethod); err != nil {
		return fmt.Errorf("%s: %w", err, order.ErrValidation)
	}
	return nil
}

// createAttempts bounds order-number collisions retries. Collisions should
// not happen with the sequence table; the retry is for belt and braces.
const createAttempts = 3

// Create validates the request, freezes the fee tier and amounts, and
// inserts the order as pending with its creation event and envelope.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*order.Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		if id, ok := s.created.Get(req.IdempotencyKey); ok {
			s.log.Debug("create replayed from idempotency cache",
				zap.String("key", req.IdempotencyKey), zap.String("order_id", id.String()))
			return s.store.GetOrder(ctx, id)
		}
	}

	feePct, ok := s.cfg.Fees[req.Spread]
	if !ok {
		return nil, fmt.Errorf("unknown spread preference %q: %w", req.Spread, order.ErrValidation)
	}

	now := time.Now().UTC()
	o := &order.Order{
		ID:                    uuid.New(),
		SellerMerchantID:      req.SellerMerchantID,
		UserID:                req.UserID,
		BuyerMerchantID:       req.BuyerMerchantID,
		OfferID:               req.OfferID,
		Type:                  req.Type,
		CryptoAmount:          req.CryptoAmount,
		FiatAmount:            req.CryptoAmount.Mul(req.Rate),
		Rate:                  req.Rate,
		CryptoCurrency:        req.CryptoCurrency,
		FiatCurrency:          req.FiatCurrency,
		PaymentMethod:         req.PaymentMethod,
		PaymentDetails:        req.PaymentDetails,
		Status:                order.StatusPending,
		Version:               1,
		ProtocolFeePercentage: feePct,
		ProtocolFeeAmount:     req.CryptoAmount.Mul(feePct).Div(decimal.NewFromInt(100)),
		CreatedAt:             now,
		ExpiresAt:             now.Add(s.cfg.OrderTTL),
	}

	var err error
	for attempt := 0; attempt < createAttempts; attempt++ {
		err = s.store.CreateOrder(ctx, o, map[string]interface{}{
			"spreadPreference": string(req.Spread),
		})
		if err == nil || !errors.Is(err, order.ErrConflict) {
			break
		}
		s.log.Warn("order insert collided, retrying",
			zap.String("order_id", o.ID.String()), zap.Int("attempt", attempt+1))
	}
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		s.created.Add(req.IdempotencyKey, o.ID)
	}

	s.log.Info("order created",
		zap.String("order_id", o.ID.String()),
		zap.String("order_number", o.OrderNumber),
		zap.String("type", string(o.Type)),
		zap.String("crypto_amount", o.CryptoAmount.String()))

	return o, nil
}

// Get fetches one order.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	return s.store.GetOrder(ctx, id)
}

// List returns orders matching the filter.
func (s *Service) List(ctx context.Context, f relationaldb.OrderFilter) ([]*order.Order, error) {
	return s.store.ListOrders(ctx, f)
}

// Events returns the per-order event chain.
func (s *Service) Events(ctx context.Context, id uuid.UUID) ([]order.Event, error) {
	return s.store.ListEvents(ctx, id)
}

// Balance reads a party's balance.
func (s *Service) Balance(ctx context.Context, p order.Party) (decimal.Decimal, error) {
	return s.store.GetBalance(ctx, p)
}

// load fetches the order and resolves the version expectation: a
// non-positive expected version means "whatever is current".
func (s *Service) load(ctx context.Context, id uuid.UUID, expectedVersion int64) (*order.Order, int64, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if expectedVersion <= 0 {
		expectedVersion = o.Version
	}
	return o, expectedVersion, nil
}

// Accept moves pending -> accepted, driven by the seller merchant.
func (s *Service) Accept(ctx context.Context, id uuid.UUID, expectedVersion int64, actor order.Actor) (*order.Order, error) {
	o, version, err := s.load(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if !actor.IsSystem() && !actor.Matches(order.Party{Type: order.EntityMerchant, ID: o.SellerMerchantID}) {
		return nil, fmt.Errorf("only the seller merchant may accept: %w", order.ErrForbidden)
	}

	res, err := s.store.ApplyTransition(ctx, id, version, relationaldb.Step{
		Target: order.StatusAccepted,
		Actor:  actor,
	})
	if err != nil {
		return nil, err
	}
	return res.Order, nil
}

// LockEscrow moves the order to escrowed, debiting the escrow payer by the
// full crypto amount and recording the provenance.
func (s *Service) LockEscrow(ctx context.Context, id uuid.UUID, expectedVersion int64, actor order.Actor, txHash string) (*order.Order, error) {
	o, version, err := s.load(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if !actor.IsSystem() && !actor.Matches(order.Party{Type: order.EntityMerchant, ID: o.SellerMerchantID}) {
		return nil, fmt.Errorf("only the seller merchant may lock escrow: %w", order.ErrForbidden)
	}

	metadata := map[string]interface{}{}
	if txHash != "" {
		metadata["escrowTxHash"] = txHash
	}

	res, err := s.store.ApplyTransition(ctx, id, version, relationaldb.Step{
		Target:   order.StatusEscrowed,
		Actor:    actor,
		Effects:  s.escrow.LockEffects(txHash),
		Metadata: metadata,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("escrow locked",
		zap.String("order_id", id.String()),
		zap.String("amount", res.Order.EscrowDebitedAmount.String()))
	return res.Order, nil
}

// MarkPaymentSent records the fiat payer's claim that the off-platform
// payment went out.
func (s *Service) MarkPaymentSent(ctx context.Context, id uuid.UUID, expectedVersion int64, actor order.Actor, reference string) (*order.Order, error) {
	o, version, err := s.load(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if !actor.IsSystem() && !actor.Matches(o.FiatPayer()) {
		return nil, fmt.Errorf("only the fiat payer may mark payment sent: %w", order.ErrForbidden)
	}

	metadata := map[string]interface{}{}
	if reference != "" {
		metadata["paymentReference"] = reference
	}

	res, err := s.store.ApplyTransition(ctx, id, version, relationaldb.Step{
		Target:   order.StatusPaymentSent,
		Actor:    actor,
		Metadata: metadata,
	})
	if err != nil {
		return nil, err
	}
	return res.Order, nil
}

// ConfirmPayment records the fiat receiver's acknowledgement.
func (s *Service) ConfirmPayment(ctx context.Context, id uuid.UUID, expectedVersion int64, actor order.Actor) (*order.Order, error) {
	o, version, err := s.load(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if !actor.IsSystem() && !actor.Matches(o.FiatReceiver()) {
		return nil, fmt.Errorf("only the fiat receiver may confirm payment: %w", order.ErrForbidden)
	}

	res, err := s.store.ApplyTransition(ctx, id, version, relationaldb.Step{
		Target: order.StatusPaymentConfirmed,
		Actor:  actor,
	})
	if err != nil {
		return nil, err
	}
	return res.Order, nil
}

// Release completes the order: the escrowed crypto goes to the recipient and
// the protocol fee to the platform. From payment_sent the fiat receiver may
// confirm-and-release in one call; both steps then share one transaction and
// each emits its own event and notification.
func (s *Service) Release(ctx context.Context, id uuid.UUID, expectedVersion int64, actor order.Actor, txHash string) (*order.Order, error) {
	o, version, err := s.load(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}

	if !actor.IsSystem() && !actor.Matches(o.FiatReceiver()) {
		return nil, fmt.Errorf("only the fiat receiver may release escrow: %w", order.ErrForbidden)
	}

	release := relationaldb.Step{
		Target:  order.StatusCompleted,
		Actor:   actor,
		Effects: s.escrow.ReleaseEffects(txHash),
	}

	var steps []relationaldb.Step
	switch o.Status {
	case order.StatusPaymentSent:
		steps = []relationaldb.Step{
			{Target: order.StatusPaymentConfirmed, Actor: actor},
			release,
		}
	default:
		steps = []relationaldb.Step{release}
	}

	res, err := s.store.ApplyTransition(ctx, id, version, steps...)
	if err != nil {
		return nil, err
	}

	s.log.Info("escrow released",
		zap.String("order_id", id.String()),
		zap.String("amount", res.Order.EscrowDebitedAmount.String()),
		zap.String("fee", res.Order.ProtocolFeeAmount.String()))
	return res.Order, nil
}

// Cancel ends the order and refunds any locked escrow to the recorded payer.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, expectedVersion int64, actor order.Actor, reason string) (*order.Order, error) {
	o, version, err := s.load(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeParticipant(o, actor); err != nil {
		return nil, err
	}

	metadata := map[string]interface{}{}
	if reason != "" {
		metadata["reason"] = reason
	}

	res, err := s.store.ApplyTransition(ctx, id, version, relationaldb.Step{
		Target:   order.StatusCancelled,
		Actor:    actor,
		Effects:  s.escrow.RefundEffects(reason),
		Metadata: metadata,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("order cancelled", zap.String("order_id", id.String()), zap.String("reason", reason))
	return res.Order, nil
}

// Expire is the sweeper's path: system-driven, refunding like a cancel.
func (s *Service) Expire(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status.IsTerminal() {
		return o, nil
	}

	res, err := s.store.ApplyTransition(ctx, id, o.Version, relationaldb.Step{
		Target:  order.StatusExpired,
		Actor:   order.SystemActor(),
		Effects: s.escrow.RefundEffects("order expired"),
		Metadata: map[string]interface{}{
			"expiredAt": o.ExpiresAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("order expired", zap.String("order_id", id.String()))
	return res.Order, nil
}

// authorizeParticipant admits the system, the order's user, and either
// merchant side.
func (s *Service) authorizeParticipant(o *order.Order, actor order.Actor) error {
	if actor.IsSystem() {
		return nil
	}
	if actor.Matches(order.Party{Type: order.EntityUser, ID: o.UserID}) {
		return nil
	}
	if actor.Matches(order.Party{Type: order.EntityMerchant, ID: o.SellerMerchantID}) {
		return nil
	}
	if o.BuyerMerchantID != nil && actor.Matches(order.Party{Type: order.EntityMerchant, ID: *o.BuyerMerchantID}) {
		return nil
	}
	return fmt.Errorf("%s is not a participant of order %s: %w", actor, o.ID, order.ErrForbidden)
}

// Reassign swaps the seller merchant on a non-terminal order. Admin only.
func (s *Service) Reassign(ctx context.Context, id, newMerchantID uuid.UUID, actor order.Actor) (*order.Order, error) {
	if !actor.IsSystem() {
		return nil, fmt.Errorf("only the system may reassign sellers: %w", order.ErrForbidden)
	}
	if newMerchantID == uuid.Nil {
		return nil, fmt.Errorf("new merchant id is required: %w", order.ErrValidation)
	}
	if err := s.store.ReassignSeller(ctx, id, newMerchantID, actor); err != nil {
		return nil, err
	}
	return s.store.GetOrder(ctx, id)
}
