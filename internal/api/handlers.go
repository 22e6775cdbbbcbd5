package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rampline/settlecore/internal/core/dispute"
	"github.com/rampline/settlecore/internal/core/order"
	"github.com/rampline/settlecore/internal/lifecycle"
	"github.com/rampline/settlecore/internal/storage/relationaldb"
)

// orderView augments the order with the external status projection.
type orderView struct {
	*order.Order
	MinimalStatus order.MinimalStatus `json:"minimalStatus"`
}

func viewOf(o *order.Order) orderView {
	return orderView{Order: o, MinimalStatus: o.MinimalStatus()}
}

func orderID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid order id: %w", order.ErrValidation)
	}
	return id, nil
}

type createOrderBody struct {
	SellerMerchantID uuid.UUID            `json:"sellerMerchantId"`
	UserID           uuid.UUID            `json:"userId"`
	BuyerMerchantID  *uuid.UUID           `json:"buyerMerchantId,omitempty"`
	OfferID          uuid.UUID            `json:"offerId"`
	Type             string               `json:"type"`
	CryptoAmount     decimal.Decimal      `json:"cryptoAmount"`
	Rate             decimal.Decimal      `json:"rate"`
	CryptoCurrency   string               `json:"cryptoCurrency"`
	FiatCurrency     string               `json:"fiatCurrency"`
	PaymentMethod    string               `json:"paymentMethod"`
	PaymentDetails   order.PaymentDetails `json:"paymentDetails"`
	Spread           string               `json:"spreadPreference"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var body createOrderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, "malformed request body")
		return
	}

	o, err := s.svc.Create(r.Context(), lifecycle.CreateRequest{
		SellerMerchantID: body.SellerMerchantID,
		UserID:           body.UserID,
		BuyerMerchantID:  body.BuyerMerchantID,
		OfferID:          body.OfferID,
		Type:             order.Type(body.Type),
		CryptoAmount:     body.CryptoAmount,
		Rate:             body.Rate,
		CryptoCurrency:   body.CryptoCurrency,
		FiatCurrency:     body.FiatCurrency,
		PaymentMethod:    order.PaymentMethod(body.PaymentMethod),
		PaymentDetails:   body.PaymentDetails,
		Spread:           order.SpreadPreference(body.Spread),
		IdempotencyKey:   r.Header.Get("idempotency-key"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusCreated, viewOf(o))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	o, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusOK, viewOf(o))
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	var f relationaldb.OrderFilter
	q := r.URL.Query()

	if raw := q.Get("userId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.badRequest(w, "invalid userId filter")
			return
		}
		f.UserID = &id
	}
	if raw := q.Get("merchantId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.badRequest(w, "invalid merchantId filter")
			return
		}
		f.MerchantID = &id
	}
	if raw := q.Get("status"); raw != "" {
		st, ok := order.ParseStatus(raw)
		if !ok {
			s.badRequest(w, "invalid status filter")
			return
		}
		f.Status = &st
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.badRequest(w, "invalid limit")
			return
		}
		f.Limit = n
	}

	orders, err := s.svc.List(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, viewOf(o))
	}
	s.writeData(w, http.StatusOK, views)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	events, err := s.svc.Events(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusOK, events)
}

type patchOrderBody struct {
	Status          string `json:"status"`
	ExpectedVersion int64  `json:"expectedVersion"`
	TxHash          string `json:"txHash,omitempty"`
	Reference       string `json:"paymentReference,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

func (s *Server) handlePatchOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	actor, err := s.actorFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body patchOrderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, "malformed request body")
		return
	}

	target, ok := order.ParseStatus(body.Status)
	if !ok {
		s.badRequest(w, "unknown target status")
		return
	}

	o, err := s.svc.PatchStatus(r.Context(), id, lifecycle.PatchRequest{
		Target:          target,
		ExpectedVersion: body.ExpectedVersion,
		Actor:           actor,
		TxHash:          body.TxHash,
		Reference:       body.Reference,
		Reason:          body.Reason,
		IdempotencyKey:  r.Header.Get("idempotency-key"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusOK, viewOf(o))
}

type cancelBody struct {
	ExpectedVersion int64  `json:"expectedVersion"`
	Reason          string `json:"reason,omitempty"`
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	actor, err := s.actorFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body cancelBody
	if r.Body != nil {
		// A bare DELETE with no body cancels at the current version.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	o, err := s.svc.PatchStatus(r.Context(), id, lifecycle.PatchRequest{
		Target:          order.StatusCancelled,
		ExpectedVersion: body.ExpectedVersion,
		Actor:           actor,
		Reason:          body.Reason,
		IdempotencyKey:  r.Header.Get("idempotency-key"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusOK, viewOf(o))
}

type escrowBody struct {
	ExpectedVersion int64  `json:"expectedVersion"`
	TxHash          string `json:"txHash,omitempty"`
}

func (s *Server) handleLockEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	actor, err := s.actorFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body escrowBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, "malformed request body")
		return
	}

	o, err := s.svc.PatchStatus(r.Context(), id, lifecycle.PatchRequest{
		Target:          order.StatusEscrowed,
		ExpectedVersion: body.ExpectedVersion,
		Actor:           actor,
		TxHash:          body.TxHash,
		IdempotencyKey:  r.Header.Get("idempotency-key"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusOK, viewOf(o))
}

func (s *Server) handleReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	actor, err := s.actorFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body escrowBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, "malformed request body")
		return
	}

	o, err := s.svc.PatchStatus(r.Context(), id, lifecycle.PatchRequest{
		Target:          order.StatusCompleted,
		ExpectedVersion: body.ExpectedVersion,
		Actor:           actor,
		TxHash:          body.TxHash,
		IdempotencyKey:  r.Header.Get("idempotency-key"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusOK, viewOf(o))
}

type openDisputeBody struct {
	ExpectedVersion int64  `json:"expectedVersion"`
	Reason          string `json:"reason"`
	Description     string `json:"description,omitempty"`
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	actor, err := s.actorFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body openDisputeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, "malformed request body")
		return
	}

	d, err := s.svc.OpenDispute(r.Context(), id, body.ExpectedVersion, actor, body.Reason, body.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusCreated, d)
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	d, err := s.svc.GetDispute(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusOK, d)
}

type proposeResolutionBody struct {
	Resolution string         `json:"resolution"`
	Split      *dispute.Split `json:"splitPercentage,omitempty"`
}

func (s *Server) handleProposeResolution(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	actor, err := s.actorFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body proposeResolutionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, "malformed request body")
		return
	}

	res, ok := dispute.ParseResolution(body.Resolution)
	if !ok {
		s.badRequest(w, "unknown resolution")
		return
	}

	d, err := s.svc.ProposeResolution(r.Context(), id, actor, res, body.Split)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusOK, d)
}

type confirmResolutionBody struct {
	// Action defaults to accept; "reject" reverts the proposal instead.
	Action string `json:"action,omitempty"`
}

func (s *Server) handleConfirmResolution(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	actor, err := s.actorFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body confirmResolutionBody
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	var d *dispute.Dispute
	switch body.Action {
	case "", "accept":
		d, err = s.svc.ConfirmResolution(r.Context(), id, actor)
	case "reject":
		d, err = s.svc.RejectResolution(r.Context(), id, actor)
	default:
		s.badRequest(w, "action must be accept or reject")
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusOK, d)
}

func (s *Server) handleRejectResolution(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	actor, err := s.actorFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	d, err := s.svc.RejectResolution(r.Context(), id, actor)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusOK, d)
}

func (s *Server) handleExpireOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	actor, err := s.actorFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !actor.IsSystem() {
		s.writeError(w, fmt.Errorf("expiry is system-driven: %w", order.ErrForbidden))
		return
	}

	o, err := s.svc.Expire(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusOK, viewOf(o))
}

func (s *Server) handleSweepExpiries(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actorFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !actor.IsSystem() {
		s.writeError(w, fmt.Errorf("expiry is system-driven: %w", order.ErrForbidden))
		return
	}

	if err := s.sweep.Sweep(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusOK, map[string]string{"status": "swept"})
}

type reassignBody struct {
	NewSellerMerchantID uuid.UUID `json:"newSellerMerchantId"`
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	actor, err := s.actorFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body reassignBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, "malformed request body")
		return
	}

	o, err := s.svc.Reassign(r.Context(), id, body.NewSellerMerchantID, actor)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusOK, viewOf(o))
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	entityType := order.EntityType(r.PathValue("entityType"))
	switch entityType {
	case order.EntityUser, order.EntityMerchant:
	default:
		s.badRequest(w, "unknown entity type")
		return
	}

	id, err := uuid.Parse(r.PathValue("entityId"))
	if err != nil {
		s.badRequest(w, "invalid entity id")
		return
	}

	balance, err := s.svc.Balance(r.Context(), order.Party{Type: entityType, ID: id})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusOK, map[string]interface{}{
		"entityType": entityType,
		"entityId":   id,
		"balance":    balance,
	})
}
