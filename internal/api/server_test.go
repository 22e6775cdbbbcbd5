package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rampline/settlecore/internal/core/dispute"
	"github.com/rampline/settlecore/internal/core/ledger"
	"github.com/rampline/settlecore/internal/core/order"
	"github.com/rampline/settlecore/internal/lifecycle"
	"github.com/rampline/settlecore/internal/storage/relationaldb"
)

// stubService returns canned values and records the last call arguments.
type stubService struct {
	order   *order.Order
	dispute *dispute.Dispute
	err     error

	lastPatch lifecycle.PatchRequest
}

func (s *stubService) Create(_ context.Context, req lifecycle.CreateRequest) (*order.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.order, nil
}

func (s *stubService) Get(context.Context, uuid.UUID) (*order.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.order, nil
}

func (s *stubService) List(context.Context, relationaldb.OrderFilter) ([]*order.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []*order.Order{s.order}, nil
}

func (s *stubService) Events(context.Context, uuid.UUID) ([]order.Event, error) {
	return nil, s.err
}

func (s *stubService) Balance(context.Context, order.Party) (decimal.Decimal, error) {
	return decimal.NewFromInt(42), s.err
}

func (s *stubService) PatchStatus(_ context.Context, _ uuid.UUID, req lifecycle.PatchRequest) (*order.Order, error) {
	s.lastPatch = req
	if s.err != nil {
		return nil, s.err
	}
	return s.order, nil
}

func (s *stubService) Expire(context.Context, uuid.UUID) (*order.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.order, nil
}

func (s *stubService) Reassign(context.Context, uuid.UUID, uuid.UUID, order.Actor) (*order.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.order, nil
}

func (s *stubService) OpenDispute(context.Context, uuid.UUID, int64, order.Actor, string, string) (*dispute.Dispute, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.dispute, nil
}

func (s *stubService) GetDispute(context.Context, uuid.UUID) (*dispute.Dispute, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.dispute, nil
}

func (s *stubService) ProposeResolution(context.Context, uuid.UUID, order.Actor, dispute.Resolution, *dispute.Split) (*dispute.Dispute, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.dispute, nil
}

func (s *stubService) ConfirmResolution(context.Context, uuid.UUID, order.Actor) (*dispute.Dispute, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.dispute, nil
}

func (s *stubService) RejectResolution(context.Context, uuid.UUID, order.Actor) (*dispute.Dispute, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.dispute, nil
}

type okPinger struct{ err error }

func (p okPinger) Ping(context.Context) error { return p.err }

type stubSweeper struct{ swept int }

func (s *stubSweeper) Sweep(context.Context) error {
	s.swept++
	return nil
}

func testOrder() *order.Order {
	return &order.Order{
		ID:               uuid.New(),
		OrderNumber:      "OTC-20260824-000001",
		SellerMerchantID: uuid.New(),
		UserID:           uuid.New(),
		OfferID:          uuid.New(),
		Type:             order.TypeBuy,
		CryptoAmount:     decimal.NewFromInt(100),
		FiatAmount:       decimal.NewFromInt(95),
		Rate:             decimal.RequireFromString("0.95"),
		Status:           order.StatusPending,
		Version:          1,
		CreatedAt:        time.Now().UTC(),
		ExpiresAt:        time.Now().UTC().Add(30 * time.Minute),
	}
}

func newTestServer(svc Service, pinger Pinger) *Server {
	return NewServer(svc, pinger, nil, nil, nil, Options{
		Host: "127.0.0.1", Port: 8080, SystemSecret: "s3cret",
	}, zap.NewNop())
}

func do(t *testing.T, srv *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func userHeaders(id uuid.UUID) map[string]string {
	return map[string]string{"x-actor-type": "user", "x-actor-id": id.String()}
}

func TestCreateOrderReturnsMinimalStatus(t *testing.T) {
	svc := &stubService{order: testOrder()}
	srv := newTestServer(svc, okPinger{})

	rec := do(t, srv, http.MethodPost, "/orders", map[string]interface{}{
		"sellerMerchantId": uuid.New(), "userId": uuid.New(), "offerId": uuid.New(),
		"type": "buy", "cryptoAmount": "100", "rate": "0.95",
		"cryptoCurrency": "USDT", "fiatCurrency": "EUR",
		"paymentMethod": "bank",
		"paymentDetails": map[string]interface{}{
			"bank": map[string]string{"bankName": "B", "accountName": "A", "accountNumber": "1"},
		},
		"spreadPreference": "best",
	}, nil)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			OrderNumber   string `json:"orderNumber"`
			Status        string `json:"status"`
			MinimalStatus string `json:"minimalStatus"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "OTC-20260824-000001", resp.Data.OrderNumber)
	assert.Equal(t, "pending", resp.Data.Status)
	assert.Equal(t, "open", resp.Data.MinimalStatus)
}

func TestCreateOrderMalformedBody(t *testing.T) {
	srv := newTestServer(&stubService{order: testOrder()}, okPinger{})

	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"validation", fmt.Errorf("bad: %w", order.ErrValidation), http.StatusBadRequest, "validation"},
		{"forbidden", fmt.Errorf("no: %w", order.ErrForbidden), http.StatusForbidden, "forbidden"},
		{"not found", order.ErrNotFound, http.StatusNotFound, "not_found"},
		{"conflict", fmt.Errorf("stale: %w", order.ErrConflict), http.StatusConflict, "conflict"},
		{"invalid transition", fmt.Errorf("edge: %w", order.ErrInvalidTransition), http.StatusBadRequest, "invalid_transition"},
		{"insufficient funds", fmt.Errorf("poor: %w", ledger.ErrInsufficientFunds), http.StatusConflict, "insufficient_funds"},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{err: tt.err}
			srv := newTestServer(svc, okPinger{})

			rec := do(t, srv, http.MethodGet, "/orders/"+id.String(), nil, nil)
			require.Equal(t, tt.want, rec.Code)

			var resp struct {
				Success bool `json:"success"`
				Error   struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestPatchRequiresActorHeaders(t *testing.T) {
	srv := newTestServer(&stubService{order: testOrder()}, okPinger{})
	id := uuid.New()

	rec := do(t, srv, http.MethodPatch, "/orders/"+id.String(),
		map[string]interface{}{"status": "accepted", "expectedVersion": 1}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPatch, "/orders/"+id.String(),
		map[string]interface{}{"status": "accepted", "expectedVersion": 1},
		map[string]string{"x-actor-type": "merchant", "x-actor-id": "not-a-uuid"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPatchForwardsRequest(t *testing.T) {
	svc := &stubService{order: testOrder()}
	srv := newTestServer(svc, okPinger{})
	id := uuid.New()
	actorID := uuid.New()

	headers := userHeaders(actorID)
	headers["idempotency-key"] = "retry-7"
	rec := do(t, srv, http.MethodPatch, "/orders/"+id.String(), map[string]interface{}{
		"status": "payment_sent", "expectedVersion": 4, "paymentReference": "wire-1",
	}, headers)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, order.StatusPaymentSent, svc.lastPatch.Target)
	assert.EqualValues(t, 4, svc.lastPatch.ExpectedVersion)
	assert.Equal(t, "wire-1", svc.lastPatch.Reference)
	assert.Equal(t, order.UserActor(actorID), svc.lastPatch.Actor)
	assert.Equal(t, "retry-7", svc.lastPatch.IdempotencyKey)
}

func TestPatchRejectsUnknownStatus(t *testing.T) {
	srv := newTestServer(&stubService{order: testOrder()}, okPinger{})
	rec := do(t, srv, http.MethodPatch, "/orders/"+uuid.NewString(),
		map[string]interface{}{"status": "instantly_done", "expectedVersion": 1},
		userHeaders(uuid.New()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSystemEndpointsRequireSecret(t *testing.T) {
	svc := &stubService{order: testOrder()}
	srv := newTestServer(svc, okPinger{})
	id := uuid.New()

	rec := do(t, srv, http.MethodPost, "/orders/"+id.String()+"/expire", nil,
		map[string]string{"x-actor-type": "system"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "missing secret")

	rec = do(t, srv, http.MethodPost, "/orders/"+id.String()+"/expire", nil,
		map[string]string{"x-actor-type": "system", "x-system-secret": "wrong"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "wrong secret")

	rec = do(t, srv, http.MethodPost, "/orders/"+id.String()+"/expire", nil,
		map[string]string{"x-actor-type": "system", "x-system-secret": "s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExpireRejectsNonSystemActors(t *testing.T) {
	srv := newTestServer(&stubService{order: testOrder()}, okPinger{})
	rec := do(t, srv, http.MethodPost, "/orders/"+uuid.NewString()+"/expire", nil,
		userHeaders(uuid.New()))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCancelForwardsReason(t *testing.T) {
	svc := &stubService{order: testOrder()}
	srv := newTestServer(svc, okPinger{})

	rec := do(t, srv, http.MethodDelete, "/orders/"+uuid.NewString(),
		map[string]interface{}{"expectedVersion": 2, "reason": "changed my mind"},
		userHeaders(uuid.New()))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, order.StatusCancelled, svc.lastPatch.Target)
	assert.Equal(t, "changed my mind", svc.lastPatch.Reason)
}

func TestEscrowEndpointsRouteThroughPatch(t *testing.T) {
	svc := &stubService{order: testOrder()}
	srv := newTestServer(svc, okPinger{})
	id := uuid.NewString()
	merchant := map[string]string{"x-actor-type": "merchant", "x-actor-id": uuid.NewString()}

	rec := do(t, srv, http.MethodPost, "/orders/"+id+"/escrow",
		map[string]interface{}{"expectedVersion": 2, "txHash": "0xabc"}, merchant)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, order.StatusEscrowed, svc.lastPatch.Target)
	assert.Equal(t, "0xabc", svc.lastPatch.TxHash)

	rec = do(t, srv, http.MethodPatch, "/orders/"+id+"/escrow",
		map[string]interface{}{"expectedVersion": 5, "txHash": "0xdef"}, merchant)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, order.StatusCompleted, svc.lastPatch.Target)
	assert.Equal(t, "0xdef", svc.lastPatch.TxHash)
}

func TestSweepEndpoint(t *testing.T) {
	sweep := &stubSweeper{}
	srv := NewServer(&stubService{order: testOrder()}, okPinger{}, nil, sweep, nil, Options{
		Host: "127.0.0.1", Port: 8080, SystemSecret: "s3cret",
	}, zap.NewNop())

	rec := do(t, srv, http.MethodPost, "/orders/expire", nil, userHeaders(uuid.New()))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, sweep.swept)

	rec = do(t, srv, http.MethodPost, "/orders/expire", nil,
		map[string]string{"x-actor-type": "system", "x-system-secret": "s3cret"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, sweep.swept)
}

func TestGetBalance(t *testing.T) {
	srv := newTestServer(&stubService{order: testOrder()}, okPinger{})

	rec := do(t, srv, http.MethodGet, "/balances/merchant/"+uuid.NewString(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Balance string `json:"balance"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "42", resp.Data.Balance)

	rec = do(t, srv, http.MethodGet, "/balances/platform/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "platform balances are not exposed")
}

func TestListOrdersFilterValidation(t *testing.T) {
	srv := newTestServer(&stubService{order: testOrder()}, okPinger{})

	rec := do(t, srv, http.MethodGet, "/orders?status=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/orders?userId=nope", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/orders?limit=0", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/orders?status=pending&limit=10", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthReflectsStorage(t *testing.T) {
	srv := newTestServer(&stubService{order: testOrder()}, okPinger{})
	rec := do(t, srv, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	srv = newTestServer(&stubService{order: testOrder()}, okPinger{err: fmt.Errorf("down")})
	rec = do(t, srv, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOpenDisputeReturnsCreated(t *testing.T) {
	d := &dispute.Dispute{ID: uuid.New(), OrderID: uuid.New(), Status: dispute.StatusOpen, Reason: "r"}
	srv := newTestServer(&stubService{order: testOrder(), dispute: d}, okPinger{})

	rec := do(t, srv, http.MethodPost, "/orders/"+d.OrderID.String()+"/dispute",
		map[string]interface{}{"expectedVersion": 3, "reason": "payment never arrived"},
		userHeaders(uuid.New()))

	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}
