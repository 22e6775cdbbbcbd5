// Package api exposes the settlement core over HTTP. The surface is JSON
// with a uniform envelope; identity arrives via headers and the system
// surface is gated by a shared secret.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rampline/settlecore/internal/core/dispute"
	"github.com/rampline/settlecore/internal/core/order"
	"github.com/rampline/settlecore/internal/lifecycle"
	"github.com/rampline/settlecore/internal/storage/relationaldb"
)

// Service is the slice of the lifecycle service the HTTP layer drives.
type Service interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (*order.Order, error)
	Get(ctx context.Context, id uuid.UUID) (*order.Order, error)
	List(ctx context.Context, f relationaldb.OrderFilter) ([]*order.Order, error)
	Events(ctx context.Context, id uuid.UUID) ([]order.Event, error)
	Balance(ctx context.Context, p order.Party) (decimal.Decimal, error)

	PatchStatus(ctx context.Context, id uuid.UUID, req lifecycle.PatchRequest) (*order.Order, error)
	Expire(ctx context.Context, id uuid.UUID) (*order.Order, error)
	Reassign(ctx context.Context, id, newMerchantID uuid.UUID, actor order.Actor) (*order.Order, error)

	OpenDispute(ctx context.Context, id uuid.UUID, expectedVersion int64, actor order.Actor, reason, description string) (*dispute.Dispute, error)
	GetDispute(ctx context.Context, orderID uuid.UUID) (*dispute.Dispute, error)
	ProposeResolution(ctx context.Context, orderID uuid.UUID, actor order.Actor, res dispute.Resolution, split *dispute.Split) (*dispute.Dispute, error)
	ConfirmResolution(ctx context.Context, orderID uuid.UUID, actor order.Actor) (*dispute.Dispute, error)
	RejectResolution(ctx context.Context, orderID uuid.UUID, actor order.Actor) (*dispute.Dispute, error)
}

// Pinger reports storage health for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WSHandler serves the websocket subscription endpoint.
type WSHandler interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// SweepRunner runs one expiry pass on demand, for the bulk expire endpoint.
type SweepRunner interface {
	Sweep(ctx context.Context) error
}

// Options configures the HTTP server.
type Options struct {
	Host         string
	Port         int
	SystemSecret string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP front of the settlement core.
type Server struct {
	svc      Service
	pinger   Pinger
	ws       WSHandler
	sweep    SweepRunner
	opts     Options
	log      *zap.Logger
	gatherer prometheus.Gatherer

	http *http.Server
}

// NewServer assembles the server and its routes. ws, sweep, and gatherer may
// be nil; the matching endpoints then respond 404.
func NewServer(svc Service, pinger Pinger, ws WSHandler, sweep SweepRunner, gatherer prometheus.Gatherer, opts Options, log *zap.Logger) *Server {
	s := &Server{svc: svc, pinger: pinger, ws: ws, sweep: sweep, opts: opts, log: log, gatherer: gatherer}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /orders", s.handleCreateOrder)
	mux.HandleFunc("GET /orders", s.handleListOrders)
	mux.HandleFunc("GET /orders/{id}", s.handleGetOrder)
	mux.HandleFunc("PATCH /orders/{id}", s.handlePatchOrder)
	mux.HandleFunc("DELETE /orders/{id}", s.handleCancelOrder)
	mux.HandleFunc("GET /orders/{id}/events", s.handleListEvents)

	mux.HandleFunc("POST /orders/{id}/escrow", s.handleLockEscrow)
	mux.HandleFunc("PATCH /orders/{id}/escrow", s.handleReleaseEscrow)

	mux.HandleFunc("POST /orders/{id}/dispute", s.handleOpenDispute)
	mux.HandleFunc("GET /orders/{id}/dispute", s.handleGetDispute)
	mux.HandleFunc("POST /orders/{id}/dispute/resolution", s.handleProposeResolution)
	mux.HandleFunc("POST /orders/{id}/dispute/confirm", s.handleConfirmResolution)
	mux.HandleFunc("POST /orders/{id}/dispute/reject", s.handleRejectResolution)

	mux.HandleFunc("POST /orders/{id}/expire", s.handleExpireOrder)
	mux.HandleFunc("POST /orders/{id}/reassign", s.handleReassign)
	if sweep != nil {
		mux.HandleFunc("POST /orders/expire", s.handleSweepExpiries)
	}

	mux.HandleFunc("GET /balances/{entityType}/{entityId}", s.handleGetBalance)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	if ws != nil {
		mux.HandleFunc("GET /ws", ws.ServeWS)
	}

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:      s.logRequests(mux),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}

	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", zap.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

// actorFromRequest resolves the caller identity from the x-actor-type and
// x-actor-id headers. System actors must instead present the shared secret.
func (s *Server) actorFromRequest(r *http.Request) (order.Actor, error) {
	actorType, ok := order.ParseActorType(r.Header.Get("x-actor-type"))
	if !ok {
		return order.Actor{}, fmt.Errorf("missing or invalid x-actor-type header: %w", order.ErrValidation)
	}

	if actorType == order.ActorSystem {
		if s.opts.SystemSecret == "" || r.Header.Get("x-system-secret") != s.opts.SystemSecret {
			return order.Actor{}, fmt.Errorf("system access denied: %w", order.ErrForbidden)
		}
		return order.SystemActor(), nil
	}

	id, err := uuid.Parse(r.Header.Get("x-actor-id"))
	if err != nil {
		return order.Actor{}, fmt.Errorf("missing or invalid x-actor-id header: %w", order.ErrValidation)
	}
	return order.Actor{Type: actorType, ID: id}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, envelope{
				Success: false,
				Error:   &apiError{Code: "unhealthy", Message: "storage unreachable"},
			})
			return
		}
	}
	s.writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}
