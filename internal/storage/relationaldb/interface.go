package relationaldb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rampline/settlecore/internal/core/dispute"
	"github.com/rampline/settlecore/internal/core/ledger"
	"github.com/rampline/settlecore/internal/core/order"
)

// Effects is the hook point invoked inside the ApplyTransition transaction,
// after the version and state-machine checks and before the order row is
// written back. The callback may mutate the order (escrow provenance, tx
// hashes) and run ledger operations on the transaction handle. Any error
// rolls back the whole transaction.
type Effects func(ctx context.Context, tx ledger.Execer, o *order.Order) error

// Step is one transition of an ApplyTransition call. Compound operations
// (confirm-and-release) submit several steps; each step emits its own event
// row and outbox envelope inside the single shared transaction.
type Step struct {
	Target   order.Status
	Actor    order.Actor
	Effects  Effects
	Metadata map[string]interface{}

	// CreateDispute inserts a dispute record in the same transaction.
	// A duplicate for the order surfaces as order.ErrConflict.
	CreateDispute *dispute.Dispute

	// UpdateDispute writes the dispute record in the same transaction.
	UpdateDispute *dispute.Dispute
}

// TransitionResult reports a committed transition chain.
type TransitionResult struct {
	Order     *order.Order
	EventIDs  []int64
	OutboxIDs []int64
}

// Envelope is one staged notification row. Rows are staged in the same
// transaction as the state change and mutated only by the outbox worker.
type Envelope struct {
	ID            int64           `json:"id"`
	EventType     string          `json:"eventType"`
	OrderID       uuid.UUID       `json:"orderId"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"maxAttempts"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	LastError     string          `json:"lastError,omitempty"`
	SentAt        *time.Time      `json:"sentAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Outbox envelope statuses.
const (
	OutboxPending = "pending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	UserID     *uuid.UUID
	MerchantID *uuid.UUID
	Status     *order.Status
	Limit      int
}

// DeliverFunc attempts delivery of one claimed envelope. A nil return marks
// the row sent; an error schedules a retry or, past max attempts, parks the
// row as failed for operator inspection.
type DeliverFunc func(ctx context.Context, env *Envelope) error

// Store is the single persistence surface of the settlement core. Every
// lifecycle mutation goes through ApplyTransition; the FOR UPDATE row lock
// plus the version check make transitions exactly-once.
type Store interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Ping(ctx context.Context) error

	// CreateOrder assigns the order number, inserts the order, the initial
	// event, and the ORDER_CREATED envelope in one transaction.
	CreateOrder(ctx context.Context, o *order.Order, metadata map[string]interface{}) error

	GetOrder(ctx context.Context, id uuid.UUID) (*order.Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]*order.Order, error)
	ListEvents(ctx context.Context, orderID uuid.UUID) ([]order.Event, error)

	// ApplyTransition runs the composite lifecycle primitive: lock row,
	// check version, consult the state machine per step, run effects,
	// write the order back with a bumped version, append one event and
	// one envelope per step, commit.
	ApplyTransition(ctx context.Context, orderID uuid.UUID, expectedVersion int64, steps ...Step) (*TransitionResult, error)

	// ReassignSeller is the admin path that changes the seller merchant.
	// It records an event but is not a lifecycle transition; escrow
	// provenance is untouched so refunds keep targeting the original payer.
	ReassignSeller(ctx context.Context, orderID, newMerchantID uuid.UUID, actor order.Actor) error

	// DueExpiries returns non-terminal orders whose deadline has passed.
	DueExpiries(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	// DrainOutbox claims up to batch due pending envelopes with
	// FOR UPDATE SKIP LOCKED and hands each to deliver. Returns the number
	// of rows claimed.
	DrainOutbox(ctx context.Context, batch int, deliver DeliverFunc) (int, error)

	GetDispute(ctx context.Context, orderID uuid.UUID) (*dispute.Dispute, error)
	SaveDispute(ctx context.Context, d *dispute.Dispute) error

	// ConfirmDispute records one party's confirmation under a row lock and
	// reports whether both parties have now confirmed. Concurrent
	// confirmations serialize; neither can overwrite the other's flag.
	ConfirmDispute(ctx context.Context, orderID uuid.UUID, party order.EntityType) (*dispute.Dispute, bool, error)

	GetBalance(ctx context.Context, p order.Party) (decimal.Decimal, error)
	EnsureAccount(ctx context.Context, p order.Party) error
	OrderEntries(ctx context.Context, orderID uuid.UUID) ([]ledger.Entry, error)

	// Ledger exposes the balance-mutation component for use inside
	// Effects callbacks.
	Ledger() ledger.Ledger
}
