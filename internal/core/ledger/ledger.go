// Package ledger defines the only component permitted to mutate party
// balances. Every operation takes an already-open database transaction;
// callers own commit/rollback and ordering relative to the state machine.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rampline/settlecore/internal/core/order"
)

// EntryKind encodes the audit meaning of a ledger row.
type EntryKind string

const (
	EntryEscrowLock    EntryKind = "ESCROW_LOCK"
	EntryEscrowRelease EntryKind = "ESCROW_RELEASE"
	EntryRefund        EntryKind = "REFUND"
	EntryFee           EntryKind = "FEE"
)

// PlatformAccountType is the account type of the platform fee account.
// The fee account is a singleton addressed by the nil UUID.
const PlatformAccountType = "platform"

// PlatformAccountID addresses the singleton platform fee account.
var PlatformAccountID = uuid.Nil

// ErrInsufficientFunds is returned when a debit would underflow the payer's
// balance. The guarded UPDATE reports zero rows affected; no partial write
// escapes the transaction.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Execer is the subset of *sql.Tx the ledger needs. All ledger operations
// run inside the caller's transaction so balance mutation, ledger rows, and
// the status change commit or roll back together.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Entry is one immutable double-entry ledger row.
type Entry struct {
	ID            int64           `json:"id"`
	AccountType   string          `json:"accountType"`
	AccountID     uuid.UUID       `json:"accountId"`
	OrderID       uuid.UUID       `json:"orderId"`
	Kind          EntryKind       `json:"entryKind"`
	AmountSigned  decimal.Decimal `json:"amountSigned"`
	RelatedTxHash string          `json:"relatedTxHash,omitempty"`
	Description   string          `json:"description,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Ledger mutates balances and writes the audit rows. The payer row is
// locked with SELECT ... FOR UPDATE before any read; lock ordering is
// always order row first, then payer, then recipient.
type Ledger interface {
	// DebitAndLock locks the payer's balance row and debits it, guarded by
	// a balance >= amount check. Returns ErrInsufficientFunds when the
	// guard rejects the debit.
	DebitAndLock(ctx context.Context, tx Execer, payer order.Party, amount decimal.Decimal, orderID uuid.UUID, txHash string) error

	// Credit credits the recipient and writes one entry of the given kind.
	Credit(ctx context.Context, tx Execer, recipient order.Party, amount decimal.Decimal, orderID uuid.UUID, kind EntryKind, txHash string) error

	// DebitPlatformFee debits the payer by the fee amount and credits the
	// platform account, writing one FEE entry per side.
	DebitPlatformFee(ctx context.Context, tx Execer, payer order.Party, amount decimal.Decimal, orderID uuid.UUID) error
}
