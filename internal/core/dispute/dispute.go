// Package dispute implements the dispute sub-machine that layers onto the
// order lifecycle: open -> pending_confirmation -> resolved, with both-party
// confirmation gating the ledger split.
package dispute

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rampline/settlecore/internal/core/order"
)

// Status is the dispute record status.
type Status string

const (
	StatusOpen                Status = "open"
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusResolved            Status = "resolved"
)

// Resolution names the proposed outcome. User-won cancels the order and
// refunds the recorded payer side; merchant-won and split complete it.
type Resolution string

const (
	ResolutionUser     Resolution = "user"
	ResolutionMerchant Resolution = "merchant"
	ResolutionSplit    Resolution = "split"
)

// ParseResolution validates a wire resolution value.
func ParseResolution(s string) (Resolution, bool) {
	switch Resolution(s) {
	case ResolutionUser, ResolutionMerchant, ResolutionSplit:
		return Resolution(s), true
	}
	return "", false
}

// Split carries the percentage split of a split resolution. Percentages
// must be non-negative and sum to exactly 100.
type Split struct {
	User     decimal.Decimal `json:"user"`
	Merchant decimal.Decimal `json:"merchant"`
}

// Validate checks the split percentages.
func (s Split) Validate() error {
	if s.User.IsNegative() || s.Merchant.IsNegative() {
		return errors.New("split percentages must be non-negative")
	}
	if !s.User.Add(s.Merchant).Equal(decimal.NewFromInt(100)) {
		return fmt.Errorf("split percentages must sum to 100, got %s", s.User.Add(s.Merchant))
	}
	return nil
}

// Dispute is the record attached to a disputed order. At most one dispute
// exists per order (unique on order_id).
type Dispute struct {
	ID          uuid.UUID       `json:"id"`
	OrderID     uuid.UUID       `json:"orderId"`
	Status      Status          `json:"status"`
	Reason      string          `json:"reason"`
	Description string          `json:"description,omitempty"`
	InitiatedBy order.ActorType `json:"initiatedBy"`
	InitiatorID uuid.UUID       `json:"initiatorId"`

	Resolution *Resolution `json:"resolution,omitempty"`
	SplitPct   *Split      `json:"splitPercentage,omitempty"`

	UserConfirmed     bool `json:"userConfirmed"`
	MerchantConfirmed bool `json:"merchantConfirmed"`

	// Amounts are computed on double-confirmation, before execution.
	UserAmount     decimal.Decimal `json:"userAmount"`
	MerchantAmount decimal.Decimal `json:"merchantAmount"`

	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Propose attaches a resolution and moves the dispute to
// pending_confirmation, clearing any previous confirmations.
func (d *Dispute) Propose(res Resolution, split *Split) error {
	if d.Status == StatusResolved {
		return errors.New("dispute already resolved")
	}
	if res == ResolutionSplit {
		if split == nil {
			return errors.New("split resolution requires percentages")
		}
		if err := split.Validate(); err != nil {
			return err
		}
	} else if split != nil {
		return errors.New("percentages only apply to split resolutions")
	}
	d.Resolution = &res
	d.SplitPct = split
	d.Status = StatusPendingConfirmation
	d.UserConfirmed = false
	d.MerchantConfirmed = false
	return nil
}

// Confirm records one party's acceptance and reports whether both parties
// have now confirmed.
func (d *Dispute) Confirm(party order.EntityType) (bool, error) {
	if d.Status != StatusPendingConfirmation {
		return false, errors.New("no resolution pending confirmation")
	}
	switch party {
	case order.EntityUser:
		d.UserConfirmed = true
	case order.EntityMerchant:
		d.MerchantConfirmed = true
	default:
		return false, fmt.Errorf("unknown party %q", party)
	}
	return d.UserConfirmed && d.MerchantConfirmed, nil
}

// Reject reverts the dispute to open. The order stays disputed; a new
// resolution may be proposed.
func (d *Dispute) Reject() error {
	if d.Status != StatusPendingConfirmation {
		return errors.New("no resolution pending confirmation")
	}
	d.Status = StatusOpen
	d.Resolution = nil
	d.SplitPct = nil
	d.UserConfirmed = false
	d.MerchantConfirmed = false
	return nil
}

// Amounts computes the user-side and merchant-side crypto amounts for the
// attached resolution. The user side is the crypto-recipient side of the
// order; the merchant side is the recorded escrow payer.
func (d *Dispute) Amounts(cryptoAmount decimal.Decimal) (user, merchant decimal.Decimal, err error) {
	if d.Resolution == nil {
		return decimal.Zero, decimal.Zero, errors.New("no resolution attached")
	}
	switch *d.Resolution {
	case ResolutionUser:
		return cryptoAmount, decimal.Zero, nil
	case ResolutionMerchant:
		return decimal.Zero, cryptoAmount, nil
	case ResolutionSplit:
		if d.SplitPct == nil {
			return decimal.Zero, decimal.Zero, errors.New("split resolution without percentages")
		}
		hundred := decimal.NewFromInt(100)
		user = cryptoAmount.Mul(d.SplitPct.User).Div(hundred)
		// Merchant side takes the remainder so the two always sum exactly.
		merchant = cryptoAmount.Sub(user)
		return user, merchant, nil
	}
	return decimal.Zero, decimal.Zero, fmt.Errorf("unknown resolution %q", *d.Resolution)
}

// OutcomeStatus maps the resolution to the terminal order status: user-won
// cancels, everything else completes.
func (d *Dispute) OutcomeStatus() (order.Status, error) {
	if d.Resolution == nil {
		return "", errors.New("no resolution attached")
	}
	if *d.Resolution == ResolutionUser {
		return order.StatusCancelled, nil
	}
	return order.StatusCompleted, nil
}
