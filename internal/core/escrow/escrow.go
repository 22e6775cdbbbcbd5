// Package escrow builds the balance-moving effects that run inside lifecycle
// transitions: lock at escrow time, release on completion, refund on
// cancellation, and the split payout of a resolved dispute. The module never
// opens transactions itself; every effect runs on the transition's handle.
package escrow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rampline/settlecore/internal/core/dispute"
	"github.com/rampline/settlecore/internal/core/ledger"
	"github.com/rampline/settlecore/internal/core/order"
	"github.com/rampline/settlecore/internal/storage/relationaldb"
)

// Module builds escrow effects over a ledger. In mock mode missing tx hashes
// are replaced with synthetic ones so local flows work without a chain
// bridge.
type Module struct {
	ledger ledger.Ledger
	mock   bool
}

// NewModule creates an escrow module.
func NewModule(l ledger.Ledger, mock bool) *Module {
	return &Module{ledger: l, mock: mock}
}

func (m *Module) txHash(given string) (string, error) {
	if given != "" {
		return given, nil
	}
	if !m.mock {
		return "", fmt.Errorf("transaction hash is required: %w", order.ErrValidation)
	}
	return "mock-" + uuid.NewString(), nil
}

// LockEffects debits the escrow payer by the full crypto amount and records
// the provenance on the order. Locking twice is a conflict: the recorded
// escrow hash is the idempotency guard.
func (m *Module) LockEffects(txHash string) relationaldb.Effects {
	return func(ctx context.Context, tx ledger.Execer, o *order.Order) error {
		if o.EscrowTxHash != nil {
			return fmt.Errorf("escrow already locked with %s: %w", *o.EscrowTxHash, order.ErrConflict)
		}

		hash, err := m.txHash(txHash)
		if err != nil {
			return err
		}

		payer := o.EscrowPayer()
		if err := m.ledger.DebitAndLock(ctx, tx, payer, o.CryptoAmount, o.ID, hash); err != nil {
			return err
		}

		o.EscrowTxHash = &hash
		o.EscrowDebitedEntityType = payer.Type
		id := payer.ID
		o.EscrowDebitedEntityID = &id
		o.EscrowDebitedAmount = o.CryptoAmount
		return nil
	}
}

// ReleaseEffects credits the crypto recipient with the full escrowed amount
// and moves the protocol fee from the recorded payer to the platform
// account. A prior release or refund makes the call a conflict.
func (m *Module) ReleaseEffects(txHash string) relationaldb.Effects {
	return func(ctx context.Context, tx ledger.Execer, o *order.Order) error {
		if err := settlementGuard(o); err != nil {
			return err
		}
		debited, ok := o.DebitedParty()
		if !ok {
			return fmt.Errorf("order %s has no locked escrow: %w", o.ID, order.ErrInvalidTransition)
		}

		hash, err := m.txHash(txHash)
		if err != nil {
			return err
		}

		// Payer side first, then recipient: lock ordering is the order row,
		// the payer, the recipient.
		if err := m.ledger.DebitPlatformFee(ctx, tx, debited, o.ProtocolFeeAmount, o.ID); err != nil {
			return err
		}
		if err := m.ledger.Credit(ctx, tx, o.ReleaseRecipient(), o.EscrowDebitedAmount, o.ID, ledger.EntryEscrowRelease, hash); err != nil {
			return err
		}

		o.ReleaseTxHash = &hash
		return nil
	}
}

// RefundEffects returns the recorded escrowed amount to the recorded payer.
// Refunds deliberately ignore the current seller merchant: a reassignment
// after lock must not redirect the money. Orders that never locked escrow
// pass through with no ledger movement.
func (m *Module) RefundEffects(reason string) relationaldb.Effects {
	return func(ctx context.Context, tx ledger.Execer, o *order.Order) error {
		if err := settlementGuard(o); err != nil {
			return err
		}

		debited, ok := o.DebitedParty()
		if !ok {
			return nil
		}

		hash, err := m.txHash("")
		if err != nil {
			return err
		}

		if err := m.ledger.Credit(ctx, tx, debited, o.EscrowDebitedAmount, o.ID, ledger.EntryRefund, hash); err != nil {
			return err
		}

		o.RefundTxHash = &hash
		return nil
	}
}

// ResolveEffects pays out a double-confirmed dispute: the user side of the
// split goes to the crypto recipient, the merchant side back to the recorded
// payer. A full user win is a release-shaped payout, a full merchant win a
// refund-shaped one; either way the escrowed amount is conserved.
func (m *Module) ResolveEffects(d *dispute.Dispute) relationaldb.Effects {
	return func(ctx context.Context, tx ledger.Execer, o *order.Order) error {
		if err := settlementGuard(o); err != nil {
			return err
		}
		debited, ok := o.DebitedParty()
		if !ok {
			return fmt.Errorf("order %s has no locked escrow: %w", o.ID, order.ErrInvalidTransition)
		}

		userAmount, merchantAmount, err := d.Amounts(o.EscrowDebitedAmount)
		if err != nil {
			return err
		}
		d.UserAmount = userAmount
		d.MerchantAmount = merchantAmount

		hash, err := m.txHash("")
		if err != nil {
			return err
		}

		// Payer side first, matching the release lock ordering.
		if merchantAmount.IsPositive() {
			if err := m.ledger.Credit(ctx, tx, debited, merchantAmount, o.ID, ledger.EntryRefund, hash); err != nil {
				return err
			}
		}
		if userAmount.IsPositive() {
			if err := m.ledger.Credit(ctx, tx, o.ReleaseRecipient(), userAmount, o.ID, ledger.EntryEscrowRelease, hash); err != nil {
				return err
			}
		}

		outcome, err := d.OutcomeStatus()
		if err != nil {
			return err
		}
		if outcome == order.StatusCancelled {
			o.RefundTxHash = &hash
		} else {
			o.ReleaseTxHash = &hash
		}
		return nil
	}
}

// settlementGuard rejects a second settlement attempt. At most one of the
// release and refund hashes may ever be set.
func settlementGuard(o *order.Order) error {
	if o.ReleaseTxHash != nil {
		return fmt.Errorf("escrow already released with %s: %w", *o.ReleaseTxHash, order.ErrConflict)
	}
	if o.RefundTxHash != nil {
		return fmt.Errorf("escrow already refunded with %s: %w", *o.RefundTxHash, order.ErrConflict)
	}
	return nil
}
