package order

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type is the trade direction from the user's perspective: buy means the
// user buys crypto and the merchant sells it.
type Type string

const (
	TypeBuy  Type = "buy"
	TypeSell Type = "sell"
)

// PaymentMethod is the off-platform fiat rail.
type PaymentMethod string

const (
	PaymentBank PaymentMethod = "bank"
	PaymentCash PaymentMethod = "cash"
)

// SpreadPreference selects the protocol fee tier at creation time.
type SpreadPreference string

const (
	SpreadCheap   SpreadPreference = "cheap"
	SpreadBest    SpreadPreference = "best"
	SpreadFastest SpreadPreference = "fastest"
)

// PaymentDetails is the payment-method snapshot taken at creation. Exactly
// one of the two variants is populated, keyed on the order's PaymentMethod.
type PaymentDetails struct {
	Bank *BankDetails `json:"bank,omitempty"`
	Cash *CashDetails `json:"cash,omitempty"`
}

// BankDetails carries bank-transfer coordinates.
type BankDetails struct {
	BankName      string `json:"bankName"`
	AccountName   string `json:"accountName"`
	AccountNumber string `json:"accountNumber"`
	IBAN          string `json:"iban,omitempty"`
}

// CashDetails carries a cash meetup snapshot.
type CashDetails struct {
	Location string `json:"location"`
	Note     string `json:"note,omitempty"`
}

// Validate checks the variant against the declared payment method.
func (d PaymentDetails) Validate(method PaymentMethod) error {
	switch method {
	case PaymentBank:
		if d.Bank == nil || d.Cash != nil {
			return errors.New("payment details must carry the bank variant")
		}
		if d.Bank.AccountNumber == "" && d.Bank.IBAN == "" {
			return errors.New("bank details require an account number or IBAN")
		}
	case PaymentCash:
		if d.Cash == nil || d.Bank != nil {
			return errors.New("payment details must carry the cash variant")
		}
		if d.Cash.Location == "" {
			return errors.New("cash details require a location")
		}
	default:
		return errors.New("unknown payment method")
	}
	return nil
}

// Order is the central settlement entity. All money fields are exact
// decimals; balances are only ever mutated through the ledger.
type Order struct {
	ID          uuid.UUID `json:"id"`
	OrderNumber string    `json:"orderNumber"`

	SellerMerchantID uuid.UUID  `json:"sellerMerchantId"`
	UserID           uuid.UUID  `json:"userId"`
	BuyerMerchantID  *uuid.UUID `json:"buyerMerchantId,omitempty"`
	OfferID          uuid.UUID  `json:"offerId"`

	Type           Type            `json:"type"`
	CryptoAmount   decimal.Decimal `json:"cryptoAmount"`
	FiatAmount     decimal.Decimal `json:"fiatAmount"`
	Rate           decimal.Decimal `json:"rate"`
	CryptoCurrency string          `json:"cryptoCurrency"`
	FiatCurrency   string          `json:"fiatCurrency"`
	PaymentMethod  PaymentMethod   `json:"paymentMethod"`
	PaymentDetails PaymentDetails  `json:"paymentDetails"`

	Status  Status `json:"status"`
	Version int64  `json:"orderVersion"`

	ProtocolFeePercentage decimal.Decimal `json:"protocolFeePercentage"`
	ProtocolFeeAmount     decimal.Decimal `json:"protocolFeeAmount"`

	// Escrow provenance, set once at lock time and immutable thereafter.
	EscrowDebitedEntityType EntityType      `json:"escrowDebitedEntityType,omitempty"`
	EscrowDebitedEntityID   *uuid.UUID      `json:"escrowDebitedEntityId,omitempty"`
	EscrowDebitedAmount     decimal.Decimal `json:"escrowDebitedAmount"`

	EscrowTxHash  *string `json:"escrowTxHash,omitempty"`
	ReleaseTxHash *string `json:"releaseTxHash,omitempty"`
	RefundTxHash  *string `json:"refundTxHash,omitempty"`

	CreatedAt          time.Time  `json:"createdAt"`
	AcceptedAt         *time.Time `json:"acceptedAt,omitempty"`
	EscrowedAt         *time.Time `json:"escrowedAt,omitempty"`
	PaymentSentAt      *time.Time `json:"paymentSentAt,omitempty"`
	PaymentConfirmedAt *time.Time `json:"paymentConfirmedAt,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
	ExpiresAt          time.Time  `json:"expiresAt"`
}

// MinimalStatus returns the external projection of the current status.
func (o *Order) MinimalStatus() MinimalStatus { return o.Status.Minimal() }

// IsM2M reports whether this is a merchant-to-merchant trade.
func (o *Order) IsM2M() bool { return o.BuyerMerchantID != nil }

// EscrowPayer is the party whose crypto balance is debited at lock time:
// the seller-of-crypto. For M2M trades and buy orders that is the seller
// merchant; for plain sell orders it is the user.
func (o *Order) EscrowPayer() Party {
	if o.IsM2M() || o.Type == TypeBuy {
		return Party{Type: EntityMerchant, ID: o.SellerMerchantID}
	}
	return Party{Type: EntityUser, ID: o.UserID}
}

// ReleaseRecipient is the party credited at release: the buyer-of-crypto,
// always the opposite side of the recorded escrow payer.
func (o *Order) ReleaseRecipient() Party {
	if o.IsM2M() {
		return Party{Type: EntityMerchant, ID: *o.BuyerMerchantID}
	}
	if o.Type == TypeBuy {
		return Party{Type: EntityUser, ID: o.UserID}
	}
	return Party{Type: EntityMerchant, ID: o.SellerMerchantID}
}

// FiatPayer is the party that sends the off-platform fiat payment. Fiat
// flows opposite to the crypto, so the fiat payer is the crypto recipient.
func (o *Order) FiatPayer() Party { return o.ReleaseRecipient() }

// FiatReceiver is the party that receives the fiat payment: the crypto
// seller, i.e. the escrow payer.
func (o *Order) FiatReceiver() Party { return o.EscrowPayer() }

// DebitedParty returns the recorded escrow provenance, used by refunds.
// Refunds go to this party, never to the current seller merchant, so a
// seller reassignment after lock cannot redirect the refund.
func (o *Order) DebitedParty() (Party, bool) {
	if o.EscrowDebitedEntityID == nil {
		return Party{}, false
	}
	return Party{Type: o.EscrowDebitedEntityType, ID: *o.EscrowDebitedEntityID}, true
}

// TransitionTimestamp stamps the per-transition timestamp for the target
// status. Timestamps for statuses without a dedicated column are dropped;
// the event row keeps the full history.
func (o *Order) TransitionTimestamp(target Status, now time.Time) {
	switch target {
	case StatusAccepted:
		o.AcceptedAt = &now
	case StatusEscrowed:
		o.EscrowedAt = &now
	case StatusPaymentSent:
		o.PaymentSentAt = &now
	case StatusPaymentConfirmed:
		o.PaymentConfirmedAt = &now
	case StatusCompleted:
		o.CompletedAt = &now
	case StatusCancelled, StatusExpired:
		o.CancelledAt = &now
	}
}

// Event is one append-only row of the per-order event chain.
type Event struct {
	ID        int64           `json:"id"`
	OrderID   uuid.UUID       `json:"orderId"`
	OldStatus Status          `json:"oldStatus"`
	NewStatus Status          `json:"newStatus"`
	EventType string          `json:"eventType"`
	ActorType ActorType       `json:"actorType"`
	ActorID   *uuid.UUID      `json:"actorId,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// EventTypeFor maps a target status to its lifecycle event name.
func EventTypeFor(target Status) string {
	switch target {
	case StatusPending:
		return "ORDER_CREATED"
	case StatusAccepted:
		return "ORDER_ACCEPTED"
	case StatusEscrowPending:
		return "ORDER_ESCROW_PENDING"
	case StatusEscrowed:
		return "ORDER_ESCROWED"
	case StatusPaymentPending:
		return "ORDER_PAYMENT_PENDING"
	case StatusPaymentSent:
		return "ORDER_PAYMENT_SENT"
	case StatusPaymentConfirmed:
		return "ORDER_PAYMENT_CONFIRMED"
	case StatusReleasing:
		return "ORDER_RELEASING"
	case StatusCompleted:
		return "ORDER_COMPLETED"
	case StatusCancelled:
		return "ORDER_CANCELLED"
	case StatusDisputed:
		return "ORDER_DISPUTED"
	case StatusExpired:
		return "ORDER_EXPIRED"
	}
	return "ORDER_UPDATED"
}
