package order

// Status is the internal 12-value order status.
type Status string

const (
	StatusPending          Status = "pending"
	StatusAccepted         Status = "accepted"
	StatusEscrowPending    Status = "escrow_pending"
	StatusEscrowed         Status = "escrowed"
	StatusPaymentPending   Status = "payment_pending"
	StatusPaymentSent      Status = "payment_sent"
	StatusPaymentConfirmed Status = "payment_confirmed"
	StatusReleasing        Status = "releasing"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
	StatusDisputed         Status = "disputed"
	StatusExpired          Status = "expired"
)

// MinimalStatus is the stable 8-value projection exposed to external
// consumers. It is a pure function of Status and never of any other field.
type MinimalStatus string

const (
	MinimalOpen        MinimalStatus = "open"
	MinimalAccepted    MinimalStatus = "accepted"
	MinimalEscrowed    MinimalStatus = "escrowed"
	MinimalPaymentSent MinimalStatus = "payment_sent"
	MinimalCompleted   MinimalStatus = "completed"
	MinimalCancelled   MinimalStatus = "cancelled"
	MinimalDisputed    MinimalStatus = "disputed"
	MinimalExpired     MinimalStatus = "expired"
)

// allStatuses is used for input validation.
var allStatuses = map[Status]struct{}{
	StatusPending: {}, StatusAccepted: {}, StatusEscrowPending: {},
	StatusEscrowed: {}, StatusPaymentPending: {}, StatusPaymentSent: {},
	StatusPaymentConfirmed: {}, StatusReleasing: {}, StatusCompleted: {},
	StatusCancelled: {}, StatusDisputed: {}, StatusExpired: {},
}

// ParseStatus validates a wire status value.
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	_, ok := allStatuses[st]
	return st, ok
}

// IsTerminal reports whether no further transition is permitted from s.
// Disputed is not terminal; it may still resolve to any terminal status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Minimal projects the internal status onto the 8-value external alphabet.
func (s Status) Minimal() MinimalStatus {
	switch s {
	case StatusPending:
		return MinimalOpen
	case StatusAccepted, StatusEscrowPending:
		return MinimalAccepted
	case StatusEscrowed, StatusPaymentPending:
		return MinimalEscrowed
	case StatusPaymentSent, StatusPaymentConfirmed:
		return MinimalPaymentSent
	case StatusReleasing, StatusCompleted:
		return MinimalCompleted
	case StatusCancelled:
		return MinimalCancelled
	case StatusDisputed:
		return MinimalDisputed
	case StatusExpired:
		return MinimalExpired
	}
	return MinimalOpen
}

// transitions encodes the allowed source -> target edges of the lifecycle.
var transitions = map[Status][]Status{
	StatusPending:          {StatusAccepted, StatusCancelled, StatusExpired},
	StatusAccepted:         {StatusEscrowPending, StatusEscrowed, StatusCancelled, StatusExpired},
	StatusEscrowPending:    {StatusEscrowed, StatusCancelled},
	StatusEscrowed:         {StatusPaymentSent, StatusDisputed, StatusCancelled, StatusExpired},
	StatusPaymentSent:      {StatusPaymentConfirmed, StatusDisputed, StatusCancelled},
	StatusPaymentConfirmed: {StatusReleasing, StatusCompleted, StatusDisputed},
	StatusReleasing:        {StatusCompleted, StatusDisputed},
	StatusDisputed:         {StatusCompleted, StatusCancelled},
}

// ExpirableStatuses lists the statuses the expiry sweeper may act on:
// exactly the sources of an expired edge. Once fiat is claimed to be moving,
// only an explicit resolution path may end the order.
var ExpirableStatuses = []Status{StatusPending, StatusAccepted, StatusEscrowed}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// AllowedTargets returns the legal targets from a given status. The returned
// slice is shared; callers must not modify it.
func AllowedTargets(from Status) []Status {
	return transitions[from]
}

// actorTargets is the authorisation matrix: which target statuses each actor
// role may drive. The matrix gates roles only; the lifecycle service further
// restricts payment_sent to the fiat-payer side and payment_confirmed plus
// the release targets to the fiat-receiver side, so a user may confirm and
// release exactly when the user is the fiat receiver (plain sell orders).
var actorTargets = map[ActorType]map[Status]struct{}{
	ActorUser: {
		StatusPaymentSent: {}, StatusPaymentConfirmed: {},
		StatusCompleted: {}, StatusCancelled: {}, StatusDisputed: {},
	},
	ActorMerchant: {
		StatusAccepted: {}, StatusEscrowed: {}, StatusPaymentSent: {},
		StatusPaymentConfirmed: {}, StatusCompleted: {}, StatusCancelled: {}, StatusDisputed: {},
	},
	ActorSystem: {
		StatusExpired: {}, StatusCompleted: {}, StatusCancelled: {},
	},
}

// ActorMayDrive reports whether the actor role is permitted to drive the
// order to the target status.
func ActorMayDrive(a Actor, target Status) bool {
	targets, ok := actorTargets[a.Type]
	if !ok {
		return false
	}
	_, ok = targets[target]
	return ok
}
