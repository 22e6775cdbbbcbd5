package order

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{"pending to accepted", StatusPending, StatusAccepted, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"pending to expired", StatusPending, StatusExpired, true},
		{"pending to escrowed skips accept", StatusPending, StatusEscrowed, false},
		{"accepted to escrow_pending", StatusAccepted, StatusEscrowPending, true},
		{"accepted to escrowed", StatusAccepted, StatusEscrowed, true},
		{"accepted to payment_sent skips escrow", StatusAccepted, StatusPaymentSent, false},
		{"escrow_pending to escrowed", StatusEscrowPending, StatusEscrowed, true},
		{"escrow_pending to expired not allowed", StatusEscrowPending, StatusExpired, false},
		{"escrowed to payment_sent", StatusEscrowed, StatusPaymentSent, true},
		{"escrowed to disputed", StatusEscrowed, StatusDisputed, true},
		{"escrowed to expired", StatusEscrowed, StatusExpired, true},
		{"payment_sent to payment_confirmed", StatusPaymentSent, StatusPaymentConfirmed, true},
		{"payment_sent to expired not allowed", StatusPaymentSent, StatusExpired, false},
		{"payment_confirmed to completed", StatusPaymentConfirmed, StatusCompleted, true},
		{"payment_confirmed to releasing", StatusPaymentConfirmed, StatusReleasing, true},
		{"payment_confirmed to cancelled not allowed", StatusPaymentConfirmed, StatusCancelled, false},
		{"releasing to completed", StatusReleasing, StatusCompleted, true},
		{"releasing to disputed", StatusReleasing, StatusDisputed, true},
		{"disputed to completed", StatusDisputed, StatusCompleted, true},
		{"disputed to cancelled", StatusDisputed, StatusCancelled, true},
		{"disputed to expired not allowed", StatusDisputed, StatusExpired, false},
		{"completed is terminal", StatusCompleted, StatusCancelled, false},
		{"cancelled is terminal", StatusCancelled, StatusPending, false},
		{"expired is terminal", StatusExpired, StatusAccepted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatusesHaveNoTargets(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusExpired} {
		require.True(t, s.IsTerminal(), "%s must be terminal", s)
		assert.Empty(t, AllowedTargets(s), "%s must have no outgoing edges", s)
	}
	require.False(t, StatusDisputed.IsTerminal(), "disputed must stay resolvable")
}

func TestExpirableStatusesMatchExpiredEdges(t *testing.T) {
	for _, s := range ExpirableStatuses {
		assert.True(t, CanTransition(s, StatusExpired), "%s must have an expired edge", s)
	}
	for s := range allStatuses {
		if CanTransition(s, StatusExpired) {
			assert.Contains(t, ExpirableStatuses, s)
		}
	}
}

func TestMinimalProjection(t *testing.T) {
	tests := []struct {
		status  Status
		minimal MinimalStatus
	}{
		{StatusPending, MinimalOpen},
		{StatusAccepted, MinimalAccepted},
		{StatusEscrowPending, MinimalAccepted},
		{StatusEscrowed, MinimalEscrowed},
		{StatusPaymentPending, MinimalEscrowed},
		{StatusPaymentSent, MinimalPaymentSent},
		{StatusPaymentConfirmed, MinimalPaymentSent},
		{StatusReleasing, MinimalCompleted},
		{StatusCompleted, MinimalCompleted},
		{StatusCancelled, MinimalCancelled},
		{StatusDisputed, MinimalDisputed},
		{StatusExpired, MinimalExpired},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.minimal, tt.status.Minimal())
			// Projection is a function of status only: stable across calls.
			assert.Equal(t, tt.status.Minimal(), tt.status.Minimal())
		})
	}
}

func TestActorMayDrive(t *testing.T) {
	user := UserActor(uuid.New())
	merchant := MerchantActor(uuid.New())
	system := SystemActor()

	tests := []struct {
		name    string
		actor   Actor
		target  Status
		allowed bool
	}{
		{"user marks payment sent", user, StatusPaymentSent, true},
		{"user completes", user, StatusCompleted, true},
		{"user cancels", user, StatusCancelled, true},
		{"user disputes", user, StatusDisputed, true},
		{"user cannot accept", user, StatusAccepted, false},
		{"user cannot escrow", user, StatusEscrowed, false},
		{"user confirms payment", user, StatusPaymentConfirmed, true},
		{"user cannot expire", user, StatusExpired, false},
		{"merchant accepts", merchant, StatusAccepted, true},
		{"merchant escrows", merchant, StatusEscrowed, true},
		{"merchant marks payment sent", merchant, StatusPaymentSent, true},
		{"merchant confirms payment", merchant, StatusPaymentConfirmed, true},
		{"merchant cannot expire", merchant, StatusExpired, false},
		{"system expires", system, StatusExpired, true},
		{"system completes", system, StatusCompleted, true},
		{"system cancels", system, StatusCancelled, true},
		{"system cannot accept", system, StatusAccepted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, ActorMayDrive(tt.actor, tt.target))
		})
	}
}
