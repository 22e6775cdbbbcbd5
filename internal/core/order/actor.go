package order

import (
	"fmt"

	"github.com/google/uuid"
)

// ActorType identifies who is driving a transition.
type ActorType string

const (
	ActorUser     ActorType = "user"
	ActorMerchant ActorType = "merchant"
	ActorSystem   ActorType = "system"
)

// Actor is a tagged party reference. System actors carry a nil ID.
type Actor struct {
	Type ActorType
	ID   uuid.UUID
}

// UserActor returns a user actor.
func UserActor(id uuid.UUID) Actor { return Actor{Type: ActorUser, ID: id} }

// MerchantActor returns a merchant actor.
func MerchantActor(id uuid.UUID) Actor { return Actor{Type: ActorMerchant, ID: id} }

// SystemActor returns the system actor used by the sweeper and admin paths.
func SystemActor() Actor { return Actor{Type: ActorSystem} }

// ParseActorType validates a wire actor type.
func ParseActorType(s string) (ActorType, bool) {
	switch ActorType(s) {
	case ActorUser, ActorMerchant, ActorSystem:
		return ActorType(s), true
	}
	return "", false
}

// IsSystem reports whether the actor is the system actor.
func (a Actor) IsSystem() bool { return a.Type == ActorSystem }

// String formats the actor for logs and event rows.
func (a Actor) String() string {
	if a.IsSystem() {
		return string(ActorSystem)
	}
	return fmt.Sprintf("%s:%s", a.Type, a.ID)
}

// EntityType identifies a balance-holding party. It deliberately excludes
// system: the platform fee account is addressed separately by the ledger.
type EntityType string

const (
	EntityUser     EntityType = "user"
	EntityMerchant EntityType = "merchant"
)

// Party is a balance-holding party reference.
type Party struct {
	Type EntityType
	ID   uuid.UUID
}

// Matches reports whether the actor is the given party.
func (a Actor) Matches(p Party) bool {
	return string(a.Type) == string(p.Type) && a.ID == p.ID
}
