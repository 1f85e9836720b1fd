package orders

import (
	"errors"
	"fmt"

	"ms-delivery/internal/models"
)

// ErrInvalidTransition marks a state change the machine does not allow
// for the acting party.
var ErrInvalidTransition = errors.New("invalid transition")

// Actor identifies who may drive a transition.
const (
	ActorCustomer   = "customer"
	ActorRestaurant = "restaurant"
	ActorDriver     = "driver"
	ActorSystem     = "system"
)

// transition defines one valid state change and who can perform it.
type transition struct {
	From  models.OrderStatus
	To    models.OrderStatus
	Actor string
}

// validTransitions is the authoritative state machine definition.
var validTransitions = []transition{
	// Payment outcome
	{From: models.StatusAwaitingPayment, To: models.StatusPendingRestaurantAcceptance, Actor: ActorSystem},
	{From: models.StatusAwaitingPayment, To: models.StatusPaymentExpired, Actor: ActorSystem},
	{From: models.StatusAwaitingPayment, To: models.StatusCancelled, Actor: ActorSystem},

	// Restaurant decision or its expiry
	{From: models.StatusPendingRestaurantAcceptance, To: models.StatusDriverSearch, Actor: ActorRestaurant},
	{From: models.StatusPendingRestaurantAcceptance, To: models.StatusCancelled, Actor: ActorRestaurant},
	{From: models.StatusPendingRestaurantAcceptance, To: models.StatusCancelled, Actor: ActorSystem},

	// Driver matching outcome
	{From: models.StatusDriverSearch, To: models.StatusDriverAssigned, Actor: ActorDriver},
	{From: models.StatusDriverSearch, To: models.StatusNoDriversAvailable, Actor: ActorSystem},

	// Fulfillment
	{From: models.StatusDriverAssigned, To: models.StatusReadyForPickup, Actor: ActorRestaurant},
	// Self-pickup orders become ready too
	{From: models.StatusNoDriversAvailable, To: models.StatusReadyForPickup, Actor: ActorRestaurant},
	{From: models.StatusReadyForPickup, To: models.StatusPickedUp, Actor: ActorDriver},
	{From: models.StatusReadyForPickup, To: models.StatusPickedUp, Actor: ActorCustomer},
	{From: models.StatusPickedUp, To: models.StatusDelivered, Actor: ActorDriver},
	{From: models.StatusPickedUp, To: models.StatusDelivered, Actor: ActorCustomer},
}

type transitionKey struct {
	From  models.OrderStatus
	To    models.OrderStatus
	Actor string
}

var transitionMap = func() map[transitionKey]bool {
	m := make(map[transitionKey]bool)
	for _, t := range validTransitions {
		m[transitionKey{t.From, t.To, t.Actor}] = true
	}
	return m
}()

// ValidTransitionsFrom returns all valid next states from a given state.
func ValidTransitionsFrom(status models.OrderStatus) []models.OrderStatus {
	var nexts []models.OrderStatus
	seen := map[models.OrderStatus]bool{}
	for _, t := range validTransitions {
		if t.From == status && !seen[t.To] {
			nexts = append(nexts, t.To)
			seen[t.To] = true
		}
	}
	return nexts
}

// CanTransition checks whether the actor may move an order from one
// status to another.
func CanTransition(from, to models.OrderStatus, actor string) error {
	if transitionMap[transitionKey{From: from, To: to, Actor: actor}] {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s is not allowed for actor %q", ErrInvalidTransition, from, to, actor)
}
