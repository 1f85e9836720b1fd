package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ms-delivery/internal/models"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name  string
		from  models.OrderStatus
		to    models.OrderStatus
		actor string
		valid bool
	}{
		{"payment confirmed", models.StatusAwaitingPayment, models.StatusPendingRestaurantAcceptance, ActorSystem, true},
		{"session expired", models.StatusAwaitingPayment, models.StatusPaymentExpired, ActorSystem, true},
		{"payment failed cancels", models.StatusAwaitingPayment, models.StatusCancelled, ActorSystem, true},
		{"restaurant accepts", models.StatusPendingRestaurantAcceptance, models.StatusDriverSearch, ActorRestaurant, true},
		{"restaurant rejects", models.StatusPendingRestaurantAcceptance, models.StatusCancelled, ActorRestaurant, true},
		{"acceptance window expires", models.StatusPendingRestaurantAcceptance, models.StatusCancelled, ActorSystem, true},
		{"driver accepts", models.StatusDriverSearch, models.StatusDriverAssigned, ActorDriver, true},
		{"search exhausted", models.StatusDriverSearch, models.StatusNoDriversAvailable, ActorSystem, true},
		{"food ready with driver", models.StatusDriverAssigned, models.StatusReadyForPickup, ActorRestaurant, true},
		{"food ready self pickup", models.StatusNoDriversAvailable, models.StatusReadyForPickup, ActorRestaurant, true},
		{"driver picks up", models.StatusReadyForPickup, models.StatusPickedUp, ActorDriver, true},
		{"customer picks up", models.StatusReadyForPickup, models.StatusPickedUp, ActorCustomer, true},
		{"driver delivers", models.StatusPickedUp, models.StatusDelivered, ActorDriver, true},
		{"customer confirms handoff", models.StatusPickedUp, models.StatusDelivered, ActorCustomer, true},

		{"customer cannot accept for restaurant", models.StatusPendingRestaurantAcceptance, models.StatusDriverSearch, ActorCustomer, false},
		{"restaurant cannot skip payment", models.StatusAwaitingPayment, models.StatusDriverSearch, ActorRestaurant, false},
		{"driver cannot self assign early", models.StatusPendingRestaurantAcceptance, models.StatusDriverAssigned, ActorDriver, false},
		{"no delivery before pickup", models.StatusReadyForPickup, models.StatusDelivered, ActorDriver, false},
		{"restaurant cannot mark picked up", models.StatusReadyForPickup, models.StatusPickedUp, ActorRestaurant, false},
		{"driver cannot mark ready", models.StatusDriverAssigned, models.StatusReadyForPickup, ActorDriver, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := CanTransition(tc.from, tc.to, tc.actor)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, status := range []models.OrderStatus{
		models.StatusDelivered,
		models.StatusCancelled,
		models.StatusPaymentExpired,
	} {
		assert.Empty(t, ValidTransitionsFrom(status), "expected %s to be terminal", status)
	}
}

func TestValidTransitionsFromDeduplicates(t *testing.T) {
	nexts := ValidTransitionsFrom(models.StatusReadyForPickup)
	assert.Equal(t, []models.OrderStatus{models.StatusPickedUp}, nexts)
}
