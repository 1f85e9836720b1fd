package notify

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-delivery/internal/logger"
	"ms-delivery/internal/models"
)

func testNotification(recipient, subject string) models.Notification {
	return models.Notification{
		Recipient: recipient,
		Subject:   subject,
		OrderID:   "o-1",
		Timestamp: time.Now(),
	}
}

func TestRouterHoldsForOfflineRecipient(t *testing.T) {
	presence := NewPresence()
	router := NewRouter(presence, logger.NewLogger())

	router.Handle(testNotification("drv-1", "New pickup request"))

	held := router.Drain("drv-1")
	require.Len(t, held, 1)
	assert.Equal(t, "New pickup request", held[0].Subject)

	// Draining empties the backlog.
	assert.Empty(t, router.Drain("drv-1"))
}

func TestRouterSkipsHoldingWhenRecipientOnline(t *testing.T) {
	presence := NewPresence()
	presence.Connect("drv-1")
	router := NewRouter(presence, logger.NewLogger())

	router.Handle(testNotification("drv-1", "Order ready for pickup"))

	assert.Empty(t, router.Drain("drv-1"))
}

func TestRouterCapsHeldBacklog(t *testing.T) {
	presence := NewPresence()
	router := NewRouter(presence, logger.NewLogger())

	for i := 0; i < heldPerRecipient+5; i++ {
		router.Handle(testNotification("cust-1", fmt.Sprintf("update %d", i)))
	}

	held := router.Drain("cust-1")
	require.Len(t, held, heldPerRecipient)
	// Oldest entries were dropped.
	assert.Equal(t, fmt.Sprintf("update %d", 5), held[0].Subject)
}
