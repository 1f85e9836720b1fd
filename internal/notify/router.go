package notify

import (
	"fmt"
	"sync"

	"ms-delivery/internal/logger"
	"ms-delivery/internal/models"
)

// heldPerRecipient caps the backlog kept for a party that stays
// offline; older notifications fall off first.
const heldPerRecipient = 20

// Router is the consuming side of the notification topic. Online
// recipients get their notification logged as delivered; offline ones
// have it held until they reconnect and drain it.
type Router struct {
	presence *Presence
	log      *logger.Logger

	mu   sync.Mutex
	held map[string][]models.Notification
}

func NewRouter(presence *Presence, log *logger.Logger) *Router {
	return &Router{
		presence: presence,
		log:      log,
		held:     make(map[string][]models.Notification),
	}
}

// Handle routes one consumed notification.
func (r *Router) Handle(n models.Notification) {
	if r.presence.IsOnline(n.Recipient) {
		r.log.Info("NOTIFY", fmt.Sprintf("Delivered %q to %s (order %s)", n.Subject, n.Recipient, n.OrderID))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	queue := append(r.held[n.Recipient], n)
	if len(queue) > heldPerRecipient {
		queue = queue[len(queue)-heldPerRecipient:]
	}
	r.held[n.Recipient] = queue
	r.log.Info("NOTIFY", fmt.Sprintf("Recipient %s offline, holding %q (order %s)", n.Recipient, n.Subject, n.OrderID))
}

// Drain returns and clears everything held for the recipient. Called
// when the party reconnects.
func (r *Router) Drain(recipient string) []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.held[recipient]
	delete(r.held, recipient)
	return queue
}
