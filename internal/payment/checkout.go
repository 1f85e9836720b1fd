package payment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"ms-delivery/internal/config"
	"ms-delivery/internal/logger"
	"ms-delivery/internal/models"
)

var ErrCheckoutClientInitFailed = errors.New("failed to initialize Stripe checkout client")

// StripeCheckout creates and retrieves provider checkout sessions for
// orders.
type StripeCheckout struct {
	client *client.API
	log    *logger.Logger
	cfg    config.StripeConfig
}

func NewStripeCheckout(cfg config.StripeConfig, log *logger.Logger) (*StripeCheckout, error) {
	if cfg.SecretKey == "" {
		log.Error("STRIPE", "Stripe secret key is not configured")
		return nil, ErrCheckoutClientInitFailed
	}

	sc := client.New(cfg.SecretKey, nil)
	if sc == nil {
		log.Error("STRIPE", "Failed to initialize Stripe client")
		return nil, ErrCheckoutClientInitFailed
	}

	return &StripeCheckout{client: sc, log: log, cfg: cfg}, nil
}

// CreateSession opens a checkout session for the order total.
func (c *StripeCheckout) CreateSession(ctx context.Context, order *models.Order) (*models.CheckoutSession, error) {
	amountCents := int64(math.Round(order.Total * 100))

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(c.cfg.SuccessURL),
		CancelURL:  stripe.String(c.cfg.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(c.cfg.Currency),
					UnitAmount: stripe.Int64(amountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("Order from %s", order.RestaurantName)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", order.OrderID)

	sess, err := c.client.CheckoutSessions.New(params)
	if err != nil {
		c.log.Error("STRIPE", fmt.Sprintf("Failed to create checkout session for order %s: %v", order.OrderID, err))
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	c.log.Info("STRIPE", fmt.Sprintf("Checkout session %s created for order %s (%d cents)", sess.ID, order.OrderID, amountCents))
	return toCheckoutSession(sess), nil
}

// RetrieveSession re-reads a session from the provider. The session
// expiry job calls this before declaring a payment dead; the webhook
// and the timer race and the provider is the referee.
func (c *StripeCheckout) RetrieveSession(ctx context.Context, sessionID string) (*models.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := c.client.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve checkout session %s: %w", sessionID, err)
	}
	return toCheckoutSession(sess), nil
}

func toCheckoutSession(sess *stripe.CheckoutSession) *models.CheckoutSession {
	out := &models.CheckoutSession{
		SessionID: sess.ID,
		URL:       sess.URL,
		ExpiresAt: time.Unix(sess.ExpiresAt, 0),
	}
	if sess.PaymentIntent != nil {
		out.PaymentIntentID = sess.PaymentIntent.ID
	}
	switch sess.PaymentStatus {
	case stripe.CheckoutSessionPaymentStatusPaid:
		out.PaymentStatus = models.PaymentSucceeded
	case stripe.CheckoutSessionPaymentStatusUnpaid:
		out.PaymentStatus = models.PaymentPending
	default:
		out.PaymentStatus = models.PaymentPending
	}
	return out
}
