package settlement

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"ms-delivery/internal/logger"
)

var (
	ErrStripeAPIError         = errors.New("stripe API error")
	ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")
)

// StripeProvider issues refunds and transfers against Stripe. Every
// call carries the caller's idempotency key so a retried call after a
// crash cannot move money twice.
type StripeProvider struct {
	client *client.API
	log    *logger.Logger
}

func NewStripeProvider(log *logger.Logger) (*StripeProvider, error) {
	stripeKey := os.Getenv("STRIPE_SECRET_KEY")
	if stripeKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY environment variable not set")
		return nil, ErrStripeClientInitFailed
	}

	sc := client.New(stripeKey, nil)
	if sc == nil {
		log.Error("STRIPE", "Failed to initialize Stripe client")
		return nil, ErrStripeClientInitFailed
	}

	log.Info("STRIPE", "Stripe client initialized successfully")
	return &StripeProvider{client: sc, log: log}, nil
}

func (p *StripeProvider) CreateRefund(ctx context.Context, idempotencyKey, paymentIntentID string, amountCents int64, reason string) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
		Amount:        stripe.Int64(amountCents),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	params.AddMetadata("reason", reason)

	refund, err := p.client.Refunds.New(params)
	if err != nil {
		p.log.Error("STRIPE", fmt.Sprintf("Refund failed (key %s): %v", idempotencyKey, err))
		return "", fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}

	p.log.Info("STRIPE", fmt.Sprintf("Refund %s created for payment intent %s (%d cents)", refund.ID, paymentIntentID, amountCents))
	return refund.ID, nil
}

func (p *StripeProvider) CreateTransfer(ctx context.Context, idempotencyKey, destinationAccount string, amountCents int64, description string) (string, error) {
	currency := os.Getenv("STRIPE_CURRENCY")
	if currency == "" {
		currency = "usd"
	}

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amountCents),
		Currency:    stripe.String(currency),
		Destination: stripe.String(destinationAccount),
		Description: stripe.String(description),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	transfer, err := p.client.Transfers.New(params)
	if err != nil {
		p.log.Error("STRIPE", fmt.Sprintf("Transfer failed (key %s): %v", idempotencyKey, err))
		return "", fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}

	p.log.Info("STRIPE", fmt.Sprintf("Transfer %s created to %s (%d cents)", transfer.ID, destinationAccount, amountCents))
	return transfer.ID, nil
}
