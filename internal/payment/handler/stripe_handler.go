package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"ms-delivery/internal/logger"
	"ms-delivery/internal/utils"
)

// OrderEvents is the slice of the order service the webhook feeds into.
type OrderEvents interface {
	HandlePaymentCompleted(ctx context.Context, orderID, sessionID, paymentIntentID string) error
	HandlePaymentFailed(ctx context.Context, orderID, reason string) error
}

// WebhookError carries a category, an HTTP status and separate
// public/internal messages so handler code can log the detail and
// return only the safe part.
type WebhookError struct {
	Category      string // "configuration", "validation", "processing"
	StatusCode    int
	PublicError   string
	InternalError string
	OriginalErr   error
}

func (e *WebhookError) Error() string {
	return e.InternalError
}

type StripeHandler struct {
	orders        OrderEvents
	webhookSecret string
	logger        *logger.Logger
}

func NewStripeHandler(orders OrderEvents, webhookSecret string, logger *logger.Logger) *StripeHandler {
	return &StripeHandler{
		orders:        orders,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

// HandleWebhook verifies and dispatches provider webhook events.
func (h *StripeHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.processWebhook(r); err != nil {
		var whErr *WebhookError
		if e, ok := err.(*WebhookError); ok {
			whErr = e
		} else {
			whErr = &WebhookError{
				Category:      "processing",
				StatusCode:    http.StatusInternalServerError,
				PublicError:   "Webhook processing error",
				InternalError: err.Error(),
				OriginalErr:   err,
			}
		}
		h.logger.Error("WEBHOOK", fmt.Sprintf("[%s] %s", whErr.Category, whErr.InternalError))
		utils.WriteError(w, whErr.StatusCode, whErr.PublicError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"received": "true"})
}

func (h *StripeHandler) processWebhook(r *http.Request) error {
	if h.webhookSecret == "" {
		return &WebhookError{
			Category:      "configuration",
			StatusCode:    http.StatusInternalServerError,
			PublicError:   "Webhook processing error",
			InternalError: "Stripe webhook secret is not configured",
		}
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid webhook payload",
			InternalError: fmt.Sprintf("Failed to read webhook payload: %v", err),
			OriginalErr:   err,
		}
	}

	// Tolerate API version drift between the dashboard and this SDK.
	opts := webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.webhookSecret, opts)
	if err != nil {
		return &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Webhook signature verification failed",
			InternalError: fmt.Sprintf("Webhook signature verification failed: %v", err),
			OriginalErr:   err,
		}
	}

	h.logger.Info("WEBHOOK", fmt.Sprintf("Processing Stripe webhook event: %s", event.Type))

	ctx := r.Context()

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return h.badEventData("checkout session", err)
		}

		orderID, exists := session.Metadata["order_id"]
		if !exists {
			return &WebhookError{
				Category:      "processing",
				StatusCode:    http.StatusBadRequest,
				PublicError:   "Invalid checkout session data",
				InternalError: "Checkout session has no order_id in metadata",
			}
		}

		paymentIntentID := ""
		if session.PaymentIntent != nil {
			paymentIntentID = session.PaymentIntent.ID
		}

		if err := h.orders.HandlePaymentCompleted(ctx, orderID, session.ID, paymentIntentID); err != nil {
			return &WebhookError{
				Category:      "processing",
				StatusCode:    http.StatusInternalServerError,
				PublicError:   "Failed to process payment",
				InternalError: fmt.Sprintf("Failed to confirm payment for order %s: %v", orderID, err),
				OriginalErr:   err,
			}
		}

		h.logger.Info("WEBHOOK", fmt.Sprintf("Payment confirmed for order %s", orderID))

	case "payment_intent.payment_failed":
		var paymentIntent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &paymentIntent); err != nil {
			return h.badEventData("payment intent", err)
		}

		orderID, exists := paymentIntent.Metadata["order_id"]
		if !exists {
			// Intents created outside checkout carry no order metadata.
			h.logger.Warn("WEBHOOK", "Failed payment intent has no order_id in metadata, skipping")
			return nil
		}

		reason := "payment failed"
		if paymentIntent.LastPaymentError != nil && paymentIntent.LastPaymentError.Msg != "" {
			reason = paymentIntent.LastPaymentError.Msg
		}

		if err := h.orders.HandlePaymentFailed(ctx, orderID, reason); err != nil {
			return &WebhookError{
				Category:      "processing",
				StatusCode:    http.StatusInternalServerError,
				PublicError:   "Failed to record payment failure",
				InternalError: fmt.Sprintf("Failed to record payment failure for order %s: %v", orderID, err),
				OriginalErr:   err,
			}
		}

		h.logger.Info("WEBHOOK", fmt.Sprintf("Recorded payment failure for order %s", orderID))

	case "payment_intent.canceled":
		var paymentIntent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &paymentIntent); err != nil {
			return h.badEventData("payment intent", err)
		}

		orderID, exists := paymentIntent.Metadata["order_id"]
		if !exists {
			h.logger.Warn("WEBHOOK", "Canceled payment intent has no order_id in metadata, skipping")
			return nil
		}

		if err := h.orders.HandlePaymentFailed(ctx, orderID, "payment canceled"); err != nil {
			return &WebhookError{
				Category:      "processing",
				StatusCode:    http.StatusInternalServerError,
				PublicError:   "Failed to record payment cancellation",
				InternalError: fmt.Sprintf("Failed to record payment cancellation for order %s: %v", orderID, err),
				OriginalErr:   err,
			}
		}

	case "charge.failed":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return h.badEventData("charge", err)
		}

		orderID, exists := charge.Metadata["order_id"]
		if !exists {
			// A checkout-created charge inherits intent metadata only
			// sometimes; the payment_intent.payment_failed event covers
			// the rest.
			h.logger.Warn("WEBHOOK", "Failed charge has no order_id in metadata, skipping")
			return nil
		}

		reason := "charge failed"
		if charge.FailureMessage != "" {
			reason = charge.FailureMessage
		}

		if err := h.orders.HandlePaymentFailed(ctx, orderID, reason); err != nil {
			return &WebhookError{
				Category:      "processing",
				StatusCode:    http.StatusInternalServerError,
				PublicError:   "Failed to record charge failure",
				InternalError: fmt.Sprintf("Failed to record charge failure for order %s: %v", orderID, err),
				OriginalErr:   err,
			}
		}

	default:
		h.logger.Info("WEBHOOK", fmt.Sprintf("Unhandled event type: %s", event.Type))
	}

	return nil
}

func (h *StripeHandler) badEventData(what string, err error) *WebhookError {
	return &WebhookError{
		Category:      "processing",
		StatusCode:    http.StatusBadRequest,
		PublicError:   "Invalid event data",
		InternalError: fmt.Sprintf("Failed to unmarshal %s: %v", what, err),
		OriginalErr:   err,
	}
}
