package handler_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ms-delivery/internal/logger"
	"ms-delivery/internal/payment/handler"
)

const testSecret = "whsec_test"

type mockOrderEvents struct {
	mock.Mock
}

func (m *mockOrderEvents) HandlePaymentCompleted(ctx context.Context, orderID, sessionID, paymentIntentID string) error {
	args := m.Called(ctx, orderID, sessionID, paymentIntentID)
	return args.Error(0)
}

func (m *mockOrderEvents) HandlePaymentFailed(ctx context.Context, orderID, reason string) error {
	args := m.Called(ctx, orderID, reason)
	return args.Error(0)
}

// signPayload builds a Stripe-Signature header the verifier accepts:
// an HMAC-SHA256 of "<timestamp>.<payload>" keyed by the endpoint
// secret.
func signPayload(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func postWebhook(t *testing.T, h *handler.StripeHandler, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)
	return rec
}

func TestWebhookRejectsMissingSecret(t *testing.T) {
	orders := new(mockOrderEvents)
	h := handler.NewStripeHandler(orders, "", logger.NewLogger())

	rec := postWebhook(t, h, []byte(`{}`), "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	orders := new(mockOrderEvents)
	h := handler.NewStripeHandler(orders, testSecret, logger.NewLogger())

	rec := postWebhook(t, h, []byte(`{"type":"checkout.session.completed"}`), "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	orders.AssertNotCalled(t, "HandlePaymentCompleted", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhookCheckoutCompletedConfirmsPayment(t *testing.T) {
	orders := new(mockOrderEvents)
	h := handler.NewStripeHandler(orders, testSecret, logger.NewLogger())

	payload := []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_1",
				"payment_intent": {"id": "pi_1"},
				"metadata": {"order_id": "o-1"}
			}
		}
	}`)
	orders.On("HandlePaymentCompleted", mock.Anything, "o-1", "cs_1", "pi_1").Return(nil)

	rec := postWebhook(t, h, payload, signPayload(payload, testSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"received":"true"`)
	orders.AssertExpectations(t)
}

func TestWebhookCheckoutCompletedWithoutOrderIDFails(t *testing.T) {
	orders := new(mockOrderEvents)
	h := handler.NewStripeHandler(orders, testSecret, logger.NewLogger())

	payload := []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_1", "metadata": {}}}
	}`)

	rec := postWebhook(t, h, payload, signPayload(payload, testSecret))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	orders.AssertNotCalled(t, "HandlePaymentCompleted", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhookPaymentFailedCancelsOrder(t *testing.T) {
	orders := new(mockOrderEvents)
	h := handler.NewStripeHandler(orders, testSecret, logger.NewLogger())

	payload := []byte(`{
		"id": "evt_2",
		"type": "payment_intent.payment_failed",
		"data": {
			"object": {
				"id": "pi_1",
				"metadata": {"order_id": "o-1"},
				"last_payment_error": {"message": "card declined"}
			}
		}
	}`)
	orders.On("HandlePaymentFailed", mock.Anything, "o-1", "card declined").Return(nil)

	rec := postWebhook(t, h, payload, signPayload(payload, testSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	orders.AssertExpectations(t)
}

func TestWebhookPaymentFailedWithoutMetadataIsSkipped(t *testing.T) {
	orders := new(mockOrderEvents)
	h := handler.NewStripeHandler(orders, testSecret, logger.NewLogger())

	payload := []byte(`{
		"id": "evt_3",
		"type": "payment_intent.payment_failed",
		"data": {"object": {"id": "pi_unrelated", "metadata": {}}}
	}`)

	rec := postWebhook(t, h, payload, signPayload(payload, testSecret))
	assert.Equal(t, http.StatusOK, rec.Code)
	orders.AssertNotCalled(t, "HandlePaymentFailed", mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhookPaymentCanceledCancelsOrder(t *testing.T) {
	orders := new(mockOrderEvents)
	h := handler.NewStripeHandler(orders, testSecret, logger.NewLogger())

	payload := []byte(`{
		"id": "evt_5",
		"type": "payment_intent.canceled",
		"data": {"object": {"id": "pi_1", "metadata": {"order_id": "o-1"}}}
	}`)
	orders.On("HandlePaymentFailed", mock.Anything, "o-1", "payment canceled").Return(nil)

	rec := postWebhook(t, h, payload, signPayload(payload, testSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	orders.AssertExpectations(t)
}

func TestWebhookChargeFailedCancelsOrder(t *testing.T) {
	orders := new(mockOrderEvents)
	h := handler.NewStripeHandler(orders, testSecret, logger.NewLogger())

	payload := []byte(`{
		"id": "evt_6",
		"type": "charge.failed",
		"data": {
			"object": {
				"id": "ch_1",
				"metadata": {"order_id": "o-1"},
				"failure_message": "insufficient funds"
			}
		}
	}`)
	orders.On("HandlePaymentFailed", mock.Anything, "o-1", "insufficient funds").Return(nil)

	rec := postWebhook(t, h, payload, signPayload(payload, testSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	orders.AssertExpectations(t)
}

func TestWebhookUnhandledEventTypeIsAccepted(t *testing.T) {
	orders := new(mockOrderEvents)
	h := handler.NewStripeHandler(orders, testSecret, logger.NewLogger())

	payload := []byte(`{"id": "evt_4", "type": "customer.created", "data": {"object": {}}}`)

	rec := postWebhook(t, h, payload, signPayload(payload, testSecret))
	assert.Equal(t, http.StatusOK, rec.Code)
}
