package models

import "time"

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentExpired   PaymentStatus = "expired"
	PaymentRefunded  PaymentStatus = "refunded"
)

// CheckoutSession is the slice of the provider session this service
// acts on. The provider owns the rest.
type CheckoutSession struct {
	SessionID       string        `json:"session_id"`
	PaymentIntentID string        `json:"payment_intent_id"`
	URL             string        `json:"url"`
	PaymentStatus   PaymentStatus `json:"payment_status"`
	ExpiresAt       time.Time     `json:"expires_at"`
}

// SettlementAttempt is one audit row in the settlement ledger: every
// refund or transfer attempt against the provider, success or failure.
type SettlementAttempt struct {
	AttemptID      string    `json:"attempt_id"`
	OrderID        string    `json:"order_id"`
	Operation      string    `json:"operation"` // refund | transfer
	Party          string    `json:"party,omitempty"`
	Purpose        string    `json:"purpose"`
	IdempotencyKey string    `json:"idempotency_key"`
	AmountCents    int64     `json:"amount_cents"`
	Succeeded      bool      `json:"succeeded"`
	ProviderRef    string    `json:"provider_ref,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
