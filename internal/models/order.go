package models

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

type OrderStatus string

const (
	StatusAwaitingPayment             OrderStatus = "awaiting_payment"
	StatusPendingRestaurantAcceptance OrderStatus = "pending_restaurant_acceptance"
	StatusDriverSearch                OrderStatus = "driver_search"
	StatusDriverAssigned              OrderStatus = "driver_assigned"
	StatusReadyForPickup              OrderStatus = "ready_for_pickup"
	StatusPickedUp                    OrderStatus = "picked_up"
	StatusDelivered                   OrderStatus = "delivered"
	StatusPaymentExpired              OrderStatus = "payment_expired"
	StatusCancelled                   OrderStatus = "cancelled"
	StatusNoDriversAvailable          OrderStatus = "no_drivers_available"
)

// Terminal reports whether no further transition may leave the status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusDelivered, StatusPaymentExpired, StatusCancelled, StatusNoDriversAvailable:
		return true
	}
	return false
}

type Order struct {
	bun.BaseModel `bun:"table:orders"`

	OrderID string `bun:"order_id,pk" json:"order_id"`

	// Denormalized party references
	CustomerID     string  `bun:"customer_id,notnull" json:"customer_id"`
	CustomerName   string  `bun:"customer_name,nullzero" json:"customer_name"`
	CustomerEmail  string  `bun:"customer_email,nullzero" json:"customer_email"`
	RestaurantID   string  `bun:"restaurant_id,notnull" json:"restaurant_id"`
	RestaurantName string  `bun:"restaurant_name,nullzero" json:"restaurant_name"`
	RestaurantLat  float64 `bun:"restaurant_lat" json:"restaurant_lat"`
	RestaurantLng  float64 `bun:"restaurant_lng" json:"restaurant_lng"`
	DriverID       string  `bun:"driver_id,nullzero" json:"driver_id,omitempty"`

	// Pricing
	Subtotal    float64 `bun:"subtotal,notnull" json:"subtotal"`
	DeliveryFee float64 `bun:"delivery_fee,notnull" json:"delivery_fee"`
	ServiceFee  float64 `bun:"service_fee,notnull" json:"service_fee"`
	Total       float64 `bun:"total,notnull" json:"total"`

	Status OrderStatus `bun:"status,notnull" json:"status"`

	// Set when the restaurant marks the order ready; checked at handover.
	PickupCode string `bun:"pickup_code,nullzero" json:"-"`

	// Payment sub-record
	CheckoutSessionID  string        `bun:"checkout_session_id,nullzero" json:"-"`
	PaymentIntentID    string        `bun:"payment_intent_id,nullzero" json:"-"`
	ChargeID           string        `bun:"charge_id,nullzero" json:"-"`
	PaymentStatus      PaymentStatus `bun:"payment_status,nullzero" json:"payment_status"`
	PaidAt             time.Time     `bun:"paid_at,nullzero" json:"paid_at,omitempty"`
	SessionExpiryJobID string        `bun:"session_expiry_job_id,nullzero" json:"-"`

	// Payout / refund sub-record
	RestaurantPaidOut          bool      `bun:"restaurant_paid_out" json:"-"`
	RestaurantTransferID       string    `bun:"restaurant_transfer_id,nullzero" json:"-"`
	RestaurantTransferAttempts int       `bun:"restaurant_transfer_attempts" json:"-"`
	RestaurantTransferRetry    bool      `bun:"restaurant_transfer_retry" json:"-"`
	DriverPaidOut              bool      `bun:"driver_paid_out" json:"-"`
	DriverTransferID           string    `bun:"driver_transfer_id,nullzero" json:"-"`
	DriverTransferAttempts     int       `bun:"driver_transfer_attempts" json:"-"`
	DriverTransferRetry        bool      `bun:"driver_transfer_retry" json:"-"`
	RefundID                   string    `bun:"refund_id,nullzero" json:"-"`
	RefundRetryCount           int       `bun:"refund_retry_count" json:"-"`
	RefundRetryNeeded          bool      `bun:"refund_retry_needed" json:"-"`
	LastSettlementAttempt      time.Time `bun:"last_settlement_attempt,nullzero" json:"-"`
	RequiresManualIntervention bool      `bun:"requires_manual_intervention" json:"requires_manual_intervention"`

	// Bounded counter of zero-candidate driver searches
	RetryFindDriver int `bun:"retry_find_driver" json:"-"`

	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,nullzero" json:"updated_at,omitempty"`
}

// ValidatePricing enforces total = subtotal + delivery fee + service fee
// with non-negative components. Called once at creation.
func (o *Order) ValidatePricing() error {
	if o.Subtotal < 0 || o.DeliveryFee < 0 || o.ServiceFee < 0 {
		return fmt.Errorf("negative pricing component on order %s", o.OrderID)
	}
	want := o.Subtotal + o.DeliveryFee + o.ServiceFee
	const epsilon = 0.005 // half a cent, float comparison slack
	if diff := o.Total - want; diff > epsilon || diff < -epsilon {
		return fmt.Errorf("order %s total %.2f does not equal subtotal+fees %.2f", o.OrderID, o.Total, want)
	}
	return nil
}

// OrderStatusEntry is one append-only row of an order's status history.
type OrderStatusEntry struct {
	bun.BaseModel `bun:"table:order_status_history"`

	ID        int64       `bun:"id,pk,autoincrement" json:"id"`
	OrderID   string      `bun:"order_id,notnull" json:"order_id"`
	Status    OrderStatus `bun:"status,notnull" json:"status"`
	Note      string      `bun:"note,nullzero" json:"note,omitempty"`
	CreatedAt time.Time   `bun:"created_at,notnull" json:"created_at"`
}

type OrderWithHistory struct {
	Order   Order              `json:"order"`
	History []OrderStatusEntry `json:"history"`
}

type CheckoutRequest struct {
	CustomerID   string  `json:"customer_id"`
	RestaurantID string  `json:"restaurant_id"`
	Subtotal     float64 `json:"subtotal"`
	DeliveryFee  float64 `json:"delivery_fee"`
	ServiceFee   float64 `json:"service_fee"`
}

type CheckoutResponse struct {
	OrderID     string  `json:"order_id"`
	CheckoutURL string  `json:"checkout_url"`
	Total       float64 `json:"total"`
}
