package models

import (
	"time"

	"github.com/uptrace/bun"
)

type RequestKind string

const (
	RequestKindRestaurant RequestKind = "restaurant"
	RequestKindDriver     RequestKind = "driver"
)

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
	RequestExpired  RequestStatus = "expired"
)

// Request is a time-boxed ask sent to one party. A common envelope
// (id, order, kind, status, deadline, expiry job) carries a variant
// payload; the driver kind additionally records the candidate and the
// pickup estimate. The kind tag, not subtyping, drives dispatch.
type Request struct {
	bun.BaseModel `bun:"table:requests"`

	RequestID   string        `bun:"request_id,pk" json:"request_id"`
	OrderID     string        `bun:"order_id,notnull" json:"order_id"`
	Kind        RequestKind   `bun:"kind,notnull" json:"kind"`
	Status      RequestStatus `bun:"status,notnull" json:"status"`
	ExpiresAt   time.Time     `bun:"expires_at,notnull" json:"expires_at"`
	ExpiryJobID string        `bun:"expiry_job_id,nullzero" json:"-"`

	// Driver variant payload
	DriverID         string  `bun:"driver_id,nullzero" json:"driver_id,omitempty"`
	PickupDistanceKm float64 `bun:"pickup_distance_km,nullzero" json:"pickup_distance_km,omitempty"`
	PickupEtaMinutes int     `bun:"pickup_eta_minutes,nullzero" json:"pickup_eta_minutes,omitempty"`

	CreatedAt  time.Time `bun:"created_at,notnull" json:"created_at"`
	ResolvedAt time.Time `bun:"resolved_at,nullzero" json:"resolved_at,omitempty"`
}

func (r *Request) IsPending() bool {
	return r.Status == RequestPending
}
