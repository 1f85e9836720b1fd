package models

import (
	"time"

	"github.com/uptrace/bun"
)

type Customer struct {
	bun.BaseModel `bun:"table:customers"`

	CustomerID string    `bun:"customer_id,pk" json:"customer_id"`
	FullName   string    `bun:"full_name,notnull" json:"full_name"`
	Email      string    `bun:"email,unique,notnull" json:"email"`
	CreatedAt  time.Time `bun:"created_at,notnull" json:"created_at"`
}

type Restaurant struct {
	bun.BaseModel `bun:"table:restaurants"`

	RestaurantID    string    `bun:"restaurant_id,pk" json:"restaurant_id"`
	Name            string    `bun:"name,notnull" json:"name"`
	StripeAccountID string    `bun:"stripe_account_id,nullzero" json:"-"`
	Lat             float64   `bun:"lat,notnull" json:"lat"`
	Lng             float64   `bun:"lng,notnull" json:"lng"`
	Open            bool      `bun:"open" json:"open"`
	CreatedAt       time.Time `bun:"created_at,notnull" json:"created_at"`
}

type Driver struct {
	bun.BaseModel `bun:"table:drivers"`

	DriverID           string    `bun:"driver_id,pk" json:"driver_id"`
	FullName           string    `bun:"full_name,notnull" json:"full_name"`
	StripeAccountID    string    `bun:"stripe_account_id,nullzero" json:"-"`
	Online             bool      `bun:"online" json:"online"`
	Approved           bool      `bun:"approved" json:"approved"`
	AvailableForPickup bool      `bun:"available_for_pickup" json:"available_for_pickup"`
	Lat                float64   `bun:"lat" json:"lat"`
	Lng                float64   `bun:"lng" json:"lng"`
	LocationUpdatedAt  time.Time `bun:"location_updated_at,nullzero" json:"location_updated_at,omitempty"`
	CreatedAt          time.Time `bun:"created_at,notnull" json:"created_at"`
}

// DriverCandidate is a driver scored against a restaurant location
// during matching.
type DriverCandidate struct {
	Driver     Driver  `json:"driver"`
	DistanceKm float64 `json:"distance_km"`
	EtaMinutes int     `json:"eta_minutes"`
}
