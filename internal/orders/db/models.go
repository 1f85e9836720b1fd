package db

// Party names used by payout bookkeeping.
const (
	PartyRestaurant = "restaurant"
	PartyDriver     = "driver"
)
