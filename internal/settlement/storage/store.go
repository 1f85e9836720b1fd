package storage

import (
	"ms-delivery/internal/models"
)

// Store is the settlement ledger: one row per provider attempt,
// success or failure, kept for audit and manual reconciliation.
type Store interface {
	RecordAttempt(attempt *models.SettlementAttempt) error
	GetAttemptsByOrder(orderID string) ([]*models.SettlementAttempt, error)

	// Health and maintenance
	Close() error
	HealthCheck() error
}
