package db

import (
	"context"

	"github.com/uptrace/bun"

	"ms-delivery/internal/models"
)

// CreateTables bootstraps the order-side schema from the bun models.
// Production uses the versioned SQL migrations; this path serves local
// development and the in-memory test databases.
func CreateTables(ctx context.Context, bunDB *bun.DB) error {
	tables := []interface{}{
		(*models.Order)(nil),
		(*models.OrderStatusEntry)(nil),
		(*models.Customer)(nil),
		(*models.Restaurant)(nil),
		(*models.Driver)(nil),
	}
	for _, table := range tables {
		if _, err := bunDB.NewCreateTable().Model(table).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}
