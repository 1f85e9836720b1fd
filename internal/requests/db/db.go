package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"ms-delivery/internal/models"
)

var (
	ErrRequestNotFound = errors.New("request not found")
	// ErrOpenRequestExists guards the one-open-request-per-order
	// invariant.
	ErrOpenRequestExists = errors.New("order already has an open request")
)

type DB struct {
	Bun *bun.DB
}

// CreateRequest inserts a pending request, refusing when the order
// already has one open.
func (d *DB) CreateRequest(ctx context.Context, req models.Request) error {
	return d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		open, err := tx.NewSelect().
			Model((*models.Request)(nil)).
			Where("order_id = ?", req.OrderID).
			Where("status = ?", models.RequestPending).
			Count(ctx)
		if err != nil {
			return err
		}
		if open > 0 {
			return ErrOpenRequestExists
		}
		_, err = tx.NewInsert().Model(&req).Exec(ctx)
		return err
	})
}

func (d *DB) GetRequestByID(ctx context.Context, id string) (*models.Request, error) {
	var req models.Request
	err := d.Bun.NewSelect().
		Model(&req).
		Where("request_id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (d *DB) GetOpenRequestByOrder(ctx context.Context, orderID string) (*models.Request, error) {
	var req models.Request
	err := d.Bun.NewSelect().
		Model(&req).
		Where("order_id = ?", orderID).
		Where("status = ?", models.RequestPending).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// GetLatestRequestByOrder returns the order's most recent request in
// any status. Recovery paths use it to see how an already-resolved
// request ended when only its order-side effect is missing.
func (d *DB) GetLatestRequestByOrder(ctx context.Context, orderID string) (*models.Request, error) {
	var req models.Request
	err := d.Bun.NewSelect().
		Model(&req).
		Where("order_id = ?", orderID).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// TransitionFromPending moves a request out of pending. The WHERE
// clause on the current status is the whole race story: expiry and
// resolution both call this and exactly one of them wins.
func (d *DB) TransitionFromPending(ctx context.Context, requestID string, to models.RequestStatus) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Request)(nil)).
		Set("status = ?", to).
		Set("resolved_at = ?", time.Now()).
		Where("request_id = ?", requestID).
		Where("status = ?", models.RequestPending).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// SetExpiryJob persists the scheduled expiry job onto the request so a
// later resolution can cancel it.
func (d *DB) SetExpiryJob(ctx context.Context, requestID, jobID string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Request)(nil)).
		Set("expiry_job_id = ?", jobID).
		Where("request_id = ?", requestID).
		Exec(ctx)
	return err
}

func (d *DB) ClearExpiryJob(ctx context.Context, requestID string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Request)(nil)).
		Set("expiry_job_id = NULL").
		Where("request_id = ?", requestID).
		Exec(ctx)
	return err
}

// CreateTables bootstraps the requests schema for development and the
// in-memory test databases.
func CreateTables(ctx context.Context, bunDB *bun.DB) error {
	_, err := bunDB.NewCreateTable().
		Model((*models.Request)(nil)).
		IfNotExists().
		Exec(ctx)
	return err
}
