package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-delivery/internal/models"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrUnknownParty  = errors.New("unknown payout party")
)

type DB struct {
	Bun *bun.DB
}

// ---------------- ORDERS ----------------

// CreateOrder inserts the order together with its first status history
// entry in one transaction.
func (d *DB) CreateOrder(ctx context.Context, order models.Order, note string) error {
	return d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(&order).Exec(ctx); err != nil {
			return err
		}
		entry := models.OrderStatusEntry{
			OrderID:   order.OrderID,
			Status:    order.Status,
			Note:      note,
			CreatedAt: time.Now(),
		}
		_, err := tx.NewInsert().Model(&entry).Exec(ctx)
		return err
	})
}

func (d *DB) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := d.Bun.NewSelect().
		Model(&order).
		Where("order_id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (d *DB) GetOrderHistory(ctx context.Context, orderID string) ([]models.OrderStatusEntry, error) {
	var entries []models.OrderStatusEntry
	err := d.Bun.NewSelect().
		Model(&entries).
		Where("order_id = ?", orderID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// StatusUpdate is the enumerated command for one status transition.
// Only the named fields may be written alongside the status; there is
// no dynamic field patching.
type StatusUpdate struct {
	OrderID string
	// From lists the statuses the order must currently be in for the
	// update to apply. The conditional write is what makes racing
	// transitions safe: the loser observes zero affected rows.
	From []models.OrderStatus
	To   models.OrderStatus
	Note string

	DriverID        *string
	PickupCode      *string
	RetryFindDriver *int
	PaymentStatus   *models.PaymentStatus
	PaidAt          *time.Time
	PaymentIntentID *string
	ChargeID        *string
}

// ApplyStatusUpdate performs the conditional transition and appends the
// history entry in one transaction. It reports whether the update won;
// a lost race is not an error.
func (d *DB) ApplyStatusUpdate(ctx context.Context, u StatusUpdate) (bool, error) {
	applied := false
	err := d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewUpdate().
			Model((*models.Order)(nil)).
			Set("status = ?", u.To).
			Set("updated_at = ?", time.Now()).
			Where("order_id = ?", u.OrderID)
		if len(u.From) > 0 {
			q = q.Where("status IN (?)", bun.In(u.From))
		}
		if u.DriverID != nil {
			q = q.Set("driver_id = ?", *u.DriverID)
		}
		if u.PickupCode != nil {
			q = q.Set("pickup_code = ?", *u.PickupCode)
		}
		if u.RetryFindDriver != nil {
			q = q.Set("retry_find_driver = ?", *u.RetryFindDriver)
		}
		if u.PaymentStatus != nil {
			q = q.Set("payment_status = ?", *u.PaymentStatus)
		}
		if u.PaidAt != nil {
			q = q.Set("paid_at = ?", *u.PaidAt)
		}
		if u.PaymentIntentID != nil {
			q = q.Set("payment_intent_id = ?", *u.PaymentIntentID)
		}
		if u.ChargeID != nil {
			q = q.Set("charge_id = ?", *u.ChargeID)
		}

		res, err := q.Exec(ctx)
		if err != nil {
			return err
		}
		rows, _ := res.RowsAffected()
		if rows == 0 {
			return nil
		}

		entry := models.OrderStatusEntry{
			OrderID:   u.OrderID,
			Status:    u.To,
			Note:      u.Note,
			CreatedAt: time.Now(),
		}
		if _, err := tx.NewInsert().Model(&entry).Exec(ctx); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// SetCheckoutSession records the provider session on a fresh order.
func (d *DB) SetCheckoutSession(ctx context.Context, orderID, sessionID, paymentIntentID, expiryJobID string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("checkout_session_id = ?", sessionID).
		Set("payment_intent_id = ?", paymentIntentID).
		Set("session_expiry_job_id = ?", expiryJobID).
		Set("payment_status = ?", models.PaymentPending).
		Set("updated_at = ?", time.Now()).
		Where("order_id = ?", orderID).
		Exec(ctx)
	return err
}

// ---------------- COUNTERS (atomic) ----------------

// IncrementRetryFindDriver bumps the zero-candidate search counter in
// place and returns the new value. Read-modify-write of the whole row
// would lose updates when retry paths overlap.
func (d *DB) IncrementRetryFindDriver(ctx context.Context, orderID string) (int, error) {
	var count int
	err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("retry_find_driver = retry_find_driver + 1").
		Set("updated_at = ?", time.Now()).
		Where("order_id = ?", orderID).
		Returning("retry_find_driver").
		Scan(ctx, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrOrderNotFound
	}
	return count, err
}

func (d *DB) IncrementRefundRetry(ctx context.Context, orderID string) (int, error) {
	var count int
	err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("refund_retry_count = refund_retry_count + 1").
		Set("last_settlement_attempt = ?", time.Now()).
		Set("updated_at = ?", time.Now()).
		Where("order_id = ?", orderID).
		Returning("refund_retry_count").
		Scan(ctx, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrOrderNotFound
	}
	return count, err
}

func (d *DB) IncrementTransferAttempts(ctx context.Context, orderID, party string) (int, error) {
	var column string
	switch party {
	case PartyRestaurant:
		column = "restaurant_transfer_attempts"
	case PartyDriver:
		column = "driver_transfer_attempts"
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownParty, party)
	}

	var count int
	err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set(fmt.Sprintf("%s = %s + 1", column, column)).
		Set("last_settlement_attempt = ?", time.Now()).
		Set("updated_at = ?", time.Now()).
		Where("order_id = ?", orderID).
		Returning(column).
		Scan(ctx, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrOrderNotFound
	}
	return count, err
}

// ---------------- SETTLEMENT FLAGS ----------------

func (d *DB) MarkRefundNeeded(ctx context.Context, orderID string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("refund_retry_needed = ?", true).
		Set("updated_at = ?", time.Now()).
		Where("order_id = ?", orderID).
		Exec(ctx)
	return err
}

func (d *DB) SetRefundResult(ctx context.Context, orderID, refundID string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("refund_id = ?", refundID).
		Set("refund_retry_needed = ?", false).
		Set("payment_status = ?", models.PaymentRefunded).
		Set("updated_at = ?", time.Now()).
		Where("order_id = ?", orderID).
		Exec(ctx)
	return err
}

func (d *DB) MarkTransferNeeded(ctx context.Context, orderID, party string) error {
	column, err := transferRetryColumn(party)
	if err != nil {
		return err
	}
	_, err = d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set(column+" = ?", true).
		Set("updated_at = ?", time.Now()).
		Where("order_id = ?", orderID).
		Exec(ctx)
	return err
}

func (d *DB) SetTransferResult(ctx context.Context, orderID, party, transferID string) error {
	var idColumn, paidColumn, retryColumn string
	switch party {
	case PartyRestaurant:
		idColumn, paidColumn, retryColumn = "restaurant_transfer_id", "restaurant_paid_out", "restaurant_transfer_retry"
	case PartyDriver:
		idColumn, paidColumn, retryColumn = "driver_transfer_id", "driver_paid_out", "driver_transfer_retry"
	default:
		return fmt.Errorf("%w: %s", ErrUnknownParty, party)
	}
	_, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set(idColumn+" = ?", transferID).
		Set(paidColumn+" = ?", true).
		Set(retryColumn+" = ?", false).
		Set("updated_at = ?", time.Now()).
		Where("order_id = ?", orderID).
		Exec(ctx)
	return err
}

// RetryFlag names one settlement automation flag on the order. The
// enumeration keeps callers from constructing column names.
type RetryFlag string

const (
	RetryFlagRefund             RetryFlag = "refund"
	RetryFlagRestaurantTransfer RetryFlag = "restaurant_transfer"
	RetryFlagDriverTransfer     RetryFlag = "driver_transfer"
)

func (f RetryFlag) column() (string, error) {
	switch f {
	case RetryFlagRefund:
		return "refund_retry_needed", nil
	case RetryFlagRestaurantTransfer:
		return "restaurant_transfer_retry", nil
	case RetryFlagDriverTransfer:
		return "driver_transfer_retry", nil
	}
	return "", fmt.Errorf("unknown settlement retry flag %q", f)
}

// TransferRetryFlag maps a payout party to its retry flag.
func TransferRetryFlag(party string) (RetryFlag, error) {
	switch party {
	case PartyRestaurant:
		return RetryFlagRestaurantTransfer, nil
	case PartyDriver:
		return RetryFlagDriverTransfer, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownParty, party)
}

// ClearSettlementRetry stops automation for one purpose without
// recording a provider reference. Used when the retry ceiling is hit.
func (d *DB) ClearSettlementRetry(ctx context.Context, orderID string, flag RetryFlag) error {
	column, err := flag.column()
	if err != nil {
		return err
	}
	_, err = d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set(column+" = ?", false).
		Set("updated_at = ?", time.Now()).
		Where("order_id = ?", orderID).
		Exec(ctx)
	return err
}

func (d *DB) SetManualIntervention(ctx context.Context, orderID string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("requires_manual_intervention = ?", true).
		Set("updated_at = ?", time.Now()).
		Where("order_id = ?", orderID).
		Exec(ctx)
	return err
}

func transferRetryColumn(party string) (string, error) {
	switch party {
	case PartyRestaurant:
		return "restaurant_transfer_retry", nil
	case PartyDriver:
		return "driver_transfer_retry", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownParty, party)
}

// ---------------- PARTIES ----------------

func (d *DB) GetCustomerByID(ctx context.Context, id string) (*models.Customer, error) {
	var customer models.Customer
	err := d.Bun.NewSelect().
		Model(&customer).
		Where("customer_id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("customer %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

func (d *DB) GetRestaurantByID(ctx context.Context, id string) (*models.Restaurant, error) {
	var restaurant models.Restaurant
	err := d.Bun.NewSelect().
		Model(&restaurant).
		Where("restaurant_id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("restaurant %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &restaurant, nil
}

func (d *DB) GetDriverByID(ctx context.Context, id string) (*models.Driver, error) {
	var driver models.Driver
	err := d.Bun.NewSelect().
		Model(&driver).
		Where("driver_id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("driver %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &driver, nil
}

// GetEligibleDrivers returns every online, approved,
// available-for-pickup driver not in the exclusion list. Distance
// filtering and ordering happen in the matching engine.
func (d *DB) GetEligibleDrivers(ctx context.Context, excluded []string) ([]models.Driver, error) {
	var drivers []models.Driver
	q := d.Bun.NewSelect().
		Model(&drivers).
		Where("online = ?", true).
		Where("approved = ?", true).
		Where("available_for_pickup = ?", true)
	if len(excluded) > 0 {
		q = q.Where("driver_id NOT IN (?)", bun.In(excluded))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return drivers, nil
}

func (d *DB) SetDriverAvailability(ctx context.Context, driverID string, available bool) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Driver)(nil)).
		Set("available_for_pickup = ?", available).
		Where("driver_id = ?", driverID).
		Exec(ctx)
	return err
}
