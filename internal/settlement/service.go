package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"ms-delivery/internal/logger"
	"ms-delivery/internal/models"
	orderdb "ms-delivery/internal/orders/db"
	"ms-delivery/internal/settlement/storage"
)

const JobTypeSettlementRetry = "settlement.retry"

const (
	OperationRefund   = "refund"
	OperationTransfer = "transfer"
)

// RetryPayload identifies a settlement to retry. Amounts are derived
// from order pricing, which is immutable after creation, so carrying
// them in the payload is safe; every guard is re-read from the order.
type RetryPayload struct {
	OrderID     string  `json:"order_id"`
	Operation   string  `json:"operation"`
	Party       string  `json:"party,omitempty"`
	Purpose     string  `json:"purpose"`
	Amount      float64 `json:"amount"`
	Reason      string  `json:"reason,omitempty"`
	NextAttempt int     `json:"next_attempt"`
}

// RefundIdempotencyKey derives the provider key for a refund purpose.
// The key, not a counter, is what makes a refund at-most-once per
// (order, purpose).
func RefundIdempotencyKey(orderID, purpose string) string {
	return fmt.Sprintf("refund_%s_%s", orderID, purpose)
}

func TransferIdempotencyKey(orderID, party, purpose string) string {
	return fmt.Sprintf("transfer_%s_%s_%s", orderID, party, purpose)
}

type PaymentProvider interface {
	CreateRefund(ctx context.Context, idempotencyKey, paymentIntentID string, amountCents int64, reason string) (string, error)
	CreateTransfer(ctx context.Context, idempotencyKey, destinationAccount string, amountCents int64, description string) (string, error)
}

type OrderStore interface {
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetRestaurantByID(ctx context.Context, id string) (*models.Restaurant, error)
	GetDriverByID(ctx context.Context, id string) (*models.Driver, error)
	IncrementRefundRetry(ctx context.Context, orderID string) (int, error)
	IncrementTransferAttempts(ctx context.Context, orderID, party string) (int, error)
	MarkRefundNeeded(ctx context.Context, orderID string) error
	MarkTransferNeeded(ctx context.Context, orderID, party string) error
	SetRefundResult(ctx context.Context, orderID, refundID string) error
	SetTransferResult(ctx context.Context, orderID, party, transferID string) error
	ClearSettlementRetry(ctx context.Context, orderID string, flag orderdb.RetryFlag) error
	SetManualIntervention(ctx context.Context, orderID string) error
}

type JobScheduler interface {
	Schedule(ctx context.Context, jobType string, payload interface{}, delay time.Duration) (string, error)
}

// Service reconciles money movement for order outcomes. Provider
// failures are recovered locally with bounded backoff; exhausting the
// ceiling flags the order for manual intervention, never silently.
type Service struct {
	Orders    OrderStore
	Provider  PaymentProvider
	Ledger    storage.Store
	Scheduler JobScheduler

	logger     *logger.Logger
	retryBase  time.Duration
	maxRetries int
}

func NewService(orders OrderStore, provider PaymentProvider, ledger storage.Store, sched JobScheduler,
	log *logger.Logger, retryBase time.Duration, maxRetries int) *Service {
	return &Service{
		Orders:     orders,
		Provider:   provider,
		Ledger:     ledger,
		Scheduler:  sched,
		logger:     log,
		retryBase:  retryBase,
		maxRetries: maxRetries,
	}
}

func (s *Service) RegisterJobs(reg interface {
	Register(jobType string, h func(ctx context.Context, payload []byte) error)
}) {
	reg.Register(JobTypeSettlementRetry, s.handleRetryJob)
}

// Refund issues a refund for the purpose, at most once per
// (order, purpose). Provider failure schedules a backoff retry and is
// not surfaced to the caller.
func (s *Service) Refund(ctx context.Context, orderID string, amount float64, purpose, reason string) error {
	order, err := s.Orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.RefundID != "" {
		s.logger.LogSettlement("SKIP", orderID, fmt.Sprintf("refund already settled as %s", order.RefundID))
		return nil
	}
	if err := s.Orders.MarkRefundNeeded(ctx, orderID); err != nil {
		return err
	}
	order.RefundRetryNeeded = true
	return s.attemptRefund(ctx, order, amount, purpose, reason)
}

// Transfer pays a party its share, at most once per
// (order, party, purpose).
func (s *Service) Transfer(ctx context.Context, orderID, party string, amount float64, purpose string) error {
	order, err := s.Orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if transferSettled(order, party) {
		s.logger.LogSettlement("SKIP", orderID, fmt.Sprintf("%s transfer already settled", party))
		return nil
	}
	if err := s.Orders.MarkTransferNeeded(ctx, orderID, party); err != nil {
		return err
	}
	setTransferRetry(order, party, true)
	return s.attemptTransfer(ctx, order, party, amount, purpose)
}

func (s *Service) attemptRefund(ctx context.Context, order *models.Order, amount float64, purpose, reason string) error {
	// Guard against a scheduled retry overlapping with a settlement
	// that already landed, manually or otherwise.
	if order.RefundID != "" || !order.RefundRetryNeeded {
		s.logger.LogSettlement("SKIP", order.OrderID, "refund no longer needed")
		return nil
	}

	key := RefundIdempotencyKey(order.OrderID, purpose)
	amountCents := toCents(amount)

	refundID, err := s.Provider.CreateRefund(ctx, key, order.PaymentIntentID, amountCents, reason)
	s.record(models.SettlementAttempt{
		AttemptID:      uuid.NewString(),
		OrderID:        order.OrderID,
		Operation:      OperationRefund,
		Purpose:        purpose,
		IdempotencyKey: key,
		AmountCents:    amountCents,
		Succeeded:      err == nil,
		ProviderRef:    refundID,
		FailureReason:  errString(err),
		CreatedAt:      time.Now(),
	})

	if err == nil {
		if dbErr := s.Orders.SetRefundResult(ctx, order.OrderID, refundID); dbErr != nil {
			return fmt.Errorf("persist refund %s on order %s: %w", refundID, order.OrderID, dbErr)
		}
		s.logger.LogSettlement("REFUND", order.OrderID, fmt.Sprintf("%.2f refunded (key %s)", amount, key))
		return nil
	}

	count, dbErr := s.Orders.IncrementRefundRetry(ctx, order.OrderID)
	if dbErr != nil {
		return dbErr
	}
	if count >= s.maxRetries {
		return s.giveUp(ctx, order.OrderID, orderdb.RetryFlagRefund,
			fmt.Sprintf("refund %s exhausted %d attempts: %v", key, count, err))
	}

	delay := s.backoff(count)
	s.logger.Warn("SETTLE", fmt.Sprintf("Refund %s failed (attempt %d/%d), retrying in %s: %v", key, count, s.maxRetries, delay, err))
	_, schedErr := s.Scheduler.Schedule(ctx, JobTypeSettlementRetry, RetryPayload{
		OrderID:     order.OrderID,
		Operation:   OperationRefund,
		Purpose:     purpose,
		Amount:      amount,
		Reason:      reason,
		NextAttempt: count,
	}, delay)
	return schedErr
}

func (s *Service) attemptTransfer(ctx context.Context, order *models.Order, party string, amount float64, purpose string) error {
	if transferSettled(order, party) || !transferRetryNeeded(order, party) {
		s.logger.LogSettlement("SKIP", order.OrderID, fmt.Sprintf("%s transfer no longer needed", party))
		return nil
	}

	destination, err := s.destinationAccount(ctx, order, party)
	if err != nil {
		return err
	}

	key := TransferIdempotencyKey(order.OrderID, party, purpose)
	amountCents := toCents(amount)

	transferID, err := s.Provider.CreateTransfer(ctx, key, destination, amountCents,
		fmt.Sprintf("order %s %s payout", order.OrderID, party))
	s.record(models.SettlementAttempt{
		AttemptID:      uuid.NewString(),
		OrderID:        order.OrderID,
		Operation:      OperationTransfer,
		Party:          party,
		Purpose:        purpose,
		IdempotencyKey: key,
		AmountCents:    amountCents,
		Succeeded:      err == nil,
		ProviderRef:    transferID,
		FailureReason:  errString(err),
		CreatedAt:      time.Now(),
	})

	if err == nil {
		if dbErr := s.Orders.SetTransferResult(ctx, order.OrderID, party, transferID); dbErr != nil {
			return fmt.Errorf("persist transfer %s on order %s: %w", transferID, order.OrderID, dbErr)
		}
		s.logger.LogSettlement("TRANSFER", order.OrderID, fmt.Sprintf("%.2f to %s (key %s)", amount, party, key))
		return nil
	}

	count, dbErr := s.Orders.IncrementTransferAttempts(ctx, order.OrderID, party)
	if dbErr != nil {
		return dbErr
	}
	if count >= s.maxRetries {
		flag, flagErr := orderdb.TransferRetryFlag(party)
		if flagErr != nil {
			return flagErr
		}
		return s.giveUp(ctx, order.OrderID, flag,
			fmt.Sprintf("transfer %s exhausted %d attempts: %v", key, count, err))
	}

	delay := s.backoff(count)
	s.logger.Warn("SETTLE", fmt.Sprintf("Transfer %s failed (attempt %d/%d), retrying in %s: %v", key, count, s.maxRetries, delay, err))
	_, schedErr := s.Scheduler.Schedule(ctx, JobTypeSettlementRetry, RetryPayload{
		OrderID:     order.OrderID,
		Operation:   OperationTransfer,
		Party:       party,
		Purpose:     purpose,
		Amount:      amount,
		NextAttempt: count,
	}, delay)
	return schedErr
}

// giveUp stops automation for the purpose and surfaces the order for a
// human. The returned nil keeps the scheduler from retrying a job that
// already did everything it should.
func (s *Service) giveUp(ctx context.Context, orderID string, flag orderdb.RetryFlag, detail string) error {
	if err := s.Orders.ClearSettlementRetry(ctx, orderID, flag); err != nil {
		return err
	}
	if err := s.Orders.SetManualIntervention(ctx, orderID); err != nil {
		return err
	}
	s.logger.Error("SETTLE", fmt.Sprintf("Order %s requires manual intervention: %s", orderID, detail))
	return nil
}

func (s *Service) handleRetryJob(ctx context.Context, payload []byte) error {
	var p RetryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode settlement retry payload: %w", err)
	}

	// Re-read the order; the payload is not authoritative for state.
	order, err := s.Orders.GetOrderByID(ctx, p.OrderID)
	if err != nil {
		return err
	}

	switch p.Operation {
	case OperationRefund:
		return s.attemptRefund(ctx, order, p.Amount, p.Purpose, p.Reason)
	case OperationTransfer:
		return s.attemptTransfer(ctx, order, p.Party, p.Amount, p.Purpose)
	}
	return fmt.Errorf("unknown settlement operation %q", p.Operation)
}

func (s *Service) destinationAccount(ctx context.Context, order *models.Order, party string) (string, error) {
	switch party {
	case orderdb.PartyRestaurant:
		restaurant, err := s.Orders.GetRestaurantByID(ctx, order.RestaurantID)
		if err != nil {
			return "", err
		}
		return restaurant.StripeAccountID, nil
	case orderdb.PartyDriver:
		driver, err := s.Orders.GetDriverByID(ctx, order.DriverID)
		if err != nil {
			return "", err
		}
		return driver.StripeAccountID, nil
	}
	return "", fmt.Errorf("%w: %s", orderdb.ErrUnknownParty, party)
}

func (s *Service) backoff(attempt int) time.Duration {
	return s.retryBase * time.Duration(1<<uint(attempt))
}

func (s *Service) record(attempt models.SettlementAttempt) {
	if s.Ledger == nil {
		return
	}
	if err := s.Ledger.RecordAttempt(&attempt); err != nil {
		// The ledger is audit, not correctness; losing a row is
		// logged, not fatal.
		s.logger.Warn("SETTLE", fmt.Sprintf("Failed to record settlement attempt for order %s: %v", attempt.OrderID, err))
	}
}

func transferSettled(order *models.Order, party string) bool {
	if party == orderdb.PartyDriver {
		return order.DriverPaidOut || order.DriverTransferID != ""
	}
	return order.RestaurantPaidOut || order.RestaurantTransferID != ""
}

func transferRetryNeeded(order *models.Order, party string) bool {
	if party == orderdb.PartyDriver {
		return order.DriverTransferRetry
	}
	return order.RestaurantTransferRetry
}

func setTransferRetry(order *models.Order, party string, needed bool) {
	if party == orderdb.PartyDriver {
		order.DriverTransferRetry = needed
		return
	}
	order.RestaurantTransferRetry = needed
}

func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
