package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"ms-delivery/internal/logger"
	"ms-delivery/internal/models"
	orderdb "ms-delivery/internal/orders/db"
	requestdb "ms-delivery/internal/requests/db"
)

const JobTypeSearchRetry = "matching.retry"

// Settlement purposes used by the no-drivers fallback.
const (
	PurposeNoDriversDeliveryFee = "no_drivers_delivery_fee"
	PurposeNoDriversSubtotal    = "no_drivers_subtotal"
)

// RetryPayload names the order to search again for. Everything else is
// re-derived from current state when the job fires.
type RetryPayload struct {
	OrderID string `json:"order_id"`
}

type OrderStore interface {
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetEligibleDrivers(ctx context.Context, excluded []string) ([]models.Driver, error)
	IncrementRetryFindDriver(ctx context.Context, orderID string) (int, error)
	ApplyStatusUpdate(ctx context.Context, u orderdb.StatusUpdate) (bool, error)
}

type RequestOpener interface {
	OpenDriverRequest(ctx context.Context, order *models.Order, candidate models.DriverCandidate) (*models.Request, error)
}

type Exclusions interface {
	Add(ctx context.Context, orderID, driverID string) error
	Members(ctx context.Context, orderID string) ([]string, error)
	Clear(ctx context.Context, orderID string) error
}

type Settlement interface {
	Refund(ctx context.Context, orderID string, amount float64, purpose, reason string) error
	Transfer(ctx context.Context, orderID, party string, amount float64, purpose string) error
}

type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

type JobScheduler interface {
	Schedule(ctx context.Context, jobType string, payload interface{}, delay time.Duration) (string, error)
}

// Engine finds a driver for an order or, failing repeatedly, hands the
// order to the settlement fallback.
type Engine struct {
	Orders     OrderStore
	Requests   RequestOpener
	Exclusions Exclusions
	Settlement Settlement
	Notifier   Notifier
	Scheduler  JobScheduler

	logger     *logger.Logger
	radiusKm   float64
	retryDelay time.Duration
	maxRetries int
}

func NewEngine(orders OrderStore, requests RequestOpener, exclusions Exclusions, settlement Settlement,
	notifier Notifier, sched JobScheduler, log *logger.Logger,
	radiusKm float64, retryDelay time.Duration, maxRetries int) *Engine {
	return &Engine{
		Orders:     orders,
		Requests:   requests,
		Exclusions: exclusions,
		Settlement: settlement,
		Notifier:   notifier,
		Scheduler:  sched,
		logger:     log,
		radiusKm:   radiusKm,
		retryDelay: retryDelay,
		maxRetries: maxRetries,
	}
}

func (e *Engine) RegisterJobs(reg interface {
	Register(jobType string, h func(ctx context.Context, payload []byte) error)
}) {
	reg.Register(JobTypeSearchRetry, e.handleRetryJob)
}

// FindDriver runs one matching attempt for the order: nearest eligible
// driver within the radius, minus everyone already offered the order.
// A zero-candidate attempt counts toward the retry ceiling; a driver's
// explicit rejection does not, it simply reopens the search.
func (e *Engine) FindDriver(ctx context.Context, orderID string) error {
	order, err := e.Orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	// Re-derive state instead of trusting whoever scheduled us; a
	// stale retry firing after the order moved on is a no-op.
	if order.Status != models.StatusDriverSearch {
		e.logger.LogMatch("SKIP", orderID, fmt.Sprintf("order is %s, not searching", order.Status))
		return nil
	}

	excluded, err := e.Exclusions.Members(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load exclusion set for order %s: %w", orderID, err)
	}

	drivers, err := e.Orders.GetEligibleDrivers(ctx, excluded)
	if err != nil {
		return fmt.Errorf("query eligible drivers for order %s: %w", orderID, err)
	}

	candidates := e.rank(order, drivers)
	if len(candidates) == 0 {
		return e.handleNoCandidates(ctx, order)
	}

	best := candidates[0]
	// Preemptive add; expiry/rejection will add again, SADD absorbs it.
	if err := e.Exclusions.Add(ctx, orderID, best.Driver.DriverID); err != nil {
		return fmt.Errorf("record offered driver for order %s: %w", orderID, err)
	}
	if _, err := e.Requests.OpenDriverRequest(ctx, order, best); err != nil {
		// A retry job and a rejection-reopen can race to the same
		// attempt; whichever opened first already owns the offer.
		if errors.Is(err, requestdb.ErrOpenRequestExists) {
			e.logger.LogMatch("SKIP", orderID, "another attempt already opened a driver request")
			return nil
		}
		return fmt.Errorf("open driver request for order %s: %w", orderID, err)
	}

	e.logger.LogMatch("OFFER", orderID,
		fmt.Sprintf("driver %s at %.2f km (eta %d min), %d candidate(s) in radius",
			best.Driver.DriverID, best.DistanceKm, best.EtaMinutes, len(candidates)))
	e.Notifier.Notify(ctx, models.Notification{
		Recipient: best.Driver.DriverID,
		Subject:   "New pickup request",
		Body:      fmt.Sprintf("Pickup from %s, %.1f km away.", order.RestaurantName, best.DistanceKm),
		OrderID:   orderID,
		Timestamp: time.Now(),
	})
	return nil
}

// rank filters drivers to the search radius and orders them nearest
// first, ties broken by id for determinism.
func (e *Engine) rank(order *models.Order, drivers []models.Driver) []models.DriverCandidate {
	var candidates []models.DriverCandidate
	for _, d := range drivers {
		dist := haversineKm(order.RestaurantLat, order.RestaurantLng, d.Lat, d.Lng)
		if dist > e.radiusKm {
			continue
		}
		candidates = append(candidates, models.DriverCandidate{
			Driver:     d,
			DistanceKm: dist,
			EtaMinutes: etaMinutes(dist),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].DistanceKm != candidates[j].DistanceKm {
			return candidates[i].DistanceKm < candidates[j].DistanceKm
		}
		return candidates[i].Driver.DriverID < candidates[j].Driver.DriverID
	})
	return candidates
}

func (e *Engine) handleNoCandidates(ctx context.Context, order *models.Order) error {
	count, err := e.Orders.IncrementRetryFindDriver(ctx, order.OrderID)
	if err != nil {
		return fmt.Errorf("bump search counter for order %s: %w", order.OrderID, err)
	}

	if count < e.maxRetries {
		e.logger.LogMatch("RETRY", order.OrderID,
			fmt.Sprintf("no drivers nearby (attempt %d/%d), retrying in %s", count, e.maxRetries, e.retryDelay))
		_, err := e.Scheduler.Schedule(ctx, JobTypeSearchRetry, RetryPayload{OrderID: order.OrderID}, e.retryDelay)
		if err != nil {
			return fmt.Errorf("schedule search retry for order %s: %w", order.OrderID, err)
		}
		return nil
	}

	return e.exhaustSearch(ctx, order)
}

// exhaustSearch terminates the search: the customer picks the order up
// in person, gets the delivery fee back, and the restaurant is paid
// the subtotal.
func (e *Engine) exhaustSearch(ctx context.Context, order *models.Order) error {
	zero := 0
	applied, err := e.Orders.ApplyStatusUpdate(ctx, orderdb.StatusUpdate{
		OrderID:         order.OrderID,
		From:            []models.OrderStatus{models.StatusDriverSearch},
		To:              models.StatusNoDriversAvailable,
		Note:            "driver search exhausted, order converted to self-pickup",
		RetryFindDriver: &zero,
	})
	if err != nil {
		return fmt.Errorf("finalize exhausted search for order %s: %w", order.OrderID, err)
	}
	if !applied {
		e.logger.LogMatch("SKIP", order.OrderID, "order left driver_search concurrently, exhaustion is a no-op")
		return nil
	}

	e.logger.LogMatch("EXHAUST", order.OrderID,
		fmt.Sprintf("search ceiling %d reached, no drivers available", e.maxRetries))

	if err := e.Exclusions.Clear(ctx, order.OrderID); err != nil {
		e.logger.Warn("MATCH", fmt.Sprintf("Failed to clear exclusion set for order %s: %v", order.OrderID, err))
	}

	e.Notifier.Notify(ctx, models.Notification{
		Recipient: order.CustomerEmail,
		Subject:   "No drivers available for your order",
		Body: fmt.Sprintf("We could not find a driver for your order from %s. Your delivery fee has been refunded and the order is ready for pickup in person.",
			order.RestaurantName),
		OrderID:   order.OrderID,
		Timestamp: time.Now(),
	})

	if err := e.Settlement.Refund(ctx, order.OrderID, order.DeliveryFee, PurposeNoDriversDeliveryFee, "no drivers available"); err != nil {
		return fmt.Errorf("refund delivery fee for order %s: %w", order.OrderID, err)
	}
	if err := e.Settlement.Transfer(ctx, order.OrderID, orderdb.PartyRestaurant, order.Subtotal, PurposeNoDriversSubtotal); err != nil {
		return fmt.Errorf("transfer subtotal for order %s: %w", order.OrderID, err)
	}
	return nil
}

// ExcludeDriver records a driver who rejected or timed out on the
// order so later search attempts skip them. SADD makes repeat calls
// harmless.
func (e *Engine) ExcludeDriver(ctx context.Context, orderID, driverID string) error {
	return e.Exclusions.Add(ctx, orderID, driverID)
}

// ForgetOrder drops the order's exclusion set once the order reaches a
// terminal state. The TTL would reap it anyway; this just does it now.
func (e *Engine) ForgetOrder(ctx context.Context, orderID string) error {
	return e.Exclusions.Clear(ctx, orderID)
}

func (e *Engine) handleRetryJob(ctx context.Context, payload []byte) error {
	var p RetryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode search retry payload: %w", err)
	}
	return e.FindDriver(ctx, p.OrderID)
}

func etaMinutes(distanceKm float64) int {
	// Assumed average courier speed of 30 km/h.
	minutes := int(math.Ceil(distanceKm / 30.0 * 60.0))
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// haversineKm returns the great-circle distance between two points.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKm = 6371.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }

	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
