package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ms-delivery/internal/logger"
	"ms-delivery/internal/models"
	orderdb "ms-delivery/internal/orders/db"
	requestdb "ms-delivery/internal/requests/db"
	"ms-delivery/internal/utils"
)

const JobTypeSessionExpiry = "payment.session_expiry"

// SessionExpiryPayload names the order whose checkout window closed.
// The handler re-reads the order and asks the provider before acting;
// the payload itself proves nothing.
type SessionExpiryPayload struct {
	OrderID string `json:"order_id"`
}

// Transfer purposes for the normal delivered payout.
const (
	PurposeDeliveredSubtotal    = "delivered_subtotal"
	PurposeDeliveredDeliveryFee = "delivered_delivery_fee"
)

// Refund purposes for restaurant-side cancellation.
const (
	PurposeRejectedRestaurantRequest = "rejected_restaurant_request"
	PurposeExpiredRestaurantRequest  = "expired_restaurant_request"
)

var (
	// ErrOrderConflict marks a transition that lost a race: the order
	// moved on between the read and the conditional write.
	ErrOrderConflict = errors.New("order state changed concurrently")
	// ErrWrongRequestKind is returned when a decision names a request
	// of the other kind, e.g. a driver answering a restaurant ask.
	ErrWrongRequestKind = errors.New("open request kind does not match decision")
)

type DBLayer interface {
	CreateOrder(ctx context.Context, order models.Order, note string) error
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrderHistory(ctx context.Context, orderID string) ([]models.OrderStatusEntry, error)
	ApplyStatusUpdate(ctx context.Context, u orderdb.StatusUpdate) (bool, error)
	SetCheckoutSession(ctx context.Context, orderID, sessionID, paymentIntentID, expiryJobID string) error
	GetCustomerByID(ctx context.Context, id string) (*models.Customer, error)
	GetRestaurantByID(ctx context.Context, id string) (*models.Restaurant, error)
	SetDriverAvailability(ctx context.Context, driverID string, available bool) error
}

type RequestManager interface {
	OpenRestaurantRequest(ctx context.Context, order *models.Order) (*models.Request, error)
	OpenRequestByOrder(ctx context.Context, orderID string) (*models.Request, error)
	LatestRequestByOrder(ctx context.Context, orderID string) (*models.Request, error)
	Resolve(ctx context.Context, requestID string, outcome models.RequestStatus) (*models.Request, error)
}

type Matcher interface {
	FindDriver(ctx context.Context, orderID string) error
	ExcludeDriver(ctx context.Context, orderID, driverID string) error
	ForgetOrder(ctx context.Context, orderID string) error
}

type Settlement interface {
	Refund(ctx context.Context, orderID string, amount float64, purpose, reason string) error
	Transfer(ctx context.Context, orderID, party string, amount float64, purpose string) error
}

type CheckoutProvider interface {
	CreateSession(ctx context.Context, order *models.Order) (*models.CheckoutSession, error)
	RetrieveSession(ctx context.Context, sessionID string) (*models.CheckoutSession, error)
}

type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event models.OrderEvent)
}

type JobScheduler interface {
	Schedule(ctx context.Context, jobType string, payload interface{}, delay time.Duration) (string, error)
	Cancel(ctx context.Context, jobID string) bool
}

// Service drives the order state machine. Every transition goes through
// a conditional write; concurrent actors race cleanly and exactly one
// wins.
type Service struct {
	DB         DBLayer
	Requests   RequestManager
	Matcher    Matcher
	Settlement Settlement
	Checkout   CheckoutProvider
	Notifier   Notifier
	Events     EventPublisher
	Scheduler  JobScheduler

	logger        *logger.Logger
	sessionExpiry time.Duration
}

func NewService(db DBLayer, requests RequestManager, matcher Matcher, settlement Settlement,
	checkout CheckoutProvider, notifier Notifier, events EventPublisher, sched JobScheduler,
	log *logger.Logger, sessionExpiry time.Duration) *Service {
	return &Service{
		DB:            db,
		Requests:      requests,
		Matcher:       matcher,
		Settlement:    settlement,
		Checkout:      checkout,
		Notifier:      notifier,
		Events:        events,
		Scheduler:     sched,
		logger:        log,
		sessionExpiry: sessionExpiry,
	}
}

func (s *Service) RegisterJobs(reg interface {
	Register(jobType string, h func(ctx context.Context, payload []byte) error)
}) {
	reg.Register(JobTypeSessionExpiry, s.handleSessionExpiryJob)
}

// ---------------- CHECKOUT ----------------

// CreateCheckout creates the order, opens its payment session and arms
// the session expiry timer.
func (s *Service) CreateCheckout(ctx context.Context, req models.CheckoutRequest) (*models.CheckoutResponse, error) {
	customer, err := s.DB.GetCustomerByID(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	restaurant, err := s.DB.GetRestaurantByID(ctx, req.RestaurantID)
	if err != nil {
		return nil, err
	}

	order := models.Order{
		OrderID:        uuid.NewString(),
		CustomerID:     customer.CustomerID,
		CustomerName:   customer.FullName,
		CustomerEmail:  customer.Email,
		RestaurantID:   restaurant.RestaurantID,
		RestaurantName: restaurant.Name,
		RestaurantLat:  restaurant.Lat,
		RestaurantLng:  restaurant.Lng,
		Subtotal:       req.Subtotal,
		DeliveryFee:    req.DeliveryFee,
		ServiceFee:     req.ServiceFee,
		Total:          req.Subtotal + req.DeliveryFee + req.ServiceFee,
		Status:         models.StatusAwaitingPayment,
		PaymentStatus:  models.PaymentPending,
		CreatedAt:      time.Now(),
	}
	if err := order.ValidatePricing(); err != nil {
		return nil, err
	}

	if err := s.DB.CreateOrder(ctx, order, "order created at checkout"); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	s.logger.LogOrder("CREATE", order.OrderID,
		fmt.Sprintf("customer %s at %s, total %.2f", order.CustomerID, order.RestaurantName, order.Total))

	sess, err := s.Checkout.CreateSession(ctx, &order)
	if err != nil {
		return nil, fmt.Errorf("open checkout session for order %s: %w", order.OrderID, err)
	}

	jobID, err := s.Scheduler.Schedule(ctx, JobTypeSessionExpiry,
		SessionExpiryPayload{OrderID: order.OrderID}, s.sessionExpiry)
	if err != nil {
		return nil, fmt.Errorf("schedule session expiry for order %s: %w", order.OrderID, err)
	}

	if err := s.DB.SetCheckoutSession(ctx, order.OrderID, sess.SessionID, sess.PaymentIntentID, jobID); err != nil {
		return nil, fmt.Errorf("persist checkout session on order %s: %w", order.OrderID, err)
	}

	s.publish(ctx, order.OrderID, models.StatusAwaitingPayment, "checkout session opened")
	return &models.CheckoutResponse{
		OrderID:     order.OrderID,
		CheckoutURL: sess.URL,
		Total:       order.Total,
	}, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*models.OrderWithHistory, error) {
	order, err := s.DB.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	history, err := s.DB.GetOrderHistory(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &models.OrderWithHistory{Order: *order, History: history}, nil
}

// ---------------- PAYMENT OUTCOME ----------------

// HandlePaymentCompleted confirms payment and hands the order to the
// restaurant. Duplicate webhook deliveries and the session expiry timer
// all funnel into the same conditional transition, so only the first
// arrival acts.
func (s *Service) HandlePaymentCompleted(ctx context.Context, orderID, sessionID, paymentIntentID string) error {
	order, err := s.DB.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if sessionID != "" && order.CheckoutSessionID != "" && sessionID != order.CheckoutSessionID {
		s.logger.Warn("ORDER", fmt.Sprintf("Payment event for order %s names stale session %s, ignoring", orderID, sessionID))
		return nil
	}
	return s.confirmPayment(ctx, order, paymentIntentID, "payment completed")
}

func (s *Service) confirmPayment(ctx context.Context, order *models.Order, paymentIntentID, note string) error {
	now := time.Now()
	paid := models.PaymentSucceeded
	u := orderdb.StatusUpdate{
		OrderID:       order.OrderID,
		From:          []models.OrderStatus{models.StatusAwaitingPayment},
		To:            models.StatusPendingRestaurantAcceptance,
		Note:          note,
		PaymentStatus: &paid,
		PaidAt:        &now,
	}
	if paymentIntentID != "" {
		u.PaymentIntentID = &paymentIntentID
	}

	applied, err := s.DB.ApplyStatusUpdate(ctx, u)
	if err != nil {
		return fmt.Errorf("confirm payment for order %s: %w", order.OrderID, err)
	}
	if !applied {
		// Usually a duplicate delivery. It can also be the redelivery
		// after a crash between the status flip and the restaurant
		// request; that gap is repaired here.
		return s.ensureRestaurantRequest(ctx, order.OrderID)
	}

	if order.SessionExpiryJobID != "" {
		s.Scheduler.Cancel(ctx, order.SessionExpiryJobID)
	}

	s.logger.LogOrder("PAID", order.OrderID, note)
	s.publish(ctx, order.OrderID, models.StatusPendingRestaurantAcceptance, note)

	order.Status = models.StatusPendingRestaurantAcceptance
	return s.askRestaurant(ctx, order)
}

// askRestaurant opens the acceptance request and tells the restaurant.
func (s *Service) askRestaurant(ctx context.Context, order *models.Order) error {
	if _, err := s.Requests.OpenRestaurantRequest(ctx, order); err != nil {
		return fmt.Errorf("open restaurant request for order %s: %w", order.OrderID, err)
	}

	s.Notifier.Notify(ctx, models.Notification{
		Recipient: order.RestaurantID,
		Subject:   "New order awaiting acceptance",
		Body:      fmt.Sprintf("Order %s for %.2f is waiting for your decision.", order.OrderID, order.Total),
		OrderID:   order.OrderID,
		Timestamp: time.Now(),
	})
	return nil
}

// ensureRestaurantRequest is the recovery side of confirmPayment. An
// order sitting in pending acceptance must always have an open request;
// if the request write failed after the status committed, the next
// payment event lands here and reopens it.
func (s *Service) ensureRestaurantRequest(ctx context.Context, orderID string) error {
	order, err := s.DB.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != models.StatusPendingRestaurantAcceptance {
		s.logger.Warn("ORDER", fmt.Sprintf("Conflict confirming payment for order %s: order is %s", orderID, order.Status))
		return nil
	}

	last, err := s.Requests.LatestRequestByOrder(ctx, orderID)
	if err == nil {
		if last.Kind == models.RequestKindRestaurant && last.Status == models.RequestPending {
			s.logger.LogOrder("PAID", orderID, "duplicate payment confirmation, request already open")
			return nil
		}
		// The ask was already answered; whatever effect is still
		// missing belongs to the decision path, not this one.
		s.logger.LogOrder("PAID", orderID, fmt.Sprintf("duplicate payment confirmation, request already %s", last.Status))
		return nil
	}
	if !errors.Is(err, requestdb.ErrRequestNotFound) {
		return err
	}

	s.logger.Warn("ORDER", fmt.Sprintf("Order %s is pending acceptance with no open request, reopening", orderID))
	return s.askRestaurant(ctx, order)
}

// HandlePaymentFailed cancels an unpaid order after the provider
// reported a definitive payment failure.
func (s *Service) HandlePaymentFailed(ctx context.Context, orderID, reason string) error {
	failed := models.PaymentFailed
	applied, err := s.DB.ApplyStatusUpdate(ctx, orderdb.StatusUpdate{
		OrderID:       orderID,
		From:          []models.OrderStatus{models.StatusAwaitingPayment},
		To:            models.StatusCancelled,
		Note:          fmt.Sprintf("payment failed: %s", reason),
		PaymentStatus: &failed,
	})
	if err != nil {
		return fmt.Errorf("cancel order %s after payment failure: %w", orderID, err)
	}
	if !applied {
		s.logger.Warn("ORDER", fmt.Sprintf("Payment failure for order %s arrived after it left awaiting_payment", orderID))
		return nil
	}

	s.logger.LogOrder("CANCEL", orderID, fmt.Sprintf("payment failed: %s", reason))
	s.publish(ctx, orderID, models.StatusCancelled, "payment failed")
	s.notifyCustomer(ctx, orderID, "Payment failed",
		"We could not charge your payment method, so the order was cancelled.")
	return nil
}

// handleSessionExpiryJob closes checkout sessions nobody paid. The
// provider is consulted first: a webhook can get lost or arrive after
// the timer, and the money is the truth.
func (s *Service) handleSessionExpiryJob(ctx context.Context, payload []byte) error {
	var p SessionExpiryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode session expiry payload: %w", err)
	}

	order, err := s.DB.GetOrderByID(ctx, p.OrderID)
	if err != nil {
		if errors.Is(err, orderdb.ErrOrderNotFound) {
			s.logger.Warn("ORDER", fmt.Sprintf("Session expiry fired for missing order %s", p.OrderID))
			return nil
		}
		return err
	}
	if order.Status != models.StatusAwaitingPayment {
		s.logger.LogOrder("EXPIRE", order.OrderID, fmt.Sprintf("order is %s, session expiry is a no-op", order.Status))
		return nil
	}

	sess, err := s.Checkout.RetrieveSession(ctx, order.CheckoutSessionID)
	if err != nil {
		return fmt.Errorf("re-check session for order %s: %w", order.OrderID, err)
	}
	if sess.PaymentStatus == models.PaymentSucceeded {
		s.logger.LogOrder("EXPIRE", order.OrderID, "provider reports paid, confirming instead of expiring")
		return s.confirmPayment(ctx, order, sess.PaymentIntentID, "payment confirmed at session expiry check")
	}

	expired := models.PaymentExpired
	applied, err := s.DB.ApplyStatusUpdate(ctx, orderdb.StatusUpdate{
		OrderID:       order.OrderID,
		From:          []models.OrderStatus{models.StatusAwaitingPayment},
		To:            models.StatusPaymentExpired,
		Note:          "checkout session expired without payment",
		PaymentStatus: &expired,
	})
	if err != nil {
		return fmt.Errorf("expire order %s: %w", order.OrderID, err)
	}
	if !applied {
		s.logger.LogOrder("EXPIRE", order.OrderID, "lost the race to a concurrent payment confirmation")
		return nil
	}

	s.logger.LogOrder("EXPIRE", order.OrderID, "checkout session expired")
	s.publish(ctx, order.OrderID, models.StatusPaymentExpired, "checkout session expired")
	s.notifyCustomer(ctx, order.OrderID, "Order expired",
		"Your checkout session expired before payment completed. No charge was made.")
	return nil
}

// ---------------- RESTAURANT DECISION ----------------

// RestaurantDecision resolves the open restaurant request. Acceptance
// starts the driver search; rejection cancels and refunds the full
// total.
func (s *Service) RestaurantDecision(ctx context.Context, orderID string, accept bool) error {
	req, err := s.Requests.OpenRequestByOrder(ctx, orderID)
	if errors.Is(err, requestdb.ErrRequestNotFound) {
		return s.resumeRestaurantDecision(ctx, orderID, accept)
	}
	if err != nil {
		return err
	}
	if req.Kind != models.RequestKindRestaurant {
		return fmt.Errorf("%w: open request for order %s is a %s request", ErrWrongRequestKind, orderID, req.Kind)
	}

	outcome := models.RequestRejected
	if accept {
		outcome = models.RequestAccepted
	}
	if _, err := s.Requests.Resolve(ctx, req.RequestID, outcome); err != nil {
		return err
	}

	return s.applyRestaurantOutcome(ctx, orderID, accept)
}

// resumeRestaurantDecision handles a decision arriving when no request
// is open but the order is still pending acceptance: a previous attempt
// resolved the request and then failed before the order moved. The
// recorded resolution is authoritative; a resubmission agreeing with it
// finishes the order-side effect.
func (s *Service) resumeRestaurantDecision(ctx context.Context, orderID string, accept bool) error {
	order, err := s.DB.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != models.StatusPendingRestaurantAcceptance {
		return requestdb.ErrRequestNotFound
	}

	last, err := s.Requests.LatestRequestByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if last.Kind != models.RequestKindRestaurant ||
		(last.Status != models.RequestAccepted && last.Status != models.RequestRejected) {
		return requestdb.ErrRequestNotFound
	}
	if (last.Status == models.RequestAccepted) != accept {
		return fmt.Errorf("%w: request %s already resolved as %s", ErrOrderConflict, last.RequestID, last.Status)
	}

	s.logger.LogOrder("RESUME", orderID, fmt.Sprintf("completing %s restaurant decision recorded on request %s", last.Status, last.RequestID))
	return s.applyRestaurantOutcome(ctx, orderID, accept)
}

// applyRestaurantOutcome is the order-side half of a restaurant
// decision, shared by the live path and recovery.
func (s *Service) applyRestaurantOutcome(ctx context.Context, orderID string, accept bool) error {
	if !accept {
		return s.cancelWithRefund(ctx, orderID, PurposeRejectedRestaurantRequest, "restaurant rejected the order")
	}

	applied, err := s.DB.ApplyStatusUpdate(ctx, orderdb.StatusUpdate{
		OrderID: orderID,
		From:    []models.OrderStatus{models.StatusPendingRestaurantAcceptance},
		To:      models.StatusDriverSearch,
		Note:    "restaurant accepted the order",
	})
	if err != nil {
		return fmt.Errorf("start driver search for order %s: %w", orderID, err)
	}
	if !applied {
		s.logger.Warn("ORDER", fmt.Sprintf("Conflict starting driver search for order %s", orderID))
		return ErrOrderConflict
	}

	s.logger.LogOrder("ACCEPT", orderID, "restaurant accepted, searching for a driver")
	s.publish(ctx, orderID, models.StatusDriverSearch, "restaurant accepted the order")
	s.notifyCustomer(ctx, orderID, "Order accepted",
		"The restaurant accepted your order. We are finding you a driver.")

	return s.Matcher.FindDriver(ctx, orderID)
}

// OnRestaurantRequestExpired is the expiry continuation for restaurant
// asks: the order is cancelled and the customer refunded in full.
func (s *Service) OnRestaurantRequestExpired(ctx context.Context, orderID, requestID string) error {
	s.logger.LogOrder("EXPIRE", orderID, fmt.Sprintf("restaurant request %s timed out", requestID))
	return s.cancelWithRefund(ctx, orderID, PurposeExpiredRestaurantRequest, "restaurant did not respond in time")
}

// cancelWithRefund is shared by restaurant rejection and restaurant
// timeout. The refund amount is the full order total.
func (s *Service) cancelWithRefund(ctx context.Context, orderID, purpose, note string) error {
	applied, err := s.DB.ApplyStatusUpdate(ctx, orderdb.StatusUpdate{
		OrderID: orderID,
		From:    []models.OrderStatus{models.StatusPendingRestaurantAcceptance},
		To:      models.StatusCancelled,
		Note:    note,
	})
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if !applied {
		s.logger.Warn("ORDER", fmt.Sprintf("Conflict cancelling order %s (%s): no longer pending acceptance", orderID, note))
		return nil
	}

	order, err := s.DB.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}

	s.logger.LogOrder("CANCEL", orderID, note)
	s.publish(ctx, orderID, models.StatusCancelled, note)
	s.Notifier.Notify(ctx, models.Notification{
		Recipient: order.CustomerEmail,
		Subject:   "Order cancelled",
		Body:      fmt.Sprintf("Your order from %s was cancelled (%s). A full refund of %.2f is on its way.", order.RestaurantName, note, order.Total),
		OrderID:   orderID,
		Timestamp: time.Now(),
	})

	return s.Settlement.Refund(ctx, orderID, order.Total, purpose, note)
}

// ---------------- DRIVER DECISION ----------------

// DriverDecision resolves the open driver request. Acceptance assigns
// the driver; rejection excludes them and reopens the search without
// touching the zero-candidate counter.
func (s *Service) DriverDecision(ctx context.Context, orderID, driverID string, accept bool) error {
	req, err := s.Requests.OpenRequestByOrder(ctx, orderID)
	if errors.Is(err, requestdb.ErrRequestNotFound) {
		return s.resumeDriverDecision(ctx, orderID, driverID, accept)
	}
	if err != nil {
		return err
	}
	if req.Kind != models.RequestKindDriver {
		return fmt.Errorf("%w: open request for order %s is a %s request", ErrWrongRequestKind, orderID, req.Kind)
	}
	if req.DriverID != driverID {
		return fmt.Errorf("open request for order %s is addressed to driver %s, not %s", orderID, req.DriverID, driverID)
	}

	outcome := models.RequestRejected
	if accept {
		outcome = models.RequestAccepted
	}
	if _, err := s.Requests.Resolve(ctx, req.RequestID, outcome); err != nil {
		return err
	}

	return s.applyDriverOutcome(ctx, orderID, driverID, accept, req.PickupEtaMinutes)
}

// resumeDriverDecision mirrors resumeRestaurantDecision for driver
// asks: the request resolved but the order never left driver search.
func (s *Service) resumeDriverDecision(ctx context.Context, orderID, driverID string, accept bool) error {
	order, err := s.DB.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != models.StatusDriverSearch {
		return requestdb.ErrRequestNotFound
	}

	last, err := s.Requests.LatestRequestByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if last.Kind != models.RequestKindDriver || last.DriverID != driverID ||
		(last.Status != models.RequestAccepted && last.Status != models.RequestRejected) {
		return requestdb.ErrRequestNotFound
	}
	if (last.Status == models.RequestAccepted) != accept {
		return fmt.Errorf("%w: request %s already resolved as %s", ErrOrderConflict, last.RequestID, last.Status)
	}

	s.logger.LogOrder("RESUME", orderID, fmt.Sprintf("completing %s driver decision recorded on request %s", last.Status, last.RequestID))
	return s.applyDriverOutcome(ctx, orderID, driverID, accept, last.PickupEtaMinutes)
}

// applyDriverOutcome is the order-side half of a driver decision,
// shared by the live path and recovery. Rejection is idempotent end to
// end: the exclusion add absorbs repeats and the search re-derives
// order state.
func (s *Service) applyDriverOutcome(ctx context.Context, orderID, driverID string, accept bool, etaMinutes int) error {
	if !accept {
		s.logger.LogOrder("REJECT", orderID, fmt.Sprintf("driver %s declined, reopening search", driverID))
		if err := s.Matcher.ExcludeDriver(ctx, orderID, driverID); err != nil {
			return err
		}
		return s.Matcher.FindDriver(ctx, orderID)
	}

	applied, err := s.DB.ApplyStatusUpdate(ctx, orderdb.StatusUpdate{
		OrderID:  orderID,
		From:     []models.OrderStatus{models.StatusDriverSearch},
		To:       models.StatusDriverAssigned,
		Note:     fmt.Sprintf("driver %s accepted the pickup", driverID),
		DriverID: &driverID,
	})
	if err != nil {
		return fmt.Errorf("assign driver %s to order %s: %w", driverID, orderID, err)
	}
	if !applied {
		s.logger.Warn("ORDER", fmt.Sprintf("Conflict assigning driver %s to order %s", driverID, orderID))
		return ErrOrderConflict
	}

	if err := s.DB.SetDriverAvailability(ctx, driverID, false); err != nil {
		s.logger.Warn("ORDER", fmt.Sprintf("Failed to mark driver %s busy: %v", driverID, err))
	}

	s.logger.LogOrder("ASSIGN", orderID, fmt.Sprintf("driver %s assigned", driverID))
	s.publish(ctx, orderID, models.StatusDriverAssigned, fmt.Sprintf("driver %s assigned", driverID))
	s.notifyCustomer(ctx, orderID, "Driver assigned",
		fmt.Sprintf("A driver accepted your order and will head to the restaurant (eta %d min).", etaMinutes))
	return nil
}

// OnDriverRequestExpired is the expiry continuation for driver asks:
// the silent driver joins the exclusion set and the search reopens.
func (s *Service) OnDriverRequestExpired(ctx context.Context, orderID, requestID, driverID string) error {
	s.logger.LogOrder("EXPIRE", orderID, fmt.Sprintf("driver %s did not answer request %s, reopening search", driverID, requestID))
	if err := s.Matcher.ExcludeDriver(ctx, orderID, driverID); err != nil {
		return err
	}
	return s.Matcher.FindDriver(ctx, orderID)
}

// ---------------- FULFILLMENT ----------------

// MarkReadyForPickup records that the restaurant finished preparing the
// order. Self-pickup orders get a pickup code for the customer.
func (s *Service) MarkReadyForPickup(ctx context.Context, orderID string) error {
	order, err := s.DB.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if err := CanTransition(order.Status, models.StatusReadyForPickup, ActorRestaurant); err != nil {
		return err
	}

	code := utils.GeneratePickupCode()
	applied, err := s.DB.ApplyStatusUpdate(ctx, orderdb.StatusUpdate{
		OrderID:    orderID,
		From:       []models.OrderStatus{order.Status},
		To:         models.StatusReadyForPickup,
		Note:       "restaurant marked the order ready",
		PickupCode: &code,
	})
	if err != nil {
		return fmt.Errorf("mark order %s ready: %w", orderID, err)
	}
	if !applied {
		return ErrOrderConflict
	}

	s.logger.LogOrder("READY", orderID, "order is ready for pickup")
	s.publish(ctx, orderID, models.StatusReadyForPickup, "order ready for pickup")

	if order.DriverID == "" {
		s.Notifier.Notify(ctx, models.Notification{
			Recipient: order.CustomerEmail,
			Subject:   "Your order is ready for pickup",
			Body:      fmt.Sprintf("Your order from %s is ready. Show pickup code %s at the counter.", order.RestaurantName, code),
			OrderID:   orderID,
			Timestamp: time.Now(),
		})
	} else {
		s.Notifier.Notify(ctx, models.Notification{
			Recipient: order.DriverID,
			Subject:   "Order ready for pickup",
			Body:      fmt.Sprintf("Order %s at %s is ready for collection.", orderID, order.RestaurantName),
			OrderID:   orderID,
			Timestamp: time.Now(),
		})
	}
	return nil
}

// MarkPickedUp records the handover. The actor is the driver on
// delivered orders, the customer on self-pickup orders.
func (s *Service) MarkPickedUp(ctx context.Context, orderID, actor string) error {
	order, err := s.DB.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if err := CanTransition(order.Status, models.StatusPickedUp, actor); err != nil {
		return err
	}

	applied, err := s.DB.ApplyStatusUpdate(ctx, orderdb.StatusUpdate{
		OrderID: orderID,
		From:    []models.OrderStatus{models.StatusReadyForPickup},
		To:      models.StatusPickedUp,
		Note:    fmt.Sprintf("order picked up by %s", actor),
	})
	if err != nil {
		return fmt.Errorf("mark order %s picked up: %w", orderID, err)
	}
	if !applied {
		return ErrOrderConflict
	}

	s.logger.LogOrder("PICKUP", orderID, fmt.Sprintf("picked up by %s", actor))
	s.publish(ctx, orderID, models.StatusPickedUp, fmt.Sprintf("picked up by %s", actor))
	if actor == ActorDriver {
		s.notifyCustomer(ctx, orderID, "Order on the way",
			"Your driver picked up the order and is heading to you.")
	}
	return nil
}

// MarkDelivered closes the order. Driver-delivered orders settle both
// payouts here; self-pickup orders were already settled when the search
// was exhausted.
func (s *Service) MarkDelivered(ctx context.Context, orderID, actor string) error {
	order, err := s.DB.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if err := CanTransition(order.Status, models.StatusDelivered, actor); err != nil {
		return err
	}

	applied, err := s.DB.ApplyStatusUpdate(ctx, orderdb.StatusUpdate{
		OrderID: orderID,
		From:    []models.OrderStatus{models.StatusPickedUp},
		To:      models.StatusDelivered,
		Note:    fmt.Sprintf("order delivered, confirmed by %s", actor),
	})
	if err != nil {
		return fmt.Errorf("mark order %s delivered: %w", orderID, err)
	}
	if !applied {
		return ErrOrderConflict
	}

	s.logger.LogOrder("DELIVER", orderID, fmt.Sprintf("delivered, confirmed by %s", actor))
	s.publish(ctx, orderID, models.StatusDelivered, "order delivered")

	if err := s.Matcher.ForgetOrder(ctx, orderID); err != nil {
		s.logger.Warn("ORDER", fmt.Sprintf("Failed to drop exclusion set for order %s: %v", orderID, err))
	}

	if order.DriverID != "" {
		if err := s.DB.SetDriverAvailability(ctx, order.DriverID, true); err != nil {
			s.logger.Warn("ORDER", fmt.Sprintf("Failed to free driver %s: %v", order.DriverID, err))
		}
		if err := s.Settlement.Transfer(ctx, orderID, orderdb.PartyRestaurant, order.Subtotal, PurposeDeliveredSubtotal); err != nil {
			return fmt.Errorf("pay out restaurant for order %s: %w", orderID, err)
		}
		if err := s.Settlement.Transfer(ctx, orderID, orderdb.PartyDriver, order.DeliveryFee, PurposeDeliveredDeliveryFee); err != nil {
			return fmt.Errorf("pay out driver for order %s: %w", orderID, err)
		}
	}

	s.notifyCustomer(ctx, orderID, "Order delivered", "Enjoy your meal!")
	return nil
}

// ---------------- HELPERS ----------------

func (s *Service) publish(ctx context.Context, orderID string, status models.OrderStatus, note string) {
	s.Events.PublishOrderEvent(ctx, models.OrderEvent{
		Type:      "order." + string(status),
		OrderID:   orderID,
		Status:    status,
		Note:      note,
		Timestamp: time.Now(),
	})
}

func (s *Service) notifyCustomer(ctx context.Context, orderID, subject, body string) {
	order, err := s.DB.GetOrderByID(ctx, orderID)
	if err != nil {
		s.logger.Warn("ORDER", fmt.Sprintf("Cannot notify customer of order %s: %v", orderID, err))
		return
	}
	s.Notifier.Notify(ctx, models.Notification{
		Recipient: order.CustomerEmail,
		Subject:   subject,
		Body:      body,
		OrderID:   orderID,
		Timestamp: time.Now(),
	})
}
