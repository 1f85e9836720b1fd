package orders_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ms-delivery/internal/logger"
	"ms-delivery/internal/models"
	"ms-delivery/internal/orders"
	orderdb "ms-delivery/internal/orders/db"
	requestdb "ms-delivery/internal/requests/db"
)

type mockDB struct {
	mock.Mock
}

func (m *mockDB) CreateOrder(ctx context.Context, order models.Order, note string) error {
	args := m.Called(ctx, order, note)
	return args.Error(0)
}

func (m *mockDB) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *mockDB) GetOrderHistory(ctx context.Context, orderID string) ([]models.OrderStatusEntry, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.OrderStatusEntry), args.Error(1)
}

func (m *mockDB) ApplyStatusUpdate(ctx context.Context, u orderdb.StatusUpdate) (bool, error) {
	args := m.Called(ctx, u)
	return args.Bool(0), args.Error(1)
}

func (m *mockDB) SetCheckoutSession(ctx context.Context, orderID, sessionID, paymentIntentID, expiryJobID string) error {
	args := m.Called(ctx, orderID, sessionID, paymentIntentID, expiryJobID)
	return args.Error(0)
}

func (m *mockDB) GetCustomerByID(ctx context.Context, id string) (*models.Customer, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Customer), args.Error(1)
}

func (m *mockDB) GetRestaurantByID(ctx context.Context, id string) (*models.Restaurant, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Restaurant), args.Error(1)
}

func (m *mockDB) SetDriverAvailability(ctx context.Context, driverID string, available bool) error {
	args := m.Called(ctx, driverID, available)
	return args.Error(0)
}

type mockRequests struct {
	mock.Mock
}

func (m *mockRequests) OpenRestaurantRequest(ctx context.Context, order *models.Order) (*models.Request, error) {
	args := m.Called(ctx, order)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Request), args.Error(1)
}

func (m *mockRequests) OpenRequestByOrder(ctx context.Context, orderID string) (*models.Request, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Request), args.Error(1)
}

func (m *mockRequests) LatestRequestByOrder(ctx context.Context, orderID string) (*models.Request, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Request), args.Error(1)
}

func (m *mockRequests) Resolve(ctx context.Context, requestID string, outcome models.RequestStatus) (*models.Request, error) {
	args := m.Called(ctx, requestID, outcome)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Request), args.Error(1)
}

type mockMatcher struct {
	mock.Mock
}

func (m *mockMatcher) FindDriver(ctx context.Context, orderID string) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

func (m *mockMatcher) ExcludeDriver(ctx context.Context, orderID, driverID string) error {
	args := m.Called(ctx, orderID, driverID)
	return args.Error(0)
}

func (m *mockMatcher) ForgetOrder(ctx context.Context, orderID string) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

type mockSettlement struct {
	mock.Mock
}

func (m *mockSettlement) Refund(ctx context.Context, orderID string, amount float64, purpose, reason string) error {
	args := m.Called(ctx, orderID, amount, purpose, reason)
	return args.Error(0)
}

func (m *mockSettlement) Transfer(ctx context.Context, orderID, party string, amount float64, purpose string) error {
	args := m.Called(ctx, orderID, party, amount, purpose)
	return args.Error(0)
}

type mockCheckout struct {
	mock.Mock
}

func (m *mockCheckout) CreateSession(ctx context.Context, order *models.Order) (*models.CheckoutSession, error) {
	args := m.Called(ctx, order)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CheckoutSession), args.Error(1)
}

func (m *mockCheckout) RetrieveSession(ctx context.Context, sessionID string) (*models.CheckoutSession, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CheckoutSession), args.Error(1)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, n models.Notification) {
	m.Called(ctx, n)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishOrderEvent(ctx context.Context, event models.OrderEvent) {
	m.Called(ctx, event)
}

type mockScheduler struct {
	mock.Mock
}

func (m *mockScheduler) Schedule(ctx context.Context, jobType string, payload interface{}, delay time.Duration) (string, error) {
	args := m.Called(ctx, jobType, payload, delay)
	return args.String(0), args.Error(1)
}

func (m *mockScheduler) Cancel(ctx context.Context, jobID string) bool {
	args := m.Called(ctx, jobID)
	return args.Bool(0)
}

type serviceDeps struct {
	db         *mockDB
	requests   *mockRequests
	matcher    *mockMatcher
	settlement *mockSettlement
	checkout   *mockCheckout
	notifier   *mockNotifier
	events     *mockPublisher
	scheduler  *mockScheduler
}

func newTestService() (*orders.Service, *serviceDeps) {
	deps := &serviceDeps{
		db:         new(mockDB),
		requests:   new(mockRequests),
		matcher:    new(mockMatcher),
		settlement: new(mockSettlement),
		checkout:   new(mockCheckout),
		notifier:   new(mockNotifier),
		events:     new(mockPublisher),
		scheduler:  new(mockScheduler),
	}
	svc := orders.NewService(deps.db, deps.requests, deps.matcher, deps.settlement,
		deps.checkout, deps.notifier, deps.events, deps.scheduler,
		logger.NewLogger(), 30*time.Minute)
	// Event and notification fan-out is fire and forget; accept it
	// everywhere and assert the interesting calls per test.
	deps.events.On("PublishOrderEvent", mock.Anything, mock.Anything).Return().Maybe()
	deps.notifier.On("Notify", mock.Anything, mock.Anything).Return().Maybe()
	return svc, deps
}

func testOrder(id string, status models.OrderStatus) *models.Order {
	return &models.Order{
		OrderID:           id,
		CustomerID:        "cust-1",
		CustomerEmail:     "cust@example.com",
		RestaurantID:      "rest-1",
		RestaurantName:    "Spice Garden",
		Subtotal:          20.00,
		DeliveryFee:       4.00,
		ServiceFee:        1.00,
		Total:             25.00,
		Status:            status,
		CheckoutSessionID: "cs_1",
		PaymentStatus:     models.PaymentPending,
	}
}

// ---------------- CHECKOUT ----------------

func TestCreateCheckoutOpensSessionAndArmsExpiry(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	deps.db.On("GetCustomerByID", ctx, "cust-1").Return(&models.Customer{
		CustomerID: "cust-1", FullName: "Kasun Perera", Email: "cust@example.com",
	}, nil)
	deps.db.On("GetRestaurantByID", ctx, "rest-1").Return(&models.Restaurant{
		RestaurantID: "rest-1", Name: "Spice Garden", Lat: 6.9271, Lng: 79.8612,
	}, nil)
	deps.db.On("CreateOrder", ctx, mock.MatchedBy(func(o models.Order) bool {
		return o.Status == models.StatusAwaitingPayment && o.Total == 25.00
	}), "order created at checkout").Return(nil)
	deps.checkout.On("CreateSession", ctx, mock.Anything).Return(&models.CheckoutSession{
		SessionID:       "cs_1",
		PaymentIntentID: "pi_1",
		URL:             "https://checkout.stripe.com/pay/cs_1",
	}, nil)
	deps.scheduler.On("Schedule", ctx, orders.JobTypeSessionExpiry, mock.Anything, 30*time.Minute).
		Return("job-exp", nil)
	deps.db.On("SetCheckoutSession", ctx, mock.Anything, "cs_1", "pi_1", "job-exp").Return(nil)

	resp, err := svc.CreateCheckout(ctx, models.CheckoutRequest{
		CustomerID:   "cust-1",
		RestaurantID: "rest-1",
		Subtotal:     20.00,
		DeliveryFee:  4.00,
		ServiceFee:   1.00,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.com/pay/cs_1", resp.CheckoutURL)
	assert.InDelta(t, 25.00, resp.Total, 0.001)
	deps.db.AssertExpectations(t)
	deps.scheduler.AssertExpectations(t)
}

func TestCreateCheckoutRejectsNegativePricing(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	deps.db.On("GetCustomerByID", ctx, "cust-1").Return(&models.Customer{CustomerID: "cust-1"}, nil)
	deps.db.On("GetRestaurantByID", ctx, "rest-1").Return(&models.Restaurant{RestaurantID: "rest-1"}, nil)

	_, err := svc.CreateCheckout(ctx, models.CheckoutRequest{
		CustomerID:   "cust-1",
		RestaurantID: "rest-1",
		Subtotal:     -5.00,
	})
	assert.Error(t, err)
	deps.db.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything, mock.Anything)
	deps.checkout.AssertNotCalled(t, "CreateSession", mock.Anything, mock.Anything)
}

// ---------------- PAYMENT OUTCOME ----------------

func TestHandlePaymentCompletedConfirmsAndOpensRestaurantRequest(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	order := testOrder("o-1", models.StatusAwaitingPayment)
	order.SessionExpiryJobID = "job-exp"
	deps.db.On("GetOrderByID", ctx, "o-1").Return(order, nil)
	deps.db.On("ApplyStatusUpdate", ctx, mock.MatchedBy(func(u orderdb.StatusUpdate) bool {
		return u.To == models.StatusPendingRestaurantAcceptance &&
			u.PaymentStatus != nil && *u.PaymentStatus == models.PaymentSucceeded &&
			u.PaymentIntentID != nil && *u.PaymentIntentID == "pi_1"
	})).Return(true, nil)
	deps.scheduler.On("Cancel", ctx, "job-exp").Return(true)
	deps.requests.On("OpenRestaurantRequest", ctx, mock.MatchedBy(func(o *models.Order) bool {
		return o.Status == models.StatusPendingRestaurantAcceptance
	})).Return(&models.Request{RequestID: "req-1"}, nil)

	require.NoError(t, svc.HandlePaymentCompleted(ctx, "o-1", "cs_1", "pi_1"))
	deps.requests.AssertExpectations(t)
	deps.scheduler.AssertExpectations(t)
}

func TestHandlePaymentCompletedIgnoresStaleSession(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	deps.db.On("GetOrderByID", ctx, "o-1").Return(testOrder("o-1", models.StatusAwaitingPayment), nil)

	require.NoError(t, svc.HandlePaymentCompleted(ctx, "o-1", "cs_other", "pi_1"))
	deps.db.AssertNotCalled(t, "ApplyStatusUpdate", mock.Anything, mock.Anything)
}

func TestHandlePaymentCompletedDuplicateIsNoOp(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	deps.db.On("GetOrderByID", ctx, "o-1").Return(testOrder("o-1", models.StatusPendingRestaurantAcceptance), nil)
	deps.db.On("ApplyStatusUpdate", ctx, mock.Anything).Return(false, nil)
	deps.requests.On("LatestRequestByOrder", ctx, "o-1").Return(restaurantRequest("o-1"), nil)

	require.NoError(t, svc.HandlePaymentCompleted(ctx, "o-1", "cs_1", "pi_1"))
	deps.requests.AssertNotCalled(t, "OpenRestaurantRequest", mock.Anything, mock.Anything)
}

func TestHandlePaymentCompletedRedeliveryReopensLostRequest(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	// First delivery wins the status transition but the restaurant
	// request write dies. The webhook redelivery must repair the gap
	// instead of shrugging at the conflict.
	order := testOrder("o-1", models.StatusAwaitingPayment)
	order.SessionExpiryJobID = "job-exp"
	deps.db.On("GetOrderByID", ctx, "o-1").Return(order, nil)
	deps.db.On("ApplyStatusUpdate", ctx, mock.Anything).Return(true, nil).Once()
	deps.db.On("ApplyStatusUpdate", ctx, mock.Anything).Return(false, nil)
	deps.scheduler.On("Cancel", ctx, "job-exp").Return(true)
	deps.requests.On("OpenRestaurantRequest", ctx, mock.Anything).
		Return(nil, errors.New("connection reset")).Once()
	deps.requests.On("LatestRequestByOrder", ctx, "o-1").Return(nil, requestdb.ErrRequestNotFound)
	deps.requests.On("OpenRestaurantRequest", ctx, mock.Anything).
		Return(&models.Request{RequestID: "req-1"}, nil).Once()

	require.Error(t, svc.HandlePaymentCompleted(ctx, "o-1", "cs_1", "pi_1"))

	require.NoError(t, svc.HandlePaymentCompleted(ctx, "o-1", "cs_1", "pi_1"))
	deps.requests.AssertNumberOfCalls(t, "OpenRestaurantRequest", 2)
}

func TestHandlePaymentFailedCancelsOrder(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	deps.db.On("ApplyStatusUpdate", ctx, mock.MatchedBy(func(u orderdb.StatusUpdate) bool {
		return u.To == models.StatusCancelled &&
			u.PaymentStatus != nil && *u.PaymentStatus == models.PaymentFailed
	})).Return(true, nil)
	deps.db.On("GetOrderByID", ctx, "o-1").Return(testOrder("o-1", models.StatusCancelled), nil)

	require.NoError(t, svc.HandlePaymentFailed(ctx, "o-1", "card declined"))
	deps.db.AssertExpectations(t)
}

// ---------------- RESTAURANT DECISION ----------------

func restaurantRequest(orderID string) *models.Request {
	return &models.Request{
		RequestID: "req-1",
		OrderID:   orderID,
		Kind:      models.RequestKindRestaurant,
		Status:    models.RequestPending,
	}
}

func TestRestaurantAcceptStartsDriverSearch(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	deps.requests.On("OpenRequestByOrder", ctx, "o-1").Return(restaurantRequest("o-1"), nil)
	deps.requests.On("Resolve", ctx, "req-1", models.RequestAccepted).
		Return(restaurantRequest("o-1"), nil)
	deps.db.On("ApplyStatusUpdate", ctx, mock.MatchedBy(func(u orderdb.StatusUpdate) bool {
		return u.To == models.StatusDriverSearch
	})).Return(true, nil)
	deps.db.On("GetOrderByID", ctx, "o-1").Return(testOrder("o-1", models.StatusDriverSearch), nil)
	deps.matcher.On("FindDriver", ctx, "o-1").Return(nil)

	require.NoError(t, svc.RestaurantDecision(ctx, "o-1", true))
	deps.matcher.AssertExpectations(t)
}

func TestRestaurantRejectRefundsFullTotal(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	deps.requests.On("OpenRequestByOrder", ctx, "o-1").Return(restaurantRequest("o-1"), nil)
	deps.requests.On("Resolve", ctx, "req-1", models.RequestRejected).
		Return(restaurantRequest("o-1"), nil)
	deps.db.On("ApplyStatusUpdate", ctx, mock.MatchedBy(func(u orderdb.StatusUpdate) bool {
		return u.From[0] == models.StatusPendingRestaurantAcceptance && u.To == models.StatusCancelled
	})).Return(true, nil)
	deps.db.On("GetOrderByID", ctx, "o-1").Return(testOrder("o-1", models.StatusCancelled), nil)
	deps.settlement.On("Refund", ctx, "o-1", 25.00, "rejected_restaurant_request", mock.Anything).Return(nil)

	require.NoError(t, svc.RestaurantDecision(ctx, "o-1", false))
	deps.settlement.AssertExpectations(t)
	deps.matcher.AssertNotCalled(t, "FindDriver", mock.Anything, mock.Anything)
}

func TestRestaurantDecisionRejectsWrongKind(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	deps.requests.On("OpenRequestByOrder", ctx, "o-1").Return(&models.Request{
		RequestID: "req-1",
		OrderID:   "o-1",
		Kind:      models.RequestKindDriver,
		DriverID:  "drv-1",
	}, nil)

	err := svc.RestaurantDecision(ctx, "o-1", true)
	assert.ErrorIs(t, err, orders.ErrWrongRequestKind)
	deps.requests.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything, mock.Anything)
}

func TestRestaurantDecisionResumesAfterPartialFailure(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	// The request resolved to accepted on a previous attempt but the
	// order update never landed; the resubmitted decision finishes it.
	accepted := restaurantRequest("o-1")
	accepted.Status = models.RequestAccepted
	deps.requests.On("OpenRequestByOrder", ctx, "o-1").Return(nil, requestdb.ErrRequestNotFound)
	deps.db.On("GetOrderByID", ctx, "o-1").Return(testOrder("o-1", models.StatusPendingRestaurantAcceptance), nil)
	deps.requests.On("LatestRequestByOrder", ctx, "o-1").Return(accepted, nil)
	deps.db.On("ApplyStatusUpdate", ctx, mock.MatchedBy(func(u orderdb.StatusUpdate) bool {
		return u.To == models.StatusDriverSearch
	})).Return(true, nil)
	deps.matcher.On("FindDriver", ctx, "o-1").Return(nil)

	require.NoError(t, svc.RestaurantDecision(ctx, "o-1", true))
	deps.requests.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything, mock.Anything)
	deps.matcher.AssertExpectations(t)
}

func TestRestaurantDecisionResumeRejectsContradictingOutcome(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	rejected := restaurantRequest("o-1")
	rejected.Status = models.RequestRejected
	deps.requests.On("OpenRequestByOrder", ctx, "o-1").Return(nil, requestdb.ErrRequestNotFound)
	deps.db.On("GetOrderByID", ctx, "o-1").Return(testOrder("o-1", models.StatusPendingRestaurantAcceptance), nil)
	deps.requests.On("LatestRequestByOrder", ctx, "o-1").Return(rejected, nil)

	err := svc.RestaurantDecision(ctx, "o-1", true)
	assert.ErrorIs(t, err, orders.ErrOrderConflict)
	deps.db.AssertNotCalled(t, "ApplyStatusUpdate", mock.Anything, mock.Anything)
}

func TestRestaurantRequestExpiryRefundsFullTotal(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	deps.db.On("ApplyStatusUpdate", ctx, mock.MatchedBy(func(u orderdb.StatusUpdate) bool {
		return u.To == models.StatusCancelled
	})).Return(true, nil)
	deps.db.On("GetOrderByID", ctx, "o-1").Return(testOrder("o-1", models.StatusCancelled), nil)
	deps.settlement.On("Refund", ctx, "o-1", 25.00, "expired_restaurant_request", mock.Anything).Return(nil)

	require.NoError(t, svc.OnRestaurantRequestExpired(ctx, "o-1", "req-1"))
	deps.settlement.AssertExpectations(t)
}

func TestRestaurantExpiryAfterDecisionIsNoOp(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	deps.db.On("ApplyStatusUpdate", ctx, mock.Anything).Return(false, nil)

	require.NoError(t, svc.OnRestaurantRequestExpired(ctx, "o-1", "req-1"))
	deps.settlement.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// ---------------- DRIVER DECISION ----------------

func driverRequest(orderID, driverID string) *models.Request {
	return &models.Request{
		RequestID:        "req-2",
		OrderID:          orderID,
		Kind:             models.RequestKindDriver,
		Status:           models.RequestPending,
		DriverID:         driverID,
		PickupEtaMinutes: 7,
	}
}

func TestDriverAcceptAssignsAndMarksBusy(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	deps.requests.On("OpenRequestByOrder", ctx, "o-1").Return(driverRequest("o-1", "drv-1"), nil)
	deps.requests.On("Resolve", ctx, "req-2", models.RequestAccepted).
		Return(driverRequest("o-1", "drv-1"), nil)
	deps.db.On("ApplyStatusUpdate", ctx, mock.MatchedBy(func(u orderdb.StatusUpdate) bool {
		return u.To == models.StatusDriverAssigned &&
			u.DriverID != nil && *u.DriverID == "drv-1"
	})).Return(true, nil)
	deps.db.On("SetDriverAvailability", ctx, "drv-1", false).Return(nil)
	deps.db.On("GetOrderByID", ctx, "o-1").Return(testOrder("o-1", models.StatusDriverAssigned), nil)

	require.NoError(t, svc.DriverDecision(ctx, "o-1", "drv-1", true))
	deps.db.AssertExpectations(t)
}

func TestDriverRejectReopensSearch(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	deps.requests.On("OpenRequestByOrder", ctx, "o-1").Return(driverRequest("o-1", "drv-1"), nil)
	deps.requests.On("Resolve", ctx, "req-2", models.RequestRejected).
		Return(driverRequest("o-1", "drv-1"), nil)
	deps.matcher.On("ExcludeDriver", ctx, "o-1", "drv-1").Return(nil)
	deps.matcher.On("FindDriver", ctx, "o-1").Return(nil)

	require.NoError(t, svc.DriverDecision(ctx, "o-1", "drv-1", false))
	deps.matcher.AssertExpectations(t)
	deps.db.AssertNotCalled(t, "ApplyStatusUpdate", mock.Anything, mock.Anything)
}

func TestDriverDecisionRefusesWrongDriver(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	deps.requests.On("OpenRequestByOrder", ctx, "o-1").Return(driverRequest("o-1", "drv-1"), nil)

	err := svc.DriverDecision(ctx, "o-1", "drv-other", true)
	assert.Error(t, err)
	deps.requests.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything, mock.Anything)
}

func TestDriverDecisionResumesAfterPartialFailure(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	accepted := driverRequest("o-1", "drv-1")
	accepted.Status = models.RequestAccepted
	deps.requests.On("OpenRequestByOrder", ctx, "o-1").Return(nil, requestdb.ErrRequestNotFound)
	deps.db.On("GetOrderByID", ctx, "o-1").Return(testOrder("o-1", models.StatusDriverSearch), nil)
	deps.requests.On("LatestRequestByOrder", ctx, "o-1").Return(accepted, nil)
	deps.db.On("ApplyStatusUpdate", ctx, mock.MatchedBy(func(u orderdb.StatusUpdate) bool {
		return u.To == models.StatusDriverAssigned &&
			u.DriverID != nil && *u.DriverID == "drv-1"
	})).Return(true, nil)
	deps.db.On("SetDriverAvailability", ctx, "drv-1", false).Return(nil)

	require.NoError(t, svc.DriverDecision(ctx, "o-1", "drv-1", true))
	deps.requests.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything, mock.Anything)
	deps.db.AssertExpectations(t)
}

func TestDriverDecisionResumeIgnoresOtherDriversRequest(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	accepted := driverRequest("o-1", "drv-other")
	accepted.Status = models.RequestAccepted
	deps.requests.On("OpenRequestByOrder", ctx, "o-1").Return(nil, requestdb.ErrRequestNotFound)
	deps.db.On("GetOrderByID", ctx, "o-1").Return(testOrder("o-1", models.StatusDriverSearch), nil)
	deps.requests.On("LatestRequestByOrder", ctx, "o-1").Return(accepted, nil)

	err := svc.DriverDecision(ctx, "o-1", "drv-1", true)
	assert.ErrorIs(t, err, requestdb.ErrRequestNotFound)
	deps.db.AssertNotCalled(t, "ApplyStatusUpdate", mock.Anything, mock.Anything)
}

func TestDriverRequestExpiryExcludesAndRetries(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	deps.matcher.On("ExcludeDriver", ctx, "o-1", "drv-1").Return(nil)
	deps.matcher.On("FindDriver", ctx, "o-1").Return(nil)

	require.NoError(t, svc.OnDriverRequestExpired(ctx, "o-1", "req-2", "drv-1"))
	deps.matcher.AssertExpectations(t)
}

// ---------------- FULFILLMENT ----------------

func TestMarkReadyGeneratesPickupCodeForSelfPickup(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	order := testOrder("o-1", models.StatusNoDriversAvailable)
	deps.db.On("GetOrderByID", ctx, "o-1").Return(order, nil)
	deps.db.On("ApplyStatusUpdate", ctx, mock.MatchedBy(func(u orderdb.StatusUpdate) bool {
		return u.To == models.StatusReadyForPickup &&
			u.PickupCode != nil && len(*u.PickupCode) == 6
	})).Return(true, nil)

	require.NoError(t, svc.MarkReadyForPickup(ctx, "o-1"))
	deps.db.AssertExpectations(t)
}

func TestMarkReadyInvalidFromStatus(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	deps.db.On("GetOrderByID", ctx, "o-1").Return(testOrder("o-1", models.StatusDriverSearch), nil)

	err := svc.MarkReadyForPickup(ctx, "o-1")
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)
	deps.db.AssertNotCalled(t, "ApplyStatusUpdate", mock.Anything, mock.Anything)
}

func TestMarkPickedUpLostRaceReturnsConflict(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	deps.db.On("GetOrderByID", ctx, "o-1").Return(testOrder("o-1", models.StatusReadyForPickup), nil)
	deps.db.On("ApplyStatusUpdate", ctx, mock.Anything).Return(false, nil)

	err := svc.MarkPickedUp(ctx, "o-1", orders.ActorDriver)
	assert.ErrorIs(t, err, orders.ErrOrderConflict)
}

func TestMarkDeliveredPaysOutBothParties(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	order := testOrder("o-1", models.StatusPickedUp)
	order.DriverID = "drv-1"
	deps.db.On("GetOrderByID", ctx, "o-1").Return(order, nil)
	deps.db.On("ApplyStatusUpdate", ctx, mock.MatchedBy(func(u orderdb.StatusUpdate) bool {
		return u.To == models.StatusDelivered
	})).Return(true, nil)
	deps.matcher.On("ForgetOrder", ctx, "o-1").Return(nil)
	deps.db.On("SetDriverAvailability", ctx, "drv-1", true).Return(nil)
	deps.settlement.On("Transfer", ctx, "o-1", orderdb.PartyRestaurant, 20.00, "delivered_subtotal").Return(nil)
	deps.settlement.On("Transfer", ctx, "o-1", orderdb.PartyDriver, 4.00, "delivered_delivery_fee").Return(nil)

	require.NoError(t, svc.MarkDelivered(ctx, "o-1", orders.ActorDriver))
	deps.settlement.AssertExpectations(t)
	deps.db.AssertExpectations(t)
}

func TestMarkDeliveredSelfPickupSkipsTransfers(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()

	// No driver on the order: payouts happened when the search was
	// exhausted, delivery just closes the order.
	order := testOrder("o-1", models.StatusPickedUp)
	deps.db.On("GetOrderByID", ctx, "o-1").Return(order, nil)
	deps.db.On("ApplyStatusUpdate", ctx, mock.Anything).Return(true, nil)
	deps.matcher.On("ForgetOrder", ctx, "o-1").Return(nil)

	require.NoError(t, svc.MarkDelivered(ctx, "o-1", orders.ActorCustomer))
	deps.settlement.AssertNotCalled(t, "Transfer", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	deps.db.AssertNotCalled(t, "SetDriverAvailability", mock.Anything, mock.Anything, mock.Anything)
}

// ---------------- SESSION EXPIRY ----------------

func TestSessionExpiryConsultsProviderBeforeExpiring(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()
	var handler func(ctx context.Context, payload []byte) error
	svc.RegisterJobs(registryFunc(func(jobType string, h func(ctx context.Context, payload []byte) error) {
		if jobType == orders.JobTypeSessionExpiry {
			handler = h
		}
	}))
	require.NotNil(t, handler)

	order := testOrder("o-1", models.StatusAwaitingPayment)
	deps.db.On("GetOrderByID", ctx, "o-1").Return(order, nil)
	// The provider says the money arrived; the timer must confirm, not
	// expire.
	deps.checkout.On("RetrieveSession", ctx, "cs_1").Return(&models.CheckoutSession{
		SessionID:       "cs_1",
		PaymentIntentID: "pi_late",
		PaymentStatus:   models.PaymentSucceeded,
	}, nil)
	deps.db.On("ApplyStatusUpdate", ctx, mock.MatchedBy(func(u orderdb.StatusUpdate) bool {
		return u.To == models.StatusPendingRestaurantAcceptance
	})).Return(true, nil)
	deps.requests.On("OpenRestaurantRequest", ctx, mock.Anything).
		Return(&models.Request{RequestID: "req-1"}, nil)

	require.NoError(t, handler(ctx, []byte(`{"order_id":"o-1"}`)))
	deps.requests.AssertExpectations(t)
}

func TestSessionExpiryMarksUnpaidOrderExpired(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()
	var handler func(ctx context.Context, payload []byte) error
	svc.RegisterJobs(registryFunc(func(jobType string, h func(ctx context.Context, payload []byte) error) {
		handler = h
	}))

	order := testOrder("o-1", models.StatusAwaitingPayment)
	deps.db.On("GetOrderByID", ctx, "o-1").Return(order, nil)
	deps.checkout.On("RetrieveSession", ctx, "cs_1").Return(&models.CheckoutSession{
		SessionID:     "cs_1",
		PaymentStatus: models.PaymentPending,
	}, nil)
	deps.db.On("ApplyStatusUpdate", ctx, mock.MatchedBy(func(u orderdb.StatusUpdate) bool {
		return u.To == models.StatusPaymentExpired &&
			u.PaymentStatus != nil && *u.PaymentStatus == models.PaymentExpired
	})).Return(true, nil)

	require.NoError(t, handler(ctx, []byte(`{"order_id":"o-1"}`)))
	deps.db.AssertExpectations(t)
}

func TestSessionExpiryNoOpWhenOrderMovedOn(t *testing.T) {
	svc, deps := newTestService()
	ctx := context.Background()
	var handler func(ctx context.Context, payload []byte) error
	svc.RegisterJobs(registryFunc(func(jobType string, h func(ctx context.Context, payload []byte) error) {
		handler = h
	}))

	deps.db.On("GetOrderByID", ctx, "o-1").Return(testOrder("o-1", models.StatusDriverSearch), nil)

	require.NoError(t, handler(ctx, []byte(`{"order_id":"o-1"}`)))
	deps.checkout.AssertNotCalled(t, "RetrieveSession", mock.Anything, mock.Anything)
}

// registryFunc adapts a function to the job registration interface.
type registryFunc func(jobType string, h func(ctx context.Context, payload []byte) error)

func (f registryFunc) Register(jobType string, h func(ctx context.Context, payload []byte) error) {
	f(jobType, h)
}
