package requests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ms-delivery/internal/logger"
	"ms-delivery/internal/models"
	requestdb "ms-delivery/internal/requests/db"
)

const JobTypeRequestExpiry = "request.expiry"

// ExpiryPayload names the request whose deadline fired. Handlers
// re-read the request rather than trusting anything else in the
// payload; job payloads go stale.
type ExpiryPayload struct {
	RequestID string `json:"request_id"`
	OrderID   string `json:"order_id"`
}

var (
	// ErrNotPending marks the benign decision-after-expiry (or
	// double-decision) race. Callers log the conflict and move on.
	ErrNotPending = errors.New("request is no longer pending")
)

type DBLayer interface {
	CreateRequest(ctx context.Context, req models.Request) error
	GetRequestByID(ctx context.Context, id string) (*models.Request, error)
	GetOpenRequestByOrder(ctx context.Context, orderID string) (*models.Request, error)
	GetLatestRequestByOrder(ctx context.Context, orderID string) (*models.Request, error)
	TransitionFromPending(ctx context.Context, requestID string, to models.RequestStatus) (bool, error)
	SetExpiryJob(ctx context.Context, requestID, jobID string) error
	ClearExpiryJob(ctx context.Context, requestID string) error
}

type JobScheduler interface {
	Schedule(ctx context.Context, jobType string, payload interface{}, delay time.Duration) (string, error)
	Cancel(ctx context.Context, jobID string) bool
}

// ExpiryHooks receives control when a request expires. The order
// service implements both: the restaurant continuation cancels and
// refunds, the driver continuation reopens matching.
type ExpiryHooks interface {
	OnRestaurantRequestExpired(ctx context.Context, orderID, requestID string) error
	OnDriverRequestExpired(ctx context.Context, orderID, requestID, driverID string) error
}

type Service struct {
	DB        DBLayer
	Scheduler JobScheduler
	logger    *logger.Logger

	restaurantWindow time.Duration
	driverWindow     time.Duration

	hooks ExpiryHooks
}

func NewService(db DBLayer, sched JobScheduler, log *logger.Logger, restaurantWindow, driverWindow time.Duration) *Service {
	return &Service{
		DB:               db,
		Scheduler:        sched,
		logger:           log,
		restaurantWindow: restaurantWindow,
		driverWindow:     driverWindow,
	}
}

// SetHooks wires the expiry continuations. Separate from construction
// because the order service and this one reference each other.
func (s *Service) SetHooks(hooks ExpiryHooks) {
	s.hooks = hooks
}

// RegisterJobs binds the expiry handler onto the scheduler.
func (s *Service) RegisterJobs(reg interface {
	Register(jobType string, h func(ctx context.Context, payload []byte) error)
}) {
	reg.Register(JobTypeRequestExpiry, s.handleExpiryJob)
}

// OpenRestaurantRequest creates the pending acceptance ask for the
// order's restaurant and schedules its expiry.
func (s *Service) OpenRestaurantRequest(ctx context.Context, order *models.Order) (*models.Request, error) {
	req := models.Request{
		RequestID: uuid.NewString(),
		OrderID:   order.OrderID,
		Kind:      models.RequestKindRestaurant,
		Status:    models.RequestPending,
		ExpiresAt: time.Now().Add(s.restaurantWindow),
		CreatedAt: time.Now(),
	}
	return s.open(ctx, req, s.restaurantWindow)
}

// OpenDriverRequest creates the pending pickup ask for one driver
// candidate.
func (s *Service) OpenDriverRequest(ctx context.Context, order *models.Order, candidate models.DriverCandidate) (*models.Request, error) {
	req := models.Request{
		RequestID:        uuid.NewString(),
		OrderID:          order.OrderID,
		Kind:             models.RequestKindDriver,
		Status:           models.RequestPending,
		ExpiresAt:        time.Now().Add(s.driverWindow),
		DriverID:         candidate.Driver.DriverID,
		PickupDistanceKm: candidate.DistanceKm,
		PickupEtaMinutes: candidate.EtaMinutes,
		CreatedAt:        time.Now(),
	}
	return s.open(ctx, req, s.driverWindow)
}

func (s *Service) open(ctx context.Context, req models.Request, window time.Duration) (*models.Request, error) {
	if err := s.DB.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create %s request for order %s: %w", req.Kind, req.OrderID, err)
	}

	jobID, err := s.Scheduler.Schedule(ctx, JobTypeRequestExpiry, ExpiryPayload{
		RequestID: req.RequestID,
		OrderID:   req.OrderID,
	}, window)
	if err != nil {
		return nil, fmt.Errorf("schedule expiry for request %s: %w", req.RequestID, err)
	}
	if err := s.DB.SetExpiryJob(ctx, req.RequestID, jobID); err != nil {
		return nil, fmt.Errorf("persist expiry job on request %s: %w", req.RequestID, err)
	}
	req.ExpiryJobID = jobID

	s.logger.LogRequest("OPEN", req.RequestID,
		fmt.Sprintf("%s request for order %s expires at %s", req.Kind, req.OrderID, req.ExpiresAt.Format(time.RFC3339)))
	return &req, nil
}

// OpenRequestByOrder returns the single pending request for an order,
// or requestdb.ErrRequestNotFound when none is open.
func (s *Service) OpenRequestByOrder(ctx context.Context, orderID string) (*models.Request, error) {
	return s.DB.GetOpenRequestByOrder(ctx, orderID)
}

// LatestRequestByOrder returns the order's newest request regardless of
// status.
func (s *Service) LatestRequestByOrder(ctx context.Context, orderID string) (*models.Request, error) {
	return s.DB.GetLatestRequestByOrder(ctx, orderID)
}

// Resolve applies a party decision. The expiry job is cancelled on a
// win; losing the race against it returns ErrNotPending, which callers
// treat as a logged conflict, not a failure.
func (s *Service) Resolve(ctx context.Context, requestID string, outcome models.RequestStatus) (*models.Request, error) {
	if outcome != models.RequestAccepted && outcome != models.RequestRejected {
		return nil, fmt.Errorf("outcome %q is not a valid resolution", outcome)
	}

	req, err := s.DB.GetRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	won, err := s.DB.TransitionFromPending(ctx, requestID, outcome)
	if err != nil {
		return nil, fmt.Errorf("resolve request %s: %w", requestID, err)
	}
	if !won {
		s.logger.Warn("REQUEST", fmt.Sprintf("Conflict resolving request %s to %s: already %s", requestID, outcome, req.Status))
		return nil, ErrNotPending
	}

	// Best-effort: a cancelled-too-late job re-checks state and exits.
	if req.ExpiryJobID != "" {
		s.Scheduler.Cancel(ctx, req.ExpiryJobID)
		if err := s.DB.ClearExpiryJob(ctx, requestID); err != nil {
			s.logger.Warn("REQUEST", fmt.Sprintf("Failed to clear expiry job on request %s: %v", requestID, err))
		}
	}

	req.Status = outcome
	req.ResolvedAt = time.Now()
	s.logger.LogRequest("RESOLVE", requestID, fmt.Sprintf("order %s: %s", req.OrderID, outcome))
	return req, nil
}

// OnExpiry is invoked only by the scheduler. It re-reads the request;
// if a decision committed first this is a clean no-op.
func (s *Service) OnExpiry(ctx context.Context, requestID string) error {
	req, err := s.DB.GetRequestByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, requestdb.ErrRequestNotFound) {
			s.logger.Warn("REQUEST", fmt.Sprintf("Expiry fired for missing request %s", requestID))
			return nil
		}
		return err
	}

	if !req.IsPending() {
		if req.Status == models.RequestExpired {
			// An earlier run won the transition but may have died
			// before its continuation finished. The hooks tolerate
			// re-runs, so a retried job dispatches again.
			s.logger.LogRequest("EXPIRE", requestID, "already expired, re-running continuation")
			return s.dispatchExpiry(ctx, req)
		}
		s.logger.LogRequest("EXPIRE", requestID, fmt.Sprintf("already %s, expiry is a no-op", req.Status))
		return nil
	}

	won, err := s.DB.TransitionFromPending(ctx, requestID, models.RequestExpired)
	if err != nil {
		return fmt.Errorf("expire request %s: %w", requestID, err)
	}
	if !won {
		s.logger.LogRequest("EXPIRE", requestID, "lost the race to a concurrent resolution")
		return nil
	}

	s.logger.LogRequest("EXPIRE", requestID, fmt.Sprintf("%s request for order %s expired", req.Kind, req.OrderID))
	return s.dispatchExpiry(ctx, req)
}

func (s *Service) dispatchExpiry(ctx context.Context, req *models.Request) error {
	if s.hooks == nil {
		return fmt.Errorf("no expiry hooks wired for request %s", req.RequestID)
	}
	switch req.Kind {
	case models.RequestKindRestaurant:
		return s.hooks.OnRestaurantRequestExpired(ctx, req.OrderID, req.RequestID)
	case models.RequestKindDriver:
		return s.hooks.OnDriverRequestExpired(ctx, req.OrderID, req.RequestID, req.DriverID)
	}
	return fmt.Errorf("request %s has unknown kind %q", req.RequestID, req.Kind)
}

func (s *Service) handleExpiryJob(ctx context.Context, payload []byte) error {
	var p ExpiryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode expiry payload: %w", err)
	}
	return s.OnExpiry(ctx, p.RequestID)
}
