package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-delivery/internal/auth"
	"ms-delivery/internal/models"
	"ms-delivery/internal/notify"
	"ms-delivery/internal/orders"
	orderdb "ms-delivery/internal/orders/db"
	"ms-delivery/internal/requests"
	requestdb "ms-delivery/internal/requests/db"
	"ms-delivery/internal/utils"
)

type Handler struct {
	OrderService *orders.Service
	Presence     *notify.Presence
	Router       *notify.Router
	QR           *notify.QRGenerator
}

func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req models.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteErrorDetail(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.CustomerID == "" || req.RestaurantID == "" {
		utils.WriteError(w, http.StatusBadRequest, "customer_id and restaurant_id are required")
		return
	}

	resp, err := h.OrderService.CreateCheckout(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("Checkout created", resp))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	order, err := h.OrderService.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	utils.WriteSuccess(w, "Order", order)
}

type decisionRequest struct {
	Accept   bool   `json:"accept"`
	DriverID string `json:"driver_id,omitempty"`
}

func (h *Handler) RestaurantDecision(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteErrorDetail(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	// The token subject, not the body, says who is deciding.
	if sub := auth.UserID(r.Context()); sub != "" {
		order, err := h.OrderService.GetOrder(r.Context(), orderID)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		if order.Order.RestaurantID != sub {
			utils.WriteError(w, http.StatusForbidden, "authenticated restaurant does not own this order")
			return
		}
	}

	if err := h.OrderService.RestaurantDecision(r.Context(), orderID, req.Accept); err != nil {
		h.writeServiceError(w, err)
		return
	}

	utils.WriteSuccess(w, "Decision recorded", map[string]interface{}{
		"order_id": orderID,
		"accepted": req.Accept,
	})
}

func (h *Handler) DriverDecision(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteErrorDetail(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.DriverID == "" {
		utils.WriteError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	if sub := auth.UserID(r.Context()); sub != "" && sub != req.DriverID {
		utils.WriteError(w, http.StatusForbidden, "authenticated driver does not match driver_id")
		return
	}

	if err := h.OrderService.DriverDecision(r.Context(), orderID, req.DriverID, req.Accept); err != nil {
		h.writeServiceError(w, err)
		return
	}

	utils.WriteSuccess(w, "Decision recorded", map[string]interface{}{
		"order_id":  orderID,
		"driver_id": req.DriverID,
		"accepted":  req.Accept,
	})
}

func (h *Handler) MarkReady(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	if err := h.OrderService.MarkReadyForPickup(r.Context(), orderID); err != nil {
		h.writeServiceError(w, err)
		return
	}

	utils.WriteSuccess(w, "Order marked ready", map[string]string{"order_id": orderID})
}

type actorRequest struct {
	Actor string `json:"actor"`
}

func (h *Handler) MarkPickedUp(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	actor, ok := h.decodeActor(w, r)
	if !ok {
		return
	}

	if err := h.OrderService.MarkPickedUp(r.Context(), orderID, actor); err != nil {
		h.writeServiceError(w, err)
		return
	}

	utils.WriteSuccess(w, "Order picked up", map[string]string{"order_id": orderID})
}

func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	actor, ok := h.decodeActor(w, r)
	if !ok {
		return
	}

	if err := h.OrderService.MarkDelivered(r.Context(), orderID, actor); err != nil {
		h.writeServiceError(w, err)
		return
	}

	utils.WriteSuccess(w, "Order delivered", map[string]string{"order_id": orderID})
}

// PickupQR renders the order's pickup code as an encrypted QR PNG.
// Available once the restaurant marks the order ready.
func (h *Handler) PickupQR(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	order, err := h.OrderService.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if order.Order.PickupCode == "" {
		utils.WriteError(w, http.StatusConflict, "Order has no pickup code yet")
		return
	}

	png, err := h.QR.GeneratePickupQR(notify.PickupPayload{
		OrderID:    orderID,
		PickupCode: order.Order.PickupCode,
		IssuedAt:   time.Now(),
	})
	if err != nil {
		utils.WriteErrorDetail(w, http.StatusInternalServerError, "Failed to generate QR", err.Error())
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

type presenceRequest struct {
	PartyID string `json:"party_id"`
}

func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PartyID == "" {
		utils.WriteError(w, http.StatusBadRequest, "party_id is required")
		return
	}
	h.Presence.Connect(req.PartyID)

	// Reconnecting parties pick up whatever the notification worker
	// held for them while they were away.
	var pending []models.Notification
	if h.Router != nil {
		pending = h.Router.Drain(req.PartyID)
	}
	utils.WriteSuccess(w, "Connected", map[string]interface{}{
		"party_id": req.PartyID,
		"pending":  pending,
	})
}

func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PartyID == "" {
		utils.WriteError(w, http.StatusBadRequest, "party_id is required")
		return
	}
	h.Presence.Disconnect(req.PartyID)
	utils.WriteSuccess(w, "Disconnected", map[string]string{"party_id": req.PartyID})
}

func (h *Handler) decodeActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteErrorDetail(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return "", false
	}
	switch req.Actor {
	case orders.ActorCustomer, orders.ActorRestaurant, orders.ActorDriver:
		return req.Actor, true
	}
	utils.WriteError(w, http.StatusBadRequest, "actor must be customer, restaurant or driver")
	return "", false
}

// writeServiceError maps domain errors onto HTTP statuses. Conflicts
// from lost races are 409s, not failures.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orderdb.ErrOrderNotFound), errors.Is(err, requestdb.ErrRequestNotFound):
		utils.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, requests.ErrNotPending),
		errors.Is(err, orders.ErrOrderConflict),
		errors.Is(err, orders.ErrInvalidTransition):
		utils.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orders.ErrWrongRequestKind):
		utils.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		utils.WriteErrorDetail(w, http.StatusInternalServerError, "Internal error", err.Error())
	}
}
