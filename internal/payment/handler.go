package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/HanTheDev/lernkarte-api/internal/auth"
	"github.com/HanTheDev/lernkarte-api/internal/events"
	"github.com/HanTheDev/lernkarte-api/internal/httpx"
	"github.com/HanTheDev/lernkarte-api/internal/models"
	"github.com/HanTheDev/lernkarte-api/internal/quota"
)

const msgFailed = "Payment verification failed"

type Upgrader interface {
	Upgrade(ctx context.Context, userID string) (quota.Record, error)
}

type OrderCreator interface {
	CreateOrder(ctx context.Context, amount int64) (models.Order, error)
}

type Handler struct {
	verifier      *Verifier
	orders        OrderCreator
	ledger        Upgrader
	publisher     events.Publisher
	defaultAmount int64
}

func NewHandler(verifier *Verifier, orders OrderCreator, ledger Upgrader, publisher events.Publisher, defaultAmount int64) *Handler {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Handler{
		verifier:      verifier,
		orders:        orders,
		ledger:        ledger,
		publisher:     publisher,
		defaultAmount: defaultAmount,
	}
}

// RegisterRoutes mounts the payment endpoints. Mount them behind
// auth.Middleware.Identify: the handlers answer unauthenticated callers
// themselves so that verify always replies with {success, message}.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/payments/verify", h.Verify).Methods("POST")
	router.HandleFunc("/api/payments/orders", h.CreateOrder).Methods("POST")
}

type verifyResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		httpx.WriteJSON(w, http.StatusUnauthorized, verifyResponse{Message: "Unauthorized"})
		return
	}

	var req struct {
		OrderID   string `json:"orderId"`
		PaymentID string `json:"paymentId"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		status := http.StatusBadRequest
		if httpx.BodyTooLarge(err) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteJSON(w, status, verifyResponse{Message: msgFailed})
		return
	}
	if req.OrderID == "" || req.PaymentID == "" || req.Signature == "" {
		httpx.WriteJSON(w, http.StatusBadRequest, verifyResponse{Message: msgFailed})
		return
	}

	if err := h.verifier.Verify(req.OrderID, req.PaymentID, req.Signature); err != nil {
		if errors.Is(err, ErrSignatureMismatch) {
			log.Printf("🚫 Payment signature mismatch for order %s (user %s)", req.OrderID, claims.UserID())
			httpx.WriteJSON(w, http.StatusBadRequest, verifyResponse{Message: msgFailed})
			return
		}
		log.Printf("❌ Payment verification error: %v", err)
		httpx.WriteJSON(w, http.StatusInternalServerError, verifyResponse{Message: msgFailed})
		return
	}

	rec, err := h.ledger.Upgrade(r.Context(), claims.UserID())
	if err != nil {
		log.Printf("❌ Failed to upgrade user %s after payment %s: %v", claims.UserID(), req.PaymentID, err)
		httpx.WriteJSON(w, http.StatusInternalServerError, verifyResponse{Message: msgFailed})
		return
	}

	log.Printf("💳 User %s upgraded to paid tier (%d flashcards)", rec.UserID, rec.Remaining)
	h.publishUpgrade(r.Context(), rec, req.OrderID, req.PaymentID)

	httpx.WriteJSON(w, http.StatusOK, verifyResponse{
		Success: true,
		Message: fmt.Sprintf("Payment verified successfully. You can now generate up to %d flashcards!", rec.Remaining),
	})
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.GetUserFromContext(r.Context()); !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if httpx.BodyTooLarge(err) {
			httpx.WriteError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		httpx.WriteError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if req.Amount < 0 {
		httpx.WriteError(w, http.StatusBadRequest, "Amount must be positive")
		return
	}
	if req.Amount == 0 {
		req.Amount = h.defaultAmount
	}

	order, err := h.orders.CreateOrder(r.Context(), req.Amount)
	if err != nil {
		log.Printf("❌ Error creating order: %v", err)
		httpx.WriteError(w, http.StatusInternalServerError, "Failed to create order")
		return
	}

	log.Printf("🧾 Created order %s for %d %s", order.ID, order.Amount, order.Currency)
	httpx.WriteJSON(w, http.StatusOK, order)
}

func (h *Handler) publishUpgrade(ctx context.Context, rec quota.Record, orderID, paymentID string) {
	payload, err := json.Marshal(events.QuotaUpgraded{
		UserID:    rec.UserID,
		OrderID:   orderID,
		PaymentID: paymentID,
		Remaining: rec.Remaining,
	})
	if err != nil {
		log.Printf("⚠️  Failed to encode upgrade event: %v", err)
		return
	}
	if err := h.publisher.Publish(ctx, events.TypeQuotaUpgraded, payload, rec.UserID); err != nil {
		log.Printf("⚠️  Failed to publish upgrade event: %v", err)
	}
}
