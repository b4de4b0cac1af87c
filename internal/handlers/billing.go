package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/billing-engine/internal/billing"
	"github.com/PortNumber53/billing-engine/internal/gateway"
	"github.com/PortNumber53/billing-engine/internal/models"
)

// SubscriptionService defines the behaviour required from the billing
// lifecycle service backing the billing handlers.
type SubscriptionService interface {
	RegisterCard(ctx context.Context, in billing.RegisterCardInput) (*billing.Registration, error)
	ListCards(ctx context.Context, userID int64) ([]models.BillingKey, error)
	RemoveCard(ctx context.Context, userID, keyID int64) error
	CurrentSubscription(ctx context.Context, userID int64) (*models.Subscription, error)
	CancelSubscription(ctx context.Context, userID int64) (*models.Subscription, error)
	PaymentHistory(ctx context.Context, userID int64, page, limit int) (*billing.PaymentHistory, error)
	ChargeNow(ctx context.Context, userID int64) (*billing.Attempt, error)
}

// BillingHandler wires the subscription endpoints.
type BillingHandler struct {
	Service SubscriptionService
	Log     logrus.FieldLogger
}

func NewBillingHandler(svc SubscriptionService, logger logrus.FieldLogger) *BillingHandler {
	return &BillingHandler{Service: svc, Log: logger.WithField("component", "billing_api")}
}

// RegisterRoutes registers the billing routes on the router.
func (h *BillingHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/billing/keys", RegisterCard(h.Service, h.Log))
	router.Get("/api/billing/keys", ListCards(h.Service, h.Log))
	router.Delete("/api/billing/keys/{id}", RemoveCard(h.Service, h.Log))
	router.Get("/api/billing/subscription", GetSubscription(h.Service, h.Log))
	router.Post("/api/billing/subscription/cancel", CancelSubscription(h.Service, h.Log))
	router.Get("/api/billing/payment-history", GetPaymentHistory(h.Service, h.Log))
	router.Post("/api/billing/charge", ChargeNow(h.Service, h.Log))
}

// RegisterCard exchanges card details for a billing key and starts or
// updates the user's subscription.
func RegisterCard(svc SubscriptionService, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in billing.RegisterCardInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			log.WithError(err).Info("RegisterCard: invalid JSON payload")
			http.Error(w, "invalid JSON payload", http.StatusBadRequest)
			return
		}

		reg, err := svc.RegisterCard(r.Context(), in)
		if err != nil {
			writeServiceError(w, log, "RegisterCard", err)
			return
		}

		status := http.StatusOK
		if reg.Created {
			status = http.StatusCreated
		}
		writeJSON(w, log, status, reg)
	}
}

func ListCards(svc SubscriptionService, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := userIDParam(w, r)
		if !ok {
			return
		}

		cards, err := svc.ListCards(r.Context(), userID)
		if err != nil {
			writeServiceError(w, log, "ListCards", err)
			return
		}
		writeJSON(w, log, http.StatusOK, map[string]any{"cards": cards})
	}
}

func RemoveCard(svc SubscriptionService, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := userIDParam(w, r)
		if !ok {
			return
		}
		keyID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || keyID <= 0 {
			http.Error(w, "invalid card id", http.StatusBadRequest)
			return
		}

		if err := svc.RemoveCard(r.Context(), userID, keyID); err != nil {
			writeServiceError(w, log, "RemoveCard", err)
			return
		}
		writeJSON(w, log, http.StatusOK, map[string]any{"ok": true})
	}
}

func GetSubscription(svc SubscriptionService, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := userIDParam(w, r)
		if !ok {
			return
		}

		sub, err := svc.CurrentSubscription(r.Context(), userID)
		if err != nil {
			writeServiceError(w, log, "GetSubscription", err)
			return
		}
		writeJSON(w, log, http.StatusOK, map[string]any{"subscription": sub})
	}
}

type userPayload struct {
	UserID int64 `json:"user_id"`
}

// CancelSubscription stops renewal; access continues until the period end.
func CancelSubscription(svc SubscriptionService, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload userPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid JSON payload", http.StatusBadRequest)
			return
		}
		if payload.UserID <= 0 {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}

		sub, err := svc.CancelSubscription(r.Context(), payload.UserID)
		if err != nil {
			writeServiceError(w, log, "CancelSubscription", err)
			return
		}
		writeJSON(w, log, http.StatusOK, map[string]any{
			"subscription": sub,
			"ends_at":      sub.NextBillingDate,
		})
	}
}

// ChargeNow pays the next period immediately. The attempt is returned with
// 200 when approved, 402 when declined or without a card, and 502 when the
// gateway could not be reached.
func ChargeNow(svc SubscriptionService, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload userPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid JSON payload", http.StatusBadRequest)
			return
		}
		if payload.UserID <= 0 {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}

		attempt, err := svc.ChargeNow(r.Context(), payload.UserID)
		if err != nil {
			writeServiceError(w, log, "ChargeNow", err)
			return
		}

		status := http.StatusOK
		switch attempt.Outcome {
		case billing.OutcomeDeclined, billing.OutcomeNoKey:
			status = http.StatusPaymentRequired
		case billing.OutcomeTransport:
			status = http.StatusBadGateway
		}
		writeJSON(w, log, status, attempt)
	}
}

func GetPaymentHistory(svc SubscriptionService, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := userIDParam(w, r)
		if !ok {
			return
		}

		// Out-of-range values are clamped by the service.
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		history, err := svc.PaymentHistory(r.Context(), userID, page, limit)
		if err != nil {
			writeServiceError(w, log, "GetPaymentHistory", err)
			return
		}
		writeJSON(w, log, http.StatusOK, history)
	}
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("user_id")
	if raw == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// writeServiceError maps the billing error taxonomy to HTTP statuses.
func writeServiceError(w http.ResponseWriter, log logrus.FieldLogger, op string, err error) {
	var (
		validation *billing.ValidationError
		declined   *gateway.DeclinedError
		transport  *gateway.TransportError
	)

	switch {
	case errors.As(err, &validation):
		http.Error(w, validation.Error(), http.StatusBadRequest)
	case errors.Is(err, gateway.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, billing.ErrUserNotFound),
		errors.Is(err, billing.ErrCardNotFound),
		errors.Is(err, billing.ErrNoActiveSubscription):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &declined):
		writeJSON(w, log, http.StatusPaymentRequired, map[string]any{
			"error":   "declined",
			"code":    declined.Code,
			"message": declined.Message,
		})
	case errors.As(err, &transport):
		log.WithError(err).Warnf("%s: gateway unavailable", op)
		http.Error(w, "payment gateway unavailable", http.StatusBadGateway)
	default:
		log.WithError(err).Errorf("%s: failed", op)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, log logrus.FieldLogger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}
