package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cnvidas/payments/services/payments-service/internal/gateway"
	"github.com/cnvidas/payments/services/payments-service/internal/pricing"
	"github.com/cnvidas/payments/services/payments-service/internal/storage"
)

// HoldGateway is the processor surface the hold endpoints need.
type HoldGateway interface {
	CreateHold(ctx context.Context, amount float64, customerRef string, metadata map[string]string) (string, error)
	CheckStatus(ctx context.Context, intentID string) (*gateway.Intent, error)
}

// HoldStore is the appointment surface the hold endpoints need.
type HoldStore interface {
	GetByID(ctx context.Context, appointmentID string) (storage.Appointment, error)
	AttachHold(ctx context.Context, appointmentID string, intentID string, amount float64, note string) error
}

type createHoldRequest struct {
	AppointmentID     string  `json:"appointment_id"`
	BasePrice         float64 `json:"base_price"`
	SubscriptionTier  string  `json:"subscription_tier"`
	CustomerRef       string  `json:"customer_ref"`
	ConsultationsLeft int     `json:"emergency_consultations_left"`
}

type createHoldResponse struct {
	Charged            bool    `json:"charged"`
	PaymentIntentID    string  `json:"payment_intent_id,omitempty"`
	FinalPrice         float64 `json:"final_price"`
	DiscountPercentage int     `json:"discount_percentage"`
}

// CreateHold places a manual-capture hold for an appointment. The booking
// service calls this after the appointment row exists; emergency consultations
// covered by the patient's plan come back charged=false with no intent.
func (h *Handler) CreateHold(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createHoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	req.CustomerRef = strings.TrimSpace(req.CustomerRef)
	if req.AppointmentID == "" || req.CustomerRef == "" {
		http.Error(w, "appointment_id and customer_ref are required", http.StatusBadRequest)
		return
	}
	if req.BasePrice <= 0 {
		http.Error(w, "base_price must be positive", http.StatusBadRequest)
		return
	}

	a, err := h.holds.GetByID(r.Context(), req.AppointmentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, "appointment not found", http.StatusNotFound)
			return
		}
		h.logger.Error("appointment lookup failed", "err", err, "appointment_id", req.AppointmentID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if a.PaymentIntentID != "" {
		http.Error(w, "appointment already has a payment hold", http.StatusConflict)
		return
	}

	discount := pricing.CalculateDiscount(req.BasePrice, req.SubscriptionTier)

	if a.IsEmergency && !pricing.ShouldChargeForEmergencyConsultation(req.SubscriptionTier, req.ConsultationsLeft) {
		writeJSON(w, http.StatusOK, createHoldResponse{
			Charged:            false,
			FinalPrice:         0,
			DiscountPercentage: discount.DiscountPercentage,
		})
		return
	}

	intentID, err := h.gw.CreateHold(r.Context(), discount.FinalPrice, req.CustomerRef, map[string]string{
		"appointment_id": a.ID,
		"patient_id":     a.PatientID,
	})
	if err != nil {
		h.logger.Error("hold creation failed", "err", err, "appointment_id", a.ID)
		http.Error(w, "payment processor rejected the pre-authorization", http.StatusBadGateway)
		return
	}

	note := fmt.Sprintf("%s - payment hold authorized (%s, %.2f BRL, %d%% discount)",
		time.Now().UTC().Format(time.RFC3339), intentID, discount.FinalPrice, discount.DiscountPercentage)
	if err := h.holds.AttachHold(r.Context(), a.ID, intentID, discount.FinalPrice, note); err != nil {
		if errors.Is(err, storage.ErrHoldExists) {
			// A concurrent request won the race. The orphaned intent expires on
			// its own; Stripe releases uncaptured manual holds after 7 days.
			h.logger.Warn("hold lost attach race", "appointment_id", a.ID, "payment_intent_id", intentID)
			http.Error(w, "appointment already has a payment hold", http.StatusConflict)
			return
		}
		h.logger.Error("hold attach failed", "err", err, "appointment_id", a.ID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, createHoldResponse{
		Charged:            true,
		PaymentIntentID:    intentID,
		FinalPrice:         discount.FinalPrice,
		DiscountPercentage: discount.DiscountPercentage,
	})
}

// HoldStatus is a diagnostic lookup of the processor's view of an intent.
func (h *Handler) HoldStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	intentID := strings.TrimPrefix(r.URL.Path, "/api/v1/payments/holds/")
	if intentID == "" || strings.Contains(intentID, "/") {
		http.Error(w, "payment intent id required", http.StatusBadRequest)
		return
	}

	intent, err := h.gw.CheckStatus(r.Context(), intentID)
	if err != nil {
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) && gwErr.Code == "resource_missing" {
			http.Error(w, "payment intent not found", http.StatusNotFound)
			return
		}
		h.logger.Error("intent status lookup failed", "err", err, "payment_intent_id", intentID)
		http.Error(w, "payment processor unavailable", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":              intent.ID,
		"status":          intent.Status,
		"amount":          intent.Amount,
		"amount_received": intent.AmountReceived,
		"currency":        intent.Currency,
	})
}
