package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/cnvidas/payments/services/payments-service/internal/payments"
	"github.com/cnvidas/payments/services/payments-service/internal/storage"
)

// Handler reconciles appointment payment state from Stripe webhooks. The
// scheduled sweep is the primary capture path; the webhook self-heals state
// when the processor finalizes an intent out of band (no JWT auth; signature
// verification is the auth).
type Handler struct {
	repo      *storage.Repository
	svc       *payments.Service
	gw        HoldGateway
	holds     HoldStore
	logger    *slog.Logger
	secret    string
	tolerance time.Duration
}

type Config struct {
	WebhookSecret           string
	WebhookToleranceSeconds int
}

func New(repo *storage.Repository, svc *payments.Service, gw HoldGateway, logger *slog.Logger, cfg Config) *Handler {
	tolSeconds := cfg.WebhookToleranceSeconds
	if tolSeconds <= 0 {
		tolSeconds = 300
	}
	return &Handler{
		repo:      repo,
		svc:       svc,
		gw:        gw,
		holds:     repo,
		logger:    logger,
		secret:    strings.TrimSpace(cfg.WebhookSecret),
		tolerance: time.Duration(tolSeconds) * time.Second,
	}
}

func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.secret == "" {
		http.Error(w, "stripe webhook not configured", http.StatusServiceUnavailable)
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	evt, err := webhook.ConstructEventWithTolerance(body, sigHeader, h.secret, h.tolerance)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	occurredAt := time.Unix(evt.Created, 0).UTC()
	evtType := string(evt.Type)
	h.logger.Info("payment provider event received",
		"provider", "stripe",
		"provider_event_id", evt.ID,
		"event_type", evtType,
		"occurred_at", occurredAt.Format(time.RFC3339),
	)

	// Idempotency: ignore replayed Stripe events.
	tx, err := h.repo.Begin(r.Context())
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()
	if err := h.repo.InsertProviderEvent(r.Context(), tx, storage.ProviderEvent{
		Provider:        "stripe",
		ProviderEventID: evt.ID,
		EventType:       evtType,
		Payload:         body,
	}); err != nil {
		if errors.Is(err, storage.ErrDuplicateProviderEvent) {
			h.logger.Info("payment provider event duplicate ignored",
				"provider", "stripe", "provider_event_id", evt.ID, "event_type", evtType)
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			_ = tx.Commit(r.Context())
			return
		}
		http.Error(w, "failed to record provider event", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}

	switch evtType {
	case "payment_intent.succeeded", "payment_intent.canceled", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			h.logger.Error("stripe: invalid payment intent payload", "err", err)
			break
		}
		if err := h.reconcileIntent(r, evtType, &pi, occurredAt); err != nil {
			http.Error(w, "failed to apply payment event", http.StatusInternalServerError)
			return
		}
	default:
		// Unhandled event types are acknowledged so Stripe stops retrying.
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) reconcileIntent(r *http.Request, evtType string, pi *stripe.PaymentIntent, occurredAt time.Time) error {
	a, err := h.repo.GetByPaymentIntent(r.Context(), pi.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Not an appointment hold (subscriptions etc. share the account).
			h.logger.Info("stripe: payment intent without appointment, ignoring", "payment_intent_id", pi.ID)
			return nil
		}
		return err
	}

	if a.PaymentStatus != storage.PaymentStatusAuthorized {
		// Terminal states never regress; leave an audit line and move on.
		note := fmt.Sprintf("%s - stripe %s ignored, payment already %s", occurredAt.Format(time.RFC3339), evtType, a.PaymentStatus)
		if err := h.repo.AppendNote(r.Context(), a.ID, note); err != nil {
			h.logger.Error("failed to append audit note", "appointment_id", a.ID, "err", err)
		}
		return nil
	}

	var applyErr error
	switch evtType {
	case "payment_intent.succeeded":
		applyErr = h.svc.ApplyCaptured(r.Context(), a, pi.ID, string(pi.Currency), occurredAt, "stripe webhook")
	case "payment_intent.canceled":
		applyErr = h.svc.ApplyReleased(r.Context(), a, occurredAt, "stripe webhook")
	case "payment_intent.payment_failed":
		code := "payment_failed"
		if pi.LastPaymentError != nil && pi.LastPaymentError.Code != "" {
			code = string(pi.LastPaymentError.Code)
		}
		applyErr = h.svc.ApplyCaptureFailed(r.Context(), a, code, occurredAt)
	}

	if errors.Is(applyErr, storage.ErrPaymentStateConflict) {
		// A concurrent sweep finalized the row between the read and the
		// update; state already matches the processor.
		return nil
	}
	return applyErr
}
