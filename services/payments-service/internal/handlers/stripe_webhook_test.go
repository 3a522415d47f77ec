package handlers

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestHandler(secret string) *Handler {
	return New(nil, nil, nil, slog.New(slog.DiscardHandler), Config{WebhookSecret: secret})
}

func TestStripeWebhookRejectsNonPost(t *testing.T) {
	h := newTestHandler("whsec_test")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/webhooks/stripe", nil)
	rec := httptest.NewRecorder()

	h.StripeWebhook(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestStripeWebhookRequiresConfiguredSecret(t *testing.T) {
	h := newTestHandler("")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhooks/stripe", strings.NewReader("{}"))
	rec := httptest.NewRecorder()

	h.StripeWebhook(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestStripeWebhookRequiresSignatureHeader(t *testing.T) {
	h := newTestHandler("whsec_test")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhooks/stripe", strings.NewReader("{}"))
	rec := httptest.NewRecorder()

	h.StripeWebhook(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	h := newTestHandler("whsec_test")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()

	h.StripeWebhook(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad signature, got %d", rec.Code)
	}
}
