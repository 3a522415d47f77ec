package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/cnvidas/payments/services/payments-service/internal/gateway"
	"github.com/cnvidas/payments/services/payments-service/internal/storage"
)

type fakeHoldGateway struct {
	createdAmounts []float64
	createErr      error
	statusIntent   *gateway.Intent
	statusErr      error
}

func (f *fakeHoldGateway) CreateHold(_ context.Context, amount float64, _ string, _ map[string]string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.createdAmounts = append(f.createdAmounts, amount)
	return "pi_test_1", nil
}

func (f *fakeHoldGateway) CheckStatus(_ context.Context, _ string) (*gateway.Intent, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.statusIntent, nil
}

type fakeHoldStore struct {
	appointments map[string]storage.Appointment
	attached     []string
	attachErr    error
}

func (f *fakeHoldStore) GetByID(_ context.Context, id string) (storage.Appointment, error) {
	a, ok := f.appointments[id]
	if !ok {
		return storage.Appointment{}, pgx.ErrNoRows
	}
	return a, nil
}

func (f *fakeHoldStore) AttachHold(_ context.Context, id string, intentID string, _ float64, _ string) error {
	if f.attachErr != nil {
		return f.attachErr
	}
	f.attached = append(f.attached, id+":"+intentID)
	return nil
}

func newHoldsHandler(gw *fakeHoldGateway, store *fakeHoldStore) *Handler {
	return &Handler{gw: gw, holds: store, logger: slog.New(slog.DiscardHandler)}
}

func postHold(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/holds", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.CreateHold(rec, req)
	return rec
}

func TestCreateHoldAppliesTierDiscount(t *testing.T) {
	gw := &fakeHoldGateway{}
	store := &fakeHoldStore{appointments: map[string]storage.Appointment{
		"apt-1": {ID: "apt-1", PatientID: "user-1"},
	}}
	h := newHoldsHandler(gw, store)

	rec := postHold(t, h, `{"appointment_id":"apt-1","base_price":200,"subscription_tier":"premium","customer_ref":"cus_1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp createHoldResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Charged || resp.FinalPrice != 100 || resp.DiscountPercentage != 50 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(gw.createdAmounts) != 1 || gw.createdAmounts[0] != 100 {
		t.Errorf("gateway got amounts %v, want [100]", gw.createdAmounts)
	}
	if len(store.attached) != 1 || store.attached[0] != "apt-1:pi_test_1" {
		t.Errorf("unexpected attach calls: %v", store.attached)
	}
}

func TestCreateHoldSkipsCoveredEmergency(t *testing.T) {
	gw := &fakeHoldGateway{}
	store := &fakeHoldStore{appointments: map[string]storage.Appointment{
		"apt-1": {ID: "apt-1", PatientID: "user-1", IsEmergency: true},
	}}
	h := newHoldsHandler(gw, store)

	rec := postHold(t, h, `{"appointment_id":"apt-1","base_price":200,"subscription_tier":"premium","customer_ref":"cus_1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp createHoldResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Charged {
		t.Error("covered emergency consultation should not be charged")
	}
	if len(gw.createdAmounts) != 0 {
		t.Errorf("gateway should not be called, got %v", gw.createdAmounts)
	}
}

func TestCreateHoldChargesBasicWithExhaustedAllowance(t *testing.T) {
	gw := &fakeHoldGateway{}
	store := &fakeHoldStore{appointments: map[string]storage.Appointment{
		"apt-1": {ID: "apt-1", PatientID: "user-1", IsEmergency: true},
	}}
	h := newHoldsHandler(gw, store)

	rec := postHold(t, h, `{"appointment_id":"apt-1","base_price":200,"subscription_tier":"basic","customer_ref":"cus_1","emergency_consultations_left":0}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if len(gw.createdAmounts) != 1 || gw.createdAmounts[0] != 140 {
		t.Errorf("gateway got amounts %v, want [140] (30%% discount)", gw.createdAmounts)
	}
}

func TestCreateHoldConflictsOnExistingIntent(t *testing.T) {
	gw := &fakeHoldGateway{}
	store := &fakeHoldStore{appointments: map[string]storage.Appointment{
		"apt-1": {ID: "apt-1", PatientID: "user-1", PaymentIntentID: "pi_old"},
	}}
	h := newHoldsHandler(gw, store)

	rec := postHold(t, h, `{"appointment_id":"apt-1","base_price":200,"customer_ref":"cus_1"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if len(gw.createdAmounts) != 0 {
		t.Error("gateway should not be called for an appointment with a hold")
	}
}

func TestCreateHoldUnknownAppointment(t *testing.T) {
	h := newHoldsHandler(&fakeHoldGateway{}, &fakeHoldStore{appointments: map[string]storage.Appointment{}})
	rec := postHold(t, h, `{"appointment_id":"nope","base_price":200,"customer_ref":"cus_1"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreateHoldHidesProcessorError(t *testing.T) {
	gw := &fakeHoldGateway{createErr: &gateway.Error{Op: "create_hold", Code: "card_declined", Msg: "Your card was declined."}}
	store := &fakeHoldStore{appointments: map[string]storage.Appointment{
		"apt-1": {ID: "apt-1", PatientID: "user-1"},
	}}
	h := newHoldsHandler(gw, store)

	rec := postHold(t, h, `{"appointment_id":"apt-1","base_price":200,"customer_ref":"cus_1"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "declined") {
		t.Errorf("response leaks processor text: %q", rec.Body.String())
	}
}

func TestHoldStatusReturnsIntent(t *testing.T) {
	gw := &fakeHoldGateway{statusIntent: &gateway.Intent{ID: "pi_1", Status: "requires_capture", Amount: 10000, Currency: "brl"}}
	h := newHoldsHandler(gw, &fakeHoldStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/holds/pi_1", nil)
	rec := httptest.NewRecorder()
	h.HoldStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "requires_capture") {
		t.Errorf("unexpected body: %q", rec.Body.String())
	}
}

func TestHoldStatusMissingIntent(t *testing.T) {
	gw := &fakeHoldGateway{statusErr: &gateway.Error{Op: "check_status", Code: "resource_missing", Msg: "No such payment_intent"}}
	h := newHoldsHandler(gw, &fakeHoldStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/holds/pi_missing", nil)
	rec := httptest.NewRecorder()
	h.HoldStatus(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
