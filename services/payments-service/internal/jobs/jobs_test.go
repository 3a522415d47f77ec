package jobs

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/cnvidas/payments/services/payments-service/internal/gateway"
	"github.com/cnvidas/payments/services/payments-service/internal/outbox"
	"github.com/cnvidas/payments/services/payments-service/internal/payments"
	"github.com/cnvidas/payments/services/payments-service/internal/storage"
)

type fakeGateway struct {
	captureCalls []string
	cancelCalls  []string
	captureErr   map[string]error
	cancelErr    map[string]error
}

func (g *fakeGateway) Capture(_ context.Context, intentID string) (*gateway.Intent, error) {
	g.captureCalls = append(g.captureCalls, intentID)
	if err, ok := g.captureErr[intentID]; ok {
		return nil, err
	}
	return &gateway.Intent{ID: intentID, Status: "succeeded", Currency: "brl"}, nil
}

func (g *fakeGateway) Cancel(_ context.Context, intentID string) (*gateway.Intent, error) {
	g.cancelCalls = append(g.cancelCalls, intentID)
	if err, ok := g.cancelErr[intentID]; ok {
		return nil, err
	}
	return &gateway.Intent{ID: intentID, Status: "canceled", Currency: "brl"}, nil
}

type capturedRecord struct {
	appointmentID string
	capturedAt    time.Time
	note          string
	notification  storage.Notification
	event         outbox.Event
}

type failureRecord struct {
	appointmentID string
	note          string
	notification  storage.Notification
	event         outbox.Event
}

type releasedRecord struct {
	appointmentID string
	note          string
	event         outbox.Event
}

type fakeStore struct {
	forCapture        []storage.Appointment
	cancelledWithHold []storage.Appointment

	listStart time.Time
	listEnd   time.Time

	captured  []capturedRecord
	failures  []failureRecord
	released  []releasedRecord
	markErr   map[string]error
	listErr   error
}

func (s *fakeStore) ListForCapture(_ context.Context, windowStart, windowEnd time.Time) ([]storage.Appointment, error) {
	s.listStart, s.listEnd = windowStart, windowEnd
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.forCapture, nil
}

func (s *fakeStore) ListCancelledWithHold(_ context.Context) ([]storage.Appointment, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.cancelledWithHold, nil
}

func (s *fakeStore) MarkCaptured(_ context.Context, appointmentID string, capturedAt time.Time, note string, n storage.Notification, evt outbox.Event) error {
	if err, ok := s.markErr[appointmentID]; ok {
		return err
	}
	s.captured = append(s.captured, capturedRecord{appointmentID, capturedAt, note, n, evt})
	return nil
}

func (s *fakeStore) RecordCaptureFailure(_ context.Context, appointmentID string, note string, n storage.Notification, evt outbox.Event) error {
	s.failures = append(s.failures, failureRecord{appointmentID, note, n, evt})
	return nil
}

func (s *fakeStore) MarkHoldReleased(_ context.Context, appointmentID string, note string, evt outbox.Event) error {
	if err, ok := s.markErr[appointmentID]; ok {
		return err
	}
	s.released = append(s.released, releasedRecord{appointmentID, note, evt})
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestCaptureJob(gw Gateway, store *fakeStore, cfg CaptureJobConfig) *CaptureJob {
	return NewCaptureJob(gw, store, payments.New(store, testLogger()), testLogger(), cfg)
}

func appt(id, intentID string, date time.Time) storage.Appointment {
	return storage.Appointment{
		ID:              id,
		PatientID:       "patient-" + id,
		PatientEmail:    id + "@example.com",
		Date:            date,
		PaymentIntentID: intentID,
		PaymentStatus:   storage.PaymentStatusAuthorized,
		PaymentAmount:   140,
		Status:          "scheduled",
	}
}

func TestCaptureJobWindowBounds(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	job := newTestCaptureJob(&fakeGateway{}, store, CaptureJobConfig{
		Now: func() time.Time { return now },
	})

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !store.listStart.Equal(now.Add(12 * time.Hour)) {
		t.Errorf("expected window start %s, got %s", now.Add(12*time.Hour), store.listStart)
	}
	if !store.listEnd.Equal(now.Add(13 * time.Hour)) {
		t.Errorf("expected window end %s, got %s", now.Add(13*time.Hour), store.listEnd)
	}
}

func TestCaptureJobCapturesAndNotifies(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	consultation := now.Add(12*time.Hour + 30*time.Minute)
	gw := &fakeGateway{}
	store := &fakeStore{forCapture: []storage.Appointment{appt("a1", "pi_100", consultation)}}
	job := newTestCaptureJob(gw, store, CaptureJobConfig{Now: func() time.Time { return now }})

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(gw.captureCalls) != 1 || gw.captureCalls[0] != "pi_100" {
		t.Fatalf("expected one capture of pi_100, got %v", gw.captureCalls)
	}
	if len(store.captured) != 1 {
		t.Fatalf("expected one captured record, got %d", len(store.captured))
	}
	rec := store.captured[0]
	if rec.appointmentID != "a1" {
		t.Errorf("expected appointment a1, got %s", rec.appointmentID)
	}
	if !rec.capturedAt.Equal(now) {
		t.Errorf("expected capturedAt %s, got %s", now, rec.capturedAt)
	}
	if rec.notification.Type != storage.NotificationTypePayment {
		t.Errorf("expected payment notification, got %s", rec.notification.Type)
	}
	if rec.notification.AppointmentID != "a1" {
		t.Errorf("notification should reference the appointment, got %q", rec.notification.AppointmentID)
	}
	if rec.event.EventType != outbox.EventCaptureSucceeded {
		t.Errorf("expected %s event, got %s", outbox.EventCaptureSucceeded, rec.event.EventType)
	}
	if !strings.Contains(rec.note, "pi_100") {
		t.Errorf("audit note should mention the intent id, got %q", rec.note)
	}
}

func TestCaptureJobIsolatesFailures(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	date := now.Add(12*time.Hour + 15*time.Minute)
	gw := &fakeGateway{
		captureErr: map[string]error{
			"pi_2": &gateway.Error{Op: "capture", IntentID: "pi_2", Code: "card_declined", Msg: "Your card was declined."},
		},
	}
	store := &fakeStore{forCapture: []storage.Appointment{
		appt("a1", "pi_1", date),
		appt("a2", "pi_2", date),
		appt("a3", "pi_3", date),
	}}
	job := newTestCaptureJob(gw, store, CaptureJobConfig{Now: func() time.Time { return now }})

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(store.captured) != 2 {
		t.Fatalf("expected 2 captured despite one failure, got %d", len(store.captured))
	}
	if len(store.failures) != 1 {
		t.Fatalf("expected 1 failure record, got %d", len(store.failures))
	}
	fail := store.failures[0]
	if fail.appointmentID != "a2" {
		t.Errorf("expected failure for a2, got %s", fail.appointmentID)
	}
	if fail.notification.Type != storage.NotificationTypeError {
		t.Errorf("expected error notification, got %s", fail.notification.Type)
	}
	// Raw processor text never reaches the user.
	if strings.Contains(fail.notification.Message, "declined") {
		t.Errorf("notification leaked processor error text: %q", fail.notification.Message)
	}
	if !strings.Contains(fail.note, "card_declined") {
		t.Errorf("audit note should carry the error code, got %q", fail.note)
	}
	if fail.event.EventType != outbox.EventCaptureFailed {
		t.Errorf("expected %s event, got %s", outbox.EventCaptureFailed, fail.event.EventType)
	}
}

func TestCaptureJobSwallowsAlreadyCaptured(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	gw := &fakeGateway{
		captureErr: map[string]error{
			"pi_dup": &gateway.Error{Op: "capture", IntentID: "pi_dup", Code: "payment_intent_unexpected_state", Msg: "already captured"},
		},
	}
	store := &fakeStore{forCapture: []storage.Appointment{appt("a1", "pi_dup", now.Add(12 * time.Hour))}}
	job := newTestCaptureJob(gw, store, CaptureJobConfig{Now: func() time.Time { return now }})

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("overlapping-run duplicate should not fail the run: %v", err)
	}
	if len(store.captured) != 0 {
		t.Error("no capture should be recorded for an intent already finalized")
	}
	if len(store.failures) != 0 {
		t.Error("already-finalized intent should not generate an error notification")
	}
}

func TestCaptureJobToleratesStateConflict(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	store := &fakeStore{
		forCapture: []storage.Appointment{appt("a1", "pi_1", now.Add(12 * time.Hour))},
		markErr:    map[string]error{"a1": storage.ErrPaymentStateConflict},
	}
	job := newTestCaptureJob(&fakeGateway{}, store, CaptureJobConfig{Now: func() time.Time { return now }})

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("terminal-state conflict should not fail the run: %v", err)
	}
}

func TestCaptureJobAbortsOnQueryError(t *testing.T) {
	store := &fakeStore{listErr: errors.New("connection reset")}
	job := newTestCaptureJob(&fakeGateway{}, store, CaptureJobConfig{})

	if err := job.Run(context.Background()); err == nil {
		t.Fatal("a failed candidate query must abort the run")
	}
}

func TestExpiryJobReleasesHold(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	a := appt("a1", "pi_123", now.Add(48*time.Hour))
	a.Status = "cancelled"
	gw := &fakeGateway{}
	store := &fakeStore{cancelledWithHold: []storage.Appointment{a}}
	job := NewExpiryJob(gw, store, payments.New(store, testLogger()), testLogger(), func() time.Time { return now })

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(gw.cancelCalls) != 1 || gw.cancelCalls[0] != "pi_123" {
		t.Fatalf("expected exactly one cancel of pi_123, got %v", gw.cancelCalls)
	}
	if len(store.released) != 1 || store.released[0].appointmentID != "a1" {
		t.Fatalf("expected hold release for a1, got %+v", store.released)
	}
	if store.released[0].event.EventType != outbox.EventHoldReleased {
		t.Errorf("expected %s event, got %s", outbox.EventHoldReleased, store.released[0].event.EventType)
	}
}

func TestExpiryJobLeavesFailuresForNextRun(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	a1 := appt("a1", "pi_1", now)
	a2 := appt("a2", "pi_2", now)
	gw := &fakeGateway{
		cancelErr: map[string]error{"pi_1": &gateway.Error{Op: "cancel", IntentID: "pi_1", Code: "api_error", Msg: "boom"}},
	}
	store := &fakeStore{cancelledWithHold: []storage.Appointment{a1, a2}}
	job := NewExpiryJob(gw, store, payments.New(store, testLogger()), testLogger(), func() time.Time { return now })

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("per-item failure should not abort the batch: %v", err)
	}
	if len(store.released) != 1 || store.released[0].appointmentID != "a2" {
		t.Fatalf("expected only a2 released, got %+v", store.released)
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := NewScheduler(testLogger())
	job := newTestCaptureJob(&fakeGateway{}, &fakeStore{}, CaptureJobConfig{})

	if err := s.Register(context.Background(), "not a cron spec", "capture", job); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
	if err := s.Register(context.Background(), CaptureSchedule, "capture", job); err != nil {
		t.Fatalf("hourly spec should register: %v", err)
	}
	if err := s.Register(context.Background(), ExpirySchedule, "expiry", job); err != nil {
		t.Fatalf("six-hourly spec should register: %v", err)
	}
	if s.Entries() != 2 {
		t.Fatalf("expected 2 registered jobs, got %d", s.Entries())
	}
}
