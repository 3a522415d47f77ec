package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cnvidas/payments/services/payments-service/internal/outbox"
	"github.com/cnvidas/payments/services/payments-service/internal/storage"
)

// Store is the appointment persistence surface the payment workflow needs.
// *storage.Repository implements it; tests substitute fakes.
type Store interface {
	ListForCapture(ctx context.Context, windowStart, windowEnd time.Time) ([]storage.Appointment, error)
	ListCancelledWithHold(ctx context.Context) ([]storage.Appointment, error)
	MarkCaptured(ctx context.Context, appointmentID string, capturedAt time.Time, note string, n storage.Notification, evt outbox.Event) error
	RecordCaptureFailure(ctx context.Context, appointmentID string, note string, n storage.Notification, evt outbox.Event) error
	MarkHoldReleased(ctx context.Context, appointmentID string, note string, evt outbox.Event) error
}

// Service encapsulates appointment payment state transitions and their side
// effects (audit note, patient notification, outbox event). Keeping this out
// of the jobs makes it reusable for the webhook reconciliation path.
type Service struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// ApplyCaptured records a settled hold: authorized -> completed. The source
// tag distinguishes the scheduled sweep from webhook reconciliation in the
// audit trail.
func (s *Service) ApplyCaptured(ctx context.Context, a storage.Appointment, intentID string, currency string, capturedAt time.Time, source string) error {
	note := fmt.Sprintf("%s - payment captured (%s, %s)", capturedAt.Format(time.RFC3339), intentID, source)
	n := storage.Notification{
		UserID:        a.PatientID,
		Type:          storage.NotificationTypePayment,
		Title:         "Pagamento confirmado",
		Message:       fmt.Sprintf("O pagamento da sua consulta de %s foi processado com sucesso.", a.Date.Format("02/01/2006 às 15:04")),
		AppointmentID: a.ID,
	}

	payload, err := json.Marshal(map[string]any{
		"appointment_id":    a.ID,
		"patient_id":        a.PatientID,
		"patient_email":     a.PatientEmail,
		"patient_phone":     a.PatientPhone,
		"payment_intent_id": intentID,
		"amount":            a.PaymentAmount,
		"currency":          currency,
		"consultation_at":   a.Date.UTC().Format(time.RFC3339),
		"captured_at":       capturedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	return s.store.MarkCaptured(ctx, a.ID, capturedAt, note, n, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   a.ID,
		EventType:     outbox.EventCaptureSucceeded,
		Payload:       payload,
	})
}

// ApplyCaptureFailed files the failure without touching payment_status, so the
// appointment stays selectable for the next sweep. Only the processor's error
// code reaches the audit trail; the patient gets a generic message.
func (s *Service) ApplyCaptureFailed(ctx context.Context, a storage.Appointment, code string, failedAt time.Time) error {
	note := fmt.Sprintf("%s - payment capture failed: %s", failedAt.Format(time.RFC3339), code)
	n := storage.Notification{
		UserID:        a.PatientID,
		Type:          storage.NotificationTypeError,
		Title:         "Erro no pagamento",
		Message:       "Não foi possível processar o pagamento da sua consulta. Por favor, entre em contato com o suporte.",
		AppointmentID: a.ID,
	}

	payload, err := json.Marshal(map[string]any{
		"appointment_id":    a.ID,
		"patient_id":        a.PatientID,
		"patient_email":     a.PatientEmail,
		"patient_phone":     a.PatientPhone,
		"payment_intent_id": a.PaymentIntentID,
		"consultation_at":   a.Date.UTC().Format(time.RFC3339),
		"error_reason":      code,
		"failed_at":         failedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	return s.store.RecordCaptureFailure(ctx, a.ID, note, n, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   a.ID,
		EventType:     outbox.EventCaptureFailed,
		Payload:       payload,
	})
}

// ApplyReleased records a released hold: authorized -> cancelled.
func (s *Service) ApplyReleased(ctx context.Context, a storage.Appointment, releasedAt time.Time, source string) error {
	note := fmt.Sprintf("%s - pre-authorization released (%s)", releasedAt.Format(time.RFC3339), source)

	payload, err := json.Marshal(map[string]any{
		"appointment_id":    a.ID,
		"patient_id":        a.PatientID,
		"patient_email":     a.PatientEmail,
		"patient_phone":     a.PatientPhone,
		"payment_intent_id": a.PaymentIntentID,
		"consultation_at":   a.Date.UTC().Format(time.RFC3339),
		"released_at":       releasedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	return s.store.MarkHoldReleased(ctx, a.ID, note, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   a.ID,
		EventType:     outbox.EventHoldReleased,
		Payload:       payload,
	})
}
