package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event types produced by the payments service outbox.
const (
	EventCaptureSucceeded = "payments.capture.succeeded.v1"
	EventCaptureFailed    = "payments.capture.failed.v1"
	EventHoldReleased     = "payments.hold.released.v1"
)

// PaymentEvent is the shared shape of the payment outbox payloads. Fields not
// present on a given event type are left zero.
type PaymentEvent struct {
	AppointmentID   string  `json:"appointment_id"`
	PatientID       string  `json:"patient_id"`
	PatientEmail    string  `json:"patient_email"`
	PatientPhone    string  `json:"patient_phone"`
	PaymentIntentID string  `json:"payment_intent_id"`
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency"`
	ConsultationAt  string  `json:"consultation_at"`
	CapturedAt      string  `json:"captured_at"`
	FailedAt        string  `json:"failed_at"`
	ReleasedAt      string  `json:"released_at"`
}

// Message is a rendered notification ready for a channel sender. Subject is
// only used by email.
type Message struct {
	Subject string
	Body    string
}

var ErrUnknownEventType = errors.New("delivery: unknown event type")

// Parse decodes a payment event payload and validates the fields every event
// type carries.
func Parse(raw []byte) (PaymentEvent, error) {
	var evt PaymentEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return PaymentEvent{}, err
	}
	if strings.TrimSpace(evt.AppointmentID) == "" || strings.TrimSpace(evt.PatientID) == "" {
		return PaymentEvent{}, errors.New("delivery: payload missing appointment_id or patient_id")
	}
	return evt, nil
}

// RenderEmail produces the patient-facing email for a payment event. The body
// never includes processor error details; failures get a generic message.
func RenderEmail(eventType string, evt PaymentEvent) (Message, error) {
	when := formatConsultation(evt.ConsultationAt)
	switch eventType {
	case EventCaptureSucceeded:
		return Message{
			Subject: "Pagamento confirmado - CN Vidas",
			Body: fmt.Sprintf(
				"Olá!\n\nO pagamento de R$ %.2f da sua consulta de %s foi processado com sucesso.\n\nAtenciosamente,\nEquipe CN Vidas",
				evt.Amount, when,
			),
		}, nil
	case EventCaptureFailed:
		return Message{
			Subject: "Problema com o pagamento - CN Vidas",
			Body: fmt.Sprintf(
				"Olá!\n\nNão foi possível processar o pagamento da sua consulta de %s. Por favor, entre em contato com o suporte.\n\nAtenciosamente,\nEquipe CN Vidas",
				when,
			),
		}, nil
	case EventHoldReleased:
		return Message{
			Subject: "Reserva de pagamento liberada - CN Vidas",
			Body: fmt.Sprintf(
				"Olá!\n\nSua consulta de %s foi cancelada e a reserva no seu cartão foi liberada. O valor voltará a ficar disponível conforme o prazo da operadora do cartão.\n\nAtenciosamente,\nEquipe CN Vidas",
				when,
			),
		}, nil
	default:
		return Message{}, ErrUnknownEventType
	}
}

// RenderSMS produces the short-form variant of the same notifications.
func RenderSMS(eventType string, evt PaymentEvent) (string, error) {
	when := formatConsultation(evt.ConsultationAt)
	switch eventType {
	case EventCaptureSucceeded:
		return fmt.Sprintf("CN Vidas: pagamento de R$ %.2f da consulta de %s confirmado.", evt.Amount, when), nil
	case EventCaptureFailed:
		return fmt.Sprintf("CN Vidas: problema com o pagamento da consulta de %s. Entre em contato com o suporte.", when), nil
	case EventHoldReleased:
		return fmt.Sprintf("CN Vidas: consulta de %s cancelada, reserva no cartão liberada.", when), nil
	default:
		return "", ErrUnknownEventType
	}
}

func formatConsultation(raw string) string {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return raw
	}
	return t.Format("02/01/2006 às 15:04")
}
