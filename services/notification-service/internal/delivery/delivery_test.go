package delivery

import (
	"strings"
	"testing"
)

func TestParseRejectsMissingIdentifiers(t *testing.T) {
	_, err := Parse([]byte(`{"patient_email":"a@b.com"}`))
	if err == nil {
		t.Fatal("expected error for payload without appointment_id/patient_id")
	}
}

func TestParseReadsPaymentFields(t *testing.T) {
	raw := []byte(`{
		"appointment_id": "apt-1",
		"patient_id": "user-1",
		"patient_email": "paciente@example.com",
		"payment_intent_id": "pi_123",
		"amount": 89.9,
		"currency": "brl",
		"consultation_at": "2026-09-02T14:00:00Z",
		"captured_at": "2026-09-02T02:00:00Z"
	}`)
	evt, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if evt.PaymentIntentID != "pi_123" || evt.Amount != 89.9 {
		t.Errorf("unexpected event: %+v", evt)
	}
}

func TestRenderEmailCaptureSucceeded(t *testing.T) {
	msg, err := RenderEmail(EventCaptureSucceeded, PaymentEvent{
		AppointmentID:  "apt-1",
		PatientID:      "user-1",
		Amount:         89.9,
		ConsultationAt: "2026-09-02T14:00:00Z",
	})
	if err != nil {
		t.Fatalf("RenderEmail: %v", err)
	}
	if !strings.Contains(msg.Body, "R$ 89.90") {
		t.Errorf("body missing amount: %q", msg.Body)
	}
	if !strings.Contains(msg.Body, "02/09/2026 às 14:00") {
		t.Errorf("body missing consultation time: %q", msg.Body)
	}
}

func TestRenderEmailFailureHidesProcessorDetails(t *testing.T) {
	msg, err := RenderEmail(EventCaptureFailed, PaymentEvent{
		AppointmentID:  "apt-1",
		PatientID:      "user-1",
		ConsultationAt: "2026-09-02T14:00:00Z",
	})
	if err != nil {
		t.Fatalf("RenderEmail: %v", err)
	}
	for _, leak := range []string{"card_declined", "stripe", "pi_"} {
		if strings.Contains(strings.ToLower(msg.Body), leak) {
			t.Errorf("failure body leaks processor detail %q: %q", leak, msg.Body)
		}
	}
	if !strings.Contains(msg.Body, "suporte") {
		t.Errorf("failure body should point at support: %q", msg.Body)
	}
}

func TestRenderSMSUnknownType(t *testing.T) {
	if _, err := RenderSMS("payments.something.v9", PaymentEvent{}); err != ErrUnknownEventType {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
}
