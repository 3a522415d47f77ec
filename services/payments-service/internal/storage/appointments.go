package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cnvidas/payments/libs/db"
	"github.com/cnvidas/payments/services/payments-service/internal/outbox"
)

// Payment lifecycle of an appointment's pre-authorized hold. Completed and
// cancelled are terminal: no job run transitions them again.
const (
	PaymentStatusAuthorized = "authorized"
	PaymentStatusCompleted  = "completed"
	PaymentStatusCancelled  = "cancelled"
)

// ErrPaymentStateConflict is returned when an update finds the appointment no
// longer in the authorized state. Overlapping runs and webhook races surface
// here instead of corrupting terminal state.
var ErrPaymentStateConflict = errors.New("appointment payment is not in authorized state")

// ErrHoldExists is returned when a hold is requested for an appointment that
// already carries a payment intent. One active intent per appointment.
var ErrHoldExists = errors.New("appointment already has a payment hold")

type Appointment struct {
	ID                string
	PatientID         string
	PatientEmail      string
	PatientPhone      string
	Date              time.Time
	IsEmergency       bool
	PaymentIntentID   string
	PaymentStatus     string
	PaymentAmount     float64
	PaymentCapturedAt *time.Time
	Notes             string
	Status            string
}

type Repository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewRepository(pool *db.Pool, outboxRepo *outbox.Repository) *Repository {
	return &Repository{pool: pool, outbox: outboxRepo}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// ListForCapture returns non-emergency appointments entering the capture
// window: date in [windowStart, windowEnd), a hold on record, and payment
// still authorized. Emergency consultations are billed on a separate
// immediate path and never show up here.
func (r *Repository) ListForCapture(ctx context.Context, windowStart, windowEnd time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, patient_id::text, COALESCE(patient_email, ''), COALESCE(patient_phone, ''),
		       date, is_emergency, COALESCE(payment_intent_id, ''), COALESCE(payment_status, ''),
		       COALESCE(payment_amount, 0), payment_captured_at, COALESCE(notes, ''), status
		FROM appointments
		WHERE is_emergency = false
		  AND date >= $1 AND date < $2
		  AND payment_intent_id IS NOT NULL
		  AND payment_status = 'authorized'
		ORDER BY date
	`, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// ListCancelledWithHold returns cancelled appointments whose hold was never
// released.
func (r *Repository) ListCancelledWithHold(ctx context.Context) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, patient_id::text, COALESCE(patient_email, ''), COALESCE(patient_phone, ''),
		       date, is_emergency, COALESCE(payment_intent_id, ''), COALESCE(payment_status, ''),
		       COALESCE(payment_amount, 0), payment_captured_at, COALESCE(notes, ''), status
		FROM appointments
		WHERE status = 'cancelled'
		  AND payment_intent_id IS NOT NULL
		  AND payment_status = 'authorized'
		ORDER BY date
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// MarkCaptured records a successful capture: payment completed, capture
// timestamp, audit note, patient notification and the outbox event, all in one
// transaction. The authorized-only guard keeps terminal states immutable.
func (r *Repository) MarkCaptured(ctx context.Context, appointmentID string, capturedAt time.Time, note string, n Notification, evt outbox.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET payment_status = 'completed',
		    payment_captured_at = $2,
		    notes = CASE WHEN notes IS NULL OR notes = '' THEN $3 ELSE notes || E'\n' || $3 END,
		    updated_at = now()
		WHERE id = $1 AND payment_status = 'authorized'
	`, appointmentID, capturedAt, note)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentStateConflict
	}

	if err := insertNotification(ctx, tx, n); err != nil {
		return err
	}
	if err := r.outbox.Insert(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RecordCaptureFailure appends the audit note and files an error notification
// without touching payment_status, so the appointment stays selectable for the
// next sweep.
func (r *Repository) RecordCaptureFailure(ctx context.Context, appointmentID string, note string, n Notification, evt outbox.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE appointments
		SET notes = CASE WHEN notes IS NULL OR notes = '' THEN $2 ELSE notes || E'\n' || $2 END,
		    updated_at = now()
		WHERE id = $1
	`, appointmentID, note); err != nil {
		return err
	}
	if err := insertNotification(ctx, tx, n); err != nil {
		return err
	}
	if err := r.outbox.Insert(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkHoldReleased records a released hold on a cancelled appointment.
func (r *Repository) MarkHoldReleased(ctx context.Context, appointmentID string, note string, evt outbox.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET payment_status = 'cancelled',
		    notes = CASE WHEN notes IS NULL OR notes = '' THEN $2 ELSE notes || E'\n' || $2 END,
		    updated_at = now()
		WHERE id = $1 AND payment_status = 'authorized'
	`, appointmentID, note)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentStateConflict
	}
	if err := r.outbox.Insert(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AttachHold records a freshly authorized hold on an appointment. The guards
// enforce one active intent per appointment and keep cancelled appointments
// from acquiring a hold.
func (r *Repository) AttachHold(ctx context.Context, appointmentID string, intentID string, amount float64, note string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET payment_intent_id = $2,
		    payment_status = 'authorized',
		    payment_amount = $3,
		    notes = CASE WHEN notes IS NULL OR notes = '' THEN $4 ELSE notes || E'\n' || $4 END,
		    updated_at = now()
		WHERE id = $1 AND payment_intent_id IS NULL AND status <> 'cancelled'
	`, appointmentID, intentID, amount, note)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrHoldExists
	}
	return nil
}

// GetByID fetches one appointment.
func (r *Repository) GetByID(ctx context.Context, appointmentID string) (Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, patient_id::text, COALESCE(patient_email, ''), COALESCE(patient_phone, ''),
		       date, is_emergency, COALESCE(payment_intent_id, ''), COALESCE(payment_status, ''),
		       COALESCE(payment_amount, 0), payment_captured_at, COALESCE(notes, ''), status
		FROM appointments
		WHERE id = $1
	`, appointmentID)
	if err != nil {
		return Appointment{}, err
	}
	defer rows.Close()
	appts, err := scanAppointments(rows)
	if err != nil {
		return Appointment{}, err
	}
	if len(appts) == 0 {
		return Appointment{}, pgx.ErrNoRows
	}
	return appts[0], nil
}

// AppendNote adds an audit line outside of any state transition (webhook
// reconciliation uses it).
func (r *Repository) AppendNote(ctx context.Context, appointmentID string, note string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET notes = CASE WHEN notes IS NULL OR notes = '' THEN $2 ELSE notes || E'\n' || $2 END,
		    updated_at = now()
		WHERE id = $1
	`, appointmentID, note)
	return err
}

// GetByPaymentIntent looks up the appointment owning a processor intent id.
func (r *Repository) GetByPaymentIntent(ctx context.Context, intentID string) (Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, patient_id::text, COALESCE(patient_email, ''), COALESCE(patient_phone, ''),
		       date, is_emergency, COALESCE(payment_intent_id, ''), COALESCE(payment_status, ''),
		       COALESCE(payment_amount, 0), payment_captured_at, COALESCE(notes, ''), status
		FROM appointments
		WHERE payment_intent_id = $1
	`, intentID)
	if err != nil {
		return Appointment{}, err
	}
	defer rows.Close()
	appts, err := scanAppointments(rows)
	if err != nil {
		return Appointment{}, err
	}
	if len(appts) == 0 {
		return Appointment{}, pgx.ErrNoRows
	}
	return appts[0], nil
}

func scanAppointments(rows pgx.Rows) ([]Appointment, error) {
	var out []Appointment
	for rows.Next() {
		var a Appointment
		var capturedAt *time.Time
		if err := rows.Scan(&a.ID, &a.PatientID, &a.PatientEmail, &a.PatientPhone,
			&a.Date, &a.IsEmergency, &a.PaymentIntentID, &a.PaymentStatus,
			&a.PaymentAmount, &capturedAt, &a.Notes, &a.Status); err != nil {
			return nil, err
		}
		a.PaymentCapturedAt = capturedAt
		out = append(out, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
