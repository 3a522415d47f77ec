package storage

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Notification types surfaced to patients by the payment jobs.
const (
	NotificationTypePayment = "payment"
	NotificationTypeError   = "error"
)

// Notification is the user-facing record the jobs produce. Created, never
// mutated here; the client marks is_read.
type Notification struct {
	UserID        string
	Type          string
	Title         string
	Message       string
	AppointmentID string
}

func insertNotification(ctx context.Context, tx pgx.Tx, n Notification) error {
	data, err := json.Marshal(map[string]string{"appointment_id": n.AppointmentID})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, is_read, data)
		VALUES ($1, $2, $3, $4, $5, false, $6)
	`, uuid.NewString(), n.UserID, n.Type, n.Title, n.Message, data)
	return err
}
