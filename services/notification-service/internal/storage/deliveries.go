package storage

import (
	"context"

	"github.com/cnvidas/payments/libs/db"
)

const (
	DeliveryStatusSent    = "sent"
	DeliveryStatusFailed  = "failed"
	DeliveryStatusSkipped = "skipped"
)

// Delivery is one channel attempt (email or sms) for one payment event.
type Delivery struct {
	EventID       string
	EventType     string
	AppointmentID string
	Channel       string
	Recipient     string
	Status        string
	ProviderID    string
	ErrorReason   string
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, d Delivery) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notification_deliveries (event_id, event_type, appointment_id, channel, recipient, status, provider_id, error_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.EventID, d.EventType, d.AppointmentID, d.Channel, d.Recipient, d.Status, nullIfEmpty(d.ProviderID), nullIfEmpty(d.ErrorReason))
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
