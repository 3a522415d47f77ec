package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cnvidas/payments/services/payments-service/internal/payments"
	"github.com/cnvidas/payments/services/payments-service/internal/storage"
)

// ExpiryJob releases payment holds left dangling on cancelled appointments,
// so patients are not stuck with an indefinite card hold.
type ExpiryJob struct {
	gw     Gateway
	store  payments.Store
	svc    *payments.Service
	logger *slog.Logger
	now    func() time.Time
}

func NewExpiryJob(gw Gateway, store payments.Store, svc *payments.Service, logger *slog.Logger, now func() time.Time) *ExpiryJob {
	if now == nil {
		now = time.Now
	}
	return &ExpiryJob{gw: gw, store: store, svc: svc, logger: logger, now: now}
}

func (j *ExpiryJob) Run(ctx context.Context) error {
	appts, err := j.store.ListCancelledWithHold(ctx)
	if err != nil {
		return fmt.Errorf("list cancelled appointments with hold: %w", err)
	}
	if len(appts) == 0 {
		return nil
	}

	now := j.now().UTC()
	j.logger.Info("pre-auth expiry sweep", "candidates", len(appts))

	for _, a := range appts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		j.releaseOne(ctx, a, now)
	}
	return nil
}

func (j *ExpiryJob) releaseOne(ctx context.Context, a storage.Appointment, now time.Time) {
	if _, err := j.gw.Cancel(ctx, a.PaymentIntentID); err != nil {
		if isUnexpectedState(err) {
			j.logger.Info("release skipped: intent no longer cancellable",
				"appointment_id", a.ID, "payment_intent_id", a.PaymentIntentID)
			return
		}
		// Left for the next sweep; the appointment stays selectable.
		j.logger.Warn("hold release failed",
			"appointment_id", a.ID, "payment_intent_id", a.PaymentIntentID, "err", err)
		return
	}

	if err := j.svc.ApplyReleased(ctx, a, now, "expiry sweep"); err != nil {
		if errors.Is(err, storage.ErrPaymentStateConflict) {
			j.logger.Warn("hold released at processor but appointment already finalized",
				"appointment_id", a.ID, "payment_intent_id", a.PaymentIntentID)
			return
		}
		j.logger.Error("failed to persist hold release", "appointment_id", a.ID, "err", err)
	}
}
