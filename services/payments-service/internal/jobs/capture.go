package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cnvidas/payments/services/payments-service/internal/gateway"
	"github.com/cnvidas/payments/services/payments-service/internal/payments"
	"github.com/cnvidas/payments/services/payments-service/internal/storage"
)

// Gateway is the slice of the payment processor the jobs need.
type Gateway interface {
	Capture(ctx context.Context, intentID string) (*gateway.Intent, error)
	Cancel(ctx context.Context, intentID string) (*gateway.Intent, error)
}

// CaptureJob settles pre-authorized holds for appointments whose consultation
// time is entering the capture window. Run hourly with a one-hour window, each
// qualifying appointment is visited exactly once as the window slides forward.
type CaptureJob struct {
	gw     Gateway
	store  payments.Store
	svc    *payments.Service
	logger *slog.Logger

	leadTime time.Duration
	window   time.Duration
	now      func() time.Time
}

type CaptureJobConfig struct {
	// LeadTime is how far ahead of the consultation the capture happens.
	LeadTime time.Duration
	// Window is the width of the per-run selection slice. Keep it equal to the
	// run cadence or appointments get skipped or double-selected.
	Window time.Duration
	Now    func() time.Time
}

func NewCaptureJob(gw Gateway, store payments.Store, svc *payments.Service, logger *slog.Logger, cfg CaptureJobConfig) *CaptureJob {
	if cfg.LeadTime <= 0 {
		cfg.LeadTime = 12 * time.Hour
	}
	if cfg.Window <= 0 {
		cfg.Window = 1 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CaptureJob{
		gw:       gw,
		store:    store,
		svc:      svc,
		logger:   logger,
		leadTime: cfg.LeadTime,
		window:   cfg.Window,
		now:      cfg.Now,
	}
}

func (j *CaptureJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	windowStart := now.Add(j.leadTime)
	windowEnd := windowStart.Add(j.window)

	appts, err := j.store.ListForCapture(ctx, windowStart, windowEnd)
	if err != nil {
		return fmt.Errorf("list appointments for capture: %w", err)
	}
	if len(appts) == 0 {
		return nil
	}

	j.logger.Info("payment capture sweep",
		"candidates", len(appts),
		"window_start", windowStart.Format(time.RFC3339),
		"window_end", windowEnd.Format(time.RFC3339),
	)

	for _, a := range appts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// One appointment's failure must not abort the rest of the batch.
		j.captureOne(ctx, a, now)
	}
	return nil
}

func (j *CaptureJob) captureOne(ctx context.Context, a storage.Appointment, now time.Time) {
	intent, err := j.gw.Capture(ctx, a.PaymentIntentID)
	if err != nil {
		if isUnexpectedState(err) {
			// An overlapping run (or the webhook) already finalized this
			// intent. The processor's state check is the safety net; nothing
			// to remediate.
			j.logger.Info("capture skipped: intent no longer capturable",
				"appointment_id", a.ID, "payment_intent_id", a.PaymentIntentID)
			return
		}

		j.logger.Warn("payment capture failed",
			"appointment_id", a.ID, "payment_intent_id", a.PaymentIntentID, "err", err)
		if err := j.svc.ApplyCaptureFailed(ctx, a, gatewayCode(err), now); err != nil {
			j.logger.Error("failed to record capture failure", "appointment_id", a.ID, "err", err)
		}
		return
	}

	if err := j.svc.ApplyCaptured(ctx, a, intent.ID, intent.Currency, now, "scheduled sweep"); err != nil {
		if errors.Is(err, storage.ErrPaymentStateConflict) {
			j.logger.Warn("capture recorded at processor but appointment already finalized",
				"appointment_id", a.ID, "payment_intent_id", a.PaymentIntentID)
			return
		}
		j.logger.Error("failed to persist capture result", "appointment_id", a.ID, "err", err)
	}
}

// gatewayCode keeps raw processor error text out of audit notes and payloads.
func gatewayCode(err error) string {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		return gwErr.Code
	}
	return "unknown"
}

func isUnexpectedState(err error) bool {
	var gwErr *gateway.Error
	return errors.As(err, &gwErr) && gwErr.Code == "payment_intent_unexpected_state"
}
