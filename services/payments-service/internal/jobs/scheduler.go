package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Cron cadences for the payment jobs: hourly capture sweep matching the
// one-hour selection window, hold release every six hours.
const (
	CaptureSchedule = "0 * * * *"
	ExpirySchedule  = "0 */6 * * *"
)

// Runner is a job the scheduler runs on a cadence.
type Runner interface {
	Run(ctx context.Context) error
}

// Scheduler registers the payment jobs on process-wide cron timers. Lifecycle
// is the process lifetime; Stop is only called on shutdown.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{cron: cron.New(), logger: logger}
}

func (s *Scheduler) Register(ctx context.Context, spec string, name string, job Runner) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := job.Run(ctx); err != nil {
			s.logger.Error("scheduled job run failed", "job", name, "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("register job %s (%q): %w", name, spec, err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the timers and returns a context that is done once in-flight
// runs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Entries reports how many jobs are registered (used by readiness logging).
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
