package distribution

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/findermarket/ledger-core/internal/app/system"
	"github.com/findermarket/ledger-core/pkg/logger"
)

// DefaultSchedule runs at midnight UTC on the first of each month.
const DefaultSchedule = "0 0 1 * *"

// Scheduler runs the current month's distribution on a cron schedule. Manual
// admin runs remain possible at any time; the per-month idempotence makes the
// overlap harmless.
type Scheduler struct {
	service  *Service
	schedule string
	cron     *cron.Cron
	log      *logger.Logger
}

var _ system.Service = (*Scheduler)(nil)

// NewScheduler creates a scheduler. An empty schedule uses DefaultSchedule.
func NewScheduler(service *Service, schedule string, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("distribution-scheduler")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Scheduler{
		service:  service,
		schedule: schedule,
		log:      log,
	}
}

func (s *Scheduler) Name() string { return "distribution-scheduler" }

func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(s.schedule, func() {
		now := time.Now().UTC()
		runCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := s.service.DistributeForMonth(runCtx, now.Year(), int(now.Month())); err != nil {
			s.log.WithError(err).Error("scheduled monthly distribution failed")
		}
	})
	if err != nil {
		return err
	}
	s.cron = c
	c.Start()
	s.log.Infof("distribution scheduler started (%s)", s.schedule)
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
