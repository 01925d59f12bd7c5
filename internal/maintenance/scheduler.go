package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"session-auth/internal/observability"
)

const sweepTimeout = 30 * time.Second

// Scheduler runs Sweep in-process on a cron schedule. The serverless entry
// point relies on the cleanup endpoint instead.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	logger  *observability.Logger
}

func NewScheduler(sweeper Sweeper, logger *observability.Logger, schedule string) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		sweeper: sweeper,
		logger:  logger,
	}

	if _, err := s.cron.AddFunc(schedule, s.RunOnce); err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("sweep_scheduler_started", map[string]any{"entries": len(s.cron.Entries())})
}

// Stop waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	result, err := s.sweeper.Sweep(ctx)
	if err != nil {
		observability.CaptureError(err, map[string]string{"component": "sweep"})
		s.logger.Error("auth_sweep_failed", map[string]any{"error": err.Error()})
		return
	}
	s.logger.Debug("auth_sweep_completed", sweepFields(result))
}
