package compaction

import (
	"context"
	"fmt"
	"strings"

	robfigcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SweepFunc compacts whatever is pending and returns how many users it
// scheduled.
type SweepFunc func(ctx context.Context) int

// Sweeper fires a SweepFunc on a cron schedule so conversations that went
// quiet between cadence points still get their summary refreshed.
type Sweeper struct {
	schedule string
	sweep    SweepFunc
	logger   *zap.Logger
	cron     *robfigcron.Cron
}

// NewSweeper validates schedule (standard five fields or a descriptor such as
// "@every 15m"). An empty schedule returns a nil Sweeper.
func NewSweeper(schedule string, sweep SweepFunc, logger *zap.Logger) (*Sweeper, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, nil
	}
	if _, err := robfigcron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("compaction sweep schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		schedule: schedule,
		sweep:    sweep,
		logger:   logger,
		cron:     robfigcron.New(robfigcron.WithChain(robfigcron.SkipIfStillRunning(robfigcron.DiscardLogger))),
	}, nil
}

// Run blocks until ctx is cancelled, then waits for a running sweep.
func (s *Sweeper) Run(ctx context.Context) error {
	if s == nil {
		<-ctx.Done()
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, func() {
		n := s.sweep(ctx)
		s.logger.Debug("compaction sweep", zap.Int("scheduled", n))
	}); err != nil {
		return fmt.Errorf("compaction sweep schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info("compaction sweep started", zap.String("schedule", s.schedule))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
