package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// SnapshotSource produces the holder and collateral observation a
// distribution run is built from.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

type SchedulerConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Service  *Service
	Source   SnapshotSource
	Interval time.Duration
}

func (cfg *SchedulerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Service == nil {
		return errors.New("service is required")
	}
	if cfg.Source == nil {
		return errors.New("snapshot source is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Scheduler starts a distribution run on a fixed cadence. Runs that find
// the ratio below the distribution gate are a normal outcome, not an
// error.
type Scheduler struct {
	log *slog.Logger
	cfg SchedulerConfig
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{log: cfg.Logger, cfg: cfg}, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		s.log.Info("scheduler: starting distribution loop", "interval", s.cfg.Interval)

		ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.safeRun(ctx)
			}
		}
	}()
}

func (s *Scheduler) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler: distribution run panicked", "panic", r)
		}
	}()

	if err := s.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if errors.Is(err, ErrBelowMinimumRatio) {
			s.log.Info("scheduler: skipped, ratio below distribution minimum")
			return
		}
		s.log.Error("scheduler: distribution run failed", "error", err)
	}
}

// Run takes one snapshot and starts one distribution from it.
func (s *Scheduler) Run(ctx context.Context) error {
	start := time.Now()
	snap, err := s.cfg.Source.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to take snapshot: %w", err)
	}

	record, err := s.cfg.Service.StartDistribution(ctx, *snap)
	if err != nil {
		return err
	}

	s.log.Info("scheduler: distribution run completed",
		"distribution_id", record.ID,
		"duration", time.Since(start).String())
	return nil
}
