package dispatch

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig sets the periodic trigger and retention policy.
type SchedulerConfig struct {
	Interval       time.Duration
	PruneInterval  time.Duration
	QueueRetention time.Duration
	AuditRetention time.Duration
}

// Scheduler calls ProcessQueue on a fixed interval, the same entry point
// the manual trigger uses, and applies retention periodically.
type Scheduler struct {
	d   *Dispatcher
	cfg SchedulerConfig
}

// NewScheduler creates a Scheduler for d.
func NewScheduler(d *Dispatcher, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	return &Scheduler{d: d, cfg: cfg}
}

// Run blocks until ctx is cancelled. A cycle in progress when ctx is
// cancelled finishes the messages it already claimed before Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("scheduler started", "interval", s.cfg.Interval, "method", s.d.Method())

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	pruneTicker := time.NewTicker(s.cfg.PruneInterval)
	defer pruneTicker.Stop()

	s.tick(ctx)
	s.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-pruneTicker.C:
			s.prune(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.d.ProcessQueue(ctx); err != nil && ctx.Err() == nil {
		slog.Error("queue cycle failed", "error", err)
	}
}

func (s *Scheduler) prune(ctx context.Context) {
	if err := s.d.Prune(ctx, s.cfg.QueueRetention, s.cfg.AuditRetention); err != nil && ctx.Err() == nil {
		slog.Error("retention prune failed", "error", err)
	}
}
