package warehouse

import (
	"context"
	"log/slog"
	"time"
)

type SweepSummary struct {
	Probed    int
	Discarded int
	Open      int
	Idle      int
}

// Sweeper periodically probes idle connections past the pool's idle ceiling
// so a dead session is noticed before a query lands on it.
type Sweeper struct {
	Pool     *Pool
	Interval time.Duration
	Logger   *slog.Logger
}

func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary := s.RunSweepOnce(ctx)
			if s.Logger != nil && summary.Discarded > 0 {
				s.Logger.Info("swept idle warehouse connections",
					slog.Int("probed", summary.Probed),
					slog.Int("discarded", summary.Discarded),
					slog.Int("open", summary.Open),
				)
			}
		}
	}
}

func (s *Sweeper) RunSweepOnce(ctx context.Context) SweepSummary {
	probed, discarded := s.Pool.SweepIdle(ctx)
	stats := s.Pool.Stats()
	return SweepSummary{
		Probed:    probed,
		Discarded: discarded,
		Open:      stats.Open,
		Idle:      stats.Idle,
	}
}
