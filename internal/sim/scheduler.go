package sim

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openwalc/arena-server/internal/models"
)

// Scheduler drives the fixed-rate simulation step. A tick that overruns its
// period is never timesliced: the next tick starts immediately afterwards
// and the overrun is logged and counted for operators.
type Scheduler struct {
	engine *Engine
	period time.Duration
	logger *zap.SugaredLogger

	tick uint64
}

func NewScheduler(engine *Engine, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		engine: engine,
		period: time.Second / models.TickRate,
		logger: logger.Sugar(),
	}
}

// Run loops until the context is canceled. A timer re-armed with the
// remaining budget (floored at zero) drives the cadence, so an overrunning
// tick makes the next one start immediately instead of being coalesced away.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.period)
	defer timer.Stop()

	s.logger.Infow("Tick scheduler started", "tickRate", models.TickRate, "period", s.period)
	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("Tick scheduler stopped", "ticks", s.tick)
			return
		case <-timer.C:
			s.tick++
			start := time.Now()
			applied := s.engine.Step()
			elapsed := time.Since(start)
			tickDuration.Observe(elapsed.Seconds())
			if elapsed > s.period {
				slowTicks.Inc()
				s.logger.Warnw("Slow tick", "tick", s.tick, "duration", elapsed, "budget", s.period, "applied", applied)
			}
			next := s.period - elapsed
			if next < 0 {
				next = 0
			}
			timer.Reset(next)
		}
	}
}
