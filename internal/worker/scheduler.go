package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultPollInterval = 10 * time.Second
	MinPollInterval     = time.Second
)

// Cycle is one dispatch pass. *Dispatcher implements it.
type Cycle interface {
	DispatchPending(ctx context.Context) (int, error)
}

// Scheduler drives a Cycle forever: run it, then sleep for the poll interval.
// Cycles never overlap.
type Scheduler struct {
	cycle    Cycle
	interval time.Duration
	logger   *zap.Logger
}

// NewScheduler clamps interval to MinPollInterval and uses
// DefaultPollInterval when it is zero.
func NewScheduler(cycle Cycle, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval == 0 {
		interval = DefaultPollInterval
	}
	if interval < MinPollInterval {
		interval = MinPollInterval
	}
	return &Scheduler{cycle: cycle, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled. Errors and panics from a cycle are
// logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("dispatch scheduler started", zap.Duration("poll_interval", s.interval))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("dispatch scheduler stopping")
			return
		case <-timer.C:
		}

		s.runCycle(ctx)
		timer.Reset(s.interval)
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	delivered, err := s.safeCycle(ctx)
	switch {
	case err == nil:
		if delivered > 0 {
			s.logger.Info("dispatch cycle delivered notifications", zap.Int("delivered", delivered))
		}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		s.logger.Debug("dispatch cycle interrupted", zap.Int("delivered", delivered))
	default:
		s.logger.Error("dispatch cycle failed", zap.Error(err))
	}
}

func (s *Scheduler) safeCycle(ctx context.Context) (delivered int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch cycle panic: %v", r)
		}
	}()
	return s.cycle.DispatchPending(ctx)
}
