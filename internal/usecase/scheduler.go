package usecase

import (
	"context"
	"log/slog"
	"time"

	"TagRelay/internal/ports"
)

// Scheduler wires the interval driver with the delivery controller.
type Scheduler struct {
	driver     ports.Scheduler
	controller *Controller
	afterCycle func()
	logger     *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring cycles. afterCycle may be nil.
func NewScheduler(driver ports.Scheduler, controller *Controller, afterCycle func(), logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{driver: driver, controller: controller, afterCycle: afterCycle, logger: logger}
}

// Start registers the controller with the provided scheduler. Cycle errors
// are logged and the next tick retries.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.controller == nil {
		return nil
	}

	job := func(trigger time.Time) {
		if _, err := s.controller.Run(ctx); err != nil {
			s.logger.Warn("scheduled cycle failed", "trigger", trigger.Format(time.RFC3339), "error", err)
		}
		if s.afterCycle != nil {
			s.afterCycle()
		}
	}

	return s.driver.Start(ctx, job)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
