package jobs

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
)

// DrainController reacts to a host-level pause/migrate notification by
// capping every outstanding job deadline to a short grace window, so no
// caller blocks across a process restart. In-flight extraction work is not
// cancelled; only how long callers wait for it is bounded.
type DrainController struct {
	governor *Governor
	grace    time.Duration
	logger   *zap.Logger
}

// NewDrainController builds a controller around the store's governor.
func NewDrainController(governor *Governor, grace time.Duration, logger *zap.Logger) *DrainController {
	if grace <= 0 {
		grace = 20 * time.Second
	}
	return &DrainController{
		governor: governor,
		grace:    grace,
		logger:   logger,
	}
}

// Trigger shortens all outstanding deadlines to the grace window.
func (d *DrainController) Trigger() {
	moved := d.governor.ShortenAll(d.grace)
	d.logger.Info("drain triggered",
		zap.Duration("grace", d.grace),
		zap.Int("deadlines_shortened", moved),
	)
}

// Run triggers a drain for every signal received until ctx finishes.
func (d *DrainController) Run(ctx context.Context, signals <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			d.logger.Info("migration signal received", zap.String("signal", sig.String()))
			d.Trigger()
		}
	}
}
