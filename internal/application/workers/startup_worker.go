package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
)

type StartupReconciler interface {
	StartupReconcile(ctx context.Context) []domain.ResyncReport
}

// StartupWorker runs the startup reconciliation once, after an initial delay.
type StartupWorker struct {
	logger       *slog.Logger
	clock        clock.Clock
	reconciler   StartupReconciler
	initialDelay time.Duration
}

func NewStartupWorker(logger *slog.Logger, clk clock.Clock, reconciler StartupReconciler, initialDelay time.Duration) *StartupWorker {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StartupWorker{logger: logger, clock: clk, reconciler: reconciler, initialDelay: initialDelay}
}

// Run returns once reconciliation finished or ctx is cancelled. It never
// reports reconciliation failures as an error; the process keeps serving.
func (w *StartupWorker) Run(ctx context.Context) error {
	if w.initialDelay > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-w.clock.After(w.initialDelay):
		}
	}
	reports := w.reconciler.StartupReconcile(ctx)
	resynced := 0
	for _, r := range reports {
		if r.Phase == domain.PhaseDone {
			resynced++
		}
	}
	w.logger.InfoContext(ctx, "startup reconciliation complete",
		"module", "workers.startup",
		"layer", "worker",
		"operation", "startup_reconcile",
		"outcome", "success",
		"representations", len(reports),
		"resynced", resynced,
	)
	return nil
}
