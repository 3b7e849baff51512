package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
)

type DriftVerifier interface {
	VerifyAll(ctx context.Context) []domain.VerifyReport
}

// VerifierWorker runs a drift verification pass after an initial delay and
// then on a fixed interval until the context ends.
type VerifierWorker struct {
	logger       *slog.Logger
	clock        clock.Clock
	verifier     DriftVerifier
	initialDelay time.Duration
	interval     time.Duration
}

func NewVerifierWorker(logger *slog.Logger, clk clock.Clock, verifier DriftVerifier, initialDelay, interval time.Duration) *VerifierWorker {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &VerifierWorker{logger: logger, clock: clk, verifier: verifier, initialDelay: initialDelay, interval: interval}
}

func (w *VerifierWorker) Run(ctx context.Context) error {
	wait := w.initialDelay
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.clock.After(wait):
		}
		w.runOnce(ctx)
		wait = w.interval
	}
}

func (w *VerifierWorker) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.ErrorContext(ctx, "drift verification pass panicked",
				"module", "workers.verifier",
				"layer", "worker",
				"operation", "verify",
				"outcome", "panic",
				"error", fmt.Sprint(r),
			)
		}
	}()
	reports := w.verifier.VerifyAll(ctx)
	findings := 0
	for _, r := range reports {
		findings += len(r.Findings)
	}
	w.logger.InfoContext(ctx, "drift verification pass complete",
		"module", "workers.verifier",
		"layer", "worker",
		"operation", "verify",
		"outcome", "success",
		"representations", len(reports),
		"findings", findings,
	)
}
