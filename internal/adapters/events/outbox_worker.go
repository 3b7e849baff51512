package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/ports"
)

// OutboxWorker relays change events recorded by an owner service to the bus.
type OutboxWorker struct {
	logger    *slog.Logger
	clock     clock.Clock
	outbox    ports.OutboxRepository
	publisher ports.EventPublisher
	interval  time.Duration
	batchSize int
}

func NewOutboxWorker(logger *slog.Logger, clk clock.Clock, outbox ports.OutboxRepository, publisher ports.EventPublisher, interval time.Duration, batchSize int) *OutboxWorker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &OutboxWorker{
		logger: logger, clock: clk, outbox: outbox, publisher: publisher, interval: interval, batchSize: batchSize,
	}
}

func (w *OutboxWorker) Run(ctx context.Context) error {
	for {
		if _, err := w.processOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.ErrorContext(ctx, "outbox iteration failed",
				"module", "events.outbox_worker",
				"layer", "adapter",
				"operation", "process_once",
				"outcome", "failure",
				"error", err,
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.clock.After(w.interval):
		}
	}
}

func (w *OutboxWorker) processOnce(ctx context.Context) (int, error) {
	records, err := w.outbox.FetchUnpublished(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, rec := range records {
		now := w.clock.Now().UTC()
		headers := map[string]string{"event_type": rec.EventType}
		if err := w.publisher.Publish(ctx, rec.Topic, rec.Payload, rec.PartitionKey, headers); err != nil {
			if markErr := w.outbox.MarkFailed(ctx, rec.OutboxID, err.Error(), now); markErr != nil {
				w.logger.WarnContext(ctx, "outbox mark failed", "outbox_id", rec.OutboxID.String(), "error", markErr)
			}
			continue
		}
		if err := w.outbox.MarkPublished(ctx, rec.OutboxID, now); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}
