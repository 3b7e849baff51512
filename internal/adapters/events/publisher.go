package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/contracts"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
)

// LoggingPublisher stands in for the broker when the relay runs without
// KAFKA_BROKERS. It still decodes every payload so a malformed change event
// fails the outbox row instead of disappearing into the log.
type LoggingPublisher struct {
	logger *slog.Logger
}

func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, topic string, payload []byte, partitionKey string, headers map[string]string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", domain.ErrInvalidInput)
	}
	evt, err := contracts.Decode(payload)
	if err != nil {
		p.logger.WarnContext(ctx, "change event rejected",
			"module", "events.logging_publisher",
			"operation", "publish",
			"outcome", "rejected",
			"topic", topic,
			"error", err,
		)
		return err
	}
	p.logger.InfoContext(ctx, "change event emitted",
		"module", "events.logging_publisher",
		"operation", "publish",
		"outcome", "logged",
		"topic", topic,
		"event_id", evt.EventID,
		"entity_type", string(evt.EntityType),
		"entity_id", evt.EntityID,
		"partition_key", partitionKey,
		"attempt", headers[HeaderAttempt],
	)
	return nil
}
