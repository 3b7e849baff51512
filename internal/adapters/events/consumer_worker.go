package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/ports"
)

type Handler interface {
	HandleEvent(ctx context.Context, topic string, payload []byte) domain.Result
}

type ConsumerWorker struct {
	logger     *slog.Logger
	clock      clock.Clock
	consumer   Consumer
	publisher  ports.EventPublisher
	handler    Handler
	redelivery Redelivery
	interval   time.Duration
	batchSize  int
}

func NewConsumerWorker(logger *slog.Logger, clk clock.Clock, consumer Consumer, publisher ports.EventPublisher, handler Handler, service string, redelivery Redelivery, interval time.Duration) *ConsumerWorker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &ConsumerWorker{
		logger:     logger,
		clock:      clk,
		consumer:   consumer,
		publisher:  publisher,
		handler:    handler,
		redelivery: redelivery.WithDefaults(service),
		interval:   interval,
		batchSize:  50,
	}
}

func (w *ConsumerWorker) Run(ctx context.Context) error {
	for {
		n, err := w.processOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.ErrorContext(ctx, "consumer iteration failed",
				"module", "events.consumer_worker",
				"layer", "adapter",
				"operation", "process_once",
				"outcome", "failure",
				"error", err,
			)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.clock.After(w.interval):
		}
	}
}

func (w *ConsumerWorker) processOnce(ctx context.Context) (int, error) {
	msgs, err := w.consumer.Fetch(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	for i, msg := range msgs {
		if err := w.deliver(ctx, msg); err != nil {
			return i, err
		}
		if err := w.consumer.Commit(ctx, msg); err != nil {
			return i, err
		}
	}
	return len(msgs), nil
}

// deliver hands one message to the handler and routes a failed result. A nil
// return means the message may be committed.
//
// On the retry topic the worker waits for each message's not-before in
// offset order, so a long backoff at the head delays later retries that are
// already due. Each backoff is capped at MaxDelay, which bounds that wait.
func (w *ConsumerWorker) deliver(ctx context.Context, msg Message) error {
	if notBefore := msg.NotBefore(); !notBefore.IsZero() {
		if wait := notBefore.Sub(w.clock.Now()); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.clock.After(wait):
			}
		}
	}

	topic := msg.OriginalTopic()
	attempt := msg.Attempt()
	res := w.handler.HandleEvent(ctx, topic, msg.Payload)
	if res.IsOK() {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if res.IsRetryable() && !w.redelivery.Exhausted(attempt) {
		delay := w.redelivery.Backoff(attempt)
		headers := copyHeaders(msg.Headers)
		headers[HeaderOriginalTopic] = topic
		headers[HeaderAttempt] = strconv.Itoa(attempt + 1)
		headers[HeaderNotBefore] = w.clock.Now().Add(delay).UTC().Format(time.RFC3339Nano)
		headers[HeaderLastError] = errorText(res.Err)
		if err := w.route(ctx, w.redelivery.RetryTopic, msg, headers); err != nil {
			return err
		}
		w.logger.WarnContext(ctx, "event scheduled for redelivery",
			"module", "events.consumer_worker",
			"layer", "adapter",
			"operation", "redeliver",
			"outcome", string(res.Kind),
			"topic", topic,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"error", res.Err,
		)
		return nil
	}

	reason := "fatal"
	if res.IsRetryable() {
		reason = "attempts_exhausted"
	}
	headers := copyHeaders(msg.Headers)
	headers[HeaderOriginalTopic] = topic
	headers[HeaderAttempt] = strconv.Itoa(attempt)
	headers[HeaderDeadReason] = reason
	headers[HeaderLastError] = errorText(res.Err)
	if err := w.route(ctx, w.redelivery.DeadLetterTopic, msg, headers); err != nil {
		return err
	}
	w.logger.ErrorContext(ctx, "event dead-lettered",
		"module", "events.consumer_worker",
		"layer", "adapter",
		"operation", "dead_letter",
		"outcome", reason,
		"topic", topic,
		"attempt", attempt,
		"error", res.Err,
	)
	return nil
}

// route publishes msg to a retry or dead-letter topic. The reader has already
// moved past msg, so giving up here would lose it: publishing is retried
// with capped backoff until it succeeds or ctx ends. The handler is not run
// again.
func (w *ConsumerWorker) route(ctx context.Context, topic string, msg Message, headers map[string]string) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return w.publisher.Publish(ctx, topic, msg.Payload, msg.Key, headers)
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       w.redelivery.BaseDelay,
		MaxDelay:    w.redelivery.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       w.clock,
		Stop:        ctx.Done(),
		NotifyFunc: func(err error, attempt int) {
			w.logger.WarnContext(ctx, "routing publish failed, retrying",
				"module", "events.consumer_worker",
				"layer", "adapter",
				"operation", "route",
				"outcome", "failure",
				"topic", topic,
				"attempt", attempt,
				"error", err,
			)
		},
	})
	if err != nil {
		return fmt.Errorf("route to %s: %w", topic, retry.LastError(err))
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
