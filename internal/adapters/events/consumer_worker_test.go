package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedHandler returns queued results per payload and ok once a queue is
// empty.
type scriptedHandler struct {
	mu      sync.Mutex
	results map[string][]domain.Result
	calls   []string
}

func (h *scriptedHandler) HandleEvent(_ context.Context, topic string, payload []byte) domain.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, topic+"|"+string(payload))
	queue := h.results[string(payload)]
	if len(queue) == 0 {
		return domain.OK(domain.ActionUpserted, 1)
	}
	h.results[string(payload)] = queue[1:]
	return queue[0]
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	r := Redelivery{BaseDelay: time.Second, MaxDelay: 5 * time.Second}.WithDefaults("svc")
	cases := map[int]time.Duration{0: time.Second, 1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 4: 5 * time.Second, 40: 5 * time.Second}
	for attempt, want := range cases {
		if got := r.Backoff(attempt); got != want {
			t.Fatalf("Backoff(%d) = %s, want %s", attempt, got, want)
		}
	}
	if r.RetryTopic != "svc.retry" || r.DeadLetterTopic != "svc.dlq" || r.MaxAttempts != 5 {
		t.Fatalf("unexpected defaults: %+v", r)
	}
	if r.Exhausted(4) || !r.Exhausted(5) {
		t.Fatalf("unexpected exhaustion boundary")
	}
}

func TestConsumerWorkerRoutesFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	start := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(start)
	bus := NewMemoryBus()
	handler := &scriptedHandler{results: map[string][]domain.Result{
		"retry-me": {domain.Retryable(domain.ErrTransientFetch)},
		"poison":   {domain.Fatal(domain.ErrMalformedEvent)},
	}}
	redelivery := Redelivery{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
	main := NewConsumerWorker(discardLogger(), clk, bus.Subscribe("svc", "city.updated"), bus, handler, "svc", redelivery, time.Second)
	retry := NewConsumerWorker(discardLogger(), clk, bus.Subscribe("svc", "svc.retry"), bus, handler, "svc", redelivery, time.Second)

	for _, p := range []string{"retry-me", "poison", "fine"} {
		if err := bus.Publish(ctx, "city.updated", []byte(p), "city-1", nil); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	n, err := main.processOnce(ctx)
	if err != nil || n != 3 {
		t.Fatalf("processOnce = %d, %v", n, err)
	}

	retried := bus.Published("svc.retry")
	if len(retried) != 1 || string(retried[0].Payload) != "retry-me" || retried[0].Key != "city-1" {
		t.Fatalf("unexpected retry messages: %+v", retried)
	}
	h := retried[0].Headers
	if h[HeaderAttempt] != "2" || h[HeaderOriginalTopic] != "city.updated" || h[HeaderLastError] == "" {
		t.Fatalf("unexpected retry headers: %v", h)
	}
	if want := start.Add(time.Second).Format(time.RFC3339Nano); h[HeaderNotBefore] != want {
		t.Fatalf("not-before = %s, want %s", h[HeaderNotBefore], want)
	}

	dead := bus.Published("svc.dlq")
	if len(dead) != 1 || string(dead[0].Payload) != "poison" || dead[0].Headers[HeaderDeadReason] != "fatal" {
		t.Fatalf("unexpected dead letters: %+v", dead)
	}

	clk.Advance(time.Second)
	n, err = retry.processOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("retry processOnce = %d, %v", n, err)
	}
	last := handler.calls[len(handler.calls)-1]
	if last != "city.updated|retry-me" {
		t.Fatalf("redelivery must use the original topic, got %q", last)
	}
	if len(bus.Published("svc.retry")) != 1 || len(bus.Published("svc.dlq")) != 1 {
		t.Fatalf("successful redelivery must not be routed again")
	}
}

func TestConsumerWorkerDeadLettersExhaustedRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := testclock.NewClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	bus := NewMemoryBus()
	failing := domain.Retryable(domain.ErrTransientStore)
	handler := &scriptedHandler{results: map[string][]domain.Result{"flaky": {failing, failing, failing}}}
	redelivery := Redelivery{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Minute}
	main := NewConsumerWorker(discardLogger(), clk, bus.Subscribe("svc", "user.updated"), bus, handler, "svc", redelivery, time.Second)
	retry := NewConsumerWorker(discardLogger(), clk, bus.Subscribe("svc", "svc.retry"), bus, handler, "svc", redelivery, time.Second)

	_ = bus.Publish(ctx, "user.updated", []byte("flaky"), "u-1", nil)
	if _, err := main.processOnce(ctx); err != nil {
		t.Fatalf("processOnce: %v", err)
	}
	clk.Advance(time.Second)
	if _, err := retry.processOnce(ctx); err != nil {
		t.Fatalf("retry processOnce: %v", err)
	}

	dead := bus.Published("svc.dlq")
	if len(dead) != 1 || dead[0].Headers[HeaderDeadReason] != "attempts_exhausted" || dead[0].Headers[HeaderAttempt] != "2" {
		t.Fatalf("unexpected dead letters: %+v", dead)
	}
	if dead[0].Headers[HeaderOriginalTopic] != "user.updated" {
		t.Fatalf("dead letter lost the original topic: %v", dead[0].Headers)
	}
}

type recordingConsumer struct {
	msgs      []Message
	committed []string
}

func (c *recordingConsumer) Fetch(context.Context, int) ([]Message, error) {
	out := c.msgs
	c.msgs = nil
	return out, nil
}

func (c *recordingConsumer) Commit(_ context.Context, msgs ...Message) error {
	for _, m := range msgs {
		c.committed = append(c.committed, string(m.Payload))
	}
	return nil
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, []byte, string, map[string]string) error {
	return errors.New("broker unavailable")
}

// flakyPublisher fails the first failures publishes, then forwards to next.
// Every attempt is reported on attempts when it is set.
type flakyPublisher struct {
	mu       sync.Mutex
	failures int
	next     *MemoryBus
	attempts chan string
}

func (p *flakyPublisher) Publish(ctx context.Context, topic string, payload []byte, key string, headers map[string]string) error {
	if p.attempts != nil {
		p.attempts <- topic
	}
	p.mu.Lock()
	fail := p.failures != 0
	if p.failures > 0 {
		p.failures--
	}
	p.mu.Unlock()
	if fail {
		return errors.New("broker unavailable")
	}
	return p.next.Publish(ctx, topic, payload, key, headers)
}

func TestConsumerWorkerRetriesRoutingUntilPublished(t *testing.T) {
	t.Parallel()
	clk := testclock.NewClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	bus := NewMemoryBus()
	consumer := &recordingConsumer{msgs: []Message{
		{Topic: "city.updated", Payload: []byte("ok-1")},
		{Topic: "city.updated", Payload: []byte("broken")},
		{Topic: "city.updated", Payload: []byte("ok-2")},
	}}
	handler := &scriptedHandler{results: map[string][]domain.Result{"broken": {domain.Retryable(domain.ErrTransientFetch)}}}
	publisher := &flakyPublisher{failures: 2, next: bus}
	w := NewConsumerWorker(discardLogger(), clk, consumer, publisher, handler, "svc", Redelivery{BaseDelay: time.Second}, time.Second)

	type outcome struct {
		n   int
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		n, err := w.processOnce(context.Background())
		done <- outcome{n, err}
	}()
	if err := clk.WaitAdvance(time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("first routing backoff: %v", err)
	}
	if err := clk.WaitAdvance(2*time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("second routing backoff: %v", err)
	}

	select {
	case got := <-done:
		if got.err != nil || got.n != 3 {
			t.Fatalf("processOnce = %d, %v", got.n, got.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("processOnce did not finish after the broker recovered")
	}
	retried := bus.Published("svc.retry")
	if len(retried) != 1 || string(retried[0].Payload) != "broken" || retried[0].Headers[HeaderAttempt] != "2" {
		t.Fatalf("retryable event did not reach the retry topic: %+v", retried)
	}
	if len(consumer.committed) != 3 || consumer.committed[1] != "broken" {
		t.Fatalf("unexpected commits: %v", consumer.committed)
	}
	brokenCalls := 0
	for _, c := range handler.calls {
		if c == "city.updated|broken" {
			brokenCalls++
		}
	}
	if brokenCalls != 1 {
		t.Fatalf("routing retries must not rerun the handler, got %d calls", brokenCalls)
	}
}

func TestConsumerWorkerStopsRoutingOnShutdown(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consumer := &recordingConsumer{msgs: []Message{
		{Topic: "city.updated", Payload: []byte("ok-1")},
		{Topic: "city.updated", Payload: []byte("poison")},
		{Topic: "city.updated", Payload: []byte("ok-2")},
	}}
	handler := &scriptedHandler{results: map[string][]domain.Result{"poison": {domain.Fatal(domain.ErrMalformedEvent)}}}
	publisher := &flakyPublisher{failures: -1, next: NewMemoryBus(), attempts: make(chan string, 1)}
	w := NewConsumerWorker(discardLogger(), testclock.NewClock(time.Now()), consumer, publisher, handler, "svc", Redelivery{}, time.Second)

	type outcome struct {
		n   int
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		n, err := w.processOnce(ctx)
		done <- outcome{n, err}
	}()
	if topic := <-publisher.attempts; topic != "svc.dlq" {
		t.Fatalf("unexpected routing topic %s", topic)
	}
	cancel()

	select {
	case got := <-done:
		if got.err == nil || got.n != 1 {
			t.Fatalf("processOnce = %d, %v", got.n, got.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("routing did not stop on shutdown")
	}
	if len(consumer.committed) != 1 || consumer.committed[0] != "ok-1" {
		t.Fatalf("an unrouted message must stay uncommitted: %v", consumer.committed)
	}
}

func TestMessageHeaders(t *testing.T) {
	t.Parallel()

	plain := Message{Topic: "city.created"}
	if plain.OriginalTopic() != "city.created" || plain.Attempt() != 1 || !plain.NotBefore().IsZero() {
		t.Fatalf("unexpected defaults: %s %d %s", plain.OriginalTopic(), plain.Attempt(), plain.NotBefore())
	}
	at := time.Date(2026, 1, 1, 0, 0, 1, 500, time.UTC)
	redelivered := Message{Topic: "svc.retry", Headers: map[string]string{
		HeaderOriginalTopic: "city.created",
		HeaderAttempt:       "3",
		HeaderNotBefore:     at.Format(time.RFC3339Nano),
	}}
	if redelivered.OriginalTopic() != "city.created" || redelivered.Attempt() != 3 || !redelivered.NotBefore().Equal(at) {
		t.Fatalf("unexpected redelivery headers: %+v", redelivered)
	}
}

func TestConsumerWorkerWaitsForNotBefore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	start := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(start)
	bus := NewMemoryBus()
	handler := &scriptedHandler{results: map[string][]domain.Result{}}
	redelivery := Redelivery{BaseDelay: time.Second, MaxDelay: time.Minute}
	retry := NewConsumerWorker(discardLogger(), clk, bus.Subscribe("svc", "svc.retry"), bus, handler, "svc", redelivery, time.Second)

	_ = bus.Publish(ctx, "svc.retry", []byte("late"), "city-1", map[string]string{
		HeaderOriginalTopic: "city.updated",
		HeaderAttempt:       "3",
		HeaderNotBefore:     start.Add(30 * time.Second).Format(time.RFC3339Nano),
	})
	done := make(chan error, 1)
	go func() {
		_, err := retry.processOnce(ctx)
		done <- err
	}()
	if err := clk.WaitAdvance(30*time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("retry reader did not wait for not-before: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("retry processOnce: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("retry reader still waiting after not-before")
	}
	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.calls) != 1 || handler.calls[0] != "city.updated|late" {
		t.Fatalf("unexpected handler calls: %v", handler.calls)
	}
}
