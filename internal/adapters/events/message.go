package events

import (
	"context"
	"strconv"
	"time"
)

const (
	HeaderAttempt       = "x-attempt"
	HeaderNotBefore     = "x-not-before"
	HeaderOriginalTopic = "x-original-topic"
	HeaderLastError     = "x-last-error"
	HeaderDeadReason    = "x-dead-reason"
)

type Message struct {
	Topic     string
	Key       string
	Payload   []byte
	Headers   map[string]string
	Partition int
	Offset    int64

	commit func(ctx context.Context) error
}

// Consumer delivers messages at least once. A message that is not
// committed is delivered again after a rebalance or restart.
type Consumer interface {
	Fetch(ctx context.Context, max int) ([]Message, error)
	Commit(ctx context.Context, msgs ...Message) error
}

// OriginalTopic is the topic the event was first published on, which
// differs from Topic for redelivered messages.
func (m Message) OriginalTopic() string {
	if t := m.Headers[HeaderOriginalTopic]; t != "" {
		return t
	}
	return m.Topic
}

// Attempt is the 1-based delivery attempt carried by the message.
func (m Message) Attempt() int {
	n, err := strconv.Atoi(m.Headers[HeaderAttempt])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func (m Message) NotBefore() time.Time {
	raw := m.Headers[HeaderNotBefore]
	if raw == "" {
		return time.Time{}
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return at
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+4)
	for k, v := range in {
		out[k] = v
	}
	return out
}
