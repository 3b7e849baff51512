package events

import (
	"context"
	"sync"
)

// MemoryBus is an in-process bus with the same delivery model as the Kafka
// adapters: every consumer group gets its own copy of each topic and the
// members of one group share it.
type MemoryBus struct {
	mu        sync.Mutex
	groups    map[string]*memoryGroup
	published map[string][]Message
}

type memoryGroup struct {
	topics map[string]struct{}
	queue  []Message
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		groups:    make(map[string]*memoryGroup),
		published: make(map[string][]Message),
	}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte, partitionKey string, headers map[string]string) error {
	msg := Message{
		Topic:   topic,
		Key:     partitionKey,
		Payload: append([]byte(nil), payload...),
		Headers: copyHeaders(headers),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[topic] = append(b.published[topic], msg)
	for _, g := range b.groups {
		if _, ok := g.topics[topic]; ok {
			g.queue = append(g.queue, msg)
		}
	}
	return nil
}

// Subscribe joins groupID for topics. Messages published before the first
// subscription of a group are not replayed.
func (b *MemoryBus) Subscribe(groupID string, topics ...string) *MemoryConsumer {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[groupID]
	if !ok {
		g = &memoryGroup{topics: make(map[string]struct{})}
		b.groups[groupID] = g
	}
	for _, t := range topics {
		g.topics[t] = struct{}{}
	}
	return &MemoryConsumer{bus: b, group: g, topics: toSet(topics)}
}

// Published returns every message ever published on topic.
func (b *MemoryBus) Published(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published[topic]...)
}

type MemoryConsumer struct {
	bus    *MemoryBus
	group  *memoryGroup
	topics map[string]struct{}
}

func (c *MemoryConsumer) Fetch(ctx context.Context, max int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	var out, rest []Message
	for _, msg := range c.group.queue {
		if _, mine := c.topics[msg.Topic]; mine && len(out) < max {
			out = append(out, msg)
			continue
		}
		rest = append(rest, msg)
	}
	c.group.queue = rest
	return out, nil
}

func (c *MemoryConsumer) Commit(context.Context, ...Message) error { return nil }

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}
