// Package emitter is the producer side of the change-event contract. Owner
// services record events into their transactional outbox; the relay worker
// publishes them.
package emitter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/contracts"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/ports"
)

type Recorder struct {
	outbox  ports.OutboxRepository
	service string
	clock   clock.Clock
}

func NewRecorder(outbox ports.OutboxRepository, service string, clk clock.Clock) *Recorder {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Recorder{outbox: outbox, service: service, clock: clk}
}

// Topic is the bus topic an event is published on.
func Topic(entity domain.EntityType, op domain.Operation) string {
	return domain.EventTypeName(entity, op)
}

// Topics lists every topic that carries events for entity.
func Topics(entity domain.EntityType) []string {
	return []string{
		Topic(entity, domain.OpCreated),
		Topic(entity, domain.OpUpdated),
		Topic(entity, domain.OpDeleted),
	}
}

// Record enqueues evt. Missing event id, emission time and source service
// are filled in.
func (r *Recorder) Record(ctx context.Context, evt domain.ChangeEvent) (domain.ChangeEvent, error) {
	eventID, err := uuid.Parse(evt.EventID)
	if err != nil {
		eventID = uuid.New()
		evt.EventID = eventID.String()
	}
	if evt.EmittedAt.IsZero() {
		evt.EmittedAt = r.clock.Now().UTC()
	}
	if evt.SourceService == "" {
		evt.SourceService = r.service
	}
	payload, err := contracts.Encode(evt)
	if err != nil {
		return evt, err
	}
	if err := r.outbox.Enqueue(ctx, ports.OutboxEvent{
		EventID:      eventID,
		EventType:    evt.EventType(),
		Topic:        Topic(evt.EntityType, evt.Operation),
		PartitionKey: evt.EntityID,
		Payload:      payload,
		OccurredAt:   evt.EmittedAt,
	}); err != nil {
		return evt, fmt.Errorf("enqueue %s: %w", evt.EventType(), err)
	}
	return evt, nil
}

// Changed records a created or updated event carrying the snapshot fields as
// hints.
func (r *Recorder) Changed(ctx context.Context, snapshot domain.Snapshot, op domain.Operation) (domain.ChangeEvent, error) {
	if op == domain.OpDeleted {
		return domain.ChangeEvent{}, fmt.Errorf("%w: use Deleted for %s", domain.ErrInvalidInput, snapshot.Type)
	}
	return r.Record(ctx, domain.ChangeEvent{
		EntityType: snapshot.Type,
		EntityID:   snapshot.ID,
		Operation:  op,
		Hints:      snapshot.Fields,
		EmittedAt:  latest(snapshot.UpdatedAt, r.clock.Now()),
	})
}

func (r *Recorder) Deleted(ctx context.Context, entity domain.EntityType, id string) (domain.ChangeEvent, error) {
	return r.Record(ctx, domain.ChangeEvent{EntityType: entity, EntityID: id, Operation: domain.OpDeleted})
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a.UTC()
	}
	return b.UTC()
}
