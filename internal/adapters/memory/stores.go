package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/ports"
)

type CursorStore struct {
	mu      sync.RWMutex
	records map[string]domain.ReconciliationCursor
}

func NewCursorStore() *CursorStore {
	return &CursorStore{records: map[string]domain.ReconciliationCursor{}}
}

func (s *CursorStore) Get(_ context.Context, representation string) (domain.ReconciliationCursor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.records[representation]
	return c, ok, nil
}

func (s *CursorStore) Put(_ context.Context, cursor domain.ReconciliationCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[cursor.Representation] = cursor
	return nil
}

// Lock is a process-local lease table. Leases are not expired by ttl; tests
// release them explicitly.
type Lock struct {
	mu   sync.Mutex
	held map[string]string
}

func NewLock() *Lock {
	return &Lock{held: map[string]string{}}
}

func (l *Lock) Acquire(_ context.Context, key string, _ time.Duration) (func(context.Context), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return func(context.Context) {}, false, nil
	}
	token := uuid.NewString()
	l.held[key] = token
	return func(context.Context) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key] == token {
			delete(l.held, key)
		}
	}, true, nil
}

func (l *Lock) Held(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok, nil
}

type HintCache struct {
	mu      sync.RWMutex
	records map[string]string
}

func NewHintCache() *HintCache {
	return &HintCache{records: map[string]string{}}
}

func (c *HintCache) Get(_ context.Context, representation, id string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.records[representation+":"+id]
	return v, ok, nil
}

func (c *HintCache) Set(_ context.Context, representation, id, fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[representation+":"+id] = fingerprint
	return nil
}

func (c *HintCache) Delete(_ context.Context, representation, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, representation+":"+id)
	return nil
}

type dedupRecord struct {
	eventType string
	expiresAt time.Time
}

type EventDedupRepository struct {
	mu      sync.RWMutex
	records map[string]dedupRecord
}

func NewEventDedupRepository() *EventDedupRepository {
	return &EventDedupRepository{records: map[string]dedupRecord{}}
}

func (r *EventDedupRepository) IsDuplicate(_ context.Context, eventID string, now time.Time) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[eventID]
	return ok && rec.expiresAt.After(now), nil
}

func (r *EventDedupRepository) MarkProcessed(_ context.Context, eventID, eventType string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[eventID] = dedupRecord{eventType: eventType, expiresAt: expiresAt}
	return nil
}

func (r *EventDedupRepository) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, rec := range r.records {
		if !rec.expiresAt.After(now) {
			delete(r.records, id)
			n++
		}
	}
	return n, nil
}

type DriftReportRepository struct {
	mu       sync.RWMutex
	findings []domain.DriftFinding
}

func NewDriftReportRepository() *DriftReportRepository {
	return &DriftReportRepository{}
}

func (r *DriftReportRepository) Save(_ context.Context, findings []domain.DriftFinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findings = append(r.findings, findings...)
	return nil
}

func (r *DriftReportRepository) ListRecent(_ context.Context, representation string, limit int) ([]domain.DriftFinding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.DriftFinding, 0, len(r.findings))
	for i := len(r.findings) - 1; i >= 0; i-- {
		f := r.findings[i]
		if representation != "" && f.Representation != representation {
			continue
		}
		out = append(out, f)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type OutboxRepository struct {
	mu      sync.RWMutex
	records map[uuid.UUID]ports.OutboxRecord
}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{records: map[uuid.UUID]ports.OutboxRecord{}}
}

func (r *OutboxRepository) Enqueue(_ context.Context, event ports.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[event.EventID] = ports.OutboxRecord{
		OutboxID:     event.EventID,
		EventType:    event.EventType,
		Topic:        event.Topic,
		PartitionKey: event.PartitionKey,
		Payload:      append([]byte(nil), event.Payload...),
		FirstSeenAt:  event.OccurredAt,
	}
	return nil
}

func (r *OutboxRepository) FetchUnpublished(_ context.Context, limit int) ([]ports.OutboxRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ports.OutboxRecord, 0, len(r.records))
	for _, rec := range r.records {
		if rec.PublishedAt == nil {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeenAt.Before(out[j].FirstSeenAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *OutboxRepository) MarkPublished(_ context.Context, outboxID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[outboxID]
	if !ok {
		return nil
	}
	at = at.UTC()
	rec.PublishedAt = &at
	r.records[outboxID] = rec
	return nil
}

func (r *OutboxRepository) MarkFailed(_ context.Context, outboxID uuid.UUID, errMsg string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[outboxID]
	if !ok {
		return nil
	}
	at = at.UTC()
	rec.RetryCount++
	rec.LastError = &errMsg
	rec.LastErrorAt = &at
	r.records[outboxID] = rec
	return nil
}
