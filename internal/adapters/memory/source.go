package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
)

// Source is an in-process canonical owner. Soft-deleted records stay in
// the map and are reported as not found.
type Source struct {
	mu         sync.RWMutex
	entity     domain.EntityType
	records    map[string]domain.Snapshot
	fetchFails []error
	pingErr    error
	fetches    int
}

func NewSource(entity domain.EntityType) *Source {
	return &Source{entity: entity, records: map[string]domain.Snapshot{}}
}

func (s *Source) EntityType() domain.EntityType { return s.entity }

func (s *Source) Name() string { return string(s.entity) + "-source" }

func (s *Source) Put(snapshot domain.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot.Type = s.entity
	snapshot.Fields = copyFields(snapshot.Fields)
	s.records[snapshot.ID] = snapshot
}

func (s *Source) SoftDelete(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return
	}
	rec.Metadata = domain.SoftDelete(rec.Metadata, at)
	s.records[id] = rec
}

func (s *Source) Purge(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
}

// FailFetches makes the next len(errs) fetches return errs in order.
func (s *Source) FailFetches(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchFails = append(s.fetchFails, errs...)
}

func (s *Source) SetPingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

func (s *Source) Fetches() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetches
}

func (s *Source) Fetch(_ context.Context, id string) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if len(s.fetchFails) > 0 {
		err := s.fetchFails[0]
		s.fetchFails = s.fetchFails[1:]
		return domain.Snapshot{}, err
	}
	rec, ok := s.records[id]
	if !ok || rec.IsDeleted() {
		return domain.Snapshot{}, fmt.Errorf("%w: %s %s", domain.ErrNotFoundAtSource, s.entity, id)
	}
	rec.Fields = copyFields(rec.Fields)
	return rec, nil
}

func (s *Source) List(_ context.Context, afterID string, limit int) ([]domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id, rec := range s.records {
		if id > afterID && !rec.IsDeleted() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]domain.Snapshot, 0, len(ids))
	for _, id := range ids {
		rec := s.records[id]
		rec.Fields = copyFields(rec.Fields)
		out = append(out, rec)
	}
	return out, nil
}

func (s *Source) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, rec := range s.records {
		if !rec.IsDeleted() {
			n++
		}
	}
	return n, nil
}

func (s *Source) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pingErr
}

func copyFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
