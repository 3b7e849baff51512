package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/ports"
)

// Representation is an in-process downstream copy. With CoverageAll it acts
// as a document index; with CoverageReferenced it acts as denormalized
// columns on rows registered through AddRow.
type Representation struct {
	mu         sync.RWMutex
	name       string
	entity     domain.EntityType
	tracked    []string
	coverage   ports.Coverage
	docs       map[string]map[string]string
	rows       map[string]*referencingRow
	writeFails []error
	writes     int
}

type referencingRow struct {
	refID  string
	fields map[string]string
}

func NewRepresentation(name string, entity domain.EntityType, tracked []string, coverage ports.Coverage) *Representation {
	t := append([]string(nil), tracked...)
	sort.Strings(t)
	return &Representation{
		name:     name,
		entity:   entity,
		tracked:  t,
		coverage: coverage,
		docs:     map[string]map[string]string{},
		rows:     map[string]*referencingRow{},
	}
}

func (r *Representation) Name() string                  { return r.name }
func (r *Representation) EntityType() domain.EntityType { return r.entity }
func (r *Representation) Coverage() ports.Coverage      { return r.coverage }
func (r *Representation) TrackedFields() []string       { return append([]string(nil), r.tracked...) }

// AddRow registers a downstream row referencing refID with no copied fields.
func (r *Representation) AddRow(rowID, refID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[rowID] = &referencingRow{refID: refID}
}

// Seed writes fields directly, bypassing the applier.
func (r *Representation) Seed(id string, fields map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.coverage == ports.CoverageAll {
		r.docs[id] = copyFields(fields)
		return
	}
	for _, row := range r.rows {
		if row.refID == id {
			row.fields = copyFields(fields)
		}
	}
}

// FailWrites makes the next len(errs) upserts or removes return errs.
func (r *Representation) FailWrites(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeFails = append(r.writeFails, errs...)
}

func (r *Representation) Writes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.writes
}

// Document returns the copied fields for a canonical id.
func (r *Representation) Document(id string) (map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.coverage == ports.CoverageAll {
		doc, ok := r.docs[id]
		return copyFields(doc), ok
	}
	for _, row := range r.rows {
		if row.refID == id && row.fields != nil {
			return copyFields(row.fields), true
		}
	}
	return nil, false
}

// Row returns the copied fields of one referencing row.
func (r *Representation) Row(rowID string) (map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[rowID]
	if !ok || row.fields == nil {
		return nil, false
	}
	return copyFields(row.fields), true
}

func (r *Representation) Upsert(_ context.Context, snapshot domain.Snapshot) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.nextWriteFailure(); err != nil {
		return 0, err
	}
	fields := snapshot.Tracked(r.tracked)
	if r.coverage == ports.CoverageAll {
		r.docs[snapshot.ID] = fields
		return 1, nil
	}
	var n int64
	for _, row := range r.rows {
		if row.refID == snapshot.ID {
			row.fields = copyFields(fields)
			n++
		}
	}
	return n, nil
}

func (r *Representation) Remove(_ context.Context, id string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.nextWriteFailure(); err != nil {
		return 0, err
	}
	if r.coverage == ports.CoverageAll {
		if _, ok := r.docs[id]; !ok {
			return 0, nil
		}
		delete(r.docs, id)
		return 1, nil
	}
	var n int64
	for _, row := range r.rows {
		if row.refID == id && row.fields != nil {
			row.fields = nil
			n++
		}
	}
	return n, nil
}

func (r *Representation) Count(_ context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.ids(true))), nil
}

func (r *Representation) ListIDs(_ context.Context, afterID string, limit int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.ids(false)
	out := make([]string, 0, limit)
	for _, id := range ids {
		if id <= afterID {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, id)
	}
	return out, nil
}

func (r *Representation) Fingerprints(_ context.Context, ids []string) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if r.coverage == ports.CoverageAll {
			if doc, ok := r.docs[id]; ok {
				out[id] = domain.Fingerprint(doc, r.tracked)
			}
			continue
		}
		if fp, ok := r.referencedFingerprint(id); ok {
			out[id] = fp
		}
	}
	return out, nil
}

// referencedFingerprint folds the rows referencing id into one fingerprint
// or one of the ports.Fingerprint constants.
func (r *Representation) referencedFingerprint(id string) (string, bool) {
	var total, populated int
	distinct := map[string]struct{}{}
	for _, row := range r.rows {
		if row.refID != id {
			continue
		}
		total++
		if row.fields != nil {
			populated++
			distinct[domain.Fingerprint(row.fields, r.tracked)] = struct{}{}
		}
	}
	switch {
	case total == 0:
		return "", false
	case populated == 0:
		return ports.FingerprintUnpopulated, true
	case populated < total:
		return ports.FingerprintPartial, true
	case len(distinct) > 1:
		return ports.FingerprintDivergent, true
	}
	for fp := range distinct {
		return fp, true
	}
	return "", false
}

// ids lists canonical ids in ascending order. Referenced ids without a
// populated row are included unless populatedOnly is set.
func (r *Representation) ids(populatedOnly bool) []string {
	seen := make(map[string]struct{})
	if r.coverage == ports.CoverageAll {
		for id := range r.docs {
			seen[id] = struct{}{}
		}
	} else {
		for _, row := range r.rows {
			if row.fields != nil || !populatedOnly {
				seen[row.refID] = struct{}{}
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Representation) nextWriteFailure() error {
	r.writes++
	if len(r.writeFails) == 0 {
		return nil
	}
	err := r.writeFails[0]
	r.writeFails = r.writeFails[1:]
	return err
}
