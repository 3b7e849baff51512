package search

import (
	"context"
	"sort"
	"strings"

	"github.com/juju/clock"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/ports"
)

// DocumentSpec maps a canonical entity onto search documents.
type DocumentSpec struct {
	Name         string
	EntityType   domain.EntityType
	Tracked      []string
	TitleField   string
	SearchFields []string
}

var (
	CitySpec = DocumentSpec{
		Name:         "search.city",
		EntityType:   domain.EntityCity,
		Tracked:      []string{domain.FieldName, domain.FieldNameEn, domain.FieldCountry, domain.FieldStatus},
		TitleField:   domain.FieldName,
		SearchFields: []string{domain.FieldName, domain.FieldNameEn, domain.FieldCountry},
	}
	CoworkingSpec = DocumentSpec{
		Name:         "search.coworking",
		EntityType:   domain.EntityCoworking,
		Tracked:      []string{domain.FieldName, domain.FieldParentID, domain.FieldStatus},
		TitleField:   domain.FieldName,
		SearchFields: []string{domain.FieldName},
	}
)

func DocumentSpecs() []DocumentSpec {
	return []DocumentSpec{CitySpec, CoworkingSpec}
}

type documentStore interface {
	UpsertDocument(ctx context.Context, doc Document) (int64, error)
	DeleteDocument(ctx context.Context, docType, id string) (int64, error)
	CountDocuments(ctx context.Context, docType string) (int64, error)
	ListIDs(ctx context.Context, docType, afterID string, limit int) ([]string, error)
	Fingerprints(ctx context.Context, docType string, ids []string) (map[string]string, error)
}

type representation struct {
	store   documentStore
	spec    DocumentSpec
	tracked []string
	clock   clock.Clock
}

// NewRepresentation exposes the documents of one spec as a downstream
// representation holding every canonical entity.
func NewRepresentation(index *Index, spec DocumentSpec, clk clock.Clock) ports.Representation {
	return newRepresentation(index, spec, clk)
}

func newRepresentation(store documentStore, spec DocumentSpec, clk clock.Clock) *representation {
	if clk == nil {
		clk = clock.WallClock
	}
	tracked := append([]string(nil), spec.Tracked...)
	sort.Strings(tracked)
	return &representation{store: store, spec: spec, tracked: tracked, clock: clk}
}

func (r *representation) Name() string                  { return r.spec.Name }
func (r *representation) EntityType() domain.EntityType { return r.spec.EntityType }
func (r *representation) Coverage() ports.Coverage      { return ports.CoverageAll }
func (r *representation) TrackedFields() []string       { return append([]string(nil), r.tracked...) }

func (r *representation) Upsert(ctx context.Context, snapshot domain.Snapshot) (int64, error) {
	fields := snapshot.Tracked(r.tracked)
	parts := make([]string, 0, len(r.spec.SearchFields))
	for _, f := range r.spec.SearchFields {
		if v := strings.TrimSpace(fields[f]); v != "" {
			parts = append(parts, v)
		}
	}
	return r.store.UpsertDocument(ctx, Document{
		Type:        string(r.spec.EntityType),
		ID:          snapshot.ID,
		Title:       fields[r.spec.TitleField],
		SearchText:  strings.Join(parts, " "),
		Fields:      fields,
		Fingerprint: domain.Fingerprint(fields, r.tracked),
		IndexedAt:   r.clock.Now().UTC(),
	})
}

func (r *representation) Remove(ctx context.Context, id string) (int64, error) {
	return r.store.DeleteDocument(ctx, string(r.spec.EntityType), id)
}

func (r *representation) Count(ctx context.Context) (int64, error) {
	return r.store.CountDocuments(ctx, string(r.spec.EntityType))
}

func (r *representation) ListIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	return r.store.ListIDs(ctx, string(r.spec.EntityType), afterID, limit)
}

func (r *representation) Fingerprints(ctx context.Context, ids []string) (map[string]string, error) {
	return r.store.Fingerprints(ctx, string(r.spec.EntityType), ids)
}
