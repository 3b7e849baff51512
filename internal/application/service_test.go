package application_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/adapters/memory"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/application"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/contracts"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/ports"
)

type harness struct {
	svc           *application.Service
	cities        *memory.Source
	coworkings    *memory.Source
	searchCity    *memory.Representation
	coworkingCity *memory.Representation
	cursors       *memory.CursorStore
	locks         *memory.Lock
	hints         *memory.HintCache
	dedup         *memory.EventDedupRepository
	drift         *memory.DriftReportRepository
}

func newHarness(t *testing.T, mutate func(*application.Config)) *harness {
	t.Helper()
	h := &harness{
		cities:     memory.NewSource(domain.EntityCity),
		coworkings: memory.NewSource(domain.EntityCoworking),
		searchCity: memory.NewRepresentation("search.city", domain.EntityCity,
			[]string{domain.FieldName, domain.FieldNameEn, domain.FieldCountry, domain.FieldStatus}, ports.CoverageAll),
		coworkingCity: memory.NewRepresentation("coworking.city", domain.EntityCity,
			[]string{domain.FieldName, domain.FieldNameEn, domain.FieldCountry}, ports.CoverageReferenced),
		cursors: memory.NewCursorStore(),
		locks:   memory.NewLock(),
		hints:   memory.NewHintCache(),
		dedup:   memory.NewEventDedupRepository(),
		drift:   memory.NewDriftReportRepository(),
	}
	cfg := application.Config{
		ServiceName:          "coworking-service",
		StartupSyncEnabled:   true,
		MinDocumentThreshold: 1,
		DependencyWait:       time.Millisecond,
		DependencyMaxRetries: 2,
		ResyncConcurrency:    3,
		VerifyDeepScan:       true,
		PageSize:             2,
		HintSkipEnabled:      true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := application.NewService(application.Dependencies{
		Config:          cfg,
		Sources:         []ports.SourceFetcher{h.cities, h.coworkings},
		Representations: []ports.Representation{h.searchCity, h.coworkingCity},
		Probes:          []ports.HealthProbe{h.cities, h.coworkings},
		Cursors:         h.cursors,
		Locks:           h.locks,
		Hints:           h.hints,
		DriftReports:    h.drift,
		EventDedup:      h.dedup,
	})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	h.svc = svc
	return h
}

func city(id, name, country string) domain.Snapshot {
	return domain.City{ID: id, Name: name, NameEn: name, Country: country, Status: "active"}.Snapshot()
}

func cityEvent(t *testing.T, eventID, cityID string, op domain.Operation, hints map[string]string) []byte {
	t.Helper()
	raw, err := contracts.Encode(domain.ChangeEvent{
		EventID:       eventID,
		EntityType:    domain.EntityCity,
		EntityID:      cityID,
		Operation:     op,
		Hints:         hints,
		EmittedAt:     time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		SourceService: "city-service",
	})
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	return raw
}

func TestNewServiceRejectsRepresentationWithoutSource(t *testing.T) {
	t.Parallel()

	_, err := application.NewService(application.Dependencies{
		Representations: []ports.Representation{
			memory.NewRepresentation("review.user", domain.EntityUser, []string{domain.FieldName}, ports.CoverageReferenced),
		},
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestApplyReadsCanonicalState(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.cities.Put(city("city-austin", "Austin", "US"))

	res := h.svc.Apply(ctx, "search.city", application.ApplyRequest{
		EntityType: domain.EntityCity,
		ID:         "city-austin",
		Operation:  domain.OpUpdated,
		Hints:      map[string]string{domain.FieldName: "Stale Name"},
	})
	if !res.IsOK() || res.Action != domain.ActionUpserted {
		t.Fatalf("unexpected result: %s", res)
	}
	doc, ok := h.searchCity.Document("city-austin")
	if !ok || doc[domain.FieldName] != "Austin" || doc[domain.FieldCountry] != "US" {
		t.Fatalf("unexpected document: %v", doc)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.cities.Put(city("c1", "Lisbon", "PT"))

	req := application.ApplyRequest{EntityType: domain.EntityCity, ID: "c1", Operation: domain.OpCreated}
	first := h.svc.Apply(ctx, "search.city", req)
	second := h.svc.Apply(ctx, "search.city", req)
	if !first.IsOK() || !second.IsOK() {
		t.Fatalf("unexpected results: %s %s", first, second)
	}
	count, _ := h.searchCity.Count(ctx)
	if count != 1 {
		t.Fatalf("expected one document, got %d", count)
	}
	doc, _ := h.searchCity.Document("c1")
	if doc[domain.FieldName] != "Lisbon" {
		t.Fatalf("unexpected document: %v", doc)
	}
}

func TestApplyUpdatesEveryReferencingRow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.coworkingCity.AddRow("cw-1", "city-austin")
	h.coworkingCity.AddRow("cw-2", "city-austin")
	h.coworkingCity.AddRow("cw-3", "city-denver")
	h.cities.Put(city("city-austin", "Austin", "US"))

	res := h.svc.Apply(ctx, "coworking.city", application.ApplyRequest{EntityType: domain.EntityCity, ID: "city-austin", Operation: domain.OpUpdated})
	if !res.IsOK() || res.Affected != 2 {
		t.Fatalf("unexpected result: %s affected=%d", res, res.Affected)
	}
	for _, row := range []string{"cw-1", "cw-2"} {
		fields, ok := h.coworkingCity.Row(row)
		if !ok || fields[domain.FieldName] != "Austin" {
			t.Fatalf("row %s not updated: %v", row, fields)
		}
	}
	if _, ok := h.coworkingCity.Row("cw-3"); ok {
		t.Fatalf("row of another city must not be touched")
	}

	h.cities.Put(city("city-austin", "Austin TX", "US"))
	res = h.svc.Apply(ctx, "coworking.city", application.ApplyRequest{EntityType: domain.EntityCity, ID: "city-austin", Operation: domain.OpUpdated})
	if !res.IsOK() {
		t.Fatalf("unexpected result: %s", res)
	}
	fields, _ := h.coworkingCity.Row("cw-2")
	if fields[domain.FieldName] != "Austin TX" {
		t.Fatalf("rename not propagated: %v", fields)
	}
}

func TestApplyTreatsMissingSourceAsDelete(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(src *memory.Source)
	}{
		{name: "purged", mutate: func(src *memory.Source) { src.Purge("c1") }},
		{name: "soft deleted", mutate: func(src *memory.Source) { src.SoftDelete("c1", time.Now()) }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil)
			ctx := context.Background()
			h.cities.Put(city("c1", "Porto", "PT"))
			h.searchCity.Seed("c1", map[string]string{domain.FieldName: "Porto"})
			tc.mutate(h.cities)

			res := h.svc.Apply(ctx, "search.city", application.ApplyRequest{EntityType: domain.EntityCity, ID: "c1", Operation: domain.OpUpdated})
			if !res.IsOK() || res.Action != domain.ActionRemoved {
				t.Fatalf("unexpected result: %s", res)
			}
			if _, ok := h.searchCity.Document("c1"); ok {
				t.Fatalf("document should have been removed")
			}
		})
	}
}

func TestApplyDeleteClearsDenormalizedColumns(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.coworkingCity.AddRow("cw-1", "c1")
	h.coworkingCity.Seed("c1", map[string]string{domain.FieldName: "Berlin"})

	res := h.svc.Apply(ctx, "coworking.city", application.ApplyRequest{EntityType: domain.EntityCity, ID: "c1", Operation: domain.OpDeleted})
	if !res.IsOK() || res.Action != domain.ActionRemoved {
		t.Fatalf("unexpected result: %s", res)
	}
	if _, ok := h.coworkingCity.Row("cw-1"); ok {
		t.Fatalf("copied columns should have been cleared")
	}
	again := h.svc.Apply(ctx, "coworking.city", application.ApplyRequest{EntityType: domain.EntityCity, ID: "c1", Operation: domain.OpDeleted})
	if !again.IsOK() || again.Action != domain.ActionNone {
		t.Fatalf("repeated delete should be a no-op, got %s", again)
	}
	if h.cities.Fetches() != 0 {
		t.Fatalf("delete must not fetch the source")
	}
}

func TestApplyOutOfOrderUpdateDoesNotResurrect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.cities.Put(city("c1", "Oslo", "NO"))
	h.cities.SoftDelete("c1", time.Now())

	del := h.svc.Apply(ctx, "search.city", application.ApplyRequest{EntityType: domain.EntityCity, ID: "c1", Operation: domain.OpDeleted})
	late := h.svc.Apply(ctx, "search.city", application.ApplyRequest{EntityType: domain.EntityCity, ID: "c1", Operation: domain.OpUpdated})
	if !del.IsOK() || !late.IsOK() {
		t.Fatalf("unexpected results: %s %s", del, late)
	}
	if _, ok := h.searchCity.Document("c1"); ok {
		t.Fatalf("late update resurrected a deleted entity")
	}
}

func TestApplyFailureClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		setup func(h *harness)
		want  domain.ResultKind
	}{
		{
			name:  "transient fetch",
			setup: func(h *harness) { h.cities.FailFetches(fmt.Errorf("%w: timeout", domain.ErrTransientFetch)) },
			want:  domain.ResultRetryable,
		},
		{
			name:  "transient store",
			setup: func(h *harness) { h.searchCity.FailWrites(fmt.Errorf("%w: conn refused", domain.ErrTransientStore)) },
			want:  domain.ResultRetryable,
		},
		{
			name:  "rejected write",
			setup: func(h *harness) { h.searchCity.FailWrites(fmt.Errorf("%w: value too long", domain.ErrInvalidInput)) },
			want:  domain.ResultFatal,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil)
			h.cities.Put(city("c1", "Rome", "IT"))
			tc.setup(h)

			res := h.svc.Apply(context.Background(), "search.city", application.ApplyRequest{EntityType: domain.EntityCity, ID: "c1", Operation: domain.OpUpdated})
			if res.Kind != tc.want {
				t.Fatalf("got %s, want %s", res, tc.want)
			}
			if _, ok := h.searchCity.Document("c1"); ok {
				t.Fatalf("failed apply must not leave a document")
			}
		})
	}
}

func TestApplyRejectsBadRequests(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	if res := h.svc.Apply(ctx, "search.nowhere", application.ApplyRequest{EntityType: domain.EntityCity, ID: "c1", Operation: domain.OpUpdated}); !res.IsFatal() || !errors.Is(res.Err, domain.ErrUnknownRepresentation) {
		t.Fatalf("expected unknown representation, got %s", res)
	}
	if res := h.svc.Apply(ctx, "search.city", application.ApplyRequest{EntityType: domain.EntityCity, ID: " ", Operation: domain.OpUpdated}); !res.IsFatal() {
		t.Fatalf("expected fatal for blank id, got %s", res)
	}
	if res := h.svc.Apply(ctx, "search.city", application.ApplyRequest{EntityType: domain.EntityUser, ID: "u1", Operation: domain.OpUpdated}); !errors.Is(res.Err, domain.ErrUnsupportedEvent) {
		t.Fatalf("expected unsupported event, got %s", res)
	}
}

func TestApplyHintSkip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	hints := map[string]string{domain.FieldName: "Austin", domain.FieldNameEn: "Austin", domain.FieldCountry: "US"}

	h := newHarness(t, nil)
	h.coworkingCity.AddRow("cw-1", "c1")
	h.cities.Put(city("c1", "Austin", "US"))
	req := application.ApplyRequest{EntityType: domain.EntityCity, ID: "c1", Operation: domain.OpUpdated, Hints: hints}
	if res := h.svc.Apply(ctx, "coworking.city", req); !res.IsOK() || res.Action != domain.ActionUpserted {
		t.Fatalf("unexpected first result: %s", res)
	}
	if res := h.svc.Apply(ctx, "coworking.city", req); res.Action != domain.ActionSkipped {
		t.Fatalf("expected skip on matching hints, got %s", res)
	}
	if h.cities.Fetches() != 1 {
		t.Fatalf("expected one fetch, got %d", h.cities.Fetches())
	}

	// search.city also tracks status, which events never carry.
	h.svc.Apply(ctx, "search.city", req)
	if res := h.svc.Apply(ctx, "search.city", req); res.Action == domain.ActionSkipped {
		t.Fatalf("partial hints must not skip the fetch")
	}

	disabled := newHarness(t, func(c *application.Config) { c.HintSkipEnabled = false })
	disabled.coworkingCity.AddRow("cw-1", "c1")
	disabled.cities.Put(city("c1", "Austin", "US"))
	disabled.svc.Apply(ctx, "coworking.city", req)
	disabled.svc.Apply(ctx, "coworking.city", req)
	if disabled.cities.Fetches() != 2 {
		t.Fatalf("expected every apply to fetch when hint skip is off, got %d", disabled.cities.Fetches())
	}
}

func TestHandleEventFansOutToEveryRepresentation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.coworkingCity.AddRow("cw-1", "city-austin")
	h.cities.Put(city("city-austin", "Austin", "US"))

	res := h.svc.HandleEvent(ctx, "city.updated", cityEvent(t, "evt-1", "city-austin", domain.OpUpdated, nil))
	if !res.IsOK() {
		t.Fatalf("unexpected result: %s", res)
	}
	if doc, ok := h.searchCity.Document("city-austin"); !ok || doc[domain.FieldName] != "Austin" {
		t.Fatalf("search document not written: %v", doc)
	}
	if row, ok := h.coworkingCity.Row("cw-1"); !ok || row[domain.FieldName] != "Austin" {
		t.Fatalf("denormalized row not written: %v", row)
	}
}

func TestHandleEventDeduplicatesRedelivery(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.cities.Put(city("c1", "Madrid", "ES"))
	payload := cityEvent(t, "evt-dup", "c1", domain.OpUpdated, nil)

	if res := h.svc.HandleEvent(ctx, "city.updated", payload); !res.IsOK() {
		t.Fatalf("unexpected first result: %s", res)
	}
	fetches := h.cities.Fetches()
	res := h.svc.HandleEvent(ctx, "city.updated", payload)
	if !res.IsOK() || res.Action != domain.ActionSkipped {
		t.Fatalf("expected duplicate skip, got %s", res)
	}
	if h.cities.Fetches() != fetches {
		t.Fatalf("duplicate delivery fetched the source again")
	}
}

func TestHandleEventRetryableIsNotMarkedProcessed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.cities.Put(city("c1", "Paris", "FR"))
	h.cities.FailFetches(fmt.Errorf("%w: 503", domain.ErrTransientFetch))
	payload := cityEvent(t, "evt-retry", "c1", domain.OpUpdated, nil)

	if res := h.svc.HandleEvent(ctx, "city.updated", payload); !res.IsRetryable() {
		t.Fatalf("expected retryable, got %s", res)
	}
	if res := h.svc.HandleEvent(ctx, "city.updated", payload); !res.IsOK() || res.Action == domain.ActionSkipped {
		t.Fatalf("expected redelivery to apply, got %s", res)
	}
	if doc, ok := h.searchCity.Document("c1"); !ok || doc[domain.FieldName] != "Paris" {
		t.Fatalf("unexpected document: %v", doc)
	}
}

func TestHandleEventMalformedIsFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	res := h.svc.HandleEvent(context.Background(), "city.updated", []byte(`{"event_type":"city.updated"}`))
	if !res.IsFatal() || !errors.Is(res.Err, domain.ErrMalformedEvent) {
		t.Fatalf("expected fatal malformed event, got %s", res)
	}
}

func TestHandleEventIgnoresUntrackedEntity(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	raw, err := contracts.Encode(domain.ChangeEvent{EventID: "e-u", EntityType: domain.EntityUser, EntityID: "u1", Operation: domain.OpUpdated})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	res := h.svc.HandleEvent(context.Background(), "user.updated", raw)
	if !res.IsOK() || res.Action != domain.ActionNone {
		t.Fatalf("expected no-op, got %s", res)
	}
}

type unwritableDedup struct {
	*memory.EventDedupRepository
}

func (unwritableDedup) MarkProcessed(context.Context, string, string, time.Time) error {
	return errors.New("dedup table unavailable")
}

func TestHandleEventLogsDedupWriteFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var logs bytes.Buffer
	cities := memory.NewSource(domain.EntityCity)
	cities.Put(city("c1", "Porto", "PT"))
	index := memory.NewRepresentation("search.city", domain.EntityCity, []string{domain.FieldName}, ports.CoverageAll)
	svc, err := application.NewService(application.Dependencies{
		Logger:          slog.New(slog.NewJSONHandler(&logs, nil)),
		Sources:         []ports.SourceFetcher{cities},
		Representations: []ports.Representation{index},
		EventDedup:      unwritableDedup{memory.NewEventDedupRepository()},
	})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}

	payload := cityEvent(t, "evt-unrecorded", "c1", domain.OpUpdated, nil)
	if res := svc.HandleEvent(ctx, "city.updated", payload); !res.IsOK() {
		t.Fatalf("a dedup write failure must not fail the event: %s", res)
	}
	if !strings.Contains(logs.String(), "event dedup record failed") || !strings.Contains(logs.String(), "evt-unrecorded") {
		t.Fatalf("dedup write failure was not logged: %s", logs.String())
	}
	if res := svc.HandleEvent(ctx, "city.updated", payload); res.Action == domain.ActionSkipped {
		t.Fatalf("an unrecorded event must be applied again on redelivery")
	}
}
