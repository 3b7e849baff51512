package application_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/application"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
)

func seedCities(h *harness, n int) {
	for i := 0; i < n; i++ {
		h.cities.Put(city(fmt.Sprintf("city-%02d", i), fmt.Sprintf("City %d", i), "US"))
	}
}

func reportFor(t *testing.T, reports []domain.ResyncReport, name string) domain.ResyncReport {
	t.Helper()
	for _, r := range reports {
		if r.Representation == name {
			return r
		}
	}
	t.Fatalf("no report for %s in %+v", name, reports)
	return domain.ResyncReport{}
}

func TestStartupReconcileRebuildsEmptyIndex(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	seedCities(h, 5)

	reports := h.svc.StartupReconcile(ctx)
	got := reportFor(t, reports, "search.city")
	if got.Phase != domain.PhaseDone || got.Succeeded != 5 || got.Failed != 0 || got.Count != 0 {
		t.Fatalf("unexpected report: %+v", got)
	}
	count, _ := h.searchCity.Count(ctx)
	if count != 5 {
		t.Fatalf("expected 5 documents, got %d", count)
	}

	cursor, ok, _ := h.cursors.Get(ctx, "search.city")
	if !ok || cursor.Phase != domain.PhaseDone || cursor.LastFullSyncAt == nil || cursor.LastCount != 5 || cursor.LastResyncSucceeded != 5 {
		t.Fatalf("unexpected cursor: %+v", cursor)
	}

	if again := h.svc.StartupReconcile(ctx); again != nil {
		t.Fatalf("startup reconciliation must run once, got %+v", again)
	}
}

func TestStartupReconcileSkipsPopulatedRepresentation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	seedCities(h, 3)
	h.searchCity.Seed("city-00", map[string]string{domain.FieldName: "City 0"})

	reports := h.svc.StartupReconcile(ctx)
	got := reportFor(t, reports, "search.city")
	if got.Phase != domain.PhaseSkip || got.Count != 1 {
		t.Fatalf("unexpected report: %+v", got)
	}
	count, _ := h.searchCity.Count(ctx)
	if count != 1 {
		t.Fatalf("skip must not write documents, got %d", count)
	}
}

func TestStartupReconcileThresholdAndForce(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		threshold int64
		force     bool
		want      domain.ReconcilePhase
	}{
		{name: "below threshold", threshold: 10, want: domain.PhaseDone},
		{name: "at threshold", threshold: 2, want: domain.PhaseSkip},
		{name: "forced", threshold: 1, force: true, want: domain.PhaseDone},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, func(c *application.Config) {
				c.MinDocumentThreshold = tc.threshold
				c.ForceFullSync = tc.force
			})
			seedCities(h, 4)
			h.searchCity.Seed("city-00", map[string]string{domain.FieldName: "City 0"})
			h.searchCity.Seed("city-01", map[string]string{domain.FieldName: "City 1"})

			got := reportFor(t, h.svc.StartupReconcile(context.Background()), "search.city")
			if got.Phase != tc.want {
				t.Fatalf("got phase %s, want %s", got.Phase, tc.want)
			}
		})
	}
}

func TestStartupReconcileDisabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *application.Config) { c.StartupSyncEnabled = false })
	seedCities(h, 2)

	if reports := h.svc.StartupReconcile(context.Background()); len(reports) != 0 {
		t.Fatalf("expected no reports, got %+v", reports)
	}
	if h.cities.Fetches() != 0 {
		t.Fatalf("disabled startup sync fetched the source")
	}
}

func TestStartupReconcileProceedsWhenDependencyIsDown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	seedCities(h, 2)
	h.coworkings.SetPingError(errors.New("connection refused"))

	got := reportFor(t, h.svc.StartupReconcile(context.Background()), "search.city")
	if got.Phase != domain.PhaseDone || got.Succeeded != 2 {
		t.Fatalf("expected resync to proceed, got %+v", got)
	}
}

func TestWaitForDependencies(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.svc.WaitForDependencies(ctx); err != nil {
		t.Fatalf("expected healthy dependencies, got %v", err)
	}
	h.cities.SetPingError(errors.New("dial tcp: refused"))
	err := h.svc.WaitForDependencies(ctx)
	if !errors.Is(err, domain.ErrDependencyUnavailable) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
}

func TestFullResyncToleratesPerEntityFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	seedCities(h, 5)
	h.cities.FailFetches(fmt.Errorf("%w: 502", domain.ErrTransientFetch))

	got, err := h.svc.TriggerResync(ctx, "search.city")
	if err != nil {
		t.Fatalf("TriggerResync error: %v", err)
	}
	if got.Succeeded != 4 || got.Failed != 1 || got.Phase != domain.PhaseDone {
		t.Fatalf("unexpected report: %+v", got)
	}
	count, _ := h.searchCity.Count(ctx)
	if count != 4 {
		t.Fatalf("expected 4 documents, got %d", count)
	}
}

func TestFullResyncRemovesEntitiesMissingFromSource(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	seedCities(h, 3)
	h.cities.SoftDelete("city-01", time.Now())

	got, err := h.svc.TriggerResync(ctx, "search.city")
	if err != nil {
		t.Fatalf("TriggerResync error: %v", err)
	}
	if got.Succeeded != 2 {
		t.Fatalf("unexpected report: %+v", got)
	}
	if _, ok := h.searchCity.Document("city-01"); ok {
		t.Fatalf("soft-deleted city must not be indexed")
	}
}

func TestTriggerResyncRejectedWhileLockHeld(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	seedCities(h, 2)

	release, ok, _ := h.locks.Acquire(ctx, "resync:search.city", time.Minute)
	if !ok {
		t.Fatalf("expected to acquire lock")
	}
	defer release(ctx)

	got, err := h.svc.TriggerResync(ctx, "search.city")
	if !errors.Is(err, domain.ErrResyncInProgress) {
		t.Fatalf("expected resync in progress, got %v", err)
	}
	if got.Phase != domain.PhaseSkip || h.cities.Fetches() != 0 {
		t.Fatalf("resync ran despite the lock: %+v", got)
	}
	if h.svc.ResyncInProgress("search.city") {
		t.Fatalf("local flag must be cleared after rejection")
	}
}

func TestTriggerResyncUnknownRepresentation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	if _, err := h.svc.TriggerResync(context.Background(), "search.unknown"); !errors.Is(err, domain.ErrUnknownRepresentation) {
		t.Fatalf("expected unknown representation, got %v", err)
	}
}

func TestCursorsListsEveryRepresentation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	cursors := h.svc.Cursors(context.Background())
	if len(cursors) != 2 || cursors[0].Representation != "search.city" || cursors[1].Representation != "coworking.city" {
		t.Fatalf("unexpected cursors: %+v", cursors)
	}
	if cursors[0].MinDocumentThreshold != 1 {
		t.Fatalf("threshold should come from config, got %d", cursors[0].MinDocumentThreshold)
	}
}
