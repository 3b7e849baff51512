package application_test

import (
	"context"
	"testing"
	"time"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/application"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
)

func findingsByID(findings []domain.DriftFinding) map[string]domain.DriftFinding {
	out := make(map[string]domain.DriftFinding, len(findings))
	for _, f := range findings {
		out[f.EntityID] = f
	}
	return out
}

func TestVerifyRepairsEveryDriftKind(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.cities.Put(city("c1", "Austin", "US"))
	h.cities.Put(city("c2", "Denver", "US"))
	h.cities.Put(city("c3", "Boston", "US"))
	h.cities.Put(city("c5", "Seattle", "US"))

	h.svc.Apply(ctx, "search.city", application.ApplyRequest{EntityType: domain.EntityCity, ID: "c1", Operation: domain.OpUpdated})
	h.svc.Apply(ctx, "search.city", application.ApplyRequest{EntityType: domain.EntityCity, ID: "c5", Operation: domain.OpUpdated})
	h.searchCity.Seed("c2", map[string]string{domain.FieldName: "Denvr", domain.FieldNameEn: "Denver", domain.FieldCountry: "US", domain.FieldStatus: "active"})
	h.searchCity.Seed("c4", map[string]string{domain.FieldName: "Ghost Town"})

	report, err := h.svc.Verify(ctx, "search.city")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if report.Skipped || report.SourceCount != 4 || report.DownstreamCount != 4 {
		t.Fatalf("unexpected report: %+v", report)
	}
	got := findingsByID(report.Findings)
	want := map[string]domain.DriftKind{
		"c2": domain.DriftNotEqual,
		"c3": domain.DriftTargetMissing,
		"c4": domain.DriftBaseMissing,
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected findings: %+v", report.Findings)
	}
	for id, kind := range want {
		if got[id].Kind != kind || !got[id].Repaired {
			t.Fatalf("finding for %s: got %+v, want %s repaired", id, got[id], kind)
		}
	}
	if report.Repaired != 3 || report.Failed != 0 {
		t.Fatalf("unexpected repair counts: %+v", report)
	}

	if doc, _ := h.searchCity.Document("c2"); doc[domain.FieldName] != "Denver" {
		t.Fatalf("neq finding not repaired: %v", doc)
	}
	if _, ok := h.searchCity.Document("c3"); !ok {
		t.Fatalf("missing document not repaired")
	}
	if _, ok := h.searchCity.Document("c4"); ok {
		t.Fatalf("orphan document not removed")
	}

	saved, _ := h.svc.RecentDrift(ctx, "search.city", 10)
	if len(saved) != 3 {
		t.Fatalf("expected 3 persisted findings, got %d", len(saved))
	}
	cursor, _, _ := h.cursors.Get(ctx, "search.city")
	if cursor.LastVerifiedAt == nil || cursor.LastDriftFindings != 3 {
		t.Fatalf("unexpected cursor: %+v", cursor)
	}

	clean, err := h.svc.Verify(ctx, "search.city")
	if err != nil || len(clean.Findings) != 0 {
		t.Fatalf("expected converged state, got %+v err=%v", clean.Findings, err)
	}
}

func TestVerifyReferencedRepresentationIgnoresUnreferencedEntities(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.cities.Put(city("c1", "Austin TX", "US"))
	h.cities.Put(city("c2", "Dallas", "US"))
	h.coworkingCity.AddRow("cw-1", "c1")
	h.coworkingCity.Seed("c1", map[string]string{domain.FieldName: "Austin", domain.FieldNameEn: "Austin", domain.FieldCountry: "US"})

	report, err := h.svc.Verify(ctx, "coworking.city")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if len(report.Findings) != 1 || report.Findings[0].EntityID != "c1" || report.Findings[0].Kind != domain.DriftNotEqual {
		t.Fatalf("unexpected findings: %+v", report.Findings)
	}
	if row, _ := h.coworkingCity.Row("cw-1"); row[domain.FieldName] != "Austin TX" {
		t.Fatalf("row not repaired: %v", row)
	}
}

func TestVerifyFillsReferencingRowsWithoutCopy(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.cities.Put(city("c1", "Austin", "US"))
	h.cities.Put(city("c2", "Denver", "US"))
	h.coworkingCity.AddRow("w1", "c1")
	h.coworkingCity.AddRow("w2", "c2")
	h.svc.Apply(ctx, "coworking.city", application.ApplyRequest{EntityType: domain.EntityCity, ID: "c2", Operation: domain.OpUpdated})
	h.coworkingCity.AddRow("w3", "c2")
	h.coworkingCity.AddRow("w8", "c8")
	h.coworkingCity.Seed("c8", map[string]string{domain.FieldName: "Atlantis"})
	h.coworkingCity.AddRow("w9", "c9")

	report, err := h.svc.Verify(ctx, "coworking.city")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	got := findingsByID(report.Findings)
	want := map[string]domain.DriftKind{
		"c1": domain.DriftTargetMissing,
		"c2": domain.DriftTargetMissing,
		"c8": domain.DriftBaseMissing,
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected findings: %+v", report.Findings)
	}
	for id, kind := range want {
		if got[id].Kind != kind || !got[id].Repaired {
			t.Fatalf("finding for %s: got %+v, want %s repaired", id, got[id], kind)
		}
	}
	for rowID, name := range map[string]string{"w1": "Austin", "w2": "Denver", "w3": "Denver"} {
		if row, ok := h.coworkingCity.Row(rowID); !ok || row[domain.FieldName] != name {
			t.Fatalf("row %s not filled: %v", rowID, row)
		}
	}
	if _, ok := h.coworkingCity.Row("w8"); ok {
		t.Fatalf("copy of a deleted entity not cleared")
	}

	clean, err := h.svc.Verify(ctx, "coworking.city")
	if err != nil || len(clean.Findings) != 0 {
		t.Fatalf("expected converged state, got %+v err=%v", clean.Findings, err)
	}
}

func TestVerifyFindsUnfilledRowsWithoutDeepScan(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *application.Config) { c.VerifyDeepScan = false })
	ctx := context.Background()
	h.cities.Put(city("c1", "Austin", "US"))
	h.coworkingCity.AddRow("w1", "c1")

	report, err := h.svc.Verify(ctx, "coworking.city")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if len(report.Findings) != 1 || report.Findings[0].Kind != domain.DriftTargetMissing || !report.Findings[0].Repaired {
		t.Fatalf("unexpected findings: %+v", report.Findings)
	}
	if row, ok := h.coworkingCity.Row("w1"); !ok || row[domain.FieldName] != "Austin" {
		t.Fatalf("row not filled: %v", row)
	}
}

func TestVerifyWithoutDeepScanComparesMembershipOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *application.Config) { c.VerifyDeepScan = false })
	ctx := context.Background()
	h.cities.Put(city("c1", "Austin", "US"))
	h.searchCity.Seed("c1", map[string]string{domain.FieldName: "Stale"})

	report, err := h.svc.Verify(ctx, "search.city")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if len(report.Findings) != 0 {
		t.Fatalf("expected no findings, got %+v", report.Findings)
	}
}

func TestVerifySkipsWhileResyncRuns(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.cities.Put(city("c1", "Austin", "US"))

	release, ok, _ := h.locks.Acquire(ctx, "resync:search.city", time.Minute)
	if !ok {
		t.Fatalf("expected to acquire lock")
	}
	report, err := h.svc.Verify(ctx, "search.city")
	release(ctx)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if !report.Skipped || report.SkipReason == "" {
		t.Fatalf("expected skipped report, got %+v", report)
	}
	if _, ok := h.searchCity.Document("c1"); ok {
		t.Fatalf("skipped verification must not repair")
	}
}

func TestVerifyAllCoversEveryRepresentation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.cities.Put(city("c1", "Austin", "US"))
	expired := time.Now().Add(-time.Hour)
	_ = h.dedup.MarkProcessed(context.Background(), "evt-old", "city.updated", expired)

	reports := h.svc.VerifyAll(context.Background())
	if len(reports) != 2 || reports[0].Representation != "search.city" || reports[1].Representation != "coworking.city" {
		t.Fatalf("unexpected reports: %+v", reports)
	}
	if len(reports[0].Findings) != 1 || reports[0].Findings[0].Kind != domain.DriftTargetMissing {
		t.Fatalf("unexpected search findings: %+v", reports[0].Findings)
	}
	if len(reports[1].Findings) != 0 {
		t.Fatalf("unexpected denormalized findings: %+v", reports[1].Findings)
	}
	if dup, _ := h.dedup.IsDuplicate(context.Background(), "evt-old", expired.Add(-time.Hour)); dup {
		t.Fatalf("expired dedup records should be purged after a verification pass")
	}
}
