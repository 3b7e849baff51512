package ports

import (
	"context"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
)

type Coverage string

const (
	// CoverageAll representations hold one record per canonical entity.
	CoverageAll Coverage = "all"
	// CoverageReferenced representations only exist where another record
	// references the canonical entity.
	CoverageReferenced Coverage = "referenced"
)

// Fingerprints of a CoverageReferenced id whose referencing rows do not all
// hold the same copy. Neither value is a valid domain.Fingerprint.
const (
	// FingerprintUnpopulated: rows reference the id but none holds a copy.
	FingerprintUnpopulated = ""
	// FingerprintPartial: some referencing rows hold a copy and some do not.
	FingerprintPartial = "partial"
	// FingerprintDivergent: every row holds a copy but the copies differ.
	FingerprintDivergent = "divergent"
)

// Representation is a downstream copy of one canonical entity type. It is
// mutated only through Upsert and Remove; both are idempotent and keyed by
// the canonical id.
type Representation interface {
	Name() string
	EntityType() domain.EntityType
	TrackedFields() []string
	Coverage() Coverage
	Upsert(ctx context.Context, snapshot domain.Snapshot) (int64, error)
	Remove(ctx context.Context, id string) (int64, error)
	// Count is the number of canonical ids with a copy downstream.
	Count(ctx context.Context) (int64, error)
	// ListIDs pages through canonical ids present downstream in ascending
	// order. For CoverageReferenced that is every referenced id, populated or
	// not.
	ListIDs(ctx context.Context, afterID string, limit int) ([]string, error)
	// Fingerprints returns domain.Fingerprint of the tracked fields for the
	// given ids that are present downstream. A CoverageReferenced id whose
	// rows disagree maps to one of the Fingerprint constants above.
	Fingerprints(ctx context.Context, ids []string) (map[string]string, error)
}
