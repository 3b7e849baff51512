package domain

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

type ReconcilePhase string

const (
	PhaseWaitingForDependencies ReconcilePhase = "waiting_for_dependencies"
	PhaseCounting               ReconcilePhase = "counting"
	PhaseSkip                   ReconcilePhase = "skip"
	PhaseFullResync             ReconcilePhase = "full_resync"
	PhaseDone                   ReconcilePhase = "done"
)

// ReconciliationCursor is the per-representation bookkeeping of the startup
// reconciler and the drift verifier.
type ReconciliationCursor struct {
	Representation       string         `json:"representation"`
	MinDocumentThreshold int64          `json:"min_document_threshold"`
	ForceSync            bool           `json:"force_sync"`
	Phase                ReconcilePhase `json:"phase"`
	LastCount            int64          `json:"last_count"`
	LastFullSyncAt       *time.Time     `json:"last_full_sync_at,omitempty"`
	LastVerifiedAt       *time.Time     `json:"last_verified_at,omitempty"`
	LastResyncSucceeded  int            `json:"last_resync_succeeded"`
	LastResyncFailed     int            `json:"last_resync_failed"`
	LastDriftFindings    int            `json:"last_drift_findings"`
}

// ShouldResync is the startup gate: a full resync runs iff the downstream
// population is below the threshold or a resync is forced.
func (c ReconciliationCursor) ShouldResync(count int64) bool {
	return count < c.MinDocumentThreshold || c.ForceSync
}

type DriftKind string

const (
	DriftTargetMissing DriftKind = "target_missing"
	DriftBaseMissing   DriftKind = "base_missing"
	DriftNotEqual      DriftKind = "neq"
)

type DriftFinding struct {
	Representation string     `json:"representation"`
	EntityType     EntityType `json:"entity_type"`
	EntityID       string     `json:"entity_id"`
	Kind           DriftKind  `json:"kind"`
	Repaired       bool       `json:"repaired"`
	Detail         string     `json:"detail,omitempty"`
	DetectedAt     time.Time  `json:"detected_at"`
}

type VerifyReport struct {
	Representation  string         `json:"representation"`
	Skipped         bool           `json:"skipped"`
	SkipReason      string         `json:"skip_reason,omitempty"`
	SourceCount     int64          `json:"source_count"`
	DownstreamCount int64          `json:"downstream_count"`
	Findings        []DriftFinding `json:"findings"`
	Repaired        int            `json:"repaired"`
	Failed          int            `json:"failed"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
}

type ResyncReport struct {
	Representation string         `json:"representation"`
	Phase          ReconcilePhase `json:"phase"`
	Count          int64          `json:"count"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
}

// Fingerprint digests the named fields independent of map order. Absent
// and empty fields hash the same.
func Fingerprint(fields map[string]string, names []string) string {
	keys := append([]string(nil), names...)
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.TrimSpace(fields[k]))
		b.WriteByte('\n')
	}
	return strconv.FormatUint(xxhash.Sum64String(b.String()), 16)
}
