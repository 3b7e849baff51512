package ports

import (
	"context"
	"time"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
)

type CursorStore interface {
	Get(ctx context.Context, representation string) (domain.ReconciliationCursor, bool, error)
	Put(ctx context.Context, cursor domain.ReconciliationCursor) error
}

// Lock is a best-effort lease shared by instances of one downstream service.
type Lock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context), ok bool, err error)
	Held(ctx context.Context, key string) (bool, error)
}

// HintCache remembers the fingerprint last written per representation and id.
type HintCache interface {
	Get(ctx context.Context, representation, id string) (string, bool, error)
	Set(ctx context.Context, representation, id, fingerprint string) error
	Delete(ctx context.Context, representation, id string) error
}

type DriftReportRepository interface {
	Save(ctx context.Context, findings []domain.DriftFinding) error
	ListRecent(ctx context.Context, representation string, limit int) ([]domain.DriftFinding, error)
}

type EventDedupRepository interface {
	IsDuplicate(ctx context.Context, eventID string, now time.Time) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType string, expiresAt time.Time) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type Metrics interface {
	ObserveApply(representation string, op domain.Operation, result domain.Result)
	ObserveEvent(topic string, kind domain.ResultKind)
	ObserveResync(report domain.ResyncReport)
	ObserveVerify(report domain.VerifyReport)
	SetDownstreamCount(representation string, count int64)
}
