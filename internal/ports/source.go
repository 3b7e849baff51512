package ports

import (
	"context"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
)

// SourceFetcher reads authoritative state from one canonical owner service.
// Fetch returns domain.ErrNotFoundAtSource for absent or soft-deleted ids
// and wraps domain.ErrTransientFetch for availability failures. List pages
// ascending by id compared bytewise; a page shorter than limit is the last.
type SourceFetcher interface {
	EntityType() domain.EntityType
	Fetch(ctx context.Context, id string) (domain.Snapshot, error)
	List(ctx context.Context, afterID string, limit int) ([]domain.Snapshot, error)
	Count(ctx context.Context) (int64, error)
}

type HealthProbe interface {
	Name() string
	Ping(ctx context.Context) error
}
