package postgres

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/ports"
)

// claimLease is how long a fetched batch stays invisible to other relays.
// A relay that dies mid-batch gives its rows back when the lease runs out.
const claimLease = time.Minute

const claimSQL = `
UPDATE change_event_outbox SET claimed_until = ?
WHERE outbox_id IN (
    SELECT outbox_id FROM change_event_outbox
    WHERE published_at IS NULL AND (claimed_until IS NULL OR claimed_until < ?)
    ORDER BY created_at
    LIMIT ?
    FOR UPDATE SKIP LOCKED
)
RETURNING *`

type outboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) ports.OutboxRepository {
	return &outboxRepository{db: db}
}

// Enqueue is idempotent on the event id.
func (r *outboxRepository) Enqueue(ctx context.Context, event ports.OutboxEvent) error {
	rec := outboxModel{
		OutboxID:     event.EventID,
		EventType:    event.EventType,
		Topic:        event.Topic,
		PartitionKey: event.PartitionKey,
		Payload:      string(event.Payload),
		CreatedAt:    event.OccurredAt,
		FirstSeenAt:  event.OccurredAt,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	return ClassifyError("enqueue change event", err)
}

// FetchUnpublished claims up to limit rows for this relay, oldest first.
func (r *outboxRepository) FetchUnpublished(ctx context.Context, limit int) ([]ports.OutboxRecord, error) {
	now := time.Now().UTC()
	var rows []outboxModel
	if err := r.db.WithContext(ctx).Raw(claimSQL, now.Add(claimLease), now, limit).Scan(&rows).Error; err != nil {
		return nil, ClassifyError("claim outbox batch", err)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	out := make([]ports.OutboxRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, toOutboxRecord(row))
	}
	return out, nil
}

func (r *outboxRepository) MarkPublished(ctx context.Context, outboxID uuid.UUID, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&outboxModel{}).
		Where("outbox_id = ?", outboxID).
		Updates(map[string]any{"published_at": at, "claimed_until": nil}).Error
	return ClassifyError("mark outbox published", err)
}

// MarkFailed releases the claim so the next poll retries the row.
func (r *outboxRepository) MarkFailed(ctx context.Context, outboxID uuid.UUID, errMsg string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&outboxModel{}).
		Where("outbox_id = ?", outboxID).
		Updates(map[string]any{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_error":    errMsg,
			"last_error_at": at,
			"claimed_until": nil,
		}).Error
	return ClassifyError("mark outbox failed", err)
}

func toOutboxRecord(row outboxModel) ports.OutboxRecord {
	return ports.OutboxRecord{
		OutboxID:     row.OutboxID,
		EventType:    row.EventType,
		Topic:        row.Topic,
		PartitionKey: row.PartitionKey,
		Payload:      []byte(row.Payload),
		RetryCount:   row.RetryCount,
		PublishedAt:  row.PublishedAt,
		LastError:    row.LastError,
		LastErrorAt:  row.LastErrorAt,
		FirstSeenAt:  row.FirstSeenAt,
	}
}
