package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/ports"
)

// eventDedupRepository remembers handled change events for a bounded window.
// An expired row no longer counts, so a late redelivery is applied again.
type eventDedupRepository struct {
	db *gorm.DB
}

func NewEventDedupRepository(db *gorm.DB) ports.EventDedupRepository {
	return &eventDedupRepository{db: db}
}

func (r *eventDedupRepository) IsDuplicate(ctx context.Context, eventID string, now time.Time) (bool, error) {
	var hits int64
	err := r.db.WithContext(ctx).Model(&eventDedupModel{}).
		Where("event_id = ? AND expires_at > ?", eventID, now.UTC()).
		Limit(1).
		Count(&hits).Error
	if err != nil {
		return false, ClassifyError("lookup event dedup", err)
	}
	return hits > 0, nil
}

// MarkProcessed extends the window when the same event is handled again.
func (r *eventDedupRepository) MarkProcessed(ctx context.Context, eventID, eventType string, expiresAt time.Time) error {
	rec := eventDedupModel{
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: time.Now().UTC(),
		ExpiresAt:   expiresAt.UTC(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"event_type", "processed_at", "expires_at"}),
	}).Create(&rec).Error
	if err != nil {
		return ClassifyError("mark event processed", err)
	}
	return nil
}

func (r *eventDedupRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&eventDedupModel{})
	if res.Error != nil {
		return 0, ClassifyError("purge event dedup", res.Error)
	}
	return res.RowsAffected, nil
}
