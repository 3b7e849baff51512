package postgres

import (
	"time"

	"github.com/google/uuid"
)

type eventDedupModel struct {
	EventID     string    `gorm:"column:event_id;primaryKey"`
	EventType   string    `gorm:"column:event_type"`
	ProcessedAt time.Time `gorm:"column:processed_at"`
	ExpiresAt   time.Time `gorm:"column:expires_at"`
}

func (eventDedupModel) TableName() string { return "sync_event_dedup" }

type driftReportModel struct {
	ReportID       uuid.UUID `gorm:"column:report_id;type:uuid;primaryKey"`
	Representation string    `gorm:"column:representation"`
	EntityType     string    `gorm:"column:entity_type"`
	EntityID       string    `gorm:"column:entity_id"`
	Kind           string    `gorm:"column:kind"`
	Repaired       bool      `gorm:"column:repaired"`
	Detail         string    `gorm:"column:detail"`
	DetectedAt     time.Time `gorm:"column:detected_at"`
}

func (driftReportModel) TableName() string { return "sync_drift_reports" }

type outboxModel struct {
	OutboxID     uuid.UUID  `gorm:"column:outbox_id;type:uuid;primaryKey"`
	EventType    string     `gorm:"column:event_type"`
	Topic        string     `gorm:"column:topic"`
	PartitionKey string     `gorm:"column:partition_key"`
	Payload      string     `gorm:"column:payload"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	FirstSeenAt  time.Time  `gorm:"column:first_seen_at"`
	PublishedAt  *time.Time `gorm:"column:published_at"`
	RetryCount   int        `gorm:"column:retry_count"`
	LastError    *string    `gorm:"column:last_error"`
	LastErrorAt  *time.Time `gorm:"column:last_error_at"`
	ClaimedUntil *time.Time `gorm:"column:claimed_until"`
}

func (outboxModel) TableName() string { return "change_event_outbox" }
