package postgres

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/ports"
)

type driftReportRepository struct {
	db *gorm.DB
}

func NewDriftReportRepository(db *gorm.DB) ports.DriftReportRepository {
	return &driftReportRepository{db: db}
}

func (r *driftReportRepository) Save(ctx context.Context, findings []domain.DriftFinding) error {
	if len(findings) == 0 {
		return nil
	}
	rows := make([]driftReportModel, 0, len(findings))
	for _, f := range findings {
		rows = append(rows, driftReportModel{
			ReportID:       uuid.New(),
			Representation: f.Representation,
			EntityType:     string(f.EntityType),
			EntityID:       f.EntityID,
			Kind:           string(f.Kind),
			Repaired:       f.Repaired,
			Detail:         f.Detail,
			DetectedAt:     f.DetectedAt,
		})
	}
	return r.db.WithContext(ctx).CreateInBatches(rows, 200).Error
}

func (r *driftReportRepository) ListRecent(ctx context.Context, representation string, limit int) ([]domain.DriftFinding, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []driftReportModel
	q := r.db.WithContext(ctx).Order("detected_at desc").Limit(limit)
	if representation != "" {
		q = q.Where("representation = ?", representation)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.DriftFinding, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.DriftFinding{
			Representation: row.Representation,
			EntityType:     domain.EntityType(row.EntityType),
			EntityID:       row.EntityID,
			Kind:           domain.DriftKind(row.Kind),
			Repaired:       row.Repaired,
			Detail:         row.Detail,
			DetectedAt:     row.DetectedAt,
		})
	}
	return out, nil
}
