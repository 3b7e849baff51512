package postgres

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/ports"
)

// DenormalizedSpec describes columns on a downstream table that copy fields
// of the canonical entity referenced by KeyColumn.
type DenormalizedSpec struct {
	Name       string
	EntityType domain.EntityType
	Table      string
	KeyColumn  string
	// Columns maps a tracked field to the column holding its copy.
	Columns map[string]string
}

var (
	CoworkingCitySpec = DenormalizedSpec{
		Name:       "coworking.city",
		EntityType: domain.EntityCity,
		Table:      "coworking_spaces",
		KeyColumn:  "city_id",
		Columns: map[string]string{
			domain.FieldName:    "city_name",
			domain.FieldNameEn:  "city_name_en",
			domain.FieldCountry: "city_country",
		},
	}
	BookingCoworkingSpec = DenormalizedSpec{
		Name:       "booking.coworking",
		EntityType: domain.EntityCoworking,
		Table:      "coworking_bookings",
		KeyColumn:  "coworking_id",
		Columns: map[string]string{
			domain.FieldName: "coworking_name",
		},
	}
	ReviewUserSpec = DenormalizedSpec{
		Name:       "review.user",
		EntityType: domain.EntityUser,
		Table:      "coworking_reviews",
		KeyColumn:  "user_id",
		Columns: map[string]string{
			domain.FieldName:      "user_name",
			domain.FieldAvatarURL: "user_avatar_url",
		},
	}
)

func DenormalizedSpecs() []DenormalizedSpec {
	return []DenormalizedSpec{CoworkingCitySpec, BookingCoworkingSpec, ReviewUserSpec}
}

// denormalizedRepository keeps copied columns in sync with one bulk UPDATE
// per canonical id. Rows are owned by another aggregate; the repository never
// inserts or deletes them.
type denormalizedRepository struct {
	db      *gorm.DB
	spec    DenormalizedSpec
	tracked []string
}

func NewDenormalizedRepository(db *gorm.DB, spec DenormalizedSpec) (ports.Representation, error) {
	if spec.Name == "" || spec.Table == "" || spec.KeyColumn == "" || len(spec.Columns) == 0 {
		return nil, fmt.Errorf("%w: incomplete denormalized spec %q", domain.ErrInvalidInput, spec.Name)
	}
	tracked := make([]string, 0, len(spec.Columns))
	for field := range spec.Columns {
		tracked = append(tracked, field)
	}
	sort.Strings(tracked)
	return &denormalizedRepository{db: db, spec: spec, tracked: tracked}, nil
}

func (r *denormalizedRepository) Name() string                  { return r.spec.Name }
func (r *denormalizedRepository) EntityType() domain.EntityType { return r.spec.EntityType }
func (r *denormalizedRepository) Coverage() ports.Coverage      { return ports.CoverageReferenced }

func (r *denormalizedRepository) TrackedFields() []string {
	return append([]string(nil), r.tracked...)
}

func (r *denormalizedRepository) Upsert(ctx context.Context, snapshot domain.Snapshot) (int64, error) {
	values := make(map[string]any, len(r.tracked))
	for _, field := range r.tracked {
		values[r.spec.Columns[field]] = snapshot.Field(field)
	}
	res := r.db.WithContext(ctx).Table(r.spec.Table).
		Where(quoteIdent(r.spec.KeyColumn)+" = ?", snapshot.ID).
		Updates(values)
	if res.Error != nil {
		return 0, ClassifyError("update "+r.spec.Table, res.Error)
	}
	return res.RowsAffected, nil
}

// Remove clears the copied columns. Only rows still holding a copy count as
// affected, so removing twice reports zero.
func (r *denormalizedRepository) Remove(ctx context.Context, id string) (int64, error) {
	values := make(map[string]any, len(r.tracked))
	for _, field := range r.tracked {
		values[r.spec.Columns[field]] = gorm.Expr("NULL")
	}
	res := r.db.WithContext(ctx).Table(r.spec.Table).
		Where(quoteIdent(r.spec.KeyColumn)+" = ? AND "+r.populated(), id).
		Updates(values)
	if res.Error != nil {
		return 0, ClassifyError("clear "+r.spec.Table, res.Error)
	}
	return res.RowsAffected, nil
}

// Count is the number of distinct canonical ids with a populated copy.
// ListIDs is wider: it includes ids whose rows were never filled.
func (r *denormalizedRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	query := fmt.Sprintf(`SELECT COUNT(DISTINCT %s) FROM %s WHERE %s IS NOT NULL AND %s`,
		quoteIdent(r.spec.KeyColumn), quoteIdent(r.spec.Table), quoteIdent(r.spec.KeyColumn), r.populated())
	if err := r.db.WithContext(ctx).Raw(query).Scan(&count).Error; err != nil {
		return 0, ClassifyError("count "+r.spec.Table, err)
	}
	return count, nil
}

func (r *denormalizedRepository) ListIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	key := quoteIdent(r.spec.KeyColumn) + `::text COLLATE "C"`
	query := fmt.Sprintf(`SELECT DISTINCT %s AS entity_id FROM %s WHERE %s IS NOT NULL AND %s > ? ORDER BY entity_id LIMIT ?`,
		key, quoteIdent(r.spec.Table), quoteIdent(r.spec.KeyColumn), key)
	var ids []string
	if err := r.db.WithContext(ctx).Raw(query, afterID, limit).Scan(&ids).Error; err != nil {
		return nil, ClassifyError("list "+r.spec.Table, err)
	}
	return ids, nil
}

// Fingerprints aggregates every row referencing each id, so one unfilled or
// stale row is not hidden by a sibling that holds a good copy.
func (r *denormalizedRepository) Fingerprints(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []map[string]any
	if err := r.db.WithContext(ctx).Raw(r.fingerprintQuery(), ids).Scan(&rows).Error; err != nil {
		return nil, ClassifyError("fingerprint "+r.spec.Table, err)
	}
	for _, row := range rows {
		out[textValue(row["entity_id"])] = r.foldFingerprint(row)
	}
	return out, nil
}

func (r *denormalizedRepository) fingerprintQuery() string {
	populated := r.populated()
	values := make([]string, 0, len(r.tracked))
	cols := make([]string, 0, len(r.tracked)+4)
	cols = append(cols,
		quoteIdent(r.spec.KeyColumn)+"::text AS entity_id",
		"COUNT(*) AS total_rows",
		fmt.Sprintf("COUNT(*) FILTER (WHERE %s) AS populated_rows", populated),
	)
	for _, field := range r.tracked {
		value := fmt.Sprintf("COALESCE(%s::text, '')", quoteIdent(r.spec.Columns[field]))
		values = append(values, value)
		cols = append(cols, fmt.Sprintf("MIN(%s) FILTER (WHERE %s) AS %s", value, populated, quoteIdent(field)))
	}
	cols = append(cols, fmt.Sprintf("COUNT(DISTINCT concat_ws(chr(31), %s)) FILTER (WHERE %s) AS variants",
		strings.Join(values, ", "), populated))
	return fmt.Sprintf(`SELECT %s FROM %s WHERE %s::text IN ? GROUP BY %s`,
		strings.Join(cols, ", "), quoteIdent(r.spec.Table), quoteIdent(r.spec.KeyColumn), quoteIdent(r.spec.KeyColumn))
}

// foldFingerprint turns one aggregated row into a fingerprint or one of the
// ports.Fingerprint constants.
func (r *denormalizedRepository) foldFingerprint(row map[string]any) string {
	total, populated, variants := intValue(row["total_rows"]), intValue(row["populated_rows"]), intValue(row["variants"])
	switch {
	case populated == 0:
		return ports.FingerprintUnpopulated
	case populated < total:
		return ports.FingerprintPartial
	case variants > 1:
		return ports.FingerprintDivergent
	}
	fields := make(map[string]string, len(r.tracked))
	for _, field := range r.tracked {
		fields[field] = textValue(row[field])
	}
	return domain.Fingerprint(fields, r.tracked)
}

// populated is the predicate for rows that hold a copy. Upsert always writes
// the first tracked column and Remove always nulls it.
func (r *denormalizedRepository) populated() string {
	return quoteIdent(r.spec.Columns[r.tracked[0]]) + " IS NOT NULL"
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func intValue(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case []byte:
		n, _ := strconv.ParseInt(string(t), 10, 64)
		return n
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func textValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}
