package contracts

import (
	"time"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
)

// Read contract of the canonical owner services:
//
//	GET /v1/internal/{collection}/{id}        -> {"status":"success","data":<record>} | 404
//	GET /v1/internal/{collection}?after=&limit -> {"status":"success","data":{"items":[...],"next_after":""}}
//	GET /v1/internal/{collection}/count        -> {"status":"success","data":{"count":n}}

type SourceEnvelope[T any] struct {
	Status string `json:"status"`
	Data   T      `json:"data"`
}

type SourcePage[T any] struct {
	Items     []T    `json:"items"`
	NextAfter string `json:"next_after"`
}

type SourceCount struct {
	Count int64 `json:"count"`
}

type RecordMeta struct {
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func (m RecordMeta) toDomain() domain.Metadata {
	return domain.Metadata{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt, DeletedAt: m.DeletedAt}
}

type CityRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	NameEn  string `json:"name_en"`
	Country string `json:"country"`
	Status  string `json:"status"`
	RecordMeta
}

func (r CityRecord) Snapshot() domain.Snapshot {
	return domain.City{ID: r.ID, Name: r.Name, NameEn: r.NameEn, Country: r.Country, Status: r.Status, Metadata: r.toDomain()}.Snapshot()
}

type CoworkingRecord struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	CityID string `json:"city_id"`
	Status string `json:"status"`
	RecordMeta
}

func (r CoworkingRecord) Snapshot() domain.Snapshot {
	return domain.Coworking{ID: r.ID, Name: r.Name, CityID: r.CityID, Status: r.Status, Metadata: r.toDomain()}.Snapshot()
}

type UserRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	RecordMeta
}

func (r UserRecord) Snapshot() domain.Snapshot {
	return domain.User{ID: r.ID, Name: r.Name, AvatarURL: r.AvatarURL, Metadata: r.toDomain()}.Snapshot()
}

// Collection is the URL segment used for an entity type.
func Collection(entity domain.EntityType) string {
	switch entity {
	case domain.EntityCity:
		return "cities"
	case domain.EntityCoworking:
		return "coworkings"
	case domain.EntityUser:
		return "users"
	default:
		return string(entity)
	}
}
