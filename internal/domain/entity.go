package domain

import (
	"fmt"
	"strings"
	"time"
)

type EntityType string

const (
	EntityCity      EntityType = "city"
	EntityCoworking EntityType = "coworking"
	EntityUser      EntityType = "user"
)

func ParseEntityType(raw string) (EntityType, error) {
	switch EntityType(strings.ToLower(strings.TrimSpace(raw))) {
	case EntityCity:
		return EntityCity, nil
	case EntityCoworking:
		return EntityCoworking, nil
	case EntityUser:
		return EntityUser, nil
	default:
		return "", fmt.Errorf("%w: entity type %q", ErrInvalidInput, raw)
	}
}

// Tracked field names shared by every downstream representation.
const (
	FieldName      = "name"
	FieldNameEn    = "name_en"
	FieldCountry   = "country"
	FieldParentID  = "parent_id"
	FieldStatus    = "status"
	FieldAvatarURL = "avatar_url"
)

// Metadata is embedded by every canonical record. Soft deletion is the
// SoftDelete transition, not a method on the record.
type Metadata struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

func (m Metadata) IsDeleted() bool { return m.DeletedAt != nil }

func Touch(m Metadata, at time.Time) Metadata {
	at = at.UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = at
	}
	m.UpdatedAt = at
	return m
}

func SoftDelete(m Metadata, at time.Time) Metadata {
	if m.DeletedAt != nil {
		return m
	}
	at = at.UTC()
	m.DeletedAt = &at
	m.UpdatedAt = at
	return m
}

// Snapshot is the authoritative state of one canonical entity as read from
// its owner service at a point in time.
type Snapshot struct {
	Type   EntityType
	ID     string
	Fields map[string]string
	Metadata
}

func (s Snapshot) LastModifiedAt() time.Time { return s.UpdatedAt }

func (s Snapshot) Field(name string) string {
	if s.Fields == nil {
		return ""
	}
	return s.Fields[name]
}

// Tracked returns a copy of the snapshot fields restricted to names.
// Missing fields are present with an empty value.
func (s Snapshot) Tracked(names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		out[name] = s.Field(name)
	}
	return out
}

type City struct {
	ID      string
	Name    string
	NameEn  string
	Country string
	Status  string
	Metadata
}

func (c City) Snapshot() Snapshot {
	return Snapshot{
		Type: EntityCity,
		ID:   c.ID,
		Fields: map[string]string{
			FieldName:    c.Name,
			FieldNameEn:  c.NameEn,
			FieldCountry: c.Country,
			FieldStatus:  c.Status,
		},
		Metadata: c.Metadata,
	}
}

type Coworking struct {
	ID     string
	Name   string
	CityID string
	Status string
	Metadata
}

func (c Coworking) Snapshot() Snapshot {
	return Snapshot{
		Type: EntityCoworking,
		ID:   c.ID,
		Fields: map[string]string{
			FieldName:     c.Name,
			FieldParentID: c.CityID,
			FieldStatus:   c.Status,
		},
		Metadata: c.Metadata,
	}
}

type User struct {
	ID        string
	Name      string
	AvatarURL string
	Metadata
}

func (u User) Snapshot() Snapshot {
	return Snapshot{
		Type: EntityUser,
		ID:   u.ID,
		Fields: map[string]string{
			FieldName:      u.Name,
			FieldAvatarURL: u.AvatarURL,
		},
		Metadata: u.Metadata,
	}
}
