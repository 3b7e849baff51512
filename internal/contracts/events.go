package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
)

const SchemaVersion = "1"

// EventEnvelope is the wire form of every change event. Field names are
// fixed snake_case; producers must not emit alternative casings.
type EventEnvelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	SchemaVersion string          `json:"schema_version"`
	SourceService string          `json:"source_service"`
	OccurredAt    time.Time       `json:"occurred_at"`
	PartitionKey  string          `json:"partition_key"`
	Data          json.RawMessage `json:"data"`
}

type CityChanged struct {
	CityID  string `json:"city_id"`
	Name    string `json:"name,omitempty"`
	NameEn  string `json:"name_en,omitempty"`
	Country string `json:"country,omitempty"`
}

type CityDeleted struct {
	CityID string `json:"city_id"`
}

type CoworkingChanged struct {
	CoworkingID string `json:"coworking_id"`
	Name        string `json:"name,omitempty"`
}

type CoworkingDeleted struct {
	CoworkingID string `json:"coworking_id"`
}

type UserChanged struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type UserDeleted struct {
	UserID string `json:"user_id"`
}

// Decode parses an envelope and its typed payload into a ChangeEvent.
// Every schema violation is reported as domain.ErrMalformedEvent.
func Decode(payload []byte) (domain.ChangeEvent, error) {
	var env EventEnvelope
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&env); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("%w: envelope: %v", domain.ErrMalformedEvent, err)
	}
	if strings.TrimSpace(env.EventID) == "" {
		return domain.ChangeEvent{}, fmt.Errorf("%w: missing event_id", domain.ErrMalformedEvent)
	}
	if env.SchemaVersion != "" && env.SchemaVersion != SchemaVersion {
		return domain.ChangeEvent{}, fmt.Errorf("%w: schema_version %q", domain.ErrMalformedEvent, env.SchemaVersion)
	}
	entity, op, err := domain.ParseEventType(env.EventType)
	if err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	if len(env.Data) == 0 {
		return domain.ChangeEvent{}, fmt.Errorf("%w: missing data", domain.ErrMalformedEvent)
	}

	id, hints, err := decodeData(entity, op, env.Data)
	if err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("%w: %s data: %v", domain.ErrMalformedEvent, env.EventType, err)
	}
	evt := domain.ChangeEvent{
		EventID:       env.EventID,
		EntityType:    entity,
		EntityID:      id,
		Operation:     op,
		Hints:         hints,
		EmittedAt:     env.OccurredAt,
		SourceService: env.SourceService,
	}
	if err := evt.Validate(); err != nil {
		return domain.ChangeEvent{}, err
	}
	return evt, nil
}

func decodeData(entity domain.EntityType, op domain.Operation, data json.RawMessage) (string, map[string]string, error) {
	switch entity {
	case domain.EntityCity:
		if op == domain.OpDeleted {
			var p CityDeleted
			if err := json.Unmarshal(data, &p); err != nil {
				return "", nil, err
			}
			return strings.TrimSpace(p.CityID), nil, nil
		}
		var p CityChanged
		if err := json.Unmarshal(data, &p); err != nil {
			return "", nil, err
		}
		return strings.TrimSpace(p.CityID), compactHints(map[string]string{
			domain.FieldName:    p.Name,
			domain.FieldNameEn:  p.NameEn,
			domain.FieldCountry: p.Country,
		}), nil
	case domain.EntityCoworking:
		if op == domain.OpDeleted {
			var p CoworkingDeleted
			if err := json.Unmarshal(data, &p); err != nil {
				return "", nil, err
			}
			return strings.TrimSpace(p.CoworkingID), nil, nil
		}
		var p CoworkingChanged
		if err := json.Unmarshal(data, &p); err != nil {
			return "", nil, err
		}
		return strings.TrimSpace(p.CoworkingID), compactHints(map[string]string{
			domain.FieldName: p.Name,
		}), nil
	case domain.EntityUser:
		if op == domain.OpDeleted {
			var p UserDeleted
			if err := json.Unmarshal(data, &p); err != nil {
				return "", nil, err
			}
			return strings.TrimSpace(p.UserID), nil, nil
		}
		var p UserChanged
		if err := json.Unmarshal(data, &p); err != nil {
			return "", nil, err
		}
		return strings.TrimSpace(p.UserID), compactHints(map[string]string{
			domain.FieldName:      p.Name,
			domain.FieldAvatarURL: p.AvatarURL,
		}), nil
	default:
		return "", nil, fmt.Errorf("unsupported entity %q", entity)
	}
}

func compactHints(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Encode builds the wire envelope for a change event.
func Encode(evt domain.ChangeEvent) ([]byte, error) {
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	data, err := encodeData(evt)
	if err != nil {
		return nil, err
	}
	occurredAt := evt.EmittedAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	return json.Marshal(EventEnvelope{
		EventID:       evt.EventID,
		EventType:     evt.EventType(),
		SchemaVersion: SchemaVersion,
		SourceService: evt.SourceService,
		OccurredAt:    occurredAt.UTC(),
		PartitionKey:  evt.EntityID,
		Data:          data,
	})
}

func encodeData(evt domain.ChangeEvent) (json.RawMessage, error) {
	h := evt.Hints
	var v any
	switch evt.EntityType {
	case domain.EntityCity:
		if evt.Operation == domain.OpDeleted {
			v = CityDeleted{CityID: evt.EntityID}
		} else {
			v = CityChanged{CityID: evt.EntityID, Name: h[domain.FieldName], NameEn: h[domain.FieldNameEn], Country: h[domain.FieldCountry]}
		}
	case domain.EntityCoworking:
		if evt.Operation == domain.OpDeleted {
			v = CoworkingDeleted{CoworkingID: evt.EntityID}
		} else {
			v = CoworkingChanged{CoworkingID: evt.EntityID, Name: h[domain.FieldName]}
		}
	case domain.EntityUser:
		if evt.Operation == domain.OpDeleted {
			v = UserDeleted{UserID: evt.EntityID}
		} else {
			v = UserChanged{UserID: evt.EntityID, Name: h[domain.FieldName], AvatarURL: h[domain.FieldAvatarURL]}
		}
	default:
		return nil, fmt.Errorf("%w: entity %q", domain.ErrUnsupportedEvent, evt.EntityType)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
