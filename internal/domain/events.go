package domain

import (
	"fmt"
	"strings"
	"time"
)

type Operation string

const (
	OpCreated Operation = "created"
	OpUpdated Operation = "updated"
	OpDeleted Operation = "deleted"
)

func ParseOperation(raw string) (Operation, error) {
	switch Operation(strings.ToLower(strings.TrimSpace(raw))) {
	case OpCreated:
		return OpCreated, nil
	case OpUpdated:
		return OpUpdated, nil
	case OpDeleted:
		return OpDeleted, nil
	default:
		return "", fmt.Errorf("%w: operation %q", ErrInvalidInput, raw)
	}
}

// ChangeEvent is one notification that a canonical entity changed. It may be
// delivered more than once and out of emission order; Hints are routing
// aids and never become downstream state.
type ChangeEvent struct {
	EventID       string
	EntityType    EntityType
	EntityID      string
	Operation     Operation
	Hints         map[string]string
	EmittedAt     time.Time
	SourceService string
}

// EventType is the dotted wire name, e.g. "city.updated".
func (e ChangeEvent) EventType() string {
	return EventTypeName(e.EntityType, e.Operation)
}

func EventTypeName(entity EntityType, op Operation) string {
	return string(entity) + "." + string(op)
}

func ParseEventType(raw string) (EntityType, Operation, error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: event type %q", ErrUnsupportedEvent, raw)
	}
	entity, err := ParseEntityType(parts[0])
	if err != nil {
		return "", "", fmt.Errorf("%w: event type %q", ErrUnsupportedEvent, raw)
	}
	op, err := ParseOperation(parts[1])
	if err != nil {
		return "", "", fmt.Errorf("%w: event type %q", ErrUnsupportedEvent, raw)
	}
	return entity, op, nil
}

func (e ChangeEvent) Validate() error {
	if strings.TrimSpace(e.EntityID) == "" {
		return fmt.Errorf("%w: missing entity id", ErrMalformedEvent)
	}
	if _, err := ParseEntityType(string(e.EntityType)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if _, err := ParseOperation(string(e.Operation)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}
