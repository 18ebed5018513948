package care

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType enumerates caregiving activities. Values outside the known set are
// carried through projection untouched.
type EventType string

const (
	EventTypeFormula    EventType = "FORMULA"
	EventTypeBreastfeed EventType = "BREASTFEED"
	EventTypeSleep      EventType = "SLEEP"
	EventTypePee        EventType = "PEE"
	EventTypePoo        EventType = "POO"
	EventTypeMedication EventType = "MEDICATION"
	EventTypeMemo       EventType = "MEMO"
	EventTypeWeaning    EventType = "WEANING"
)

// NormalizeEventType trims and upper-cases a raw type name.
func NormalizeEventType(raw string) EventType {
	return EventType(strings.ToUpper(strings.TrimSpace(raw)))
}

// EventStatus captures the lifecycle of a projected event.
type EventStatus string

const (
	EventStatusOpen     EventStatus = "OPEN"
	EventStatusClosed   EventStatus = "CLOSED"
	EventStatusCanceled EventStatus = "CANCELED"
)

// MutationKind enumerates queued write intents.
type MutationKind string

const (
	// MutationKindCreateClosed records an event that already finished.
	MutationKindCreateClosed MutationKind = "CREATE_CLOSED"
	// MutationKindStart opens a running event such as a sleep session.
	MutationKindStart MutationKind = "START"
	// MutationKindComplete closes a running event.
	MutationKindComplete MutationKind = "COMPLETE"
	// MutationKindUpdate overlays fields on an existing event.
	MutationKindUpdate MutationKind = "UPDATE"
	// MutationKindCancel removes an event for good.
	MutationKindCancel MutationKind = "CANCEL"
)

const (
	// PlaceholderPrefix marks identifiers minted on the device before the
	// remote store has confirmed the event.
	PlaceholderPrefix   = "local-"
	maxIdentifierLength = 190
)

var (
	// ErrInvalidBabyID indicates that a baby identifier is empty or exceeds storage bounds.
	ErrInvalidBabyID = errors.New("care: invalid baby id")
	// ErrInvalidMutationKind indicates an unknown mutation kind.
	ErrInvalidMutationKind = errors.New("care: invalid mutation kind")
	// ErrMalformedMutation indicates that a queued mutation cannot be applied.
	ErrMalformedMutation = errors.New("care: malformed mutation")
)

// BabyID represents a validated baby profile identifier.
type BabyID string

// NewBabyID validates raw input and returns a BabyID.
func NewBabyID(rawInput string) (BabyID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBabyID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBabyID, maxIdentifierLength)
	}
	return BabyID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BabyID) String() string {
	return string(id)
}

// ParseMutationKind validates a raw kind name.
func ParseMutationKind(raw string) (MutationKind, error) {
	kind := MutationKind(strings.ToUpper(strings.TrimSpace(raw)))
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMutationKind, raw)
	}
	return kind, nil
}

// Valid reports whether the kind is one of the five known intents.
func (kind MutationKind) Valid() bool {
	switch kind {
	case MutationKindCreateClosed, MutationKindStart, MutationKindComplete, MutationKindUpdate, MutationKindCancel:
		return true
	default:
		return false
	}
}

// Creates reports whether the kind introduces a new event identifier.
func (kind MutationKind) Creates() bool {
	return kind == MutationKindCreateClosed || kind == MutationKindStart
}

// IsPlaceholderID reports whether id was minted locally and still needs a
// remote identifier.
func IsPlaceholderID(id string) bool {
	return strings.HasPrefix(id, PlaceholderPrefix)
}

// Payload carries the structured fields of a write intent. Times stay in
// their submitted string form so that a corrupt entry can be skipped during
// replay instead of failing the whole queue decode.
type Payload struct {
	BabyID       string         `json:"babyId"`
	EventID      string         `json:"eventId,omitempty"`
	LocalEventID string         `json:"localEventId,omitempty"`
	Type         string         `json:"type,omitempty"`
	StartTime    string         `json:"startTime,omitempty"`
	EndTime      string         `json:"endTime,omitempty"`
	Value        map[string]any `json:"value,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// Mutation is an immutable queued write intent.
type Mutation struct {
	ID             string       `json:"id"`
	Kind           MutationKind `json:"kind"`
	Payload        Payload      `json:"payload"`
	QueuedAt       time.Time    `json:"queuedAt"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty"`
}

// EventRef returns the event identifier the mutation targets. Creating kinds
// fall back to a placeholder derived from the mutation id; other kinds return
// an empty string when no reference was supplied.
func (m Mutation) EventRef() string {
	if id := strings.TrimSpace(m.Payload.EventID); id != "" {
		return id
	}
	if id := strings.TrimSpace(m.Payload.LocalEventID); id != "" {
		return id
	}
	if m.Kind.Creates() && m.ID != "" {
		return PlaceholderPrefix + m.ID
	}
	return ""
}

// RefersToLocalID reports whether the target must be translated through the
// identifier map before it is sent upstream.
func (m Mutation) RefersToLocalID() bool {
	if strings.TrimSpace(m.Payload.EventID) == "" && strings.TrimSpace(m.Payload.LocalEventID) != "" {
		return true
	}
	return IsPlaceholderID(m.EventRef())
}

// CareEvent is the current-state view of one event, derived by replay.
type CareEvent struct {
	ID        string         `json:"id"`
	BabyID    string         `json:"babyId"`
	Type      EventType      `json:"type"`
	StartTime time.Time      `json:"startTime"`
	EndTime   *time.Time     `json:"endTime"`
	Status    EventStatus    `json:"status"`
	Value     map[string]any `json:"value,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Duration returns the elapsed time of a closed event, or zero when the end is
// unknown or precedes the start.
func (event CareEvent) Duration() time.Duration {
	if event.EndTime == nil {
		return 0
	}
	elapsed := event.EndTime.Sub(event.StartTime)
	if elapsed <= 0 {
		return 0
	}
	return elapsed
}

// ParseTimestamp parses RFC 3339 timestamps with optional fractional seconds.
func ParseTimestamp(raw string) (time.Time, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// FormatTimestamp renders t in the canonical queue representation.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
