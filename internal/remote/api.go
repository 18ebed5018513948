// Package remote talks to the authoritative event store.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/carelog/internal/session"
)

var (
	// ErrConnectivity marks transport failures worth retrying on the next flush.
	ErrConnectivity = errors.New("remote: connectivity failure")
	// ErrRejected marks permanent validation or authorization failures.
	ErrRejected = errors.New("remote: request rejected")
)

// Call carries the per-request identity of a remote operation.
type Call struct {
	Session        session.Context
	IdempotencyKey string
}

// EventFields are the writable attributes of a remote event. Empty fields are
// omitted so that completions and updates only touch what was supplied.
type EventFields struct {
	BabyID    string         `json:"baby_id,omitempty"`
	Type      string         `json:"type,omitempty"`
	StartTime string         `json:"start_time,omitempty"`
	EndTime   string         `json:"end_time,omitempty"`
	Value     map[string]any `json:"value,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventAPI is the remote contract. Every operation is idempotent by event id
// or idempotency key.
type EventAPI interface {
	CreateClosed(ctx context.Context, call Call, fields EventFields) (string, error)
	Start(ctx context.Context, call Call, fields EventFields) (string, error)
	Complete(ctx context.Context, call Call, eventID string, fields EventFields) error
	Update(ctx context.Context, call Call, eventID string, fields EventFields) error
	Cancel(ctx context.Context, call Call, eventID string, reason string) error
}

// StatusError reports a non-success HTTP status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
	kind       error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s failed with status code %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Unwrap exposes the failure class.
func (e *StatusError) Unwrap() error {
	return e.kind
}

// IsConnectivity reports whether err should stop a sync pass and be retried.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity) || errors.Is(err, context.DeadlineExceeded)
}

// IsRejected reports whether err is a permanent remote refusal.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
