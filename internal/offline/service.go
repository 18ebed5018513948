// Package offline is the host-facing surface of the sync engine: write
// actions are accepted locally, reads are served from the mutation log, and
// flush reconciles with the remote store when the host decides to.
package offline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/carelog/internal/care"
	"github.com/MarcoPoloResearchLab/carelog/internal/idmap"
	"github.com/MarcoPoloResearchLab/carelog/internal/projection"
	"github.com/MarcoPoloResearchLab/carelog/internal/queue"
	"github.com/MarcoPoloResearchLab/carelog/internal/session"
	"github.com/MarcoPoloResearchLab/carelog/internal/snapshot"
	"github.com/MarcoPoloResearchLab/carelog/internal/storage"
	"github.com/MarcoPoloResearchLab/carelog/internal/syncer"
	"go.uber.org/zap"
)

const (
	opServiceNew  = "offline.service.new"
	opEnqueue     = "offline.enqueue"
	opSnapshot    = "offline.snapshot"
	opCached      = "offline.cached_snapshot"
	opFlush       = "offline.flush"
	opDeadLetters = "offline.dead_letters"
)

const (
	// NotificationProjectionChanged follows every accepted write action.
	NotificationProjectionChanged = "projection-changed"
	// NotificationSyncFinished follows every flush pass that ran.
	NotificationSyncFinished = "sync-finished"
)

var (
	errMissingQueue       = errors.New("mutation queue is required")
	errMissingIdentifiers = errors.New("identifier map is required")
	errMissingSnapshots   = errors.New("snapshot builder is required")
	errMissingCoordinator = errors.New("sync coordinator is required")
	errBabyMismatch       = errors.New("payload baby id does not match the session")
)

// ServiceError carries a stable "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Notification is published to the host after local state changes.
type Notification struct {
	BabyID     string              `json:"babyId"`
	Type       string              `json:"type"`
	MutationID string              `json:"mutationId,omitempty"`
	Result     *syncer.FlushResult `json:"result,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

// Notifier delivers notifications; implementations must not block.
type Notifier interface {
	Publish(notification Notification)
}

// ServiceConfig describes the collaborators of a Service.
type ServiceConfig struct {
	Queue       *queue.Queue
	Identifiers *idmap.Map
	DeadLetters *queue.DeadLetterLog
	Snapshots   *snapshot.Builder
	Coordinator *syncer.Coordinator
	Notifier    Notifier
	Location    *time.Location
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Service implements enqueue, projection, snapshot and flush for the host.
type Service struct {
	queue       *queue.Queue
	identifiers *idmap.Map
	deadLetters *queue.DeadLetterLog
	snapshots   *snapshot.Builder
	coordinator *syncer.Coordinator
	notifier    Notifier
	location    *time.Location
	clock       func() time.Time
	logger      *zap.Logger
}

// NewService validates cfg and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Queue == nil:
		return nil, newServiceError(opServiceNew, "missing_queue", errMissingQueue)
	case cfg.Identifiers == nil:
		return nil, newServiceError(opServiceNew, "missing_identifiers", errMissingIdentifiers)
	case cfg.Snapshots == nil:
		return nil, newServiceError(opServiceNew, "missing_snapshots", errMissingSnapshots)
	case cfg.Coordinator == nil:
		return nil, newServiceError(opServiceNew, "missing_coordinator", errMissingCoordinator)
	}
	location := cfg.Location
	if location == nil {
		location = time.Local
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		queue:       cfg.Queue,
		identifiers: cfg.Identifiers,
		deadLetters: cfg.DeadLetters,
		snapshots:   cfg.Snapshots,
		coordinator: cfg.Coordinator,
		notifier:    cfg.Notifier,
		location:    location,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Location returns the time zone used for range resolution.
func (s *Service) Location() *time.Location {
	return s.location
}

// Enqueue records a write action for the session's baby. It succeeds as soon
// as the mutation is durable locally.
func (s *Service) Enqueue(ctx context.Context, sess session.Context, kind care.MutationKind, payload care.Payload) (care.Mutation, error) {
	if payload.BabyID == "" {
		payload.BabyID = sess.BabyID.String()
	}
	if payload.BabyID != sess.BabyID.String() {
		return care.Mutation{}, newServiceError(opEnqueue, "baby_mismatch", errBabyMismatch)
	}

	mutation, err := s.queue.Append(ctx, kind, payload)
	if err != nil {
		reason := "storage_failure"
		switch {
		case errors.Is(err, care.ErrInvalidMutationKind):
			reason = "invalid_kind"
		case errors.Is(err, care.ErrInvalidBabyID):
			reason = "invalid_baby_id"
		default:
			s.logError(opEnqueue, reason, err, zap.String("baby_id", sess.BabyID.String()))
		}
		return care.Mutation{}, newServiceError(opEnqueue, reason, err)
	}

	s.publish(Notification{
		BabyID:     sess.BabyID.String(),
		Type:       NotificationProjectionChanged,
		MutationID: mutation.ID,
		Timestamp:  s.clock().UTC(),
	})
	return mutation, nil
}

// Projection folds the pending mutations over base, resolving placeholders
// through the identifier map.
func (s *Service) Projection(ctx context.Context, sess session.Context, base []care.CareEvent) []care.CareEvent {
	mutations := s.queue.ListForBaby(ctx, sess.BabyID)
	return projection.ProjectWith(mutations, sess.BabyID, projection.Options{
		Base:    base,
		Resolve: s.identifiers.Resolver(ctx, sess.BabyID),
	})
}

// Snapshot builds the kind range around anchor and caches the result.
func (s *Service) Snapshot(ctx context.Context, sess session.Context, kind snapshot.RangeKind, anchor time.Time, base []care.CareEvent) (snapshot.Record, error) {
	events := s.Projection(ctx, sess, base)
	record, err := s.snapshots.Build(ctx, sess.BabyID, events, kind, anchor.In(s.location))
	if err != nil {
		return snapshot.Record{}, newServiceError(opSnapshot, "invalid_range", err)
	}
	return record, nil
}

// Landing builds the home screen summary for today.
func (s *Service) Landing(ctx context.Context, sess session.Context, base []care.CareEvent) snapshot.Record {
	events := s.Projection(ctx, sess, base)
	return s.snapshots.Landing(ctx, sess.BabyID, events, s.clock().In(s.location))
}

// CachedSnapshot returns the last record stored for namespace/key.
func (s *Service) CachedSnapshot(ctx context.Context, sess session.Context, namespace, key string) (snapshot.CachedSnapshot, bool, error) {
	cached, found, err := s.snapshots.Cached(ctx, namespace, sess.BabyID, key)
	if err != nil {
		s.logError(opCached, "storage_failure", err, zap.String("baby_id", sess.BabyID.String()))
		return snapshot.CachedSnapshot{}, false, newServiceError(opCached, "storage_failure", err)
	}
	return cached, found, nil
}

// Flush runs one sync pass for the session's baby.
func (s *Service) Flush(ctx context.Context, sess session.Context) (syncer.FlushResult, error) {
	result, err := s.coordinator.Flush(ctx, sess)
	if err != nil {
		if errors.Is(err, session.ErrSessionExpired) {
			return result, newServiceError(opFlush, "session_expired", err)
		}
		reason := "storage_failure"
		if !errors.Is(err, storage.ErrStorageFailure) {
			reason = "flush_failed"
		}
		s.logError(opFlush, reason, err, zap.String("baby_id", sess.BabyID.String()))
		return result, newServiceError(opFlush, reason, err)
	}
	if result.Skipped == "" {
		snapshotResult := result
		s.publish(Notification{
			BabyID:    sess.BabyID.String(),
			Type:      NotificationSyncFinished,
			Result:    &snapshotResult,
			Timestamp: s.clock().UTC(),
		})
	}
	return result, nil
}

// Pending lists the baby's mutations that have not reached the remote store.
func (s *Service) Pending(ctx context.Context, sess session.Context) []care.Mutation {
	return s.queue.ListForBaby(ctx, sess.BabyID)
}

// DeadLetters lists the baby's mutations that were set aside instead of applied.
func (s *Service) DeadLetters(ctx context.Context, sess session.Context) ([]queue.DeadLetter, error) {
	if s.deadLetters == nil {
		return []queue.DeadLetter{}, nil
	}
	letters, err := s.deadLetters.List(ctx, sess.BabyID)
	if err != nil {
		s.logError(opDeadLetters, "storage_failure", err, zap.String("baby_id", sess.BabyID.String()))
		return nil, newServiceError(opDeadLetters, "storage_failure", err)
	}
	return letters, nil
}

// State reports whether a flush is running for the session's baby.
func (s *Service) State(sess session.Context) syncer.State {
	return s.coordinator.State(sess.BabyID)
}

func (s *Service) publish(notification Notification) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(notification)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("offline service operation failed", allFields...)
}
