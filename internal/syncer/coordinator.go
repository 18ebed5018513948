// Package syncer drains the mutation queue against the remote event store in
// strict FIFO order per baby profile.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/carelog/internal/care"
	"github.com/MarcoPoloResearchLab/carelog/internal/queue"
	"github.com/MarcoPoloResearchLab/carelog/internal/remote"
	"github.com/MarcoPoloResearchLab/carelog/internal/session"
	"go.uber.org/zap"
)

const opFlush = "syncer.flush"

var (
	// ErrMappingPending marks a dependent mutation whose target has no remote
	// id yet.
	ErrMappingPending = errors.New("syncer: mapping pending")

	errMissingQueue       = errors.New("syncer: queue is required")
	errMissingIdentifiers = errors.New("syncer: identifier map is required")
	errMissingRemote      = errors.New("syncer: remote api is required")
	errMissingDeadLetters = errors.New("syncer: dead letter log is required for the dead_letter policy")
)

// Queue is the part of the mutation log the coordinator consumes.
type Queue interface {
	ListForBaby(ctx context.Context, babyID care.BabyID) []care.Mutation
	Remove(ctx context.Context, mutationID string) error
}

// IdentifierMap resolves and records placeholder ids.
type IdentifierMap interface {
	Load(ctx context.Context, babyID care.BabyID) error
	Lookup(ctx context.Context, babyID care.BabyID, localID string) (string, bool, error)
	Record(ctx context.Context, babyID care.BabyID, localID, remoteID string) error
	Persist(ctx context.Context) error
}

// DeadLetters receives mutations that are set aside instead of applied.
type DeadLetters interface {
	Add(ctx context.Context, mutation care.Mutation, reason string) error
	List(ctx context.Context, babyID care.BabyID) ([]queue.DeadLetter, error)
}

// Config describes the dependencies of a Coordinator.
type Config struct {
	Queue       Queue
	Identifiers IdentifierMap
	Remote      remote.EventAPI
	DeadLetters DeadLetters
	Policy      RejectionPolicy
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Coordinator runs flush passes. Passes for different babies may overlap; a
// second pass for a baby that is already draining returns immediately.
type Coordinator struct {
	queue       Queue
	identifiers IdentifierMap
	remote      remote.EventAPI
	deadLetters DeadLetters
	policy      RejectionPolicy
	clock       func() time.Time
	logger      *zap.Logger

	mu       sync.Mutex
	draining map[care.BabyID]bool
}

// New constructs a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Identifiers == nil {
		return nil, errMissingIdentifiers
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyRetry
	}
	if _, err := ParseRejectionPolicy(string(policy)); err != nil {
		return nil, err
	}
	if policy == PolicyDeadLetter && cfg.DeadLetters == nil {
		return nil, errMissingDeadLetters
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		queue:       cfg.Queue,
		identifiers: cfg.Identifiers,
		remote:      cfg.Remote,
		deadLetters: cfg.DeadLetters,
		policy:      policy,
		clock:       clock,
		logger:      logger,
		draining:    make(map[care.BabyID]bool),
	}, nil
}

// State reports whether a pass is running for babyID.
func (c *Coordinator) State(babyID care.BabyID) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining[babyID] {
		return StateDraining
	}
	return StateIdle
}

// Flush sends the baby's pending mutations upstream in order and stops at the
// first entry that cannot be applied. Only local storage failures are
// returned as errors; everything else is described by the result.
func (c *Coordinator) Flush(ctx context.Context, sess session.Context) (FlushResult, error) {
	babyID := sess.BabyID
	if !sess.ServerLinked() {
		return FlushResult{Skipped: SkipNotServerLinked}, nil
	}
	if err := sess.CheckExpiry(c.clock()); err != nil {
		c.logger.Info("flush skipped, session expired",
			zap.String("operation", opFlush),
			zap.String("baby_id", babyID.String()))
		return FlushResult{Skipped: SkipSessionExpired}, err
	}
	if !c.begin(babyID) {
		return FlushResult{Skipped: SkipInProgress}, nil
	}
	defer c.end(babyID)

	if err := c.identifiers.Load(ctx, babyID); err != nil {
		c.logError("identifier_load_failed", err, zap.String("baby_id", babyID.String()))
		return FlushResult{}, err
	}

	orphaned, err := c.orphanedRefs(ctx, babyID)
	if err != nil {
		c.logError("dead_letter_read_failed", err, zap.String("baby_id", babyID.String()))
		return FlushResult{}, err
	}

	pass := &flushPass{
		coordinator: c,
		session:     sess,
		call:        remote.Call{Session: sess},
		orphaned:    orphaned,
	}
	result, err := pass.run(ctx, c.queue.ListForBaby(ctx, babyID))

	if persistErr := c.identifiers.Persist(ctx); persistErr != nil {
		c.logError("identifier_persist_failed", persistErr, zap.String("baby_id", babyID.String()))
		if err == nil {
			err = persistErr
		}
	}

	c.logger.Info("flush pass finished",
		zap.String("operation", opFlush),
		zap.String("baby_id", babyID.String()),
		zap.Int("applied", result.Applied),
		zap.Int("dead_lettered", result.DeadLettered),
		zap.Int("remaining", result.Remaining))
	return result, err
}

// orphanedRefs returns the event refs of creates already in the dead-letter
// log. Mutations that depend on them can never be applied.
func (c *Coordinator) orphanedRefs(ctx context.Context, babyID care.BabyID) (map[string]bool, error) {
	orphaned := make(map[string]bool)
	if c.deadLetters == nil {
		return orphaned, nil
	}
	letters, err := c.deadLetters.List(ctx, babyID)
	if err != nil {
		return nil, err
	}
	for _, letter := range letters {
		if !letter.Mutation.Kind.Creates() {
			continue
		}
		if ref := letter.Mutation.EventRef(); ref != "" {
			orphaned[ref] = true
		}
	}
	return orphaned, nil
}

func (c *Coordinator) begin(babyID care.BabyID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining[babyID] {
		return false
	}
	c.draining[babyID] = true
	return true
}

func (c *Coordinator) end(babyID care.BabyID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.draining, babyID)
}

func (c *Coordinator) logError(reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", opFlush),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	c.logger.Error("sync coordinator operation failed", allFields...)
}

type flushPass struct {
	coordinator *Coordinator
	session     session.Context
	call        remote.Call
	// orphaned holds refs of creates that were set aside.
	orphaned map[string]bool
}

func (p *flushPass) run(ctx context.Context, mutations []care.Mutation) (FlushResult, error) {
	result := FlushResult{Remaining: len(mutations)}
	for _, mutation := range mutations {
		if err := ctx.Err(); err != nil {
			result.Blocker = newBlocker(mutation, BlockConnectivity, err)
			p.logBlocked(result.Blocker)
			return result, nil
		}

		outcome, err := p.dispatch(ctx, mutation)
		if err != nil {
			return result, err
		}
		switch outcome.action {
		case actionApplied:
			result.Applied++
			result.Remaining--
		case actionDeadLettered:
			result.DeadLettered++
			result.Remaining--
		case actionBlocked:
			result.Blocker = outcome.blocker
			p.logBlocked(outcome.blocker)
			return result, nil
		}
	}
	return result, nil
}

type action int

const (
	actionApplied action = iota
	actionDeadLettered
	actionBlocked
)

type outcome struct {
	action  action
	blocker *Blocker
}

// dispatch applies one mutation. The returned error is reserved for local
// storage failures.
func (p *flushPass) dispatch(ctx context.Context, mutation care.Mutation) (outcome, error) {
	c := p.coordinator
	babyID := p.session.BabyID
	call := p.call
	call.IdempotencyKey = mutation.IdempotencyKey
	ref := mutation.EventRef()

	c.logger.Debug("dispatching mutation",
		zap.String("operation", opFlush),
		zap.String("baby_id", babyID.String()),
		zap.String("mutation_id", mutation.ID),
		zap.String("kind", string(mutation.Kind)),
		zap.String("event_id", ref))

	if err := validate(mutation); err != nil {
		return p.setAside(ctx, mutation, BlockMalformed, err)
	}

	if mutation.Kind.Creates() {
		remoteID, mapped, err := c.identifiers.Lookup(ctx, babyID, ref)
		if err != nil {
			c.logError("identifier_lookup_failed", err, zap.String("mutation_id", mutation.ID))
			return outcome{}, err
		}
		if !mapped {
			fields := fieldsFrom(mutation.Payload)
			if mutation.Kind == care.MutationKindStart {
				remoteID, err = c.remote.Start(ctx, call, fields)
			} else {
				remoteID, err = c.remote.CreateClosed(ctx, call, fields)
			}
			if err != nil {
				return p.failed(ctx, mutation, err)
			}
			if err := c.identifiers.Record(ctx, babyID, ref, remoteID); err != nil {
				c.logError("identifier_record_failed", err,
					zap.String("mutation_id", mutation.ID),
					zap.String("event_id", ref))
				return outcome{}, err
			}
		}
		return p.applied(ctx, mutation)
	}

	target := ref
	remoteID, mapped, err := c.identifiers.Lookup(ctx, babyID, ref)
	if err != nil {
		c.logError("identifier_lookup_failed", err, zap.String("mutation_id", mutation.ID))
		return outcome{}, err
	}
	if !mapped && p.orphaned[ref] {
		return p.setAside(ctx, mutation, BlockMappingPending,
			fmt.Errorf("%w: create of %s was set aside", ErrMappingPending, ref))
	}
	if mapped {
		target = remoteID
	} else if mutation.RefersToLocalID() {
		pending := fmt.Errorf("%w: %s", ErrMappingPending, ref)
		if c.policy == PolicyDeadLetter {
			// Everything queued ahead of this entry has been handled, so its
			// create will never be confirmed.
			return p.refuse(ctx, mutation, BlockMappingPending, pending)
		}
		return outcome{action: actionBlocked, blocker: newBlocker(mutation, BlockMappingPending, pending)}, nil
	}

	fields := fieldsFrom(mutation.Payload)
	switch mutation.Kind {
	case care.MutationKindComplete:
		err = c.remote.Complete(ctx, call, target, fields)
	case care.MutationKindUpdate:
		err = c.remote.Update(ctx, call, target, fields)
	case care.MutationKindCancel:
		err = c.remote.Cancel(ctx, call, target, mutation.Payload.Reason)
	}
	if err != nil {
		return p.failed(ctx, mutation, err)
	}
	return p.applied(ctx, mutation)
}

func (p *flushPass) applied(ctx context.Context, mutation care.Mutation) (outcome, error) {
	if err := p.coordinator.queue.Remove(ctx, mutation.ID); err != nil {
		p.coordinator.logError("queue_remove_failed", err, zap.String("mutation_id", mutation.ID))
		return outcome{}, err
	}
	return outcome{action: actionApplied}, nil
}

// failed classifies a remote error.
func (p *flushPass) failed(ctx context.Context, mutation care.Mutation, err error) (outcome, error) {
	if remote.IsRejected(err) {
		return p.refuse(ctx, mutation, BlockRejected, err)
	}
	return outcome{action: actionBlocked, blocker: newBlocker(mutation, BlockConnectivity, err)}, nil
}

// refuse applies the rejection policy to an entry the remote will not accept.
func (p *flushPass) refuse(ctx context.Context, mutation care.Mutation, reason BlockReason, cause error) (outcome, error) {
	if p.coordinator.policy != PolicyDeadLetter {
		return outcome{action: actionBlocked, blocker: newBlocker(mutation, reason, cause)}, nil
	}
	return p.setAside(ctx, mutation, reason, cause)
}

// setAside moves an entry to the dead-letter log and removes it from the
// queue. Without a log the entry blocks the pass.
func (p *flushPass) setAside(ctx context.Context, mutation care.Mutation, reason BlockReason, cause error) (outcome, error) {
	c := p.coordinator
	if c.deadLetters == nil {
		return outcome{action: actionBlocked, blocker: newBlocker(mutation, reason, cause)}, nil
	}
	if err := c.deadLetters.Add(ctx, mutation, fmt.Sprintf("%s: %v", reason, cause)); err != nil {
		c.logError("dead_letter_failed", err, zap.String("mutation_id", mutation.ID))
		return outcome{}, err
	}
	if err := c.queue.Remove(ctx, mutation.ID); err != nil {
		c.logError("queue_remove_failed", err, zap.String("mutation_id", mutation.ID))
		return outcome{}, err
	}
	if mutation.Kind.Creates() {
		if ref := mutation.EventRef(); ref != "" {
			p.orphaned[ref] = true
		}
	}
	c.logger.Warn("mutation moved to dead letters",
		zap.String("operation", opFlush),
		zap.String("baby_id", mutation.Payload.BabyID),
		zap.String("mutation_id", mutation.ID),
		zap.String("reason", string(reason)),
		zap.Error(cause))
	return outcome{action: actionDeadLettered}, nil
}

func (p *flushPass) logBlocked(blocker *Blocker) {
	p.coordinator.logger.Warn("flush pass stopped",
		zap.String("operation", opFlush),
		zap.String("baby_id", p.session.BabyID.String()),
		zap.String("mutation_id", blocker.MutationID),
		zap.String("reason", string(blocker.Reason)),
		zap.Error(blocker.Err))
}

func validate(mutation care.Mutation) error {
	if !mutation.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", care.ErrMalformedMutation, mutation.Kind)
	}
	if mutation.EventRef() == "" {
		return fmt.Errorf("%w: no event reference", care.ErrMalformedMutation)
	}
	if mutation.Kind.Creates() {
		if care.NormalizeEventType(mutation.Payload.Type) == "" {
			return fmt.Errorf("%w: missing type", care.ErrMalformedMutation)
		}
		if _, ok := care.ParseTimestamp(mutation.Payload.StartTime); !ok {
			return fmt.Errorf("%w: unparseable startTime %q", care.ErrMalformedMutation, mutation.Payload.StartTime)
		}
	}
	return nil
}

func fieldsFrom(payload care.Payload) remote.EventFields {
	return remote.EventFields{
		BabyID:    payload.BabyID,
		Type:      string(care.NormalizeEventType(payload.Type)),
		StartTime: strings.TrimSpace(payload.StartTime),
		EndTime:   strings.TrimSpace(payload.EndTime),
		Value:     payload.Value,
		Metadata:  payload.Metadata,
	}
}
