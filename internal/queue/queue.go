// Package queue implements the durable, ordered log of pending write intents.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/carelog/internal/care"
	"github.com/MarcoPoloResearchLab/carelog/internal/storage"
	"go.uber.org/zap"
)

const (
	pendingKey      = "pending"
	corruptKeyInfix = ".corrupt-"

	opAppend = "queue.append"
	opRemove = "queue.remove"
	opList   = "queue.list"
)

var (
	// ErrMutationNotFound indicates that Remove was asked for an unknown id.
	ErrMutationNotFound = errors.New("queue: mutation not found")

	errMissingStore = errors.New("queue: store is required")
)

// KeyProvider issues idempotency keys for new mutations.
type KeyProvider interface {
	NewKey() (string, error)
}

// Config describes the dependencies of a Queue.
type Config struct {
	Store       storage.Store
	Clock       func() time.Time
	KeyProvider KeyProvider
	Logger      *zap.Logger
}

type document struct {
	NextSeq   uint64          `json:"next_seq"`
	Mutations []care.Mutation `json:"mutations"`
	// Unreadable holds entries that no longer decode. They are carried
	// through every rewrite and never dispatched.
	Unreadable []json.RawMessage `json:"unreadable,omitempty"`
}

// storedDocument is the persisted shape, decoded entry by entry.
type storedDocument struct {
	NextSeq    uint64            `json:"next_seq"`
	Mutations  []json.RawMessage `json:"mutations"`
	Unreadable []json.RawMessage `json:"unreadable"`
}

type entryID struct {
	ID string `json:"id"`
}

// Queue is the append-only mutation log. All methods are safe for concurrent
// use; persistence is serialized behind a single mutex.
type Queue struct {
	mu     sync.Mutex
	store  storage.Store
	clock  func() time.Time
	keys   KeyProvider
	logger *zap.Logger

	loaded bool
	state  document
}

// New constructs a Queue. The persisted log is loaded on first use.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	keys := cfg.KeyProvider
	if keys == nil {
		keys = NewUUIDKeyProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{store: cfg.Store, clock: clock, keys: keys, logger: logger}, nil
}

// Append validates and persists a new mutation, returning it with its
// assigned id, timestamp and idempotency key. The in-memory log only changes
// once the full snapshot has been written.
func (q *Queue) Append(ctx context.Context, kind care.MutationKind, payload care.Payload) (care.Mutation, error) {
	if !kind.Valid() {
		return care.Mutation{}, fmt.Errorf("%w: %q", care.ErrInvalidMutationKind, kind)
	}
	babyID, err := care.NewBabyID(payload.BabyID)
	if err != nil {
		return care.Mutation{}, err
	}
	payload.BabyID = babyID.String()

	key, err := q.keys.NewKey()
	if err != nil {
		q.logError(opAppend, "key_generation_failed", err, zap.String("baby_id", payload.BabyID))
		return care.Mutation{}, fmt.Errorf("queue: idempotency key: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.loadLocked(ctx); err != nil {
		q.logError(opAppend, "load_failed", err, zap.String("baby_id", payload.BabyID))
		return care.Mutation{}, err
	}

	seq := q.state.NextSeq
	mutation := care.Mutation{
		ID:             strconv.FormatUint(seq, 10),
		Kind:           kind,
		Payload:        payload,
		QueuedAt:       q.clock().UTC(),
		IdempotencyKey: key,
	}

	next := document{
		NextSeq:    seq + 1,
		Mutations:  append(append(make([]care.Mutation, 0, len(q.state.Mutations)+1), q.state.Mutations...), mutation),
		Unreadable: q.state.Unreadable,
	}
	if err := q.persistLocked(ctx, next); err != nil {
		q.logError(opAppend, "persist_failed", err,
			zap.String("baby_id", payload.BabyID),
			zap.String("mutation_id", mutation.ID))
		return care.Mutation{}, err
	}
	q.state = next
	return mutation, nil
}

// List returns every pending mutation, oldest first. It never fails: when the
// log cannot be read the result is empty and the next call retries the load.
func (q *Queue) List(ctx context.Context) []care.Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.loadLocked(ctx); err != nil {
		q.logError(opList, "load_failed", err)
		return []care.Mutation{}
	}
	return append([]care.Mutation{}, q.state.Mutations...)
}

// ListForBaby returns the pending mutations of one profile, oldest first.
func (q *Queue) ListForBaby(ctx context.Context, babyID care.BabyID) []care.Mutation {
	all := q.List(ctx)
	filtered := make([]care.Mutation, 0, len(all))
	for _, mutation := range all {
		if mutation.Payload.BabyID == babyID.String() {
			filtered = append(filtered, mutation)
		}
	}
	return filtered
}

// Remove deletes one entry and re-persists the log.
func (q *Queue) Remove(ctx context.Context, mutationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.loadLocked(ctx); err != nil {
		q.logError(opRemove, "load_failed", err, zap.String("mutation_id", mutationID))
		return err
	}

	index := -1
	for i, mutation := range q.state.Mutations {
		if mutation.ID == mutationID {
			index = i
			break
		}
	}
	if index < 0 {
		return fmt.Errorf("%w: %s", ErrMutationNotFound, mutationID)
	}

	remaining := make([]care.Mutation, 0, len(q.state.Mutations)-1)
	remaining = append(remaining, q.state.Mutations[:index]...)
	remaining = append(remaining, q.state.Mutations[index+1:]...)
	next := document{NextSeq: q.state.NextSeq, Mutations: remaining, Unreadable: q.state.Unreadable}
	if err := q.persistLocked(ctx, next); err != nil {
		q.logError(opRemove, "persist_failed", err, zap.String("mutation_id", mutationID))
		return err
	}
	q.state = next
	return nil
}

func (q *Queue) loadLocked(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	raw, found, err := q.store.Read(ctx, storage.NamespaceMutations, pendingKey)
	if err != nil {
		return err
	}

	state := document{NextSeq: 1, Mutations: []care.Mutation{}}
	if found {
		var stored storedDocument
		if decodeErr := json.Unmarshal(raw, &stored); decodeErr != nil {
			if err := q.moveAsideLocked(ctx, raw); err != nil {
				return err
			}
			q.logger.Warn("mutation log corrupt, moved aside and starting empty",
				zap.String("operation", opList),
				zap.Error(decodeErr))
		} else {
			state = q.decodeEntries(stored)
		}
	}
	state.NextSeq = max(state.NextSeq, highestSeq(state.Mutations)+1, highestUnreadableSeq(state.Unreadable)+1, 1)

	q.state = state
	q.loaded = true
	return nil
}

// decodeEntries keeps every entry that decodes and sets the others aside.
func (q *Queue) decodeEntries(stored storedDocument) document {
	state := document{
		NextSeq:    stored.NextSeq,
		Mutations:  make([]care.Mutation, 0, len(stored.Mutations)),
		Unreadable: append([]json.RawMessage{}, stored.Unreadable...),
	}
	for index, entry := range stored.Mutations {
		var mutation care.Mutation
		if err := json.Unmarshal(entry, &mutation); err != nil {
			q.logger.Warn("mutation log entry unreadable, set aside",
				zap.String("operation", opList),
				zap.Int("index", index),
				zap.Error(err))
			state.Unreadable = append(state.Unreadable, entry)
			continue
		}
		state.Mutations = append(state.Mutations, mutation)
	}
	if len(state.Unreadable) == 0 {
		state.Unreadable = nil
	}
	return state
}

// moveAsideLocked copies a log that cannot be decoded to its own key before
// anything overwrites it. The copy is stored as a JSON string.
func (q *Queue) moveAsideLocked(ctx context.Context, raw []byte) error {
	encoded, err := json.Marshal(string(raw))
	if err != nil {
		return fmt.Errorf("%w: encode corrupt mutation log: %w", storage.ErrStorageFailure, err)
	}
	key := pendingKey + corruptKeyInfix + strconv.FormatInt(q.clock().UTC().UnixNano(), 10)
	return q.store.Write(ctx, storage.NamespaceMutations, key, encoded)
}

func (q *Queue) persistLocked(ctx context.Context, next document) error {
	encoded, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("%w: encode mutation log: %w", storage.ErrStorageFailure, err)
	}
	return q.store.Write(ctx, storage.NamespaceMutations, pendingKey, encoded)
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	q.logger.Error("mutation queue operation failed", allFields...)
}

func highestSeq(mutations []care.Mutation) uint64 {
	var highest uint64
	for _, mutation := range mutations {
		if seq, err := strconv.ParseUint(mutation.ID, 10, 64); err == nil && seq > highest {
			highest = seq
		}
	}
	return highest
}

func highestUnreadableSeq(entries []json.RawMessage) uint64 {
	var highest uint64
	for _, entry := range entries {
		var id entryID
		if err := json.Unmarshal(entry, &id); err != nil {
			continue
		}
		if seq, err := strconv.ParseUint(id.ID, 10, 64); err == nil && seq > highest {
			highest = seq
		}
	}
	return highest
}
