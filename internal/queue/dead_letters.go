package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/carelog/internal/care"
	"github.com/MarcoPoloResearchLab/carelog/internal/storage"
	"go.uber.org/zap"
)

const opDeadLetter = "queue.dead_letter"

// DeadLetter is a mutation set aside after a permanent failure.
type DeadLetter struct {
	Mutation care.Mutation `json:"mutation"`
	Reason   string        `json:"reason"`
	FailedAt time.Time     `json:"failedAt"`
}

// DeadLetterLog keeps rejected mutations per baby profile so they can be
// inspected instead of blocking the queue.
type DeadLetterLog struct {
	mu     sync.Mutex
	store  storage.Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewDeadLetterLog constructs a DeadLetterLog over store.
func NewDeadLetterLog(store storage.Store, clock func() time.Time, logger *zap.Logger) (*DeadLetterLog, error) {
	if store == nil {
		return nil, errMissingStore
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterLog{store: store, clock: clock, logger: logger}, nil
}

// Add records mutation with reason. Adding the same mutation twice keeps the
// first record.
func (l *DeadLetterLog) Add(ctx context.Context, mutation care.Mutation, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	babyID := mutation.Payload.BabyID
	letters, err := l.readLocked(ctx, babyID)
	if err != nil {
		return err
	}
	for _, letter := range letters {
		if letter.Mutation.ID == mutation.ID {
			return nil
		}
	}
	letters = append(letters, DeadLetter{Mutation: mutation, Reason: reason, FailedAt: l.clock().UTC()})

	encoded, err := json.Marshal(letters)
	if err != nil {
		return fmt.Errorf("%w: encode dead letters: %w", storage.ErrStorageFailure, err)
	}
	if err := l.store.Write(ctx, storage.NamespaceDeadLetters, babyID, encoded); err != nil {
		l.logger.Error("dead letter write failed",
			zap.String("operation", opDeadLetter),
			zap.String("baby_id", babyID),
			zap.String("mutation_id", mutation.ID),
			zap.Error(err))
		return err
	}
	return nil
}

// List returns the dead letters of one baby profile in the order they failed.
func (l *DeadLetterLog) List(ctx context.Context, babyID care.BabyID) ([]DeadLetter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked(ctx, babyID.String())
}

func (l *DeadLetterLog) readLocked(ctx context.Context, babyID string) ([]DeadLetter, error) {
	raw, found, err := l.store.Read(ctx, storage.NamespaceDeadLetters, babyID)
	if err != nil {
		return nil, err
	}
	letters := []DeadLetter{}
	if !found {
		return letters, nil
	}
	if err := json.Unmarshal(raw, &letters); err != nil {
		l.logger.Warn("dead letter log corrupt, starting empty",
			zap.String("operation", opDeadLetter),
			zap.String("baby_id", babyID),
			zap.Error(err))
		return []DeadLetter{}, nil
	}
	return letters, nil
}
