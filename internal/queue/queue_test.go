package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/carelog/internal/care"
	"github.com/MarcoPoloResearchLab/carelog/internal/storage"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type sequenceKeys struct {
	next int
}

func (p *sequenceKeys) NewKey() (string, error) {
	p.next++
	return fmt.Sprintf("key-%d", p.next), nil
}

type flakyStore struct {
	storage.Store
	failWrites bool
	failReads  bool
}

func (s *flakyStore) Read(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	if s.failReads {
		return nil, false, fmt.Errorf("%w: disk gone", storage.ErrStorageFailure)
	}
	return s.Store.Read(ctx, namespace, key)
}

func (s *flakyStore) Write(ctx context.Context, namespace, key string, data []byte) error {
	if s.failWrites {
		return fmt.Errorf("%w: disk full", storage.ErrStorageFailure)
	}
	return s.Store.Write(ctx, namespace, key, data)
}

func newTestQueue(t *testing.T, store storage.Store) *Queue {
	t.Helper()
	clock := time.Date(2026, 2, 21, 22, 0, 0, 0, time.UTC)
	q, err := New(Config{
		Store: store,
		Clock: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
		KeyProvider: &sequenceKeys{},
	})
	require.NoError(t, err)
	return q
}

func newFileBackedStore(t *testing.T, path string) storage.Store {
	t.Helper()
	store, err := storage.NewFileStore(storage.FileStoreConfig{Path: path})
	require.NoError(t, err)
	return store
}

func newSQLiteBackedStore(t *testing.T) storage.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "queue.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&storage.Document{}))
	store, err := storage.NewSQLiteStore(storage.SQLiteStoreConfig{Database: db})
	require.NoError(t, err)
	return store
}

func payload(babyID string) care.Payload {
	return care.Payload{BabyID: babyID, Type: "SLEEP", StartTime: "2026-02-21T22:00:00Z"}
}

func TestAppendAssignsMonotonicIDsAndPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")
	q := newTestQueue(t, newFileBackedStore(t, path))

	first, err := q.Append(ctx, care.MutationKindStart, payload("baby-1"))
	require.NoError(t, err)
	second, err := q.Append(ctx, care.MutationKindCancel, care.Payload{BabyID: "baby-1", EventID: "evt-9"})
	require.NoError(t, err)

	require.Equal(t, "1", first.ID)
	require.Equal(t, "2", second.ID)
	require.Equal(t, "key-1", first.IdempotencyKey)
	require.True(t, second.QueuedAt.After(first.QueuedAt))

	reopened := newTestQueue(t, newFileBackedStore(t, path))
	listed := reopened.List(ctx)
	require.Len(t, listed, 2)
	require.Equal(t, care.MutationKindStart, listed[0].Kind)
	require.Equal(t, "evt-9", listed[1].Payload.EventID)
}

func TestRemovedIDsAreNeverReused(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")
	q := newTestQueue(t, newFileBackedStore(t, path))

	first, err := q.Append(ctx, care.MutationKindStart, payload("baby-1"))
	require.NoError(t, err)
	require.NoError(t, q.Remove(ctx, first.ID))
	require.Empty(t, q.List(ctx))

	reopened := newTestQueue(t, newFileBackedStore(t, path))
	next, err := reopened.Append(ctx, care.MutationKindStart, payload("baby-1"))
	require.NoError(t, err)
	require.Equal(t, "2", next.ID)
}

func TestAppendValidatesInput(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, newFileBackedStore(t, filepath.Join(t.TempDir(), "store.json")))

	_, err := q.Append(ctx, care.MutationKind("DELETE"), payload("baby-1"))
	require.True(t, errors.Is(err, care.ErrInvalidMutationKind))

	_, err = q.Append(ctx, care.MutationKindStart, payload("  "))
	require.True(t, errors.Is(err, care.ErrInvalidBabyID))
	require.Empty(t, q.List(ctx))
}

func TestAppendFailureLeavesLogUntouched(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: newFileBackedStore(t, filepath.Join(t.TempDir(), "store.json"))}
	q := newTestQueue(t, store)

	_, err := q.Append(ctx, care.MutationKindStart, payload("baby-1"))
	require.NoError(t, err)

	store.failWrites = true
	_, err = q.Append(ctx, care.MutationKindStart, payload("baby-1"))
	require.True(t, errors.Is(err, storage.ErrStorageFailure))
	require.Len(t, q.List(ctx), 1)

	err = q.Remove(ctx, "1")
	require.True(t, errors.Is(err, storage.ErrStorageFailure))
	require.Len(t, q.List(ctx), 1)

	store.failWrites = false
	next, err := q.Append(ctx, care.MutationKindStart, payload("baby-1"))
	require.NoError(t, err)
	require.Equal(t, "2", next.ID)
}

func TestListNeverFails(t *testing.T) {
	ctx := context.Background()
	base := newFileBackedStore(t, filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, base.Write(ctx, storage.NamespaceMutations, pendingKey, []byte(`{"mutations":"oops"}`)))

	corrupt := newTestQueue(t, base)
	require.Empty(t, corrupt.List(ctx))

	store := &flakyStore{Store: newFileBackedStore(t, filepath.Join(t.TempDir(), "other.json")), failReads: true}
	unreadable := newTestQueue(t, store)
	require.Empty(t, unreadable.List(ctx))

	_, err := unreadable.Append(ctx, care.MutationKindStart, payload("baby-1"))
	require.True(t, errors.Is(err, storage.ErrStorageFailure))

	store.failReads = false
	_, err = unreadable.Append(ctx, care.MutationKindStart, payload("baby-1"))
	require.NoError(t, err)
}

func TestListForBabyAndRemoveUnknown(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, newFileBackedStore(t, filepath.Join(t.TempDir(), "store.json")))

	_, err := q.Append(ctx, care.MutationKindStart, payload("baby-1"))
	require.NoError(t, err)
	_, err = q.Append(ctx, care.MutationKindStart, payload("baby-2"))
	require.NoError(t, err)
	_, err = q.Append(ctx, care.MutationKindStart, payload("baby-1"))
	require.NoError(t, err)

	forBaby := q.ListForBaby(ctx, care.BabyID("baby-1"))
	require.Len(t, forBaby, 2)
	require.Equal(t, "1", forBaby[0].ID)
	require.Equal(t, "3", forBaby[1].ID)

	err = q.Remove(ctx, "42")
	require.True(t, errors.Is(err, ErrMutationNotFound))
}

func TestDeadLetterLogDeduplicates(t *testing.T) {
	ctx := context.Background()
	store := newFileBackedStore(t, filepath.Join(t.TempDir(), "store.json"))
	log, err := NewDeadLetterLog(store, func() time.Time { return time.Unix(1700000000, 0) }, nil)
	require.NoError(t, err)

	mutation := care.Mutation{ID: "7", Kind: care.MutationKindCancel, Payload: care.Payload{BabyID: "baby-1", EventID: "evt-1"}}
	require.NoError(t, log.Add(ctx, mutation, "remote rejected"))
	require.NoError(t, log.Add(ctx, mutation, "remote rejected again"))

	letters, err := log.List(ctx, care.BabyID("baby-1"))
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, "remote rejected", letters[0].Reason)

	others, err := log.List(ctx, care.BabyID("baby-2"))
	require.NoError(t, err)
	require.Empty(t, others)
}

func TestUnreadableEntryIsSetAsideWithoutLosingTheLog(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteBackedStore(t)
	persisted := `{"next_seq":4,"mutations":[
		{"id":"1","kind":"START","payload":{"babyId":"baby-1","localEventId":"local-a","type":"SLEEP","startTime":"2026-02-21T22:00:00Z"},"queuedAt":"2026-02-21T22:00:00Z"},
		{"id":"2","kind":"UPDATE","payload":{"babyId":"baby-1","localEventId":"local-a","value":"oops"},"queuedAt":"2026-02-21T22:01:00Z"},
		{"id":"3","kind":"COMPLETE","payload":{"babyId":"baby-1","localEventId":"local-a","endTime":"2026-02-22T04:00:00Z"},"queuedAt":"2026-02-22T04:00:00Z"}
	]}`
	require.NoError(t, store.Write(ctx, storage.NamespaceMutations, pendingKey, []byte(persisted)))

	q := newTestQueue(t, store)
	listed := q.List(ctx)
	require.Len(t, listed, 2)
	require.Equal(t, "1", listed[0].ID)
	require.Equal(t, "3", listed[1].ID)

	appended, err := q.Append(ctx, care.MutationKindStart, payload("baby-1"))
	require.NoError(t, err)
	require.Equal(t, "4", appended.ID)

	reopened := newTestQueue(t, store)
	require.Len(t, reopened.List(ctx), 3)

	raw, found, err := store.Read(ctx, storage.NamespaceMutations, pendingKey)
	require.NoError(t, err)
	require.True(t, found)
	require.Contains(t, string(raw), `"value":"oops"`)

	require.NoError(t, reopened.Remove(ctx, "1"))
	next, err := reopened.Append(ctx, care.MutationKindStart, payload("baby-1"))
	require.NoError(t, err)
	require.Equal(t, "5", next.ID)
}

func TestUndecodableLogIsCopiedAsideBeforeOverwrite(t *testing.T) {
	ctx := context.Background()
	base := newSQLiteBackedStore(t)
	require.NoError(t, base.Write(ctx, storage.NamespaceMutations, pendingKey, []byte(`{"next_seq":"seven","mutations":[]}`)))

	store := &flakyStore{Store: base, failWrites: true}
	q := newTestQueue(t, store)
	require.Empty(t, q.List(ctx))
	_, err := q.Append(ctx, care.MutationKindStart, payload("baby-1"))
	require.True(t, errors.Is(err, storage.ErrStorageFailure))

	raw, _, err := base.Read(ctx, storage.NamespaceMutations, pendingKey)
	require.NoError(t, err)
	require.JSONEq(t, `{"next_seq":"seven","mutations":[]}`, string(raw), "log must not be overwritten before it is copied aside")

	store.failWrites = false
	_, err = q.Append(ctx, care.MutationKindStart, payload("baby-1"))
	require.NoError(t, err)

	copies := 0
	start := time.Date(2026, 2, 21, 22, 0, 0, 0, time.UTC)
	for offset := 1; offset <= 10; offset++ {
		key := fmt.Sprintf("%s%s%d", pendingKey, corruptKeyInfix, start.Add(time.Duration(offset)*time.Second).UnixNano())
		if saved, found, err := base.Read(ctx, storage.NamespaceMutations, key); err == nil && found {
			require.Contains(t, string(saved), "seven")
			copies++
		}
	}
	require.Equal(t, 1, copies)
}
