package offline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/carelog/internal/care"
	"github.com/MarcoPoloResearchLab/carelog/internal/config"
	"github.com/MarcoPoloResearchLab/carelog/internal/remote"
	"github.com/MarcoPoloResearchLab/carelog/internal/session"
	"github.com/MarcoPoloResearchLab/carelog/internal/snapshot"
	"github.com/MarcoPoloResearchLab/carelog/internal/storage"
	"github.com/MarcoPoloResearchLab/carelog/internal/syncer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var plusTwo = time.FixedZone("UTC+2", 2*60*60)

type recordingNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func (n *recordingNotifier) Publish(notification Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	types := make([]string, 0, len(n.notifications))
	for _, notification := range n.notifications {
		types = append(types, notification.Type)
	}
	return types
}

type sequentialRemote struct {
	mu      sync.Mutex
	next    int
	targets []string
	reject  bool
}

func (r *sequentialRemote) newID() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject {
		return "", fmt.Errorf("%w: invalid payload", remote.ErrRejected)
	}
	r.next++
	return fmt.Sprintf("evt-%d", r.next), nil
}

func (r *sequentialRemote) target(eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject {
		return fmt.Errorf("%w: invalid payload", remote.ErrRejected)
	}
	r.targets = append(r.targets, eventID)
	return nil
}

func (r *sequentialRemote) CreateClosed(context.Context, remote.Call, remote.EventFields) (string, error) {
	return r.newID()
}

func (r *sequentialRemote) Start(context.Context, remote.Call, remote.EventFields) (string, error) {
	return r.newID()
}

func (r *sequentialRemote) Complete(_ context.Context, _ remote.Call, eventID string, _ remote.EventFields) error {
	return r.target(eventID)
}

func (r *sequentialRemote) Update(_ context.Context, _ remote.Call, eventID string, _ remote.EventFields) error {
	return r.target(eventID)
}

func (r *sequentialRemote) Cancel(_ context.Context, _ remote.Call, eventID string, _ string) error {
	return r.target(eventID)
}

type failingStore struct {
	storage.Store
	failWrites bool
}

func (s *failingStore) Write(ctx context.Context, namespace, key string, data []byte) error {
	if s.failWrites {
		return fmt.Errorf("%w: disk full", storage.ErrStorageFailure)
	}
	return s.Store.Write(ctx, namespace, key, data)
}

type fixture struct {
	service  *Service
	remote   *sequentialRemote
	notifier *recordingNotifier
	store    *failingStore
}

func newFixture(t *testing.T, policy syncer.RejectionPolicy) fixture {
	t.Helper()
	base, err := storage.NewFileStore(storage.FileStoreConfig{Path: filepath.Join(t.TempDir(), "store.json")})
	require.NoError(t, err)
	store := &failingStore{Store: base}
	api := &sequentialRemote{}
	notifier := &recordingNotifier{}
	service, err := Assemble(RuntimeConfig{
		Store:    store,
		Remote:   api,
		Policy:   policy,
		Location: plusTwo,
		Notifier: notifier,
		Clock: func() time.Time {
			return time.Date(2026, 2, 22, 9, 0, 0, 0, time.UTC)
		},
	})
	require.NoError(t, err)
	return fixture{service: service, remote: api, notifier: notifier, store: store}
}

func linked() session.Context {
	return session.Context{BabyID: "baby-1", BearerToken: "token"}
}

func TestOfflineSleepScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncer.PolicyRetry)
	sess := linked()

	_, err := f.service.Enqueue(ctx, sess, care.MutationKindStart, care.Payload{LocalEventID: "L1", Type: "SLEEP", StartTime: "2026-02-21T22:00:00Z"})
	require.NoError(t, err)

	events := f.service.Projection(ctx, sess, nil)
	require.Len(t, events, 1)
	assert.Equal(t, care.EventStatusOpen, events[0].Status)

	_, err = f.service.Enqueue(ctx, sess, care.MutationKindComplete, care.Payload{LocalEventID: "L1", EndTime: "2026-02-22T04:00:00Z"})
	require.NoError(t, err)

	anchor, err := snapshot.ParseAnchor("2026-02-22", f.service.Location())
	require.NoError(t, err)
	record, err := f.service.Snapshot(ctx, sess, snapshot.RangeDay, anchor, nil)
	require.NoError(t, err)
	assert.Equal(t, 360.0, record.SleepNightMin)

	cached, found, err := f.service.CachedSnapshot(ctx, sess, snapshot.NamespaceDaily, "day:2026-02-22")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 360.0, cached.Data.SleepNightMin)

	landing := f.service.Landing(ctx, sess, nil)
	assert.Equal(t, "day:2026-02-22", landing.RangeKey)

	require.Len(t, f.service.Pending(ctx, sess), 2)
	assert.Equal(t, []string{NotificationProjectionChanged, NotificationProjectionChanged}, f.notifier.types())
}

func TestFlushResolvesProjectionThroughIdentifierMap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncer.PolicyRetry)
	sess := linked()

	_, err := f.service.Enqueue(ctx, sess, care.MutationKindStart, care.Payload{Type: "SLEEP", StartTime: "2026-02-22T01:00:00Z"})
	require.NoError(t, err)
	result, err := f.service.Flush(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, syncer.StateIdle, f.service.State(sess))

	_, err = f.service.Enqueue(ctx, sess, care.MutationKindComplete, care.Payload{LocalEventID: "local-1", EndTime: "2026-02-22T03:00:00Z"})
	require.NoError(t, err)

	confirmed := []care.CareEvent{{
		ID:        "evt-1",
		BabyID:    "baby-1",
		Type:      care.EventTypeSleep,
		StartTime: time.Date(2026, 2, 22, 1, 0, 0, 0, time.UTC),
		Status:    care.EventStatusOpen,
	}}
	events := f.service.Projection(ctx, sess, confirmed)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-1", events[0].ID)
	assert.Equal(t, care.EventStatusClosed, events[0].Status)

	_, err = f.service.Flush(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-1"}, f.remote.targets)
	assert.Empty(t, f.service.Pending(ctx, sess))
	assert.Contains(t, f.notifier.types(), NotificationSyncFinished)
}

func TestEnqueueErrorCodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncer.PolicyRetry)
	sess := linked()

	var serviceErr *ServiceError
	_, err := f.service.Enqueue(ctx, sess, care.MutationKindStart, care.Payload{BabyID: "baby-2", Type: "SLEEP"})
	require.True(t, errors.As(err, &serviceErr))
	assert.Equal(t, "offline.enqueue.baby_mismatch", serviceErr.Code())

	_, err = f.service.Enqueue(ctx, sess, care.MutationKind("ERASE"), care.Payload{})
	require.True(t, errors.As(err, &serviceErr))
	assert.Equal(t, "offline.enqueue.invalid_kind", serviceErr.Code())

	f.store.failWrites = true
	_, err = f.service.Enqueue(ctx, sess, care.MutationKindStart, care.Payload{Type: "SLEEP", StartTime: "2026-02-22T01:00:00Z"})
	require.True(t, errors.As(err, &serviceErr))
	assert.Equal(t, "offline.enqueue.storage_failure", serviceErr.Code())
	assert.True(t, errors.Is(err, storage.ErrStorageFailure))
	assert.Empty(t, f.notifier.types())
}

func TestFlushOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("not server linked", func(t *testing.T) {
		f := newFixture(t, syncer.PolicyRetry)
		result, err := f.service.Flush(ctx, session.Context{BabyID: "local-1"})
		require.NoError(t, err)
		assert.Equal(t, syncer.SkipNotServerLinked, result.Skipped)
		assert.Empty(t, f.notifier.types())
	})

	t.Run("dead letters are listed", func(t *testing.T) {
		f := newFixture(t, syncer.PolicyDeadLetter)
		sess := linked()
		f.remote.reject = true
		_, err := f.service.Enqueue(ctx, sess, care.MutationKindCancel, care.Payload{EventID: "evt-404"})
		require.NoError(t, err)

		result, err := f.service.Flush(ctx, sess)
		require.NoError(t, err)
		assert.Equal(t, 1, result.DeadLettered)

		letters, err := f.service.DeadLetters(ctx, sess)
		require.NoError(t, err)
		require.Len(t, letters, 1)
		assert.Equal(t, "evt-404", letters[0].Mutation.Payload.EventID)
	})
}

func TestOpenStoreDrivers(t *testing.T) {
	dir := t.TempDir()
	for _, driver := range []string{config.StoreDriverSQLite, config.StoreDriverFile} {
		store, closeStore, err := OpenStore(config.AppConfig{StoreDriver: driver, StorePath: filepath.Join(dir, "carelog-"+driver)}, nil)
		require.NoError(t, err, driver)
		require.NoError(t, store.Write(context.Background(), storage.NamespaceMutations, "pending", []byte(`{}`)))
		require.NoError(t, closeStore())
	}

	_, _, err := OpenStore(config.AppConfig{StoreDriver: "postgres", StorePath: "x"}, nil)
	require.Error(t, err)

	api, err := NewRemote(config.AppConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, remote.Disconnected{}, api)
}
