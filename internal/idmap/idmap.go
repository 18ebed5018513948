// Package idmap persists the local-to-remote identifier table of each baby
// profile.
package idmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/carelog/internal/care"
	"github.com/MarcoPoloResearchLab/carelog/internal/storage"
	"go.uber.org/zap"
)

const (
	opLoad    = "idmap.load"
	opRecord  = "idmap.record"
	opPersist = "idmap.persist"
)

var (
	// ErrMappingConflict indicates an attempt to rebind an established local id.
	ErrMappingConflict = errors.New("idmap: local id already mapped to a different remote id")
	// ErrInvalidMapping indicates an empty id or a remote id that is itself a placeholder.
	ErrInvalidMapping = errors.New("idmap: invalid mapping")

	errMissingStore = errors.New("idmap: store is required")
)

type table struct {
	entries map[string]string
	dirty   bool
}

// Map resolves placeholder identifiers. Mappings are never removed.
type Map struct {
	mu     sync.Mutex
	store  storage.Store
	logger *zap.Logger
	tables map[string]*table
}

// New constructs a Map over store.
func New(store storage.Store, logger *zap.Logger) (*Map, error) {
	if store == nil {
		return nil, errMissingStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Map{store: store, logger: logger, tables: make(map[string]*table)}, nil
}

// Load reads the baby's table from the store if it is not cached yet.
func (m *Map) Load(ctx context.Context, babyID care.BabyID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.tableLocked(ctx, babyID.String())
	return err
}

// Resolve returns the remote id recorded for id, or id unchanged. A table that
// cannot be loaded resolves nothing.
func (m *Map) Resolve(ctx context.Context, babyID care.BabyID, id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.tableLocked(ctx, babyID.String())
	if err != nil {
		return id
	}
	if remote, ok := current.entries[id]; ok {
		return remote
	}
	return id
}

// Lookup reports the remote id recorded for localID.
func (m *Map) Lookup(ctx context.Context, babyID care.BabyID, localID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.tableLocked(ctx, babyID.String())
	if err != nil {
		return "", false, err
	}
	remote, ok := current.entries[localID]
	return remote, ok, nil
}

// Resolver returns a resolve function bound to one baby profile.
func (m *Map) Resolver(ctx context.Context, babyID care.BabyID) func(string) string {
	return func(id string) string {
		return m.Resolve(ctx, babyID, id)
	}
}

// Snapshot returns a copy of the baby's table.
func (m *Map) Snapshot(ctx context.Context, babyID care.BabyID) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.tableLocked(ctx, babyID.String())
	if err != nil {
		return nil, err
	}
	copied := make(map[string]string, len(current.entries))
	for local, remote := range current.entries {
		copied[local] = remote
	}
	return copied, nil
}

// Record binds localID to remoteID and persists the table immediately. When
// the write fails the mapping is still kept in memory and marked for a later
// Persist.
func (m *Map) Record(ctx context.Context, babyID care.BabyID, localID, remoteID string) error {
	localID = strings.TrimSpace(localID)
	remoteID = strings.TrimSpace(remoteID)
	if localID == "" || remoteID == "" || care.IsPlaceholderID(remoteID) {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidMapping, localID, remoteID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.tableLocked(ctx, babyID.String())
	if err != nil {
		return err
	}
	if existing, ok := current.entries[localID]; ok {
		if existing == remoteID {
			return nil
		}
		m.logger.Warn("identifier mapping conflict",
			zap.String("operation", opRecord),
			zap.String("baby_id", babyID.String()),
			zap.String("local_id", localID),
			zap.String("remote_id", existing),
			zap.String("rejected_remote_id", remoteID))
		return fmt.Errorf("%w: %s", ErrMappingConflict, localID)
	}

	current.entries[localID] = remoteID
	current.dirty = true
	return m.persistLocked(ctx, babyID.String(), current)
}

// Persist writes every table that changed since its last successful write.
func (m *Map) Persist(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for babyID, current := range m.tables {
		if !current.dirty {
			continue
		}
		if err := m.persistLocked(ctx, babyID, current); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Map) tableLocked(ctx context.Context, babyID string) (*table, error) {
	if current, ok := m.tables[babyID]; ok {
		return current, nil
	}
	raw, found, err := m.store.Read(ctx, storage.NamespaceIdentifiers, babyID)
	if err != nil {
		m.logger.Error("identifier map load failed",
			zap.String("operation", opLoad),
			zap.String("baby_id", babyID),
			zap.Error(err))
		return nil, err
	}
	entries := make(map[string]string)
	if found {
		if decodeErr := json.Unmarshal(raw, &entries); decodeErr != nil {
			m.logger.Warn("identifier map corrupt, starting empty",
				zap.String("operation", opLoad),
				zap.String("baby_id", babyID),
				zap.Error(decodeErr))
			entries = make(map[string]string)
		}
	}
	current := &table{entries: entries}
	m.tables[babyID] = current
	return current, nil
}

func (m *Map) persistLocked(ctx context.Context, babyID string, current *table) error {
	encoded, err := json.Marshal(current.entries)
	if err != nil {
		return fmt.Errorf("%w: encode identifier map: %w", storage.ErrStorageFailure, err)
	}
	if err := m.store.Write(ctx, storage.NamespaceIdentifiers, babyID, encoded); err != nil {
		m.logger.Error("identifier map persist failed",
			zap.String("operation", opPersist),
			zap.String("baby_id", babyID),
			zap.Error(err))
		return err
	}
	current.dirty = false
	return nil
}
