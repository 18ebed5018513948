package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/carelog/internal/care"
	"github.com/MarcoPoloResearchLab/carelog/internal/storage"
)

var errMissingStore = errors.New("snapshot: store is required")

// CachedSnapshot is the stored copy of the latest record for one key.
type CachedSnapshot struct {
	Namespace string    `json:"namespace"`
	BabyID    string    `json:"babyId"`
	Key       string    `json:"key"`
	SavedAt   time.Time `json:"savedAt"`
	Data      Record    `json:"data"`
}

// Cache stores records under "namespace::babyId::key" in the caches namespace.
type Cache struct {
	store storage.Store
	clock func() time.Time
}

// NewCache constructs a Cache over store.
func NewCache(store storage.Store, clock func() time.Time) (*Cache, error) {
	if store == nil {
		return nil, errMissingStore
	}
	if clock == nil {
		clock = time.Now
	}
	return &Cache{store: store, clock: clock}, nil
}

// Save replaces the cached record as a whole.
func (c *Cache) Save(ctx context.Context, namespace string, babyID care.BabyID, key string, record Record) (CachedSnapshot, error) {
	entry := CachedSnapshot{
		Namespace: namespace,
		BabyID:    babyID.String(),
		Key:       key,
		SavedAt:   c.clock().UTC(),
		Data:      record,
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return CachedSnapshot{}, fmt.Errorf("%w: encode snapshot: %w", storage.ErrStorageFailure, err)
	}
	if err := c.store.Write(ctx, storage.NamespaceCaches, storage.CompositeKey(namespace, babyID.String(), key), encoded); err != nil {
		return CachedSnapshot{}, err
	}
	return entry, nil
}

// Load returns the cached record, if any. A damaged entry reads as absent.
func (c *Cache) Load(ctx context.Context, namespace string, babyID care.BabyID, key string) (CachedSnapshot, bool, error) {
	raw, found, err := c.store.Read(ctx, storage.NamespaceCaches, storage.CompositeKey(namespace, babyID.String(), key))
	if err != nil || !found {
		return CachedSnapshot{}, false, err
	}
	var entry CachedSnapshot
	if err := json.Unmarshal(raw, &entry); err != nil {
		return CachedSnapshot{}, false, nil
	}
	return entry, true, nil
}
