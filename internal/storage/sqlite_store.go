package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	fieldNamespace    = "namespace"
	fieldKey          = "doc_key"
	queryNamespaceKey = fieldNamespace + " = ? AND " + fieldKey + " = ?"
)

var errMissingDatabase = errors.New("storage: database handle is required")

// Document is one persisted value of the durable store.
type Document struct {
	Namespace        string         `gorm:"column:namespace;primaryKey;size:64;not null"`
	Key              string         `gorm:"column:doc_key;primaryKey;size:190;not null"`
	Payload          datatypes.JSON `gorm:"column:payload;not null"`
	UpdatedAtSeconds int64          `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "store_documents"
}

// SQLiteStoreConfig describes the dependencies of a SQLiteStore.
type SQLiteStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// SQLiteStore keeps one row per (namespace, key). Writes are serialized so a
// single process never interleaves partial persistence.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewSQLiteStore constructs a SQLiteStore. The schema must already be migrated.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Read returns the stored bytes for namespace/key.
func (s *SQLiteStore) Read(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	if err := validateKey(namespace, key); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var document Document
	err := s.db.WithContext(ctx).Where(queryNamespaceKey, namespace, key).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		s.logger.Error("store read failed", zap.String(fieldNamespace, namespace), zap.String("key", key), zap.Error(err))
		return nil, false, failure("read", namespace, key, err)
	}
	return []byte(document.Payload), true, nil
}

// Write replaces the value atomically through an upsert.
func (s *SQLiteStore) Write(ctx context.Context, namespace, key string, data []byte) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	if !json.Valid(data) {
		return fmt.Errorf("%w: %s/%s", ErrInvalidPayload, namespace, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	document := Document{
		Namespace:        namespace,
		Key:              key,
		Payload:          datatypes.JSON(append([]byte(nil), data...)),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: fieldNamespace}, {Name: fieldKey}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at_s"}),
	}).Create(&document).Error
	if err != nil {
		s.logger.Error("store write failed", zap.String(fieldNamespace, namespace), zap.String("key", key), zap.Error(err))
		return failure("write", namespace, key, err)
	}
	return nil
}

// Delete removes the value; deleting an absent key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, namespace, key string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.WithContext(ctx).Where(queryNamespaceKey, namespace, key).Delete(&Document{}).Error; err != nil {
		s.logger.Error("store delete failed", zap.String(fieldNamespace, namespace), zap.String("key", key), zap.Error(err))
		return failure("delete", namespace, key, err)
	}
	return nil
}
