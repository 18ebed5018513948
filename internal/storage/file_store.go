package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

const (
	fileStoreMode = 0o600
	tempSuffix    = ".tmp"
	corruptSuffix = ".corrupt"
)

var errMissingPath = errors.New("storage: file path is required")

// fileDocument is the on-disk layout: a single JSON object keyed by namespace,
// each holding a map of keys to raw JSON values.
type fileDocument map[string]map[string]json.RawMessage

// FileStoreConfig describes the dependencies of a FileStore.
type FileStoreConfig struct {
	Path   string
	Logger *zap.Logger
}

// FileStore persists every namespace in one JSON document. Each write
// re-serializes the whole document to a temporary file and renames it over
// the original, so readers only ever observe a complete document.
type FileStore struct {
	mu       sync.Mutex
	path     string
	logger   *zap.Logger
	document fileDocument
	loaded   bool
}

// NewFileStore constructs a FileStore; the file is read lazily.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.Path == "" {
		return nil, errMissingPath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: cfg.Path, logger: logger}, nil
}

// Path returns the document location.
func (s *FileStore) Path() string {
	return s.path
}

// Read returns the stored bytes for namespace/key.
func (s *FileStore) Read(_ context.Context, namespace, key string) ([]byte, bool, error) {
	if err := validateKey(namespace, key); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return nil, false, failure("read", namespace, key, err)
	}
	value, ok := s.document[namespace][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

// Write replaces one value and swaps the full document into place.
func (s *FileStore) Write(_ context.Context, namespace, key string, data []byte) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	if !json.Valid(data) {
		return fmt.Errorf("%w: %s/%s", ErrInvalidPayload, namespace, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return failure("write", namespace, key, err)
	}
	next := s.document.clone()
	if next[namespace] == nil {
		next[namespace] = make(map[string]json.RawMessage)
	}
	next[namespace][key] = append(json.RawMessage(nil), data...)
	if err := s.persistLocked(next); err != nil {
		s.logger.Error("file store write failed", zap.String("path", s.path), zap.String("namespace", namespace), zap.Error(err))
		return failure("write", namespace, key, err)
	}
	s.document = next
	return nil
}

// Delete removes one value; deleting an absent key is not an error.
func (s *FileStore) Delete(_ context.Context, namespace, key string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return failure("delete", namespace, key, err)
	}
	if _, ok := s.document[namespace][key]; !ok {
		return nil
	}
	next := s.document.clone()
	delete(next[namespace], key)
	if len(next[namespace]) == 0 {
		delete(next, namespace)
	}
	if err := s.persistLocked(next); err != nil {
		s.logger.Error("file store delete failed", zap.String("path", s.path), zap.String("namespace", namespace), zap.Error(err))
		return failure("delete", namespace, key, err)
	}
	s.document = next
	return nil
}

func (s *FileStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.document = make(fileDocument)
		s.loaded = true
		return nil
	}
	if err != nil {
		return err
	}

	document := make(fileDocument)
	if len(raw) > 0 {
		if decodeErr := json.Unmarshal(raw, &document); decodeErr != nil {
			// Damaged documents are moved aside; the store restarts empty.
			aside := s.path + corruptSuffix
			if renameErr := os.Rename(s.path, aside); renameErr != nil {
				return renameErr
			}
			s.logger.Warn("file store document corrupt, starting empty",
				zap.String("path", s.path),
				zap.String("moved_to", aside),
				zap.Error(decodeErr))
			document = make(fileDocument)
		}
	}
	s.document = document
	s.loaded = true
	return nil
}

func (s *FileStore) persistLocked(document fileDocument) error {
	encoded, err := json.Marshal(document)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tempPath := s.path + tempSuffix
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileStoreMode)
	if err != nil {
		return err
	}
	if _, err := file.Write(encoded); err != nil {
		file.Close()
		os.Remove(tempPath)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	return os.Rename(tempPath, s.path)
}

func (document fileDocument) clone() fileDocument {
	copied := make(fileDocument, len(document))
	for namespace, values := range document {
		inner := make(map[string]json.RawMessage, len(values))
		for key, value := range values {
			inner[key] = value
		}
		copied[namespace] = inner
	}
	return copied
}
