// Package storage provides the durable key-value layer that every offline
// component persists through.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	// NamespaceMutations holds the pending mutation log.
	NamespaceMutations = "mutations"
	// NamespaceCaches holds cached snapshot records.
	NamespaceCaches = "caches"
	// NamespaceIdentifiers holds local-to-remote identifier tables.
	NamespaceIdentifiers = "id_map"
	// NamespaceDeadLetters holds mutations set aside instead of applied.
	NamespaceDeadLetters = "dead_letters"

	compositeSeparator = "::"
)

var (
	// ErrStorageFailure marks local persistence I/O errors. These are fatal to
	// the calling operation and never retried inside the core.
	ErrStorageFailure = errors.New("storage: persistence failure")
	// ErrInvalidKey indicates an empty namespace or key.
	ErrInvalidKey = errors.New("storage: invalid key")
	// ErrInvalidPayload indicates that the stored bytes are not a JSON document.
	ErrInvalidPayload = errors.New("storage: payload must be json")
)

// Store is a namespaced key-value store with atomic replace semantics.
// Read reports absence through the boolean rather than an error.
type Store interface {
	Read(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Write(ctx context.Context, namespace, key string, data []byte) error
	Delete(ctx context.Context, namespace, key string) error
}

// CompositeKey joins the cache key parts as "namespace::babyId::key".
func CompositeKey(namespace, babyID, key string) string {
	return strings.Join([]string{namespace, babyID, key}, compositeSeparator)
}

// SplitCompositeKey reverses CompositeKey.
func SplitCompositeKey(composite string) (namespace, babyID, key string, ok bool) {
	parts := strings.SplitN(composite, compositeSeparator, 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func validateKey(namespace, key string) error {
	if strings.TrimSpace(namespace) == "" {
		return fmt.Errorf("%w: empty namespace", ErrInvalidKey)
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	return nil
}

func failure(operation, namespace, key string, cause error) error {
	return fmt.Errorf("%w: %s %s/%s: %w", ErrStorageFailure, operation, namespace, key, cause)
}
