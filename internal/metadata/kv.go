// Package metadata stores file records in a strongly-consistent key-value
// store. Object bytes live on the storage nodes; only their keys and
// last-known locations are recorded here.
package metadata

import (
	"context"
	"errors"
)

// Metadata errors.
var (
	ErrNotFound      = errors.New("metadata key not found")
	ErrInvalidRecord = errors.New("invalid file record")
	ErrConflict      = errors.New("metadata key changed concurrently")
)

// KeyValue is one entry returned by List.
type KeyValue struct {
	Key   string
	Value []byte
}

// KV is the minimal key-value contract the catalog needs.
// Keys are relative to the store's namespace.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	// Get returns ErrNotFound when key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns every entry under prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]KeyValue, error)
	// GetRevision is Get plus the revision key was last written at.
	GetRevision(ctx context.Context, key string) ([]byte, int64, error)
	// PutIfRevision writes value only if key still exists at rev.
	// Returns ErrConflict when key was rewritten or deleted since.
	PutIfRevision(ctx context.Context, key string, value []byte, rev int64) error
	Close() error
}
