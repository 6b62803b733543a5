// Package storage defines the small get/put interface the core uses
// for persisted state: the signer descriptor and client settings.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no stored value
var ErrNotFound = errors.New("key not found")

// SignerKey is the storage key the signer descriptor JSON lives under
const SignerKey = "signer"

// Store is a key-value settings store.
// Implementations can use any backend (sqlite, memory, etc.)
type Store interface {
	// Get retrieves the value for a key; ErrNotFound when absent
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores or replaces the value for a key
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes a key; deleting an absent key is a no-op
	Delete(ctx context.Context, key string) error

	// Close closes the storage connection
	Close() error
}
