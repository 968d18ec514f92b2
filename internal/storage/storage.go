// Package storage defines the interface for the raw-payload blob tier.
// This abstraction keeps the application independent of a specific storage
// implementation (Google Cloud Storage, the local filesystem, or memory).
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no blob exists for a key.
var ErrNotFound = errors.New("storage: blob not found")

// BlobStore holds raw page payloads keyed by cache key. Keys are content
// digests, so blobs are immutable once written.
type BlobStore interface {
	// Put stores the payload under the key, replacing any existing blob.
	Put(ctx context.Context, key string, contentType string, data []byte) error

	// Get returns the payload for the key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns every stored blob key.
	Keys(ctx context.Context) ([]string, error)

	// Close releases the store's resources.
	Close() error
}

// NoOpStore is a blob store that discards writes. It is used when the raw
// tier is disabled: puts succeed, gets report not found.
type NoOpStore struct{}

// Put for NoOpStore discards the payload.
func (NoOpStore) Put(_ context.Context, _ string, _ string, _ []byte) error { return nil }

// Get for NoOpStore always reports not found.
func (NoOpStore) Get(_ context.Context, _ string) ([]byte, error) { return nil, ErrNotFound }

// Delete for NoOpStore does nothing.
func (NoOpStore) Delete(_ context.Context, _ string) error { return nil }

// Keys for NoOpStore returns no keys.
func (NoOpStore) Keys(_ context.Context) ([]string, error) { return nil, nil }

// Close for NoOpStore does nothing.
func (NoOpStore) Close() error { return nil }
