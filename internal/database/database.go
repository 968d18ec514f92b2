// Package database defines the interfaces for persisting analysis state.
// By using interfaces, we decouple the application from a specific database
// implementation, allowing for easier testing and flexibility in the future.
package database

import (
	"context"
	"errors"
	"time"

	"github.com/seoscope/seoscope/internal/analyzer"
)

// ErrNotFound is returned by EntryStore.Get when no entry exists for a key.
var ErrNotFound = errors.New("database: entry not found")

// EntryStore persists structured cache entries keyed by content digest.
type EntryStore interface {
	// Get returns the entry for the key, or ErrNotFound.
	Get(ctx context.Context, key string) (analyzer.CacheEntry, error)

	// Put stores the entry, replacing any existing entry under the same key.
	Put(ctx context.Context, entry analyzer.CacheEntry) error

	// Delete removes the entry. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ExpiredKeys returns the keys of entries whose TTL elapsed before now.
	ExpiredKeys(ctx context.Context, now time.Time) ([]string, error)

	// Keys returns every stored entry key.
	Keys(ctx context.Context) ([]string, error)

	// Close releases the store's resources.
	Close() error
}

// RequestStore persists admitted-request records for windowed rate counting.
type RequestStore interface {
	// Record appends one admitted request.
	Record(ctx context.Context, rec analyzer.RequestRecord) error

	// CountSince returns the number of records for the client at or after
	// the given instant.
	CountSince(ctx context.Context, clientID string, since time.Time) (int, error)

	// DeleteBefore removes records older than the cutoff and returns the
	// number removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Close releases the store's resources.
	Close() error
}

// HistoryStore persists the append-only analysis history per client.
type HistoryStore interface {
	// Append stores one history row.
	Append(ctx context.Context, rec analyzer.HistoryRecord) error

	// List returns the client's most recent rows, newest first, up to limit.
	List(ctx context.Context, clientID string, limit int) ([]analyzer.HistoryRecord, error)

	// Close releases the store's resources.
	Close() error
}
