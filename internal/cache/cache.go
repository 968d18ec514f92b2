// Package cache implements the dual-tier analysis cache: structured entries
// in a database store, raw page payloads in a blob store, both addressed by
// the SHA-256 digest of the normalized URL.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/seoscope/seoscope/internal/analyzer"
	"github.com/seoscope/seoscope/internal/database"
	"github.com/seoscope/seoscope/internal/hash/sha256"
	"github.com/seoscope/seoscope/internal/storage"
)

// ErrInvalidKey is returned when a key is not a well-formed cache digest.
var ErrInvalidKey = errors.New("cache: key is not a valid digest")

// Config controls cache behavior.
type Config struct {
	// Enabled toggles the cache. When false, lookups miss, stores succeed
	// without persisting, and callers need no special casing.
	Enabled bool

	// TTL is the lifetime of a stored entry.
	TTL time.Duration

	// MaxRawBytes caps raw payloads admitted to the blob tier. Oversized
	// payloads store the entry without the raw copy. Zero means no cap.
	MaxRawBytes int64
}

// Store is the dual-tier cache.
type Store struct {
	cfg     Config
	entries database.EntryStore
	blobs   storage.BlobStore
	hasher  *sha256.Hasher
	clock   analyzer.Clock
	logger  *zap.Logger
}

// New creates a cache store over the given tiers.
func New(cfg Config, entries database.EntryStore, blobs storage.BlobStore, hasher *sha256.Hasher, clock analyzer.Clock, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:     cfg,
		entries: entries,
		blobs:   blobs,
		hasher:  hasher,
		clock:   clock,
		logger:  logger,
	}
}

// Key returns the cache key for a normalized URL. Equal URLs always map to
// the same key.
func (s *Store) Key(normalizedURL string) string {
	return s.hasher.Hash(normalizedURL)
}

// Get returns the live entry for the key, or nil on a miss. The key must be
// a well-formed digest. An entry past its TTL counts as a miss and is
// opportunistically deleted along with its raw payload.
func (s *Store) Get(ctx context.Context, key string) (*analyzer.CacheEntry, error) {
	if !sha256.IsDigest(key) {
		return nil, ErrInvalidKey
	}
	if !s.cfg.Enabled {
		return nil, nil
	}
	entry, err := s.entries.Get(ctx, key)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	if entry.Expired(s.clock.Now()) {
		s.deleteBoth(ctx, key)
		return nil, nil
	}
	return &entry, nil
}

// GetRaw returns the raw payload for the key, or nil when the raw tier has
// nothing for it. The key must be a well-formed digest.
func (s *Store) GetRaw(ctx context.Context, key string) ([]byte, error) {
	if !sha256.IsDigest(key) {
		return nil, ErrInvalidKey
	}
	if !s.cfg.Enabled {
		return nil, nil
	}
	raw, err := s.blobs.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("raw lookup: %w", err)
	}
	return raw, nil
}

// Put stores the entry and, when provided and within the size cap, its raw
// payload. The entry's expiry is stamped from the configured TTL.
func (s *Store) Put(ctx context.Context, entry analyzer.CacheEntry, raw []byte) error {
	if !s.cfg.Enabled {
		return nil
	}
	now := s.clock.Now()
	entry.CreatedAt = now
	entry.TTLSeconds = int64(s.cfg.TTL / time.Second)
	entry.ExpiresAt = now.Add(s.cfg.TTL)
	entry.HasRaw = false

	if len(raw) > 0 {
		if s.cfg.MaxRawBytes > 0 && int64(len(raw)) > s.cfg.MaxRawBytes {
			s.logger.Debug("raw payload exceeds cap, storing entry only",
				zap.String("key", entry.Key),
				zap.Int("bytes", len(raw)),
			)
		} else if err := s.blobs.Put(ctx, entry.Key, entry.ContentType, raw); err != nil {
			// The structured entry is still worth keeping.
			s.logger.Warn("failed to store raw payload",
				zap.String("key", entry.Key),
				zap.Error(err),
			)
		} else {
			entry.HasRaw = true
		}
	}

	if err := s.entries.Put(ctx, entry); err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}

// Has reports whether a live entry exists for the key.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	entry, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// Delete removes the entry and its raw payload. The key must be a
// well-formed digest; deleting a missing key succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	if !sha256.IsDigest(key) {
		return ErrInvalidKey
	}
	if !s.cfg.Enabled {
		return nil
	}
	if err := s.entries.Delete(ctx, key); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		// The entry is gone, so the blob is unreachable either way; the
		// cleanup sweep will retry it.
		s.logger.Warn("failed to delete raw payload",
			zap.String("key", key),
			zap.Error(err),
		)
	}
	return nil
}

// Cleanup removes expired entries with their raw payloads, then removes raw
// payloads whose entry no longer exists. It returns the number of entries
// and orphan blobs removed.
func (s *Store) Cleanup(ctx context.Context) (entries int, orphans int, err error) {
	if !s.cfg.Enabled {
		return 0, 0, nil
	}

	expired, err := s.entries.ExpiredKeys(ctx, s.clock.Now())
	if err != nil {
		return 0, 0, fmt.Errorf("list expired entries: %w", err)
	}
	for _, key := range expired {
		s.deleteBoth(ctx, key)
		entries++
	}

	live, err := s.entries.Keys(ctx)
	if err != nil {
		return entries, 0, fmt.Errorf("list entry keys: %w", err)
	}
	known := make(map[string]struct{}, len(live))
	for _, key := range live {
		known[key] = struct{}{}
	}

	blobKeys, err := s.blobs.Keys(ctx)
	if err != nil {
		return entries, 0, fmt.Errorf("list blob keys: %w", err)
	}
	for _, key := range blobKeys {
		if _, ok := known[key]; ok {
			continue
		}
		if err := s.blobs.Delete(ctx, key); err != nil {
			s.logger.Warn("failed to delete orphan payload",
				zap.String("key", key),
				zap.Error(err),
			)
			continue
		}
		orphans++
	}
	return entries, orphans, nil
}

func (s *Store) deleteBoth(ctx context.Context, key string) {
	if err := s.entries.Delete(ctx, key); err != nil {
		s.logger.Warn("failed to delete expired entry",
			zap.String("key", key),
			zap.Error(err),
		)
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.logger.Warn("failed to delete raw payload",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}
