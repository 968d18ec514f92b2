// Package memory provides in-memory database stores, useful for tests and
// for running the service without external dependencies.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/seoscope/seoscope/internal/analyzer"
	"github.com/seoscope/seoscope/internal/database"
)

// EntryStore is a map-backed database.EntryStore.
type EntryStore struct {
	mu      sync.RWMutex
	entries map[string]analyzer.CacheEntry
}

// NewEntryStore creates an empty in-memory entry store.
func NewEntryStore() *EntryStore {
	return &EntryStore{entries: make(map[string]analyzer.CacheEntry)}
}

// Get returns the entry for the key, or database.ErrNotFound.
func (s *EntryStore) Get(_ context.Context, key string) (analyzer.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return analyzer.CacheEntry{}, database.ErrNotFound
	}
	return entry, nil
}

// Put stores the entry, replacing any existing one under the same key.
func (s *EntryStore) Put(_ context.Context, entry analyzer.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = entry
	return nil
}

// Delete removes the entry if present.
func (s *EntryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// ExpiredKeys returns the keys of entries past their TTL at now.
func (s *EntryStore) ExpiredKeys(_ context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for key, entry := range s.entries {
		if entry.Expired(now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Keys returns every stored key.
func (s *EntryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for the in-memory store.
func (s *EntryStore) Close() error { return nil }

// RequestStore is a slice-backed database.RequestStore.
type RequestStore struct {
	mu      sync.Mutex
	records []analyzer.RequestRecord
}

// NewRequestStore creates an empty in-memory request store.
func NewRequestStore() *RequestStore {
	return &RequestStore{}
}

// Record appends one admitted request.
func (s *RequestStore) Record(_ context.Context, rec analyzer.RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// CountSince counts the client's records at or after the given instant.
func (s *RequestStore) CountSince(_ context.Context, clientID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.records {
		if rec.ClientID == clientID && !rec.At.Before(since) {
			count++
		}
	}
	return count, nil
}

// DeleteBefore removes records older than the cutoff.
func (s *RequestStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	var removed int64
	for _, rec := range s.records {
		if rec.At.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (s *RequestStore) Close() error { return nil }

// HistoryStore is a slice-backed database.HistoryStore.
type HistoryStore struct {
	mu   sync.Mutex
	rows []analyzer.HistoryRecord
}

// NewHistoryStore creates an empty in-memory history store.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{}
}

// Append stores one history row.
func (s *HistoryStore) Append(_ context.Context, rec analyzer.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rec)
	return nil
}

// List returns the client's rows, newest first, up to limit.
func (s *HistoryStore) List(_ context.Context, clientID string, limit int) ([]analyzer.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []analyzer.HistoryRecord
	for _, rec := range s.rows {
		if rec.ClientID == clientID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *HistoryStore) Close() error { return nil }
