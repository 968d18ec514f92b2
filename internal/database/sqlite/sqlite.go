// Package sqlite provides SQLite-backed database stores using the pure-Go
// modernc.org/sqlite driver. A single database file holds cache entries,
// request records, and analysis history, which keeps backup and cleanup
// simple for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/seoscope/seoscope/internal/analyzer"
	"github.com/seoscope/seoscope/internal/database"
)

// DB implements database.EntryStore, database.RequestStore, and
// database.HistoryStore over one SQLite file.
type DB struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at path, enables WAL mode, and
// creates the schema if it does not exist.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &DB{db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		normalized_url TEXT NOT NULL,
		metadata TEXT NOT NULL,
		final_url TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		content_type TEXT,
		content_length INTEGER NOT NULL,
		has_raw INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		ttl_seconds INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_expires ON entries(expires_at);

	CREATE TABLE IF NOT EXISTS requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id TEXT NOT NULL,
		target_url TEXT,
		user_agent TEXT,
		at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_client_at ON requests(client_id, at);
	CREATE INDEX IF NOT EXISTS idx_requests_at ON requests(at);

	CREATE TABLE IF NOT EXISTS history (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		url TEXT NOT NULL,
		final_url TEXT,
		status_code INTEGER,
		title TEXT,
		description TEXT,
		og_title TEXT,
		og_description TEXT,
		cache_hit INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_client_created ON history(client_id, created_at);
	`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

// Get returns the entry for the key, or database.ErrNotFound.
func (s *DB) Get(ctx context.Context, key string) (analyzer.CacheEntry, error) {
	query := `
	SELECT key, normalized_url, metadata, final_url, status_code, content_type,
	       content_length, has_raw, created_at, ttl_seconds, expires_at
	FROM entries WHERE key = ?`

	var (
		entry        analyzer.CacheEntry
		metadataJSON string
		createdAt    int64
		expiresAt    int64
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&entry.Key,
		&entry.NormalizedURL,
		&metadataJSON,
		&entry.FinalURL,
		&entry.StatusCode,
		&entry.ContentType,
		&entry.ContentLength,
		&entry.HasRaw,
		&createdAt,
		&entry.TTLSeconds,
		&expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return analyzer.CacheEntry{}, database.ErrNotFound
	}
	if err != nil {
		return analyzer.CacheEntry{}, fmt.Errorf("query entry: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &entry.Metadata); err != nil {
		return analyzer.CacheEntry{}, fmt.Errorf("decode entry metadata: %w", err)
	}
	entry.CreatedAt = time.Unix(0, createdAt).UTC()
	entry.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return entry, nil
}

// Put stores the entry, replacing any existing one under the same key.
func (s *DB) Put(ctx context.Context, entry analyzer.CacheEntry) error {
	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("encode entry metadata: %w", err)
	}

	query := `
	INSERT INTO entries (key, normalized_url, metadata, final_url, status_code,
		content_type, content_length, has_raw, created_at, ttl_seconds, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		normalized_url = excluded.normalized_url,
		metadata = excluded.metadata,
		final_url = excluded.final_url,
		status_code = excluded.status_code,
		content_type = excluded.content_type,
		content_length = excluded.content_length,
		has_raw = excluded.has_raw,
		created_at = excluded.created_at,
		ttl_seconds = excluded.ttl_seconds,
		expires_at = excluded.expires_at
	`
	_, err = s.db.ExecContext(ctx, query,
		entry.Key,
		entry.NormalizedURL,
		string(metadataJSON),
		entry.FinalURL,
		entry.StatusCode,
		entry.ContentType,
		entry.ContentLength,
		entry.HasRaw,
		entry.CreatedAt.UnixNano(),
		entry.TTLSeconds,
		entry.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// Delete removes the entry if present.
func (s *DB) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// ExpiredKeys returns the keys of entries past their TTL at now.
func (s *DB) ExpiredKeys(ctx context.Context, now time.Time) ([]string, error) {
	return s.keyQuery(ctx, `SELECT key FROM entries WHERE expires_at < ? ORDER BY key`, now.UnixNano())
}

// Keys returns every stored entry key.
func (s *DB) Keys(ctx context.Context) ([]string, error) {
	return s.keyQuery(ctx, `SELECT key FROM entries ORDER BY key`)
}

func (s *DB) keyQuery(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entry keys: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan entry key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entry keys: %w", err)
	}
	return keys, nil
}

// Record appends one admitted request.
func (s *DB) Record(ctx context.Context, rec analyzer.RequestRecord) error {
	query := `INSERT INTO requests (client_id, target_url, user_agent, at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, rec.ClientID, rec.TargetURL, rec.UserAgent, rec.At.UnixNano()); err != nil {
		return fmt.Errorf("insert request record: %w", err)
	}
	return nil
}

// CountSince counts the client's records at or after the given instant.
func (s *DB) CountSince(ctx context.Context, clientID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM requests WHERE client_id = ? AND at >= ?`
	var count int
	if err := s.db.QueryRowContext(ctx, query, clientID, since.UnixNano()).Scan(&count); err != nil {
		return 0, fmt.Errorf("count request records: %w", err)
	}
	return count, nil
}

// DeleteBefore removes records older than the cutoff.
func (s *DB) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune request records: %w", err)
	}
	return result.RowsAffected()
}

// Append stores one history row.
func (s *DB) Append(ctx context.Context, rec analyzer.HistoryRecord) error {
	query := `
	INSERT INTO history (id, client_id, url, final_url, status_code, title,
		description, og_title, og_description, cache_hit, duration_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.ClientID,
		rec.URL,
		rec.FinalURL,
		rec.StatusCode,
		rec.Title,
		rec.Description,
		rec.OGTitle,
		rec.OGDescription,
		rec.CacheHit,
		rec.DurationMs,
		rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert history row: %w", err)
	}
	return nil
}

// List returns the client's rows, newest first, up to limit.
func (s *DB) List(ctx context.Context, clientID string, limit int) ([]analyzer.HistoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
	SELECT id, client_id, url, final_url, status_code, title, description,
	       og_title, og_description, cache_hit, duration_ms, created_at
	FROM history WHERE client_id = ?
	ORDER BY created_at DESC
	LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []analyzer.HistoryRecord
	for rows.Next() {
		var (
			rec       analyzer.HistoryRecord
			createdAt int64
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.ClientID,
			&rec.URL,
			&rec.FinalURL,
			&rec.StatusCode,
			&rec.Title,
			&rec.Description,
			&rec.OGTitle,
			&rec.OGDescription,
			&rec.CacheHit,
			&rec.DurationMs,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}
