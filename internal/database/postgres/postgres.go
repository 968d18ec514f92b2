// Package postgres provides Postgres-backed database stores using pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seoscope/seoscope/internal/analyzer"
	"github.com/seoscope/seoscope/internal/database"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// DB implements database.EntryStore, database.RequestStore, and
// database.HistoryStore over one Postgres pool.
type DB struct {
	pool pool
}

// New connects to Postgres with the provided config, pings the server, and
// creates the schema if it does not exist.
func New(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &DB{pool: p}
	if err := s.createTables(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// NewWithPool constructs a DB from an existing pool (primarily for testing).
// No schema setup is performed.
func NewWithPool(p pool) (*DB, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &DB{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *DB) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *DB) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		normalized_url TEXT NOT NULL,
		metadata JSONB NOT NULL,
		final_url TEXT NOT NULL,
		status_code INT NOT NULL,
		content_type TEXT,
		content_length BIGINT NOT NULL,
		has_raw BOOLEAN NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		ttl_seconds BIGINT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_expires ON entries(expires_at);

	CREATE TABLE IF NOT EXISTS requests (
		id BIGSERIAL PRIMARY KEY,
		client_id TEXT NOT NULL,
		target_url TEXT,
		user_agent TEXT,
		at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_client_at ON requests(client_id, at);

	CREATE TABLE IF NOT EXISTS history (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		url TEXT NOT NULL,
		final_url TEXT,
		status_code INT,
		title TEXT,
		description TEXT,
		og_title TEXT,
		og_description TEXT,
		cache_hit BOOLEAN NOT NULL,
		duration_ms BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_client_created ON history(client_id, created_at);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return err
	}
	return nil
}

// Get returns the entry for the key, or database.ErrNotFound.
func (s *DB) Get(ctx context.Context, key string) (analyzer.CacheEntry, error) {
	query := `
	SELECT key, normalized_url, metadata, final_url, status_code, content_type,
	       content_length, has_raw, created_at, ttl_seconds, expires_at
	FROM entries WHERE key = $1`

	var (
		entry        analyzer.CacheEntry
		metadataJSON []byte
	)
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&entry.Key,
		&entry.NormalizedURL,
		&metadataJSON,
		&entry.FinalURL,
		&entry.StatusCode,
		&entry.ContentType,
		&entry.ContentLength,
		&entry.HasRaw,
		&entry.CreatedAt,
		&entry.TTLSeconds,
		&entry.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return analyzer.CacheEntry{}, database.ErrNotFound
	}
	if err != nil {
		return analyzer.CacheEntry{}, fmt.Errorf("query entry: %w", err)
	}
	if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
		return analyzer.CacheEntry{}, fmt.Errorf("decode entry metadata: %w", err)
	}
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
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (key) DO UPDATE SET
		normalized_url = EXCLUDED.normalized_url,
		metadata = EXCLUDED.metadata,
		final_url = EXCLUDED.final_url,
		status_code = EXCLUDED.status_code,
		content_type = EXCLUDED.content_type,
		content_length = EXCLUDED.content_length,
		has_raw = EXCLUDED.has_raw,
		created_at = EXCLUDED.created_at,
		ttl_seconds = EXCLUDED.ttl_seconds,
		expires_at = EXCLUDED.expires_at`

	_, err = s.pool.Exec(ctx, query,
		entry.Key,
		entry.NormalizedURL,
		metadataJSON,
		entry.FinalURL,
		entry.StatusCode,
		entry.ContentType,
		entry.ContentLength,
		entry.HasRaw,
		entry.CreatedAt,
		entry.TTLSeconds,
		entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// Delete removes the entry if present.
func (s *DB) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// ExpiredKeys returns the keys of entries past their TTL at now.
func (s *DB) ExpiredKeys(ctx context.Context, now time.Time) ([]string, error) {
	return s.keyQuery(ctx, `SELECT key FROM entries WHERE expires_at < $1 ORDER BY key`, now)
}

// Keys returns every stored entry key.
func (s *DB) Keys(ctx context.Context) ([]string, error) {
	return s.keyQuery(ctx, `SELECT key FROM entries ORDER BY key`)
}

func (s *DB) keyQuery(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entry keys: %w", err)
	}
	defer rows.Close()

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
	query := `INSERT INTO requests (client_id, target_url, user_agent, at) VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, query, rec.ClientID, rec.TargetURL, rec.UserAgent, rec.At); err != nil {
		return fmt.Errorf("insert request record: %w", err)
	}
	return nil
}

// CountSince counts the client's records at or after the given instant.
func (s *DB) CountSince(ctx context.Context, clientID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM requests WHERE client_id = $1 AND at >= $2`
	var count int
	if err := s.pool.QueryRow(ctx, query, clientID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count request records: %w", err)
	}
	return count, nil
}

// DeleteBefore removes records older than the cutoff.
func (s *DB) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM requests WHERE at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune request records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Append stores one history row.
func (s *DB) Append(ctx context.Context, rec analyzer.HistoryRecord) error {
	query := `
	INSERT INTO history (id, client_id, url, final_url, status_code, title,
		description, og_title, og_description, cache_hit, duration_ms, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.pool.Exec(ctx, query,
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
		rec.CreatedAt,
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
	FROM history WHERE client_id = $1
	ORDER BY created_at DESC
	LIMIT $2`

	rows, err := s.pool.Query(ctx, query, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []analyzer.HistoryRecord
	for rows.Next() {
		var rec analyzer.HistoryRecord
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
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}
