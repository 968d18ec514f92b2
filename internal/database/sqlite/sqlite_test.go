package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoscope/seoscope/internal/analyzer"
	"github.com/seoscope/seoscope/internal/database"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "seoscope.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEntryRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.Get(ctx, "missing")
	assert.ErrorIs(t, err, database.ErrNotFound)

	now := time.Now().UTC().Truncate(time.Millisecond)
	entry := analyzer.CacheEntry{
		Key:           "abc123",
		NormalizedURL: "https://example.com/",
		Metadata: analyzer.Metadata{
			Title:       "Example",
			Description: "An example page",
			Headings:    analyzer.Headings{H1: []string{"Example"}},
			SchemaTypes: []string{"WebSite"},
			WordCount:   42,
		},
		FinalURL:      "https://example.com/",
		StatusCode:    200,
		ContentType:   "text/html",
		ContentLength: 1024,
		HasRaw:        true,
		CreatedAt:     now,
		TTLSeconds:    3600,
		ExpiresAt:     now.Add(time.Hour),
	}
	require.NoError(t, db.Put(ctx, entry))

	got, err := db.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, entry.Metadata, got.Metadata)
	assert.Equal(t, entry.NormalizedURL, got.NormalizedURL)
	assert.True(t, got.HasRaw)
	assert.True(t, entry.ExpiresAt.Equal(got.ExpiresAt))

	// Put under the same key replaces.
	entry.StatusCode = 301
	require.NoError(t, db.Put(ctx, entry))
	got, err = db.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, 301, got.StatusCode)

	require.NoError(t, db.Delete(ctx, "abc123"))
	_, err = db.Get(ctx, "abc123")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestExpiredKeys(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now().UTC()

	require.NoError(t, db.Put(ctx, analyzer.CacheEntry{Key: "fresh", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, db.Put(ctx, analyzer.CacheEntry{Key: "stale", ExpiresAt: now.Add(-time.Minute)}))

	expired, err := db.ExpiredKeys(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, expired)

	keys, err := db.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh", "stale"}, keys)
}

func TestRequestCountAndPrune(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now().UTC()

	for _, at := range []time.Time{now.Add(-2 * time.Hour), now.Add(-10 * time.Minute), now} {
		require.NoError(t, db.Record(ctx, analyzer.RequestRecord{
			ClientID:  "1.2.3.4",
			TargetURL: "https://example.com/",
			At:        at,
		}))
	}

	count, err := db.CountSince(ctx, "1.2.3.4", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = db.CountSince(ctx, "nobody", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, count)

	removed, err := db.DeleteBefore(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
}

func TestHistoryListNewestFirst(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now().UTC()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, db.Append(ctx, analyzer.HistoryRecord{
			ID:        id,
			ClientID:  "1.2.3.4",
			URL:       "https://" + id + ".example/",
			Title:     "page " + id,
			CacheHit:  i == 2,
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		}))
	}

	rows, err := db.List(ctx, "1.2.3.4", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "c", rows[0].ID)
	assert.True(t, rows[0].CacheHit)
	assert.Equal(t, "b", rows[1].ID)
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "seoscope.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}
