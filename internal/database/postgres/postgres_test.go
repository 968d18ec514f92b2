package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoscope/seoscope/internal/analyzer"
	"github.com/seoscope/seoscope/internal/database"
)

func newMockDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	db, err := NewWithPool(mock)
	require.NoError(t, err)
	return db, mock
}

func TestPutInsertsEntry(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)
	now := time.Unix(1700000000, 0).UTC()

	entry := analyzer.CacheEntry{
		Key:           "abc",
		NormalizedURL: "https://example.com/",
		Metadata:      analyzer.Metadata{Title: "Example"},
		FinalURL:      "https://example.com/",
		StatusCode:    200,
		ContentType:   "text/html",
		ContentLength: 512,
		HasRaw:        true,
		CreatedAt:     now,
		TTLSeconds:    3600,
		ExpiresAt:     now.Add(time.Hour),
	}

	mock.ExpectExec("INSERT INTO entries").
		WithArgs(
			entry.Key,
			entry.NormalizedURL,
			pgxmock.AnyArg(),
			entry.FinalURL,
			entry.StatusCode,
			entry.ContentType,
			entry.ContentLength,
			entry.HasRaw,
			entry.CreatedAt,
			entry.TTLSeconds,
			entry.ExpiresAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, db.Put(context.Background(), entry))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReturnsNotFound(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT (.+) FROM entries").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{
			"key", "normalized_url", "metadata", "final_url", "status_code",
			"content_type", "content_length", "has_raw", "created_at",
			"ttl_seconds", "expires_at",
		}))

	_, err := db.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, database.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetScansEntry(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT (.+) FROM entries").
		WithArgs("abc").
		WillReturnRows(pgxmock.NewRows([]string{
			"key", "normalized_url", "metadata", "final_url", "status_code",
			"content_type", "content_length", "has_raw", "created_at",
			"ttl_seconds", "expires_at",
		}).AddRow(
			"abc", "https://example.com/", []byte(`{"title":"Example","open_graph":{},"twitter_card":{},"headings":{},"word_count":0}`),
			"https://example.com/", 200, "text/html", int64(512), true,
			now, int64(3600), now.Add(time.Hour),
		))

	entry, err := db.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "Example", entry.Metadata.Title)
	assert.Equal(t, "https://example.com/", entry.NormalizedURL)
	assert.True(t, entry.HasRaw)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountSince(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)
	since := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("1.2.3.4", since).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	count, err := db.CountSince(context.Background(), "1.2.3.4", since)
	require.NoError(t, err)
	assert.Equal(t, 7, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteBefore(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)
	cutoff := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("DELETE FROM requests").
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 12))

	removed, err := db.DeleteBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 12, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendHistory(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)
	now := time.Unix(1700000000, 0).UTC()

	rec := analyzer.HistoryRecord{
		ID:         "uuid-v7",
		ClientID:   "1.2.3.4",
		URL:        "https://example.com/",
		FinalURL:   "https://example.com/",
		StatusCode: 200,
		Title:      "Example",
		CacheHit:   true,
		DurationMs: 42,
		CreatedAt:  now,
	}

	mock.ExpectExec("INSERT INTO history").
		WithArgs(
			rec.ID, rec.ClientID, rec.URL, rec.FinalURL, rec.StatusCode,
			rec.Title, rec.Description, rec.OGTitle, rec.OGDescription,
			rec.CacheHit, rec.DurationMs, rec.CreatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, db.Append(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()
	_, err := NewWithPool(nil)
	assert.Error(t, err)
}
