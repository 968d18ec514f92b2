package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/seoscope/seoscope/internal/analyzer"
	dbmemory "github.com/seoscope/seoscope/internal/database/memory"
	"github.com/seoscope/seoscope/internal/hash/sha256"
	blobmemory "github.com/seoscope/seoscope/internal/storage/memory"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	store   *Store
	entries *dbmemory.EntryStore
	blobs   *blobmemory.BlobStore
	clock   *fakeClock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		entries: dbmemory.NewEntryStore(),
		blobs:   blobmemory.NewBlobStore(),
		clock:   &fakeClock{now: time.Unix(1700000000, 0).UTC()},
	}
	f.store = New(cfg, f.entries, f.blobs, sha256.New(), f.clock, zaptest.NewLogger(t))
	return f
}

func enabledConfig() Config {
	return Config{Enabled: true, TTL: time.Hour, MaxRawBytes: 1024}
}

func TestKeyIsStableDigest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, enabledConfig())

	key := f.store.Key("https://example.com/")
	assert.True(t, sha256.IsDigest(key))
	assert.Equal(t, key, f.store.Key("https://example.com/"))
	assert.NotEqual(t, key, f.store.Key("https://example.org/"))
}

func TestPutAndGetRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, enabledConfig())
	key := f.store.Key("https://example.com/")

	entry := analyzer.CacheEntry{
		Key:           key,
		NormalizedURL: "https://example.com/",
		Metadata:      analyzer.Metadata{Title: "Example"},
		StatusCode:    200,
	}
	require.NoError(t, f.store.Put(ctx, entry, []byte("<html></html>")))

	got, err := f.store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Example", got.Metadata.Title)
	assert.True(t, got.HasRaw)
	assert.Equal(t, f.clock.now.Add(time.Hour), got.ExpiresAt)

	raw, err := f.store.GetRaw(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("<html></html>"), raw)

	ok, err := f.store.Has(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetMissReturnsNil(t *testing.T) {
	t.Parallel()
	f := newFixture(t, enabledConfig())

	got, err := f.store.Get(context.Background(), f.store.Key("https://nobody.example/"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExpiredEntryIsMissAndRemoved(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, enabledConfig())
	key := f.store.Key("https://example.com/")

	require.NoError(t, f.store.Put(ctx, analyzer.CacheEntry{Key: key}, []byte("raw")))

	f.clock.advance(time.Hour + time.Minute)

	got, err := f.store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Lazy expiry removed both tiers.
	keys, err := f.entries.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
	blobKeys, err := f.blobs.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, blobKeys)
}

func TestPutSkipsOversizedRaw(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{Enabled: true, TTL: time.Hour, MaxRawBytes: 4})
	key := f.store.Key("https://example.com/")

	require.NoError(t, f.store.Put(ctx, analyzer.CacheEntry{Key: key}, []byte("too large")))

	got, err := f.store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.HasRaw)

	raw, err := f.store.GetRaw(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestDeleteValidatesKeyShape(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, enabledConfig())

	assert.ErrorIs(t, f.store.Delete(ctx, "not-a-digest"), ErrInvalidKey)
	assert.ErrorIs(t, f.store.Delete(ctx, "../../etc/passwd"), ErrInvalidKey)

	// Deleting a missing but well-formed key succeeds.
	assert.NoError(t, f.store.Delete(ctx, f.store.Key("https://nobody.example/")))
}

func TestLookupsValidateKeyShape(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, enabledConfig())

	for _, key := range []string{"not-a-digest", "../../etc/passwd", ""} {
		_, err := f.store.Get(ctx, key)
		assert.ErrorIs(t, err, ErrInvalidKey, "Get %q", key)

		_, err = f.store.GetRaw(ctx, key)
		assert.ErrorIs(t, err, ErrInvalidKey, "GetRaw %q", key)

		_, err = f.store.Has(ctx, key)
		assert.ErrorIs(t, err, ErrInvalidKey, "Has %q", key)
	}
}

func TestDeleteRemovesBothTiers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, enabledConfig())
	key := f.store.Key("https://example.com/")

	require.NoError(t, f.store.Put(ctx, analyzer.CacheEntry{Key: key}, []byte("raw")))
	require.NoError(t, f.store.Delete(ctx, key))

	got, err := f.store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
	raw, err := f.store.GetRaw(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestCleanupRemovesExpiredAndOrphans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, enabledConfig())

	fresh := f.store.Key("https://fresh.example/")
	stale := f.store.Key("https://stale.example/")
	require.NoError(t, f.store.Put(ctx, analyzer.CacheEntry{Key: stale}, []byte("old")))
	f.clock.advance(30 * time.Minute)
	require.NoError(t, f.store.Put(ctx, analyzer.CacheEntry{Key: fresh}, []byte("new")))

	// An orphan blob with no matching entry.
	orphan := f.store.Key("https://orphan.example/")
	require.NoError(t, f.blobs.Put(ctx, orphan, "text/html", []byte("ghost")))

	f.clock.advance(45 * time.Minute) // stale is past TTL, fresh is not

	entries, orphans, err := f.store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, entries)
	assert.Equal(t, 1, orphans)

	got, err := f.store.Get(ctx, fresh)
	require.NoError(t, err)
	assert.NotNil(t, got)

	blobKeys, err := f.blobs.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{fresh}, blobKeys)
}

func TestDisabledCacheBehavesTrivially(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{Enabled: false, TTL: time.Hour})
	key := f.store.Key("https://example.com/")

	require.NoError(t, f.store.Put(ctx, analyzer.CacheEntry{Key: key}, []byte("raw")))

	got, err := f.store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	raw, err := f.store.GetRaw(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, raw)

	entries, orphans, err := f.store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, entries)
	assert.Zero(t, orphans)
}
