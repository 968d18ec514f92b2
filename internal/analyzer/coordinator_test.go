package analyzer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/seoscope/seoscope/internal/analyzer"
	dbmemory "github.com/seoscope/seoscope/internal/database/memory"
	pubmemory "github.com/seoscope/seoscope/internal/publisher/memory"
	"github.com/seoscope/seoscope/internal/ssrf"
)

type stubValidator struct {
	err error
}

func (v stubValidator) Validate(raw string) (string, error) {
	if v.err != nil {
		return "", v.err
	}
	return "https://example.com/", nil
}

type stubFetcher struct {
	calls    int
	err      error
	envelope analyzer.FetchEnvelope
}

func (f *stubFetcher) Fetch(_ context.Context, _, _ string) (analyzer.FetchEnvelope, error) {
	f.calls++
	if f.err != nil {
		return analyzer.FetchEnvelope{}, f.err
	}
	return f.envelope, nil
}

type stubExtractor struct {
	err  error
	meta analyzer.Metadata
}

func (e stubExtractor) Extract(_ []byte, _ string) (analyzer.Metadata, error) {
	if e.err != nil {
		return analyzer.Metadata{}, e.err
	}
	return e.meta, nil
}

type fakeCache struct {
	entries map[string]analyzer.CacheEntry
	raws    map[string][]byte
	puts    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entries: make(map[string]analyzer.CacheEntry),
		raws:    make(map[string][]byte),
	}
}

func (c *fakeCache) Key(normalizedURL string) string { return "key-" + normalizedURL }

func (c *fakeCache) Get(_ context.Context, key string) (*analyzer.CacheEntry, error) {
	entry, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (c *fakeCache) GetRaw(_ context.Context, key string) ([]byte, error) {
	return c.raws[key], nil
}

func (c *fakeCache) Put(_ context.Context, entry analyzer.CacheEntry, raw []byte) error {
	c.puts++
	if len(raw) > 0 {
		entry.HasRaw = true
		c.raws[entry.Key] = raw
	}
	c.entries[entry.Key] = entry
	return nil
}

type stubLimiter struct {
	decision analyzer.RateDecision
}

func (l stubLimiter) CheckAndRecord(_ context.Context, _, _, _ string) (analyzer.RateDecision, error) {
	return l.decision, nil
}

type stubClock struct {
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type stubIDs struct{}

func (stubIDs) NewID() (string, error) { return "id-1", nil }

type failingIDs struct{}

func (failingIDs) NewID() (string, error) { return "", errors.New("entropy exhausted") }

type harness struct {
	coordinator *analyzer.Coordinator
	fetcher     *stubFetcher
	cache       *fakeCache
	history     *dbmemory.HistoryStore
	publisher   *pubmemory.Publisher
}

func newHarness(t *testing.T, mutate func(*harnessConfig)) *harness {
	t.Helper()
	cfg := &harnessConfig{
		coordinator: analyzer.Config{EventTopic: "seo-events", HistoryEnabled: true},
		validator:   stubValidator{},
		fetcher: &stubFetcher{envelope: analyzer.FetchEnvelope{
			Content:       []byte("<html><title>Example</title></html>"),
			FinalURL:      "https://example.com/",
			StatusCode:    200,
			ContentType:   "text/html",
			ContentLength: 35,
		}},
		extractor: stubExtractor{meta: analyzer.Metadata{Title: "Example"}},
		limiter:   stubLimiter{decision: analyzer.RateDecision{Allowed: true, Remaining: 29, Limit: 30}},
		ids:       stubIDs{},
	}
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{
		fetcher:   cfg.fetcher,
		cache:     newFakeCache(),
		history:   dbmemory.NewHistoryStore(),
		publisher: pubmemory.New(),
	}
	h.coordinator = analyzer.NewCoordinator(
		cfg.coordinator,
		cfg.validator,
		cfg.fetcher,
		cfg.extractor,
		h.cache,
		cfg.limiter,
		h.history,
		h.publisher,
		&stubClock{now: time.Unix(1700000000, 0).UTC()},
		cfg.ids,
		zaptest.NewLogger(t),
	)
	return h
}

type harnessConfig struct {
	coordinator analyzer.Config
	validator   stubValidator
	fetcher     *stubFetcher
	extractor   stubExtractor
	limiter     stubLimiter
	ids         analyzer.IDGenerator
}

func TestAnalyzeSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	result, err := h.coordinator.Analyze(context.Background(), "example.com", "1.2.3.4", analyzer.Options{})
	require.NoError(t, err)

	assert.Equal(t, "example.com", result.RequestedURL)
	assert.Equal(t, "https://example.com/", result.NormalizedURL)
	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, int64(35), result.ContentLength)
	assert.Equal(t, "Example", result.Metadata.Title)
	assert.False(t, result.CacheHit)
	assert.Nil(t, result.Raw)
	assert.Equal(t, 29, result.RateLimit.Remaining)

	assert.Equal(t, 1, h.cache.puts)

	rows, err := h.history.List(context.Background(), "1.2.3.4", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Example", rows[0].Title)
	assert.False(t, rows[0].CacheHit)

	require.Len(t, h.publisher.Messages(), 1)
	assert.Equal(t, "seo-events", h.publisher.Messages()[0].Topic)
}

func TestAnalyzeSecondCallHitsCache(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.coordinator.Analyze(ctx, "example.com", "1.2.3.4", analyzer.Options{})
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := h.coordinator.Analyze(ctx, "example.com", "1.2.3.4", analyzer.Options{})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Metadata, second.Metadata)
	assert.Equal(t, first.ContentLength, second.ContentLength)

	assert.Equal(t, 1, h.fetcher.calls, "cache hit must not refetch")
}

func TestAnalyzeIDFailureStillPublishesEvent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *harnessConfig) {
		cfg.ids = failingIDs{}
	})

	_, err := h.coordinator.Analyze(context.Background(), "example.com", "1.2.3.4", analyzer.Options{})
	require.NoError(t, err)

	rows, err := h.history.List(context.Background(), "1.2.3.4", 10)
	require.NoError(t, err)
	assert.Empty(t, rows, "a row without an id must be skipped")

	require.Len(t, h.publisher.Messages(), 1, "event publishing must survive an id failure")
}

func TestAnalyzeBypassCacheRefetches(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.coordinator.Analyze(ctx, "example.com", "1.2.3.4", analyzer.Options{})
	require.NoError(t, err)

	result, err := h.coordinator.Analyze(ctx, "example.com", "1.2.3.4", analyzer.Options{BypassCache: true})
	require.NoError(t, err)
	assert.False(t, result.CacheHit)
	assert.Equal(t, 2, h.fetcher.calls)
}

func TestAnalyzeIncludeRaw(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	result, err := h.coordinator.Analyze(ctx, "example.com", "1.2.3.4", analyzer.Options{IncludeRaw: true})
	require.NoError(t, err)
	assert.Equal(t, []byte("<html><title>Example</title></html>"), result.Raw)

	// Raw is also served from the cache on a hit.
	result, err = h.coordinator.Analyze(ctx, "example.com", "1.2.3.4", analyzer.Options{IncludeRaw: true})
	require.NoError(t, err)
	assert.True(t, result.CacheHit)
	assert.Equal(t, []byte("<html><title>Example</title></html>"), result.Raw)
}

func TestAnalyzeValidationFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *harnessConfig) {
		cfg.validator = stubValidator{err: errors.New("bad input")}
	})

	_, err := h.coordinator.Analyze(context.Background(), ":::", "1.2.3.4", analyzer.Options{})
	var analysisErr *analyzer.Error
	require.ErrorAs(t, err, &analysisErr)
	assert.Equal(t, analyzer.KindValidation, analysisErr.Kind)
	assert.Zero(t, h.fetcher.calls)
}

func TestAnalyzeRateLimitDenied(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *harnessConfig) {
		cfg.limiter = stubLimiter{decision: analyzer.RateDecision{Allowed: false, Limit: 30}}
	})

	_, err := h.coordinator.Analyze(context.Background(), "example.com", "1.2.3.4", analyzer.Options{})
	var analysisErr *analyzer.Error
	require.ErrorAs(t, err, &analysisErr)
	assert.Equal(t, analyzer.KindRateLimit, analysisErr.Kind)
	require.NotNil(t, analysisErr.Decision)
	assert.Equal(t, 30, analysisErr.Decision.Limit)
	assert.Zero(t, h.fetcher.calls, "denied request must not fetch")
}

func TestAnalyzeSSRFShortCircuit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *harnessConfig) {
		cfg.fetcher = &stubFetcher{err: &ssrf.Error{
			Code: ssrf.CodePrivateAddressBlocked,
			Host: "internal.example",
		}}
	})

	_, err := h.coordinator.Analyze(context.Background(), "internal.example", "1.2.3.4", analyzer.Options{})
	var analysisErr *analyzer.Error
	require.ErrorAs(t, err, &analysisErr)
	assert.Equal(t, analyzer.KindSSRF, analysisErr.Kind)
	assert.Equal(t, 0, h.cache.puts, "blocked fetch must not populate the cache")
}

func TestAnalyzeFetchFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *harnessConfig) {
		cfg.fetcher = &stubFetcher{err: errors.New("connection refused")}
	})

	_, err := h.coordinator.Analyze(context.Background(), "example.com", "1.2.3.4", analyzer.Options{})
	var analysisErr *analyzer.Error
	require.ErrorAs(t, err, &analysisErr)
	assert.Equal(t, analyzer.KindFetch, analysisErr.Kind)
}

func TestAnalyzeExtractFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *harnessConfig) {
		cfg.extractor = stubExtractor{err: errors.New("parse error")}
	})

	_, err := h.coordinator.Analyze(context.Background(), "example.com", "1.2.3.4", analyzer.Options{})
	var analysisErr *analyzer.Error
	require.ErrorAs(t, err, &analysisErr)
	assert.Equal(t, analyzer.KindInternal, analysisErr.Kind)
}
