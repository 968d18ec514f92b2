package analyzer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/seoscope/seoscope/internal/ssrf"
)

// Config controls optional coordinator behavior.
type Config struct {
	// EventTopic is the topic analysis-completed events are published to.
	// Empty disables publishing.
	EventTopic string

	// HistoryEnabled toggles history row writes.
	HistoryEnabled bool
}

// Coordinator drives a single analysis end to end: validate, admit, consult
// the cache, fetch, extract, store, record.
type Coordinator struct {
	cfg       Config
	validator Validator
	fetcher   Fetcher
	extractor Extractor
	cache     Cache
	limiter   Limiter
	history   HistoryStore
	publisher Publisher
	clock     Clock
	ids       IDGenerator
	logger    *zap.Logger

	// fetches collapses concurrent misses for the same key into one
	// outbound fetch.
	fetches singleflight.Group
}

// NewCoordinator wires a coordinator from its collaborators.
func NewCoordinator(
	cfg Config,
	validator Validator,
	fetcher Fetcher,
	extractor Extractor,
	cache Cache,
	limiter Limiter,
	history HistoryStore,
	publisher Publisher,
	clock Clock,
	ids IDGenerator,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:       cfg,
		validator: validator,
		fetcher:   fetcher,
		extractor: extractor,
		cache:     cache,
		limiter:   limiter,
		history:   history,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		logger:    logger,
	}
}

type fetchOutcome struct {
	envelope  FetchEnvelope
	metadata  Metadata
	fetchMs   int64
	extractMs int64
}

// Analyze runs one analysis for the client. Failures are returned as
// *Error; everything after a successful extraction is best effort.
func (c *Coordinator) Analyze(ctx context.Context, rawURL, clientID string, opts Options) (*Result, error) {
	started := c.clock.Now()

	normalized, err := c.validator.Validate(rawURL)
	if err != nil {
		return nil, newError(KindValidation, "invalid url", err)
	}

	decision, err := c.limiter.CheckAndRecord(ctx, clientID, normalized, opts.UserAgent)
	if err != nil {
		return nil, newError(KindInternal, "rate limit check failed", err)
	}
	if !decision.Allowed {
		return nil, &Error{
			Kind:     KindRateLimit,
			Message:  "rate limit exceeded",
			Decision: &decision,
		}
	}

	key := c.cache.Key(normalized)

	if !opts.BypassCache {
		if result := c.lookupCache(ctx, key, rawURL, normalized, opts); result != nil {
			result.RateLimit = decision
			result.Timing.TotalMs = c.sinceMs(started)
			c.finish(ctx, clientID, result)
			return result, nil
		}
	}

	outcome, err := c.fetchAndExtract(ctx, key, normalized, clientID)
	if err != nil {
		var analysisErr *Error
		if errors.As(err, &analysisErr) {
			return nil, analysisErr
		}
		return nil, newError(KindInternal, "analysis failed", err)
	}

	entry := CacheEntry{
		Key:           key,
		NormalizedURL: normalized,
		Metadata:      outcome.metadata,
		FinalURL:      outcome.envelope.FinalURL,
		StatusCode:    outcome.envelope.StatusCode,
		ContentType:   outcome.envelope.ContentType,
		ContentLength: outcome.envelope.ContentLength,
	}
	if err := c.cache.Put(ctx, entry, outcome.envelope.Content); err != nil {
		// Storage trouble must not fail a completed analysis.
		c.logger.Warn("cache store failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}

	result := &Result{
		RequestedURL:  rawURL,
		NormalizedURL: normalized,
		FinalURL:      outcome.envelope.FinalURL,
		StatusCode:    outcome.envelope.StatusCode,
		ContentLength: outcome.envelope.ContentLength,
		Metadata:      outcome.metadata,
		CacheHit:      false,
		Timing: Timing{
			TotalMs:   c.sinceMs(started),
			FetchMs:   outcome.fetchMs,
			ExtractMs: outcome.extractMs,
		},
		RateLimit: decision,
	}
	if opts.IncludeRaw {
		result.Raw = outcome.envelope.Content
	}

	c.finish(ctx, clientID, result)
	return result, nil
}

// lookupCache returns a hit as a partially filled result, or nil on a miss.
// Cache errors are logged and treated as misses.
func (c *Coordinator) lookupCache(ctx context.Context, key, rawURL, normalized string, opts Options) *Result {
	entry, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache lookup failed",
			zap.String("key", key),
			zap.Error(err),
		)
		return nil
	}
	if entry == nil {
		return nil
	}

	result := &Result{
		RequestedURL:  rawURL,
		NormalizedURL: normalized,
		FinalURL:      entry.FinalURL,
		StatusCode:    entry.StatusCode,
		ContentLength: entry.ContentLength,
		Metadata:      entry.Metadata,
		CacheHit:      true,
	}
	if opts.IncludeRaw && entry.HasRaw {
		raw, err := c.cache.GetRaw(ctx, key)
		if err != nil {
			c.logger.Warn("raw lookup failed",
				zap.String("key", key),
				zap.Error(err),
			)
		} else {
			result.Raw = raw
		}
	}
	return result
}

func (c *Coordinator) fetchAndExtract(ctx context.Context, key, normalized, clientID string) (fetchOutcome, error) {
	v, err, _ := c.fetches.Do(key, func() (any, error) {
		fetchStart := c.clock.Now()
		envelope, err := c.fetcher.Fetch(ctx, normalized, clientID)
		if err != nil {
			var blocked *ssrf.Error
			if errors.As(err, &blocked) {
				return nil, newError(KindSSRF, "target address not allowed", err)
			}
			return nil, newError(KindFetch, "fetch failed", err)
		}
		fetchMs := c.sinceMs(fetchStart)

		extractStart := c.clock.Now()
		metadata, err := c.extractor.Extract(envelope.Content, envelope.FinalURL)
		if err != nil {
			return nil, newError(KindInternal, "extract metadata", err)
		}

		return fetchOutcome{
			envelope:  envelope,
			metadata:  metadata,
			fetchMs:   fetchMs,
			extractMs: c.sinceMs(extractStart),
		}, nil
	})
	if err != nil {
		return fetchOutcome{}, err
	}
	return v.(fetchOutcome), nil
}

// finish writes the history row and publishes the completion event. Both
// are best effort.
func (c *Coordinator) finish(ctx context.Context, clientID string, result *Result) {
	if c.cfg.HistoryEnabled && c.history != nil {
		c.appendHistory(ctx, clientID, result)
	}

	if c.cfg.EventTopic != "" && c.publisher != nil {
		event := map[string]any{
			"url":        result.NormalizedURL,
			"final_url":  result.FinalURL,
			"status":     result.StatusCode,
			"cache_hit":  result.CacheHit,
			"title":      result.Metadata.Title,
			"created_at": c.clock.Now(),
		}
		if _, err := c.publisher.Publish(ctx, c.cfg.EventTopic, event); err != nil {
			c.logger.Warn("event publish failed",
				zap.String("topic", c.cfg.EventTopic),
				zap.Error(err),
			)
		}
	}
}

// appendHistory writes one history row. An ID generation failure skips the
// row only; the caller still publishes the completion event.
func (c *Coordinator) appendHistory(ctx context.Context, clientID string, result *Result) {
	id, err := c.ids.NewID()
	if err != nil {
		c.logger.Warn("history id generation failed", zap.Error(err))
		return
	}
	rec := HistoryRecord{
		ID:            id,
		ClientID:      clientID,
		URL:           result.NormalizedURL,
		FinalURL:      result.FinalURL,
		StatusCode:    result.StatusCode,
		Title:         result.Metadata.Title,
		Description:   result.Metadata.Description,
		OGTitle:       result.Metadata.OpenGraph.Title,
		OGDescription: result.Metadata.OpenGraph.Description,
		CacheHit:      result.CacheHit,
		DurationMs:    result.Timing.TotalMs,
		CreatedAt:     c.clock.Now(),
	}
	if err := c.history.Append(ctx, rec); err != nil {
		c.logger.Warn("history write failed",
			zap.String("client", clientID),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) sinceMs(start time.Time) int64 {
	return c.clock.Now().Sub(start).Milliseconds()
}
