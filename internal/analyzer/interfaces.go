package analyzer

import (
	"context"
	"time"
)

// Validator turns raw user input into a normalized URL or rejects it.
type Validator interface {
	Validate(raw string) (string, error)
}

// Fetcher performs the guarded outbound GET for a normalized URL.
type Fetcher interface {
	Fetch(ctx context.Context, normalizedURL, clientID string) (FetchEnvelope, error)
}

// Extractor parses fetched HTML into a structured metadata record.
type Extractor interface {
	Extract(content []byte, baseURL string) (Metadata, error)
}

// Cache is the slice of the cache store the coordinator needs.
type Cache interface {
	Key(normalizedURL string) string
	Get(ctx context.Context, key string) (*CacheEntry, error)
	GetRaw(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, entry CacheEntry, raw []byte) error
}

// Limiter admits or denies a request and records the attempt.
type Limiter interface {
	CheckAndRecord(ctx context.Context, clientID, targetURL, userAgent string) (RateDecision, error)
}

// HistoryStore appends analysis history rows.
type HistoryStore interface {
	Append(ctx context.Context, rec HistoryRecord) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces history record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
