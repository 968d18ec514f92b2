// Package analyzer defines core types shared across subsystems and the
// request coordinator that drives a single analysis end to end.
package analyzer

import (
	"net/http"
	"time"
)

// Metadata is the structured SEO record extracted from a fetched page.
type Metadata struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Keywords    string `json:"keywords,omitempty"`
	Robots      string `json:"robots,omitempty"`
	Author      string `json:"author,omitempty"`
	Generator   string `json:"generator,omitempty"`
	Viewport    string `json:"viewport,omitempty"`
	Charset     string `json:"charset,omitempty"`
	Language    string `json:"language,omitempty"`

	CanonicalURL string         `json:"canonical_url,omitempty"`
	OpenGraph    OpenGraph      `json:"open_graph"`
	TwitterCard  TwitterCard    `json:"twitter_card"`
	Headings     Headings       `json:"headings"`
	SchemaTypes  []string       `json:"schema_types,omitempty"`
	Hreflang     []HreflangLink `json:"hreflang,omitempty"`
	Favicons     []Favicon      `json:"favicons,omitempty"`
	WordCount    int            `json:"word_count"`
}

// OpenGraph holds the og:* properties of a page.
type OpenGraph struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Type        string   `json:"type,omitempty"`
	URL         string   `json:"url,omitempty"`
	SiteName    string   `json:"site_name,omitempty"`
	Locale      string   `json:"locale,omitempty"`
	Images      []string `json:"images,omitempty"`
}

// TwitterCard holds the twitter:* meta properties of a page.
type TwitterCard struct {
	Card        string `json:"card,omitempty"`
	Site        string `json:"site,omitempty"`
	Creator     string `json:"creator,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
}

// Headings collects the first three heading levels in document order.
type Headings struct {
	H1 []string `json:"h1,omitempty"`
	H2 []string `json:"h2,omitempty"`
	H3 []string `json:"h3,omitempty"`
}

// HreflangLink is one alternate-language link from the document head.
type HreflangLink struct {
	Lang string `json:"lang"`
	URL  string `json:"url"`
}

// Favicon is one icon candidate declared by the page.
type Favicon struct {
	Rel   string `json:"rel"`
	Href  string `json:"href"`
	Sizes string `json:"sizes,omitempty"`
	Type  string `json:"type,omitempty"`
}

// FetchEnvelope is the transient result of one outbound fetch. Content is
// always UTF-8 after charset normalization.
type FetchEnvelope struct {
	Content       []byte
	FinalURL      string
	StatusCode    int
	ContentType   string
	ContentLength int64
	Duration      time.Duration
	RedirectCount int
	Headers       http.Header
}

// CacheEntry is the persisted record for one analyzed URL. Entries are
// immutable after creation; the raw payload lives in a separate blob tier
// referenced by the same key.
type CacheEntry struct {
	Key           string    `json:"key"`
	NormalizedURL string    `json:"normalized_url"`
	Metadata      Metadata  `json:"metadata"`
	FinalURL      string    `json:"final_url"`
	StatusCode    int       `json:"status_code"`
	ContentType   string    `json:"content_type"`
	ContentLength int64     `json:"content_length"`
	HasRaw        bool      `json:"has_raw"`
	CreatedAt     time.Time `json:"created_at"`
	TTLSeconds    int64     `json:"ttl_seconds"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// RequestRecord is one admitted request, kept only for windowed counting.
type RequestRecord struct {
	ClientID  string
	TargetURL string
	UserAgent string
	At        time.Time
}

// RateDecision is the admission verdict computed fresh per request.
type RateDecision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
}

// HistoryRecord is the append-only row written after each analysis.
type HistoryRecord struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"client_id"`
	URL           string    `json:"url"`
	FinalURL      string    `json:"final_url"`
	StatusCode    int       `json:"status_code"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	OGTitle       string    `json:"og_title"`
	OGDescription string    `json:"og_description"`
	CacheHit      bool      `json:"cache_hit"`
	DurationMs    int64     `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// Options are the per-call knobs a caller may set on Analyze.
type Options struct {
	BypassCache bool
	IncludeRaw  bool
	UserAgent   string
}

// Timing is the per-request latency breakdown returned to callers.
type Timing struct {
	TotalMs   int64 `json:"total_ms"`
	FetchMs   int64 `json:"fetch_ms"`
	ExtractMs int64 `json:"extract_ms"`
}

// Result is the success payload of one analysis.
type Result struct {
	RequestedURL  string       `json:"requested_url"`
	NormalizedURL string       `json:"normalized_url"`
	FinalURL      string       `json:"final_url"`
	StatusCode    int          `json:"status_code"`
	ContentLength int64        `json:"content_length"`
	Metadata      Metadata     `json:"metadata"`
	CacheHit      bool         `json:"cache_hit"`
	Raw           []byte       `json:"raw,omitempty"`
	Timing        Timing       `json:"timing"`
	RateLimit     RateDecision `json:"rate_limit"`
}
