// Package httpfetch implements the guarded outbound fetch pipeline on
// net/http: SSRF checks before the first byte and on every redirect hop,
// dial-time address pinning so the connection goes to a vetted IP, URL
// policy re-applied per redirect hop, hard connect/total timeouts, a
// mid-stream byte cap, content-type policy, and charset normalization to
// UTF-8.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/seoscope/seoscope/internal/analyzer"
	"github.com/seoscope/seoscope/internal/ssrf"
)

// Code identifies the fetch failure class.
type Code string

// Fetch failure codes.
const (
	CodeTimeout                Code = "timeout"
	CodeTooManyRedirects       Code = "too_many_redirects"
	CodeRedirectNotAllowed     Code = "redirect_not_allowed"
	CodeHTTPStatus             Code = "http_status"
	CodeUnsupportedContentType Code = "unsupported_content_type"
	CodeContentTooLarge        Code = "content_too_large"
	CodeNetwork                Code = "network"
)

// Error is a terminal fetch failure. Fetch failures are never retried here;
// retries, if any, are a caller policy.
type Error struct {
	Code    Code
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("fetch failed (%s): %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("fetch failed (%s): %s", e.Code, e.Message)
}

// Unwrap exposes the originating error.
func (e *Error) Unwrap() error { return e.cause }

// Guard vets outbound targets; satisfied by *ssrf.Guard. ResolveVetted is
// called at dial time and its addresses are dialed directly, so a host
// cannot pass the pre-fetch check and then re-resolve to a private address.
type Guard interface {
	Check(ctx context.Context, host, clientID string) error
	ResolveVetted(ctx context.Context, host, clientID string) ([]net.IP, error)
}

// Policy re-applies URL scheme/host/port policy to redirect targets;
// satisfied by *urlcheck.Validator.
type Policy interface {
	Validate(raw string) (string, error)
}

// allowedMIMETypes is the primary content-type allow-list.
var allowedMIMETypes = map[string]struct{}{
	"text/html":             {},
	"application/xhtml+xml": {},
	"text/plain":            {},
}

// Config controls fetch behavior.
type Config struct {
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
	MaxRedirects   int
	MaxBodyBytes   int64
	UserAgent      string
	PerHostRPS     float64
	PerHostBurst   int
}

// Fetcher implements analyzer.Fetcher with a shared pooled transport and a
// per-host politeness limiter.
type Fetcher struct {
	cfg       Config
	policy    Policy
	guard     Guard
	transport http.RoundTripper
	logger    *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Fetcher. policy may be nil, in which case redirect targets
// are vetted by the guard alone.
func New(cfg Config, policy Policy, guard Guard, logger *zap.Logger) *Fetcher {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.TotalTimeout < cfg.ConnectTimeout {
		cfg.TotalTimeout = cfg.ConnectTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 5
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 2_000_000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		cfg:      cfg,
		policy:   policy,
		guard:    guard,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
	f.transport = newHTTPTransport(f.dialContext)
	return f
}

// dialClientKey carries the requesting client's identity down to the dialer
// for the guard's audit events.
type dialClientKey struct{}

// dialContext resolves the target through the guard and connects to one of
// the vetted addresses. The transport never resolves DNS itself.
func (f *Fetcher) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	clientID, _ := ctx.Value(dialClientKey{}).(string)
	ips, err := f.guard.ResolveVetted(ctx, host, clientID)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{
		Timeout:   f.cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	var lastErr error
	for _, ip := range ips {
		conn, dialErr := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if dialErr == nil {
			return conn, nil
		}
		lastErr = dialErr
	}
	return nil, lastErr
}

// Fetch executes a single guarded GET for a normalized URL. The SSRF guard
// runs on the initial host before any network I/O and again on every
// redirect target, so a server that passes the first check cannot bounce the
// request to an internal address.
func (f *Fetcher) Fetch(ctx context.Context, normalizedURL, clientID string) (analyzer.FetchEnvelope, error) {
	target, err := url.Parse(normalizedURL)
	if err != nil {
		return analyzer.FetchEnvelope{}, &Error{Code: CodeNetwork, Message: "invalid target url", cause: err}
	}

	if err := f.guard.Check(ctx, target.Hostname(), clientID); err != nil {
		return analyzer.FetchEnvelope{}, err
	}

	if err := f.waitPoliteness(ctx, target.Hostname()); err != nil {
		return analyzer.FetchEnvelope{}, &Error{Code: CodeTimeout, Message: "canceled waiting for politeness slot", cause: err}
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.TotalTimeout)
	defer cancel()

	ctx = context.WithValue(ctx, dialClientKey{}, clientID)

	redirects := 0
	client := &http.Client{
		Transport: f.transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > f.cfg.MaxRedirects {
				return &Error{Code: CodeTooManyRedirects, Message: fmt.Sprintf("more than %d redirects", f.cfg.MaxRedirects)}
			}
			// Each hop is a fresh target and faces the same scheme, host,
			// and port policy as the original URL.
			if f.policy != nil {
				if _, perr := f.policy.Validate(req.URL.String()); perr != nil {
					return &Error{Code: CodeRedirectNotAllowed, Message: "redirect target rejected", cause: perr}
				}
			}
			if err := f.guard.Check(req.Context(), req.URL.Hostname(), clientID); err != nil {
				return err
			}
			redirects = len(via)
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, normalizedURL, nil)
	if err != nil {
		return analyzer.FetchEnvelope{}, &Error{Code: CodeNetwork, Message: "build request", cause: err}
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,text/plain;q=0.8")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return analyzer.FetchEnvelope{}, classifyTransportError(err)
	}
	defer resp.Body.Close() //nolint:errcheck // read side already consumed

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return analyzer.FetchEnvelope{}, &Error{
			Code:    CodeHTTPStatus,
			Message: fmt.Sprintf("remote returned status %d", resp.StatusCode),
		}
	}

	mediaType, params := parseContentType(resp.Header.Get("Content-Type"))
	if _, ok := allowedMIMETypes[mediaType]; !ok {
		return analyzer.FetchEnvelope{}, &Error{
			Code:    CodeUnsupportedContentType,
			Message: fmt.Sprintf("content type %q is not supported", mediaType),
		}
	}

	if advertised := resp.Header.Get("Content-Length"); advertised != "" {
		if n, perr := strconv.ParseInt(advertised, 10, 64); perr == nil && n > f.cfg.MaxBodyBytes {
			return analyzer.FetchEnvelope{}, &Error{
				Code:    CodeContentTooLarge,
				Message: fmt.Sprintf("advertised length %d exceeds cap %d", n, f.cfg.MaxBodyBytes),
			}
		}
	}

	// Read one byte past the cap so an over-limit stream is detected and
	// aborted without buffering the remainder.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return analyzer.FetchEnvelope{}, classifyTransportError(err)
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return analyzer.FetchEnvelope{}, &Error{
			Code:    CodeContentTooLarge,
			Message: fmt.Sprintf("body exceeds cap %d", f.cfg.MaxBodyBytes),
		}
	}

	decoded, charsetName := decodeToUTF8(body, params["charset"])
	cleaned := stripActiveContent(decoded)

	f.logger.Debug("fetched",
		zap.String("url", normalizedURL),
		zap.String("final_url", resp.Request.URL.String()),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Int("redirects", redirects),
		zap.String("charset", charsetName),
	)

	return analyzer.FetchEnvelope{
		Content:       cleaned,
		FinalURL:      resp.Request.URL.String(),
		StatusCode:    resp.StatusCode,
		ContentType:   mediaType,
		ContentLength: int64(len(body)),
		Duration:      time.Since(start),
		RedirectCount: redirects,
		Headers:       resp.Header.Clone(),
	}, nil
}

// waitPoliteness applies the per-host outbound rate limit. A zero RPS config
// disables the limit entirely.
func (f *Fetcher) waitPoliteness(ctx context.Context, host string) error {
	if f.cfg.PerHostRPS <= 0 {
		return nil
	}
	f.mu.Lock()
	limiter, ok := f.limiters[host]
	if !ok {
		burst := f.cfg.PerHostBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(f.cfg.PerHostRPS), burst)
		f.limiters[host] = limiter
	}
	f.mu.Unlock()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("politeness wait: %w", err)
	}
	return nil
}

// classifyTransportError maps a transport failure to a fetch error. Guard
// rejections raised inside CheckRedirect come back wrapped in url.Error and
// must surface as themselves.
func classifyTransportError(err error) error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	var se *ssrf.Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: "fetch deadline exceeded", cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Code: CodeTimeout, Message: "fetch canceled", cause: err}
	}
	return &Error{Code: CodeNetwork, Message: "transport failure", cause: err}
}

func parseContentType(header string) (string, map[string]string) {
	if header == "" {
		return "text/html", map[string]string{}
	}
	mediaType, params, err := mime.ParseMediaType(header)
	if err != nil {
		return "text/html", map[string]string{}
	}
	if params == nil {
		params = map[string]string{}
	}
	return mediaType, params
}

// newHTTPTransport builds the pooled transport. No proxy is configured: the
// dialer must connect to the vetted address itself, and a proxy would move
// the connect decision out of its hands.
func newHTTPTransport(dial func(ctx context.Context, network, addr string) (net.Conn, error)) *http.Transport {
	return &http.Transport{
		DialContext:           dial,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
