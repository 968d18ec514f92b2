// Package ratelimit implements per-client admission over a rolling window.
// Counts come from persisted request records, so limits survive restarts
// and are shared by every instance pointed at the same store.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/seoscope/seoscope/internal/analyzer"
	"github.com/seoscope/seoscope/internal/database"
)

// Config controls the limiter.
type Config struct {
	// Enabled toggles admission control. When false every check is allowed.
	Enabled bool

	// Limit is the number of requests admitted per window.
	Limit int

	// Window is the rolling interval counted against the limit.
	Window time.Duration

	// Retention is how long request records are kept before pruning.
	Retention time.Duration

	// Whitelist lists client IPs or CIDR ranges exempt from limiting.
	Whitelist []string
}

// Limiter admits or denies requests by counting recent records.
type Limiter struct {
	cfg       Config
	store     database.RequestStore
	clock     analyzer.Clock
	logger    *zap.Logger
	whitelist []*net.IPNet
	exactIPs  map[string]struct{}
}

// New creates a limiter. Whitelist entries that are neither an IP nor a
// CIDR are rejected.
func New(cfg Config, store database.RequestStore, clock analyzer.Clock, logger *zap.Logger) (*Limiter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		cfg:      cfg,
		store:    store,
		clock:    clock,
		logger:   logger,
		exactIPs: make(map[string]struct{}),
	}
	for _, entry := range cfg.Whitelist {
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			l.whitelist = append(l.whitelist, ipnet)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			l.exactIPs[ip.String()] = struct{}{}
			continue
		}
		return nil, fmt.Errorf("invalid whitelist entry %q", entry)
	}
	return l, nil
}

// Check computes the current decision for the client without recording
// anything.
func (l *Limiter) Check(ctx context.Context, clientID string) (analyzer.RateDecision, error) {
	now := l.clock.Now()
	if !l.cfg.Enabled || l.whitelisted(clientID) {
		return l.unlimited(now), nil
	}

	count, err := l.store.CountSince(ctx, clientID, now.Add(-l.cfg.Window))
	if err != nil {
		// Fail open: a broken store must not take the service down.
		l.logger.Warn("rate limit count failed, allowing request",
			zap.String("client", clientID),
			zap.Error(err),
		)
		return l.unlimited(now), nil
	}

	remaining := l.cfg.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return analyzer.RateDecision{
		Allowed:   count < l.cfg.Limit,
		Remaining: remaining,
		Limit:     l.cfg.Limit,
		ResetAt:   resetAt(now),
	}, nil
}

// Record persists one admitted request for the client.
func (l *Limiter) Record(ctx context.Context, clientID, targetURL, userAgent string) error {
	if !l.cfg.Enabled || l.whitelisted(clientID) {
		return nil
	}
	rec := analyzer.RequestRecord{
		ClientID:  clientID,
		TargetURL: targetURL,
		UserAgent: userAgent,
		At:        l.clock.Now(),
	}
	if err := l.store.Record(ctx, rec); err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	return nil
}

// CheckAndRecord admits the request and records it in one step. The
// returned Remaining already accounts for the request being admitted.
func (l *Limiter) CheckAndRecord(ctx context.Context, clientID, targetURL, userAgent string) (analyzer.RateDecision, error) {
	decision, err := l.Check(ctx, clientID)
	if err != nil {
		return decision, err
	}
	if !decision.Allowed {
		return decision, nil
	}
	if err := l.Record(ctx, clientID, targetURL, userAgent); err != nil {
		// Fail open here too; the request was within limits.
		l.logger.Warn("rate limit record failed",
			zap.String("client", clientID),
			zap.Error(err),
		)
		return decision, nil
	}
	if l.cfg.Enabled && !l.whitelisted(clientID) && decision.Remaining > 0 {
		decision.Remaining--
	}
	return decision, nil
}

// Cleanup prunes records older than the retention horizon and returns the
// number removed.
func (l *Limiter) Cleanup(ctx context.Context) (int64, error) {
	if !l.cfg.Enabled {
		return 0, nil
	}
	removed, err := l.store.DeleteBefore(ctx, l.clock.Now().Add(-l.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("prune request records: %w", err)
	}
	return removed, nil
}

func (l *Limiter) whitelisted(clientID string) bool {
	ip := net.ParseIP(clientID)
	if ip == nil {
		return false
	}
	if _, ok := l.exactIPs[ip.String()]; ok {
		return true
	}
	for _, ipnet := range l.whitelist {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

func (l *Limiter) unlimited(now time.Time) analyzer.RateDecision {
	return analyzer.RateDecision{
		Allowed:   true,
		Remaining: l.cfg.Limit,
		Limit:     l.cfg.Limit,
		ResetAt:   resetAt(now),
	}
}

// resetAt is the top of the next hour, matching the windows clients tend to
// reason about.
func resetAt(now time.Time) time.Time {
	return now.Truncate(time.Hour).Add(time.Hour)
}
