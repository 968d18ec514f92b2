// Package ssrf blocks outbound requests from reaching private or reserved
// network destinations, before and after redirects.
package ssrf

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// Code identifies why a target was refused.
type Code string

// Guard failure codes.
const (
	CodeNoResolution          Code = "no_resolution"
	CodePrivateAddressBlocked Code = "private_address_blocked"
)

// Error is a security rejection of an outbound target.
type Error struct {
	Code    Code
	Host    string
	Blocked string // the offending IP, when Code is CodePrivateAddressBlocked
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Blocked != "" {
		return fmt.Sprintf("ssrf guard rejected %s (%s): address %s", e.Host, e.Code, e.Blocked)
	}
	return fmt.Sprintf("ssrf guard rejected %s (%s)", e.Host, e.Code)
}

// Resolver performs DNS resolution; net.DefaultResolver in production.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// builtinBlockedCIDRs covers loopback, link-local, RFC1918/RFC4193 private,
// carrier-grade NAT, multicast, and unspecified ranges for both families.
var builtinBlockedCIDRs = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"224.0.0.0/4",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
	"::/128",
}

// Config holds guard configuration.
type Config struct {
	// ExtraBlockedCIDRs are blocked in addition to the built-in ranges.
	ExtraBlockedCIDRs []string
}

// Guard resolves hosts and refuses any target with a blocked address. It is
// the only component that emits SSRF security audit events.
type Guard struct {
	resolver Resolver
	blocked  []*net.IPNet
	logger   *zap.Logger
}

// New builds a Guard. The resolver may be nil, in which case
// net.DefaultResolver is used.
func New(cfg Config, resolver Resolver, logger *zap.Logger) (*Guard, error) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cidrs := make([]*net.IPNet, 0, len(builtinBlockedCIDRs)+len(cfg.ExtraBlockedCIDRs))
	for _, raw := range append(append([]string{}, builtinBlockedCIDRs...), cfg.ExtraBlockedCIDRs...) {
		_, ipNet, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("parse blocked cidr %q: %w", raw, err)
		}
		cidrs = append(cidrs, ipNet)
	}
	return &Guard{resolver: resolver, blocked: cidrs, logger: logger}, nil
}

// Check resolves host to all its addresses and returns an *Error if
// resolution fails or ANY resolved address falls inside a blocked range.
// A literal IP host is checked directly without resolution. clientID is
// included in the audit event on block.
func (g *Guard) Check(ctx context.Context, host, clientID string) error {
	_, err := g.ResolveVetted(ctx, host, clientID)
	return err
}

// ResolveVetted resolves host, checks every address, and returns the
// addresses so the caller can dial them directly. Dialing a vetted address
// instead of re-resolving closes the window where a hostile DNS server
// answers the check with a public address and the dial with a private one.
func (g *Guard) ResolveVetted(ctx context.Context, host, clientID string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if err := g.checkAddrs(host, clientID, []net.IPAddr{{IP: ip}}); err != nil {
			return nil, err
		}
		return []net.IP{ip}, nil
	}

	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return nil, &Error{Code: CodeNoResolution, Host: host}
	}
	if err := g.checkAddrs(host, clientID, addrs); err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		ips = append(ips, addr.IP)
	}
	return ips, nil
}

func (g *Guard) checkAddrs(host, clientID string, addrs []net.IPAddr) error {
	for _, addr := range addrs {
		for _, ipNet := range g.blocked {
			if ipNet.Contains(addr.IP) {
				g.logger.Warn("blocked request to private address",
					zap.String("host", host),
					zap.String("ip", addr.IP.String()),
					zap.String("range", ipNet.String()),
					zap.String("client", clientID),
				)
				return &Error{Code: CodePrivateAddressBlocked, Host: host, Blocked: addr.IP.String()}
			}
		}
	}
	return nil
}
