// Package urlcheck validates and normalizes user-supplied URLs before any
// network activity happens on their behalf.
package urlcheck

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Code identifies the policy rule a URL failed.
type Code string

// Validation failure codes.
const (
	CodeEmpty            Code = "empty"
	CodeTooLong          Code = "too_long"
	CodeSchemeNotAllowed Code = "scheme_not_allowed"
	CodeInvalidHost      Code = "invalid_host"
	CodeLocalhostBlocked Code = "localhost_blocked"
	CodePortNotAllowed   Code = "port_not_allowed"
)

// Error is a user-correctable validation failure.
type Error struct {
	Code    Code
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("url validation failed (%s): %s", e.Code, e.Message)
}

var (
	schemePrefix  = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)
	hostnameLabel = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// Config holds validator policy knobs.
type Config struct {
	MaxURLLength int
	AllowedPorts []int
	// AllowLocal permits localhost names and literal IPs; only for
	// non-production setups.
	AllowLocal bool
}

// Validator checks URL syntax and policy and produces the normalized form
// used as cache identity.
type Validator struct {
	maxLen       int
	allowedPorts map[string]struct{}
	allowLocal   bool
}

// New builds a Validator from config, applying the {80, 443} default port
// allow-list when none is configured.
func New(cfg Config) *Validator {
	maxLen := cfg.MaxURLLength
	if maxLen <= 0 {
		maxLen = 2048
	}
	ports := cfg.AllowedPorts
	if len(ports) == 0 {
		ports = []int{80, 443}
	}
	allowed := make(map[string]struct{}, len(ports))
	for _, p := range ports {
		allowed[strconv.Itoa(p)] = struct{}{}
	}
	return &Validator{
		maxLen:       maxLen,
		allowedPorts: allowed,
		allowLocal:   cfg.AllowLocal,
	}
}

// Validate normalizes raw into canonical form or returns an *Error.
// Normalization: trimmed input, http scheme default, lower-case scheme and
// host, default ports stripped, path defaulting to "/", query re-encoded
// deterministically. A query or fragment present in the input passes
// through; none is added when absent. Validating an already-normalized URL
// is idempotent.
func (v *Validator) Validate(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &Error{Code: CodeEmpty, Message: "url is required"}
	}
	if len(trimmed) > v.maxLen {
		return "", &Error{Code: CodeTooLong, Message: fmt.Sprintf("url exceeds %d characters", v.maxLen)}
	}
	if !schemePrefix.MatchString(trimmed) {
		trimmed = "http://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", &Error{Code: CodeInvalidHost, Message: "url could not be parsed"}
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &Error{Code: CodeSchemeNotAllowed, Message: fmt.Sprintf("scheme %q is not allowed", u.Scheme)}
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", &Error{Code: CodeInvalidHost, Message: "host is required"}
	}
	if err := v.checkHost(host); err != nil {
		return "", err
	}

	port := u.Port()
	if port == "" {
		port = defaultPort(u.Scheme)
	}
	if _, ok := v.allowedPorts[port]; !ok {
		return "", &Error{Code: CodePortNotAllowed, Message: fmt.Sprintf("port %s is not allowed", port)}
	}

	if port == defaultPort(u.Scheme) {
		u.Host = host
	} else {
		u.Host = net.JoinHostPort(host, port)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	return u.String(), nil
}

func (v *Validator) checkHost(host string) error {
	if ip := net.ParseIP(host); ip != nil {
		if v.allowLocal {
			return nil
		}
		return &Error{Code: CodeLocalhostBlocked, Message: "literal IP addresses are not allowed"}
	}
	if isLocalName(host) {
		if v.allowLocal {
			return nil
		}
		return &Error{Code: CodeLocalhostBlocked, Message: "localhost targets are not allowed"}
	}
	if len(host) > 253 {
		return &Error{Code: CodeInvalidHost, Message: "host name too long"}
	}
	labels := strings.Split(host, ".")
	for _, label := range labels {
		if !hostnameLabel.MatchString(label) {
			return &Error{Code: CodeInvalidHost, Message: fmt.Sprintf("host %q is not a valid hostname", host)}
		}
	}
	return nil
}

func isLocalName(host string) bool {
	return host == "localhost" || strings.HasSuffix(host, ".localhost")
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}
