package urlcheck

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateNormalizes(t *testing.T) {
	t.Parallel()

	v := New(Config{})

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "bare host gets scheme and path", in: "example.com", want: "http://example.com/"},
		{name: "default http port stripped", in: "http://example.com:80", want: "http://example.com/"},
		{name: "default https port stripped", in: "https://Example.COM:443/path", want: "https://example.com/path"},
		{name: "whitespace trimmed", in: "  https://example.com  ", want: "https://example.com/"},
		{name: "fragment preserved", in: "http://example.com/page#section", want: "http://example.com/page#section"},
		{name: "no fragment added when absent", in: "http://example.com/page", want: "http://example.com/page"},
		{name: "query preserved", in: "http://example.com/search?q=go&lang=en", want: "http://example.com/search?lang=en&q=go"},
		{name: "scheme case folded", in: "HTTP://example.com", want: "http://example.com/"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := v.Validate(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestValidateIdempotent(t *testing.T) {
	t.Parallel()

	v := New(Config{})
	first, err := v.Validate("Example.com/path?b=2&a=1#frag")
	require.NoError(t, err)
	second, err := v.Validate(first)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	v := New(Config{})

	tests := []struct {
		name string
		in   string
		code Code
	}{
		{name: "empty", in: "", code: CodeEmpty},
		{name: "whitespace only", in: "   ", code: CodeEmpty},
		{name: "too long", in: "http://example.com/" + strings.Repeat("a", 2048), code: CodeTooLong},
		{name: "ftp scheme", in: "ftp://example.com", code: CodeSchemeNotAllowed},
		{name: "not a url", in: "not a url", code: CodeInvalidHost},
		{name: "loopback literal", in: "http://127.0.0.1", code: CodeLocalhostBlocked},
		{name: "localhost name", in: "http://localhost", code: CodeLocalhostBlocked},
		{name: "localhost subdomain", in: "http://db.localhost", code: CodeLocalhostBlocked},
		{name: "ipv6 loopback", in: "http://[::1]/", code: CodeLocalhostBlocked},
		{name: "public literal ip", in: "http://93.184.216.34/", code: CodeLocalhostBlocked},
		{name: "odd port", in: "http://example.com:9999", code: CodePortNotAllowed},
		{name: "bad label", in: "http://exa_mple.com", code: CodeInvalidHost},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := v.Validate(tc.in)
			require.Error(t, err)
			var verr *Error
			require.True(t, errors.As(err, &verr), "expected *urlcheck.Error, got %T", err)
			assert.Equal(t, tc.code, verr.Code)
		})
	}
}

func TestValidateAllowLocal(t *testing.T) {
	t.Parallel()

	v := New(Config{AllowLocal: true, AllowedPorts: []int{80, 443, 8080}})

	got, err := v.Validate("http://localhost:8080/health")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/health", got)

	got, err = v.Validate("http://127.0.0.1/")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1/", got)
}

func TestValidateCustomPorts(t *testing.T) {
	t.Parallel()

	v := New(Config{AllowedPorts: []int{443}})

	_, err := v.Validate("http://example.com")
	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, CodePortNotAllowed, verr.Code)

	got, err := v.Validate("https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", got)
}
