package crawler

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(RetryConfig{MaxAttempts: 3})
	netErr := &NetworkError{Err: errors.New("reset")}

	require.True(t, p.ShouldRetry(netErr, 1))
	require.True(t, p.ShouldRetry(netErr, 2))
	require.False(t, p.ShouldRetry(netErr, 3))
	require.False(t, p.ShouldRetry(&HTTPStatusError{StatusCode: 403}, 1))
	require.False(t, p.ShouldRetry(nil, 1))
}

func TestExponentialRetryPolicyBackoffBounded(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond})
	for attempt := 1; attempt <= 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 400*time.Millisecond)
	}
	require.LessOrEqual(t, p.Backoff(1), 100*time.Millisecond)
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"HTTPS://Example.COM:443/Privacy/#top": "https://example.com/Privacy",
		"http://example.com:80":                "http://example.com/",
		"https://example.com/a?b=2&a=1":        "https://example.com/a?a=1&b=2",
	}
	for in, want := range cases {
		got, err := NormalizeURL(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := NormalizeURL("/relative/path")
	require.Error(t, err)
}

func TestSameSiteIgnoresWWW(t *testing.T) {
	t.Parallel()

	a, _ := url.Parse("https://www.example.com/terms")
	b, _ := url.Parse("https://example.com:8443/")
	c, _ := url.Parse("https://other.com/")
	require.True(t, SameSite(a, b))
	require.False(t, SameSite(a, c))
}
