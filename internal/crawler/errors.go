package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrFallbackCandidate marks a fetch that should be retried through the renderer.
	ErrFallbackCandidate = errors.New("fallback candidate")
	// ErrCrawlBounded is reported when discovery stops at its page or depth limit.
	ErrCrawlBounded = errors.New("crawl bounded by limits")
	// ErrNotFound is returned by stores for unknown IDs.
	ErrNotFound = errors.New("not found")
	// ErrTerminalJob is returned when a write would move a job out of a terminal state.
	ErrTerminalJob = errors.New("job is in a terminal state")
)

// NetworkError wraps connection failures and timeouts.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPStatusError reports a non-2xx response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http %d %s from %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// Retryable is true for 429 and 5xx.
func (e *HTTPStatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// FallbackError explains why a fetch became a fallback candidate.
type FallbackError struct {
	Reason string
	Err    error
}

func (e *FallbackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fallback candidate: %s: %v", e.Reason, e.Err)
	}
	return "fallback candidate: " + e.Reason
}

// Is lets errors.Is(err, ErrFallbackCandidate) match.
func (e *FallbackError) Is(target error) bool { return target == ErrFallbackCandidate }

func (e *FallbackError) Unwrap() error { return e.Err }

// RenderTimeoutError is returned when a render exceeds its internal timeout
// and no partial content could be salvaged.
type RenderTimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *RenderTimeoutError) Error() string {
	return fmt.Sprintf("render of %s timed out after %s", e.URL, e.Timeout)
}

// Is lets errors.Is(err, context.DeadlineExceeded) match.
func (e *RenderTimeoutError) Is(target error) bool { return target == context.DeadlineExceeded }

// ProcessingError is a terminal normalization failure.
type ProcessingError struct {
	ContentType string
	Reason      string
	Err         error
}

func (e *ProcessingError) Error() string {
	msg := fmt.Sprintf("process %q content: %s", e.ContentType, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// JobTimeoutError is the forced outcome recorded by the lifecycle guard.
type JobTimeoutError struct {
	Kind      JobKind
	Threshold time.Duration
}

// Error names the threshold in whole minutes, or whole seconds below a
// minute, rounding partial units up.
func (e *JobTimeoutError) Error() string {
	n, unit := ceilUnits(e.Threshold, time.Minute), "minute"
	if e.Threshold < time.Minute {
		n, unit = ceilUnits(e.Threshold, time.Second), "second"
	}
	if n != 1 {
		unit += "s"
	}
	return fmt.Sprintf("Job timed out after %d %s", n, unit)
}

func ceilUnits(d, unit time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + unit - 1) / unit)
}

// IsFallbackCandidate reports whether err asks for rendering.
func IsFallbackCandidate(err error) bool {
	return errors.Is(err, ErrFallbackCandidate)
}

// IsRetryable is the single retry predicate for tier-one fetches.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	var netErr *NetworkError
	return errors.As(err, &netErr)
}
