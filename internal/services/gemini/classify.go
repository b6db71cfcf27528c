package gemini

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"uxrmate/internal/retry"
)

// Classify maps a client error onto a retry class. Rate limiting is
// distinguished from ordinary transient failures so the caller can
// throttle the shared gate instead of just backing off one worker.
func Classify(err error) retry.Class {
	if err == nil {
		return retry.Retryable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Fatal
	}
	if errors.Is(err, ErrBlocked) || errors.Is(err, ErrFileFailed) {
		return retry.Fatal
	}
	if errors.Is(err, ErrFileTimedOut) {
		return retry.Retryable
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			// A daily-quota rejection will not clear within a retry
			// budget; only momentary rate limits are worth waiting out.
			if IsQuotaExhausted(err) {
				return retry.Fatal
			}
			return retry.RateLimited
		case statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode >= http.StatusInternalServerError:
			return retry.Retryable
		default:
			return retry.Fatal
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return retry.Retryable
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return retry.Retryable
	}
	return retry.Fatal
}

// RetryAfterHint returns the server-suggested delay from a rate-limit
// response, or zero when none was given.
func RetryAfterHint(err error) time.Duration {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	return 0
}

// IsQuotaExhausted reports whether an error is a daily-quota rejection
// rather than a momentary rate limit. Quota rejections name the daily
// request metric; plain 429s do not.
func IsQuotaExhausted(err error) bool {
	var statusErr *httpStatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	if statusErr.StatusCode != http.StatusTooManyRequests {
		return false
	}
	body := strings.ToLower(statusErr.Body)
	return strings.Contains(body, "perday") || strings.Contains(body, "per day") || strings.Contains(body, "daily")
}
