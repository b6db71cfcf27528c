package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks malformed local input (media, criterion) detected
	// before a pair enters the pipeline.
	ErrValidation = errors.New("validation error")
	// ErrConfiguration marks unusable configuration (bad credentials, missing
	// API key) that no amount of retrying can fix.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransient marks provider failures worth retrying: rate limits, 5xx,
	// network resets.
	ErrTransient = errors.New("transient failure")
	// ErrTimeout marks a remote asset that never reached the ready state.
	ErrTimeout = errors.New("timeout")
	// ErrSchema marks model output that failed structural validation.
	ErrSchema = errors.New("schema error")
	// ErrQuota marks permanent provider-side quota exhaustion.
	ErrQuota = errors.New("quota exceeded")
	// ErrCancelled marks cooperative cancellation.
	ErrCancelled = errors.New("cancelled")
	// ErrNotFound marks a missing local or remote entity.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks an optimistic update rejected because the row changed
	// underneath the writer.
	ErrConflict = errors.New("stale write conflict")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether an error is worth another attempt under the
// backoff policy. Timeouts count: the caller re-uploads rather than keeps
// polling, but the attempt budget still applies.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrTransient), errors.Is(err, ErrTimeout), errors.Is(err, ErrSchema):
		return true
	default:
		return false
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
