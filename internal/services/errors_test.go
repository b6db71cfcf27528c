package services_test

import (
	"errors"
	"strings"
	"testing"

	"uxrmate/internal/services"
)

func TestWrapPreservesMarkerAndCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := services.Wrap(services.ErrTransient, "gemini", "upload", "stream interrupted", cause)

	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if !strings.Contains(err.Error(), "gemini: upload: stream interrupted") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "store", "save", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("nil marker should default to transient, got %v", err)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", services.Wrap(services.ErrTransient, "x", "y", "", nil), true},
		{"timeout", services.Wrap(services.ErrTimeout, "x", "y", "", nil), true},
		{"schema", services.Wrap(services.ErrSchema, "x", "y", "", nil), true},
		{"validation", services.Wrap(services.ErrValidation, "x", "y", "", nil), false},
		{"configuration", services.Wrap(services.ErrConfiguration, "x", "y", "", nil), false},
		{"quota", services.Wrap(services.ErrQuota, "x", "y", "", nil), false},
		{"cancelled", services.Wrap(services.ErrCancelled, "x", "y", "", nil), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := services.Retryable(tc.err); got != tc.want {
				t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
