package testsupport

import (
	"path/filepath"
	"testing"

	"uxrmate/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Gemini.APIKey = "test"
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.MediaCacheDir = filepath.Join(base, "cache")
	cfg.Paths.LogDir = filepath.Join(base, "logs")

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithModel overrides the model identifier on the test config.
func WithModel(model string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Gemini.Model = model
	}
}

// WithConfidenceThreshold overrides the review gate threshold.
func WithConfidenceThreshold(threshold int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Review.ConfidenceThreshold = threshold
	}
}
