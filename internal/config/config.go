// Package config loads, normalizes, and validates the uxrmate configuration.
// Configuration is an explicit value passed into every component; there is
// no ambient global state.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"uxrmate/internal/pricing"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir       string `toml:"data_dir"`
	MediaCacheDir string `toml:"media_cache_dir"`
	LogDir        string `toml:"log_dir"`
}

// Gemini contains model provider connection settings.
type Gemini struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	SystemPrompt   string `toml:"system_prompt"`
}

// Import contains settings for the S3-compatible bucket session recordings
// are imported from.
type Import struct {
	Enabled   bool   `toml:"enabled"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	UseSSL    bool   `toml:"use_ssl"`
}

// Ingest contains local media validation limits.
type Ingest struct {
	MaxSizeMB          int      `toml:"max_size_mb"`
	MaxDurationSeconds int      `toml:"max_duration_seconds"`
	Formats            []string `toml:"formats"`
}

// Pipeline contains orchestration and retry tuning.
type Pipeline struct {
	WorkerConcurrency int     `toml:"worker_concurrency"`
	MaxRetriesModel   int     `toml:"max_retries_model"`
	MaxRetriesStorage int     `toml:"max_retries_storage"`
	BaseBackoffMs     int     `toml:"base_backoff_ms"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	PollIntervalMs    int     `toml:"poll_interval_ms"`
	PollTimeoutMs     int     `toml:"poll_timeout_ms"`
}

// Review contains confidence gate policy.
type Review struct {
	ConfidenceThreshold int  `toml:"confidence_threshold"`
	PartialAlways       bool `toml:"review_partial_always"`
}

// Logging contains log output settings.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration for uxrmate.
type Config struct {
	Paths    Paths                           `toml:"paths"`
	Gemini   Gemini                          `toml:"gemini"`
	Import   Import                          `toml:"import"`
	Ingest   Ingest                          `toml:"ingest"`
	Pipeline Pipeline                        `toml:"pipeline"`
	Review   Review                          `toml:"review"`
	Logging  Logging                         `toml:"logging"`
	Models   map[string]pricing.ModelPricing `toml:"models"`
}

// SampleConfig returns the embedded sample configuration text.
func SampleConfig() string {
	return sampleConfig
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/uxrmate/config.toml")
}

// Load locates, parses, normalizes, and validates a configuration file.
// Missing files yield defaults. The bool reports whether a file was found.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("uxrmate.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the pipeline needs.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.MediaCacheDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "uxrmate.db")
}

// ModelPricing resolves the pricing entry for a model id, falling back to
// the default model's entry.
func (c *Config) ModelPricing(modelID string) (pricing.ModelPricing, bool) {
	if entry, ok := c.Models[modelID]; ok {
		return entry, true
	}
	entry, ok := c.Models[pricing.DefaultModel]
	return entry, ok
}

func (c *Config) normalize() error {
	for _, field := range []*string{
		&c.Paths.DataDir, &c.Paths.MediaCacheDir, &c.Paths.LogDir,
	} {
		expanded, err := expandPath(*field)
		if err != nil {
			return err
		}
		*field = expanded
	}

	c.Gemini.APIKey = strings.TrimSpace(c.Gemini.APIKey)
	if c.Gemini.APIKey == "" {
		c.Gemini.APIKey = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	}
	c.Gemini.BaseURL = strings.TrimRight(strings.TrimSpace(c.Gemini.BaseURL), "/")
	c.Gemini.Model = strings.TrimSpace(c.Gemini.Model)
	if c.Gemini.Model == "" {
		c.Gemini.Model = pricing.DefaultModel
	}

	normalized := make([]string, 0, len(c.Ingest.Formats))
	for _, format := range c.Ingest.Formats {
		format = strings.ToLower(strings.TrimSpace(format))
		if format == "" {
			continue
		}
		if !strings.HasPrefix(format, ".") {
			format = "." + format
		}
		normalized = append(normalized, format)
	}
	c.Ingest.Formats = normalized

	if c.Models == nil {
		c.Models = pricing.DefaultTable()
	} else {
		// User entries override the defaults per model id.
		merged := pricing.DefaultTable()
		for id, entry := range c.Models {
			merged[id] = entry
		}
		c.Models = merged
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}
