package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateGemini(); err != nil {
		return err
	}
	if err := c.validateImport(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateReview(); err != nil {
		return err
	}
	return c.validateModels()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.MediaCacheDir) == "" {
		return errors.New("paths.media_cache_dir must be set")
	}
	return nil
}

func (c *Config) validateGemini() error {
	if strings.TrimSpace(c.Gemini.BaseURL) == "" {
		return errors.New("gemini.base_url must be set")
	}
	if c.Gemini.TimeoutSeconds <= 0 {
		return errors.New("gemini.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateImport() error {
	if !c.Import.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Import.Endpoint) == "" {
		return errors.New("import.endpoint must be set when import.enabled is true")
	}
	if strings.TrimSpace(c.Import.Bucket) == "" {
		return errors.New("import.bucket must be set when import.enabled is true")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	checks := map[string]int{
		"pipeline.worker_concurrency":  c.Pipeline.WorkerConcurrency,
		"pipeline.max_retries_model":   c.Pipeline.MaxRetriesModel,
		"pipeline.max_retries_storage": c.Pipeline.MaxRetriesStorage,
		"pipeline.base_backoff_ms":     c.Pipeline.BaseBackoffMs,
		"pipeline.poll_interval_ms":    c.Pipeline.PollIntervalMs,
		"pipeline.poll_timeout_ms":     c.Pipeline.PollTimeoutMs,
	}
	for key, value := range checks {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.Pipeline.BackoffMultiplier < 1 {
		return errors.New("pipeline.backoff_multiplier must be at least 1")
	}
	if c.Pipeline.PollTimeoutMs <= c.Pipeline.PollIntervalMs {
		return errors.New("pipeline.poll_timeout_ms must be greater than pipeline.poll_interval_ms")
	}
	return nil
}

func (c *Config) validateReview() error {
	if c.Review.ConfidenceThreshold < 1 || c.Review.ConfidenceThreshold > 5 {
		return errors.New("review.confidence_threshold must be between 1 and 5")
	}
	return nil
}

func (c *Config) validateModels() error {
	if len(c.Models) == 0 {
		return errors.New("at least one model pricing entry is required")
	}
	if _, ok := c.Models[c.Gemini.Model]; !ok {
		return fmt.Errorf("gemini.model %q has no pricing entry under [models]", c.Gemini.Model)
	}
	for id, entry := range c.Models {
		if entry.InputPerMillion < 0 || entry.OutputPerMillion < 0 {
			return fmt.Errorf("models.%s: prices must not be negative", id)
		}
		if entry.TokensPerVideoSecond < 0 || entry.TokensPerAudioSecond < 0 {
			return fmt.Errorf("models.%s: token rates must not be negative", id)
		}
	}
	return nil
}
