package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"

	"uxrmate/internal/config"
	"uxrmate/internal/logging"
	"uxrmate/internal/queue"
	"uxrmate/internal/services/gemini"
)

// commandContext carries lazily-loaded configuration shared across
// subcommands. Config is loaded once per invocation.
type commandContext struct {
	configFlag *string

	once     sync.Once
	cfg      *config.Config
	cfgPath  string
	cfgFound bool
	cfgErr   error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.once.Do(func() {
		// Local .env files hold GEMINI_API_KEY during development;
		// absence is not an error.
		_ = godotenv.Load()

		path := ""
		if c.configFlag != nil {
			path = *c.configFlag
		}
		c.cfg, c.cfgPath, c.cfgFound, c.cfgErr = config.Load(path)
	})
	return c.cfg, c.cfgErr
}

func (c *commandContext) configPath() string {
	return c.cfgPath
}

func (c *commandContext) configFound() bool {
	return c.cfgFound
}

// withStore opens the queue store for the duration of one command.
func (c *commandContext) withStore(fn func(store *queue.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := queue.Open(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func (c *commandContext) geminiClient() (*gemini.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Gemini.APIKey == "" {
		return nil, fmt.Errorf("no Gemini API key configured; set gemini.api_key or GEMINI_API_KEY")
	}
	return gemini.NewClient(gemini.Config{
		APIKey:         cfg.Gemini.APIKey,
		BaseURL:        cfg.Gemini.BaseURL,
		Model:          cfg.Gemini.Model,
		TimeoutSeconds: cfg.Gemini.TimeoutSeconds,
	}), nil
}

// newLogger builds the file-backed logger used by long-running
// commands. Interactive output stays on stdout, structured logs go to
// the log directory.
func (c *commandContext) newLogger() (*slog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{filepath.Join(cfg.Paths.LogDir, "uxrmate.log")},
	})
}
