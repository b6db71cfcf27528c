package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"uxrmate/internal/config"
	"uxrmate/internal/services"
)

// Ingestor validates local files before they enter the pipeline. Format,
// size, and duration checks happen here, never in the orchestrator.
type Ingestor struct {
	cfg   config.Ingest
	probe ProbeFunc
}

// NewIngestor builds an ingestor with the supplied limits. A nil probe
// uses ffprobe.
func NewIngestor(cfg config.Ingest, probe ProbeFunc) *Ingestor {
	if probe == nil {
		probe = FFprobeDuration
	}
	return &Ingestor{cfg: cfg, probe: probe}
}

// Validate checks a local file and returns the described asset.
// All failures carry services.ErrValidation.
func (ing *Ingestor) Validate(ctx context.Context, path string) (Asset, error) {
	var asset Asset

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return asset, services.Wrap(services.ErrValidation, "ingest", "stat", fmt.Sprintf("file not found: %s", path), nil)
		}
		return asset, services.Wrap(services.ErrValidation, "ingest", "stat", path, err)
	}
	if info.IsDir() {
		return asset, services.Wrap(services.ErrValidation, "ingest", "stat", fmt.Sprintf("%s is a directory", path), nil)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if len(ing.cfg.Formats) > 0 && !contains(ing.cfg.Formats, ext) {
		return asset, services.Wrap(services.ErrValidation, "ingest", "format",
			fmt.Sprintf("unsupported format %q (allowed: %s)", ext, strings.Join(ing.cfg.Formats, ", ")), nil)
	}

	if ing.cfg.MaxSizeMB > 0 {
		maxBytes := int64(ing.cfg.MaxSizeMB) * 1024 * 1024
		if info.Size() > maxBytes {
			return asset, services.Wrap(services.ErrValidation, "ingest", "size",
				fmt.Sprintf("%d bytes exceeds limit of %d MB", info.Size(), ing.cfg.MaxSizeMB), nil)
		}
	}

	duration, err := ing.probe(ctx, path)
	if err != nil {
		return asset, services.Wrap(services.ErrValidation, "ingest", "probe duration", path, err)
	}
	if duration <= 0 {
		return asset, services.Wrap(services.ErrValidation, "ingest", "probe duration",
			fmt.Sprintf("%s reports non-positive duration", path), nil)
	}
	if ing.cfg.MaxDurationSeconds > 0 && duration > float64(ing.cfg.MaxDurationSeconds) {
		return asset, services.Wrap(services.ErrValidation, "ingest", "duration",
			fmt.Sprintf("%.0fs exceeds limit of %ds", duration, ing.cfg.MaxDurationSeconds), nil)
	}

	checksum, err := Checksum(path)
	if err != nil {
		return asset, services.Wrap(services.ErrValidation, "ingest", "checksum", path, err)
	}

	return Asset{
		Name:        filepath.Base(path),
		Path:        path,
		DurationSec: duration,
		SizeBytes:   info.Size(),
		Checksum:    checksum,
		Origin:      OriginLocal,
	}, nil
}

func contains(values []string, want string) bool {
	for _, value := range values {
		if value == want {
			return true
		}
	}
	return false
}
