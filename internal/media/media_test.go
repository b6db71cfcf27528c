package media_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"uxrmate/internal/config"
	"uxrmate/internal/media"
	"uxrmate/internal/services"
)

func stubProbe(duration float64, err error) media.ProbeFunc {
	return func(context.Context, string) (float64, error) {
		return duration, err
	}
}

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func TestValidateAcceptsSupportedFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "session.mp4", 2048)

	ing := media.NewIngestor(config.Ingest{
		MaxSizeMB:          10,
		MaxDurationSeconds: 300,
		Formats:            []string{".mp4"},
	}, stubProbe(120, nil))

	asset, err := ing.Validate(context.Background(), path)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if asset.DurationSec != 120 || asset.SizeBytes != 2048 {
		t.Fatalf("unexpected asset: %+v", asset)
	}
	if asset.Checksum == "" || asset.Origin != media.OriginLocal {
		t.Fatalf("asset missing checksum or origin: %+v", asset)
	}
}

func TestValidateRejections(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name  string
		cfg   config.Ingest
		probe media.ProbeFunc
		path  func() string
	}{
		{
			name:  "missing file",
			cfg:   config.Ingest{},
			probe: stubProbe(10, nil),
			path:  func() string { return filepath.Join(dir, "absent.mp4") },
		},
		{
			name:  "unsupported format",
			cfg:   config.Ingest{Formats: []string{".mp4"}},
			probe: stubProbe(10, nil),
			path:  func() string { return writeFile(t, dir, "notes.txt", 10) },
		},
		{
			name:  "oversized",
			cfg:   config.Ingest{MaxSizeMB: 1},
			probe: stubProbe(10, nil),
			path:  func() string { return writeFile(t, dir, "big.mp4", 2*1024*1024) },
		},
		{
			name:  "too long",
			cfg:   config.Ingest{MaxDurationSeconds: 60},
			probe: stubProbe(120, nil),
			path:  func() string { return writeFile(t, dir, "long.mp4", 10) },
		},
		{
			name:  "probe failure",
			cfg:   config.Ingest{},
			probe: stubProbe(0, errors.New("corrupt container")),
			path:  func() string { return writeFile(t, dir, "corrupt.mp4", 10) },
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ing := media.NewIngestor(tc.cfg, tc.probe)
			_, err := ing.Validate(context.Background(), tc.path())
			if !errors.Is(err, services.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCacheEnsureIsWriteOnce(t *testing.T) {
	cache, err := media.NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	var fetches atomic.Int32
	fetch := func(dest string) error {
		fetches.Add(1)
		return os.WriteFile(dest, []byte("payload"), 0o644)
	}

	const workers = 8
	var wg sync.WaitGroup
	paths := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = cache.Ensure("abc123", ".mp4", fetch)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if paths[i] != paths[0] {
			t.Fatalf("workers disagree on cache path: %q vs %q", paths[i], paths[0])
		}
	}
	if got := fetches.Load(); got != 1 {
		t.Fatalf("expected exactly one fetch, got %d", got)
	}
}

func TestCacheFailedFetchLeavesNoEntry(t *testing.T) {
	cache, err := media.NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	fetchErr := errors.New("stream interrupted")
	if _, err := cache.Ensure("def456", ".mp4", func(dest string) error {
		_ = os.WriteFile(dest, []byte("partial"), 0o644)
		return fetchErr
	}); !errors.Is(err, fetchErr) {
		t.Fatalf("expected fetch error, got %v", err)
	}

	if _, ok := cache.Lookup("def456", ".mp4"); ok {
		t.Fatal("failed fetch must not publish a cache entry")
	}
}
