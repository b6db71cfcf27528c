package testsupport

import (
	"context"
	"testing"

	"uxrmate/internal/config"
	"uxrmate/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// SeedMedia registers a media asset for tests using the provided store.
func SeedMedia(t testing.TB, store *queue.Store, name, checksum string, durationSec float64) *queue.MediaAsset {
	t.Helper()

	asset, err := store.RegisterMedia(context.Background(), &queue.MediaAsset{
		Name:        name,
		Path:        "/tmp/" + name,
		DurationSec: durationSec,
		SizeBytes:   1024,
		Checksum:    checksum,
		Origin:      "local",
	})
	if err != nil {
		t.Fatalf("store.RegisterMedia: %v", err)
	}
	return asset
}

// SeedCriterion creates a criterion for tests using the provided store.
func SeedCriterion(t testing.TB, store *queue.Store, name, description string) *queue.Criterion {
	t.Helper()

	criterion, err := store.CreateCriterion(context.Background(), name, description)
	if err != nil {
		t.Fatalf("store.CreateCriterion: %v", err)
	}
	return criterion
}

// SeedPair creates a pair for tests using the provided store.
func SeedPair(t testing.TB, store *queue.Store, batchID string, mediaID, criterionID int64) *queue.Pair {
	t.Helper()

	pair, err := store.CreatePair(context.Background(), batchID, mediaID, criterionID)
	if err != nil {
		t.Fatalf("store.CreatePair: %v", err)
	}
	return pair
}
