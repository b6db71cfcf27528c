package media

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Cache is the write-once local media cache keyed by checksum. The first
// writer wins; entries become visible only after an atomic rename, so
// partial writes are never observable by other readers.
type Cache struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCache creates a cache rooted at dir.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media cache dir: %w", err)
	}
	return &Cache{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Path returns the cache location for a checksum.
func (c *Cache) Path(checksum, ext string) string {
	return filepath.Join(c.dir, checksum+ext)
}

// Lookup reports whether the checksum is already cached.
func (c *Cache) Lookup(checksum, ext string) (string, bool) {
	path := c.Path(checksum, ext)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}

// Ensure returns the cached path for checksum, invoking fetch at most once
// across concurrent callers to populate a missing entry. fetch writes into
// a staging file that is renamed into place only on success.
func (c *Cache) Ensure(checksum, ext string, fetch func(dest string) error) (string, error) {
	lock := c.keyLock(checksum)
	lock.Lock()
	defer lock.Unlock()

	if path, ok := c.Lookup(checksum, ext); ok {
		return path, nil
	}

	final := c.Path(checksum, ext)
	staging, err := os.CreateTemp(c.dir, checksum+".partial-*")
	if err != nil {
		return "", fmt.Errorf("create staging file: %w", err)
	}
	stagingPath := staging.Name()
	_ = staging.Close()
	defer os.Remove(stagingPath)

	if err := fetch(stagingPath); err != nil {
		return "", err
	}
	if err := os.Rename(stagingPath, final); err != nil {
		// A concurrent process may have published the entry first.
		if _, statErr := os.Stat(final); statErr == nil {
			return final, nil
		}
		return "", fmt.Errorf("publish cache entry: %w", err)
	}
	return final, nil
}

// Remove deletes a cache entry if present.
func (c *Cache) Remove(checksum, ext string) error {
	err := os.Remove(c.Path(checksum, ext))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove cache entry: %w", err)
	}
	return nil
}

func (c *Cache) keyLock(checksum string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[checksum]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[checksum] = lock
	}
	return lock
}
