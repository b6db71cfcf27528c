package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Origin identifies where a media asset came from.
type Origin string

const (
	OriginLocal    Origin = "local"
	OriginImported Origin = "imported"
)

// Asset describes a validated session recording.
type Asset struct {
	Name        string
	Path        string
	RemoteRef   string
	DurationSec float64
	SizeBytes   int64
	Checksum    string
	Origin      Origin
}

// Checksum computes the hex-encoded SHA-256 of a file. Checksums
// deduplicate assets across local uploads and remote imports.
func Checksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for checksum: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
