// Package mediastore imports session recordings from S3-compatible
// object storage into the local media cache.
package mediastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"uxrmate/internal/config"
	"uxrmate/internal/media"
	"uxrmate/internal/retry"
)

// errTruncated marks a transfer that ended before the declared object
// size. It is retryable; the next attempt resumes from the confirmed
// offset.
var errTruncated = errors.New("transfer ended before the declared size")

// RemoteObject describes one recording available for import.
type RemoteObject struct {
	Key       string
	Name      string
	SizeBytes int64
	ETag      string
}

// ProgressFunc receives transferred and total byte counts during a
// download. Total is zero when the size is unknown.
type ProgressFunc func(transferred, total int64)

// Client lists and downloads recordings from a configured bucket.
type Client struct {
	mc     *minio.Client
	bucket string
	prefix string
	policy retry.Policy
}

// Option adjusts client construction.
type Option func(*Client)

// WithRetryPolicy sets the backoff policy used for downloads.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(c *Client) { c.policy = policy }
}

// NewClient creates an import client from the import configuration.
func NewClient(cfg config.Import, opts ...Option) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("import endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("import bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	client := &Client{
		mc:     mc,
		bucket: cfg.Bucket,
		prefix: strings.TrimPrefix(cfg.Prefix, "/"),
		policy: retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   2 * time.Second,
			Multiplier:  2,
		},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// List returns the recordings under the configured prefix.
func (c *Client) List(ctx context.Context) ([]RemoteObject, error) {
	var objects []RemoteObject
	for object := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    c.prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list objects: %w", object.Err)
		}
		if strings.HasSuffix(object.Key, "/") {
			continue
		}
		objects = append(objects, RemoteObject{
			Key:       object.Key,
			Name:      path.Base(object.Key),
			SizeBytes: object.Size,
			ETag:      strings.Trim(object.ETag, `"`),
		})
	}
	return objects, nil
}

// Stat fetches metadata for one object.
func (c *Client) Stat(ctx context.Context, key string) (RemoteObject, error) {
	info, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return RemoteObject{}, fmt.Errorf("stat %s: %w", key, err)
	}
	return RemoteObject{
		Key:       key,
		Name:      path.Base(key),
		SizeBytes: info.Size,
		ETag:      strings.Trim(info.ETag, `"`),
	}, nil
}

// Download streams an object into dest under the retry policy. Bytes
// already on disk are kept across attempts; each retry resumes with a
// ranged read from the confirmed offset, and a stream that ends short
// of the declared size counts as a failure, never as success.
func (c *Client) Download(ctx context.Context, key, dest string, progress ProgressFunc) error {
	info, err := c.Stat(ctx, key)
	if err != nil {
		return err
	}

	open := func(ctx context.Context, offset int64) (io.ReadCloser, error) {
		opts := minio.GetObjectOptions{}
		if offset > 0 {
			if err := opts.SetRange(offset, 0); err != nil {
				return nil, fmt.Errorf("range %s from %d: %w", key, offset, err)
			}
		}
		obj, err := c.mc.GetObject(ctx, c.bucket, key, opts)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", key, err)
		}
		// GetObject defers errors until the first read; Stat surfaces a
		// missing key immediately.
		if _, err := obj.Stat(); err != nil {
			obj.Close()
			return nil, fmt.Errorf("stat %s: %w", key, err)
		}
		return obj, nil
	}
	return downloadTo(ctx, dest, info.SizeBytes, c.policy, open, progress)
}

// downloadTo drives the transfer loop. open is called once per attempt
// with the byte offset the next read should start at.
func downloadTo(
	ctx context.Context,
	dest string,
	size int64,
	policy retry.Policy,
	open func(context.Context, int64) (io.ReadCloser, error),
	progress ProgressFunc,
) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer out.Close()

	var transferred int64
	_, err = retry.Execute(ctx, policy, classifyTransfer, func(ctx context.Context) error {
		if size > 0 && transferred >= size {
			return nil
		}
		body, err := open(ctx, transferred)
		if err != nil {
			return err
		}
		defer body.Close()

		buf := make([]byte, 1<<20)
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, readErr := body.Read(buf)
			if n > 0 {
				if _, writeErr := out.Write(buf[:n]); writeErr != nil {
					return writeErr
				}
				transferred += int64(n)
				if progress != nil {
					progress(transferred, size)
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				return readErr
			}
		}
		if transferred < size {
			return fmt.Errorf("%w: got %d of %d bytes", errTruncated, transferred, size)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", dest, err)
	}
	return nil
}

// classifyTransfer treats local disk failures and client-side request
// errors as fatal; everything else, truncation included, is worth
// another attempt.
func classifyTransfer(err error) retry.Class {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Fatal
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return retry.Fatal
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return retry.RateLimited
	case resp.StatusCode == http.StatusRequestTimeout:
		return retry.Retryable
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Fatal
	}
	return retry.Retryable
}

// Import downloads an object into the media cache, keyed by checksum
// once the bytes are on disk. Already-cached objects are not fetched
// again when their checksum is known up front.
func (c *Client) Import(ctx context.Context, key string, cache *media.Cache, progress ProgressFunc) (string, error) {
	ext := strings.ToLower(path.Ext(key))
	staged, err := os.CreateTemp("", "uxrmate-import-*"+ext)
	if err != nil {
		return "", fmt.Errorf("create staging file: %w", err)
	}
	stagedPath := staged.Name()
	_ = staged.Close()
	defer os.Remove(stagedPath)

	if err := c.Download(ctx, key, stagedPath, progress); err != nil {
		return "", err
	}

	checksum, err := media.Checksum(stagedPath)
	if err != nil {
		return "", err
	}
	return cache.Ensure(checksum, ext, func(dest string) error {
		data, err := os.Open(stagedPath)
		if err != nil {
			return err
		}
		defer data.Close()
		out, err := os.Create(dest)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, data)
		return err
	})
}
