package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"uxrmate/internal/media"
	"uxrmate/internal/queue"
	"uxrmate/internal/retry"
	"uxrmate/internal/services/mediastore"
)

func newMediaCommand(ctx *commandContext) *cobra.Command {
	mediaCmd := &cobra.Command{
		Use:   "media",
		Short: "Manage session recordings",
	}

	mediaCmd.AddCommand(newMediaAddCommand(ctx))
	mediaCmd.AddCommand(newMediaListCommand(ctx))
	mediaCmd.AddCommand(newMediaImportCommand(ctx))
	mediaCmd.AddCommand(newMediaRemoveCommand(ctx))

	return mediaCmd
}

func newMediaAddCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "add <path>...",
		Short: "Validate local recordings and register them",
		Long: "Probes each file, copies it into the media cache keyed by checksum,\n" +
			"and registers it. Re-adding a file with the same content is a no-op.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}
			cache, err := media.NewCache(cfg.Paths.MediaCacheDir)
			if err != nil {
				return err
			}
			ingestor := media.NewIngestor(cfg.Ingest, nil)

			return ctx.withStore(func(store *queue.Store) error {
				for _, path := range args {
					asset, err := ingestor.Validate(cmd.Context(), path)
					if err != nil {
						return err
					}
					cached, err := cache.Ensure(asset.Checksum, strings.ToLower(filepath.Ext(path)), func(dest string) error {
						return copyFile(path, dest)
					})
					if err != nil {
						return err
					}

					registered, err := store.RegisterMedia(cmd.Context(), &queue.MediaAsset{
						Name:        asset.Name,
						Path:        cached,
						DurationSec: asset.DurationSec,
						SizeBytes:   asset.SizeBytes,
						Checksum:    asset.Checksum,
						Origin:      string(asset.Origin),
					})
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Registered media %d: %s (%.0fs)\n",
						registered.ID, registered.Name, registered.DurationSec)
				}
				return nil
			})
		},
	}
}

func newMediaListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered recordings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				assets, err := store.ListMedia(cmd.Context())
				if err != nil {
					return err
				}
				if len(assets) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No media registered")
					return nil
				}

				rows := make([][]string, 0, len(assets))
				for _, asset := range assets {
					rows = append(rows, []string{
						strconv.FormatInt(asset.ID, 10),
						asset.Name,
						fmt.Sprintf("%.0fs", asset.DurationSec),
						fmt.Sprintf("%.1f MB", float64(asset.SizeBytes)/(1024*1024)),
						asset.Origin,
						shortChecksum(asset.Checksum),
					})
				}
				table := renderTable(
					[]string{"ID", "Name", "Duration", "Size", "Origin", "Checksum"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
}

func newMediaImportCommand(ctx *commandContext) *cobra.Command {
	var keys []string
	var all bool

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import recordings from the configured bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if !cfg.Import.Enabled {
				return fmt.Errorf("bucket import is not enabled; set [import] in the config")
			}
			if len(keys) == 0 && !all {
				return fmt.Errorf("pass --key or --all")
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}

			client, err := mediastore.NewClient(cfg.Import, mediastore.WithRetryPolicy(retry.Policy{
				MaxAttempts: cfg.Pipeline.MaxRetriesStorage,
				BaseDelay:   time.Duration(cfg.Pipeline.BaseBackoffMs) * time.Millisecond,
				Multiplier:  cfg.Pipeline.BackoffMultiplier,
			}))
			if err != nil {
				return err
			}
			cache, err := media.NewCache(cfg.Paths.MediaCacheDir)
			if err != nil {
				return err
			}
			ingestor := media.NewIngestor(cfg.Ingest, nil)

			return ctx.withStore(func(store *queue.Store) error {
				out := cmd.OutOrStdout()
				if all {
					objects, err := client.List(cmd.Context())
					if err != nil {
						return err
					}
					for _, object := range objects {
						keys = append(keys, object.Key)
					}
					if len(keys) == 0 {
						fmt.Fprintln(out, "Bucket is empty")
						return nil
					}
				}

				for _, key := range keys {
					fmt.Fprintf(out, "Importing %s...\n", key)
					cached, err := client.Import(cmd.Context(), key, cache, nil)
					if err != nil {
						return fmt.Errorf("import %s: %w", key, err)
					}
					asset, err := ingestor.Validate(cmd.Context(), cached)
					if err != nil {
						return fmt.Errorf("validate %s: %w", key, err)
					}

					registered, err := store.RegisterMedia(cmd.Context(), &queue.MediaAsset{
						Name:        filepath.Base(key),
						Path:        cached,
						RemoteRef:   key,
						DurationSec: asset.DurationSec,
						SizeBytes:   asset.SizeBytes,
						Checksum:    asset.Checksum,
						Origin:      string(media.OriginImported),
					})
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Registered media %d: %s (%.0fs)\n",
						registered.ID, registered.Name, registered.DurationSec)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&keys, "key", nil, "Object key(s) to import")
	cmd.Flags().BoolVar(&all, "all", false, "Import every object under the configured prefix")
	return cmd
}

func newMediaRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a recording that no batch references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid media id %q", args[0])
			}
			return ctx.withStore(func(store *queue.Store) error {
				removed, err := store.RemoveMedia(cmd.Context(), id)
				if err != nil {
					return err
				}
				if !removed {
					fmt.Fprintf(cmd.OutOrStdout(), "Media %d not found\n", id)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed media %d\n", id)
				return nil
			})
		},
	}
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy media: %w", err)
	}
	return out.Close()
}

func shortChecksum(checksum string) string {
	if len(checksum) > 12 {
		return checksum[:12]
	}
	return checksum
}
