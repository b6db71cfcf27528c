package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"uxrmate/internal/analysis"
	"uxrmate/internal/pipeline"
	"uxrmate/internal/pricing"
	"uxrmate/internal/queue"
	"uxrmate/internal/retry"
	"uxrmate/internal/services/gemini"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var batchID string
	var mediaIDs []int64
	var criterionIDs []int64

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Analyze session recordings against criteria",
		Long: "Builds (or resumes) a batch of media/criterion pairs and drives each\n" +
			"through upload, analysis, and verdict persistence. Re-running with the\n" +
			"same --batch id skips pairs that already finished.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}

			lock := flock.New(filepath.Join(cfg.Paths.DataDir, "uxrmate.lock"))
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire run lock: %w", err)
			}
			if !locked {
				return fmt.Errorf("another uxrmate run is already active")
			}
			defer lock.Unlock()

			logger, err := ctx.newLogger()
			if err != nil {
				return err
			}
			client, err := ctx.geminiClient()
			if err != nil {
				return err
			}

			return ctx.withStore(func(store *queue.Store) error {
				runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				out := cmd.OutOrStdout()

				if len(mediaIDs) == 0 {
					assets, err := store.ListMedia(runCtx)
					if err != nil {
						return err
					}
					for _, asset := range assets {
						mediaIDs = append(mediaIDs, asset.ID)
					}
				}
				if len(criterionIDs) == 0 {
					criteria, err := store.ListCriteria(runCtx, false)
					if err != nil {
						return err
					}
					for _, criterion := range criteria {
						criterionIDs = append(criterionIDs, criterion.ID)
					}
				}
				if len(mediaIDs) == 0 {
					return fmt.Errorf("no media registered; add recordings with 'uxrmate media add' first")
				}
				if len(criterionIDs) == 0 {
					return fmt.Errorf("no active criteria; add one with 'uxrmate criteria add' first")
				}

				modelPricing, ok := cfg.ModelPricing(cfg.Gemini.Model)
				if !ok {
					return fmt.Errorf("no pricing entry for model %q", cfg.Gemini.Model)
				}

				gate := retry.NewGate()
				invoker := analysis.NewInvoker(client, modelPricing, retry.Policy{
					MaxAttempts: cfg.Pipeline.MaxRetriesModel,
					BaseDelay:   time.Duration(cfg.Pipeline.BaseBackoffMs) * time.Millisecond,
					Multiplier:  cfg.Pipeline.BackoffMultiplier,
					RetryAfter:  gemini.RetryAfterHint,
					Gate:        gate,
				}, logger)

				sink := newConsoleSink(out, isatty.IsTerminal(os.Stdout.Fd()))
				orch := pipeline.New(cfg, store, client, invoker,
					pipeline.WithRateGate(gate),
					pipeline.WithLogger(logger),
					pipeline.WithProgressSink(sink),
				)

				if reclaimed, err := orch.Resume(runCtx); err != nil {
					return err
				} else if reclaimed > 0 {
					fmt.Fprintf(out, "Reclaimed %d interrupted pair(s) from a previous run\n", reclaimed)
				}

				handle, err := orch.RunBatch(runCtx, batchID, mediaIDs, criterionIDs)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Batch %s: %d media x %d criteria\n", handle.ID, len(mediaIDs), len(criterionIDs))

				runErr := handle.Wait()

				// Sweep outside the (possibly cancelled) run context so
				// remote media is not stranded by a Ctrl-C.
				sweepCtx, cancelSweep := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancelSweep()
				if swept, err := orch.CleanupRemote(sweepCtx); err == nil && swept > 0 {
					fmt.Fprintf(out, "Released %d leftover remote upload(s)\n", swept)
				}

				stats, err := store.BatchStats(sweepCtx, handle.ID)
				if err != nil {
					return err
				}
				printBatchSummary(out, stats)
				if orch.QuotaHalted() {
					fmt.Fprintln(out, "Daily quota exhausted; remaining pairs stay queued. Re-run this batch to resume.")
				}
				return runErr
			})
		},
	}

	cmd.Flags().StringVar(&batchID, "batch", "", "Batch id to resume (default: start a new batch)")
	cmd.Flags().Int64SliceVar(&mediaIDs, "media", nil, "Media ids to analyze (default: all registered)")
	cmd.Flags().Int64SliceVar(&criterionIDs, "criteria", nil, "Criterion ids to apply (default: all active)")

	return cmd
}

func printBatchSummary(out io.Writer, stats queue.BatchStats) {
	rows := [][]string{}
	for _, status := range []queue.Status{
		queue.StatusNew, queue.StatusUploading, queue.StatusUploaded,
		queue.StatusAnalyzing, queue.StatusDone, queue.StatusFailed,
	} {
		if count := stats.ByStatus[status]; count > 0 {
			rows = append(rows, []string{string(status), fmt.Sprintf("%d", count)})
		}
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "Batch is empty")
		return
	}
	fmt.Fprintln(out, renderTable([]string{"Status", "Pairs"}, rows, []columnAlignment{alignLeft, alignRight}))
	fmt.Fprintf(out, "Cost so far: %s\n", pricing.FormatCost(stats.TotalCost))
	if stats.NeedsReview > 0 {
		fmt.Fprintf(out, "%d verdict(s) need review; see 'uxrmate review pending --batch %s'\n", stats.NeedsReview, stats.BatchID)
	}
}

// consoleSink prints progress to the terminal. Intermediate stage
// updates only appear on a tty; completions and failures always print.
type consoleSink struct {
	mu  sync.Mutex
	out io.Writer
	tty bool
}

func newConsoleSink(out io.Writer, tty bool) *consoleSink {
	return &consoleSink{out: out, tty: tty}
}

func (s *consoleSink) PairProgress(event pipeline.PairEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case event.Err != nil:
		fmt.Fprintf(s.out, "pair %d [%s]: failed: %v\n", event.PairID, event.Criterion, event.Err)
	case event.Skipped:
		if s.tty {
			fmt.Fprintf(s.out, "pair %d [%s]: already %s, skipped\n", event.PairID, event.Criterion, event.Status)
		}
	case event.Status == queue.StatusDone:
		fmt.Fprintf(s.out, "pair %d [%s]: done\n", event.PairID, event.Criterion)
	default:
		if s.tty {
			fmt.Fprintf(s.out, "pair %d [%s]: %s (%.0f%%)\n", event.PairID, event.Criterion, event.Message, event.Percent)
		}
	}
}

func (s *consoleSink) BatchProgress(event pipeline.BatchEvent) {
	if !s.tty {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "batch %s: %d/%d done, %d failed, %s\n",
		event.BatchID, event.Completed, event.Total, event.Failed, pricing.FormatCost(event.Cost))
}
