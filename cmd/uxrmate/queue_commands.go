package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"uxrmate/internal/pipeline"
	"uxrmate/internal/pricing"
	"uxrmate/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage analysis batches",
	}

	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueStatsCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueRemoveCommand(ctx))

	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List batches, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				batches, err := store.ListBatches(cmd.Context())
				if err != nil {
					return err
				}
				if len(batches) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No batches yet")
					return nil
				}

				rows := make([][]string, 0, len(batches))
				for _, batchID := range batches {
					stats, err := store.BatchStats(cmd.Context(), batchID)
					if err != nil {
						return err
					}
					rows = append(rows, []string{
						batchID,
						strconv.Itoa(stats.Total),
						strconv.Itoa(stats.ByStatus[queue.StatusDone]),
						strconv.Itoa(stats.ByStatus[queue.StatusFailed]),
						strconv.Itoa(stats.Pending()),
						strconv.Itoa(stats.NeedsReview),
						pricing.FormatCost(stats.TotalCost),
					})
				}
				table := renderTable(
					[]string{"Batch", "Pairs", "Done", "Failed", "Pending", "Review", "Cost"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
}

func newQueueStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <batch-id>",
		Short: "Show a batch's status counts, cost, and friction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				stats, err := store.BatchStats(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if stats.Total == 0 {
					fmt.Fprintln(out, "Batch not found or empty")
					return nil
				}

				rows := [][]string{}
				for _, status := range []queue.Status{
					queue.StatusNew, queue.StatusUploading, queue.StatusUploaded,
					queue.StatusAnalyzing, queue.StatusDone, queue.StatusFailed,
				} {
					if count := stats.ByStatus[status]; count > 0 {
						rows = append(rows, []string{string(status), strconv.Itoa(count)})
					}
				}
				table := renderTable([]string{"Status", "Pairs"}, rows, []columnAlignment{alignLeft, alignRight})
				fmt.Fprintln(out, table)

				avgFriction, err := store.AverageFriction(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Pairs:            %d (%d pending)\n", stats.Total, stats.Pending())
				fmt.Fprintf(out, "Total cost:       %s\n", pricing.FormatCost(stats.TotalCost))
				if avgFriction > 0 {
					fmt.Fprintf(out, "Average friction: %.1f\n", avgFriction)
				}
				if stats.NeedsReview > 0 {
					fmt.Fprintf(out, "Needing review:   %d\n", stats.NeedsReview)
				}
				return nil
			})
		},
	}
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Show the pairs of one batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				pairs, err := store.PairsByBatch(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(pairs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Batch not found or empty")
					return nil
				}

				mediaNames := map[int64]string{}
				criterionNames := map[int64]string{}
				rows := make([][]string, 0, len(pairs))
				for _, pair := range pairs {
					mediaName, ok := mediaNames[pair.MediaID]
					if !ok {
						if asset, err := store.MediaByID(cmd.Context(), pair.MediaID); err == nil {
							mediaName = asset.Name
						}
						mediaNames[pair.MediaID] = mediaName
					}
					criterionName, ok := criterionNames[pair.CriterionID]
					if !ok {
						if criterion, err := store.CriterionByID(cmd.Context(), pair.CriterionID); err == nil {
							criterionName = criterion.Name
						}
						criterionNames[pair.CriterionID] = criterionName
					}

					detail := pair.ProgressMessage
					if pair.Status == queue.StatusFailed && pair.ErrorMessage != "" {
						detail = pair.ErrorMessage
					}
					rows = append(rows, []string{
						strconv.FormatInt(pair.ID, 10),
						mediaName,
						criterionName,
						string(pair.Status),
						strconv.Itoa(pair.Attempt),
						detail,
					})
				}
				table := renderTable(
					[]string{"ID", "Media", "Criterion", "Status", "Attempts", "Detail"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <batch-id>",
		Short: "Reset a batch's failed pairs for a fresh attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				reset, err := store.RetryFailed(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset %d failed pair(s); run 'uxrmate run --batch %s' to retry\n", reset, args[0])
				return nil
			})
		},
	}
}

func newQueueRemoveCommand(ctx *commandContext) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "remove <batch-id>",
		Short: "Delete a batch, its pairs, and their verdicts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				if !force {
					stats, err := store.BatchStats(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					if stats.Pending() > 0 {
						return fmt.Errorf("batch has %d unfinished pair(s); pass --force to remove anyway", stats.Pending())
					}
				}
				removed, err := store.RemoveBatch(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d pair(s)\n", removed)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Remove even when pairs are unfinished")
	return cmd
}

func newCleanupCommand(ctx *commandContext) *cobra.Command {
	var staleAfter time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Reclaim stale pairs and release leftover remote uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.geminiClient()
			if err != nil {
				return err
			}
			return ctx.withStore(func(store *queue.Store) error {
				reclaimed, err := store.ReclaimStale(cmd.Context(), time.Now().Add(-staleAfter))
				if err != nil {
					return err
				}
				if reclaimed > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed %d stale pair(s)\n", reclaimed)
				}

				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}
				orch := pipeline.New(cfg, store, client, nil)
				swept, err := orch.CleanupRemote(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Released %d remote upload(s)\n", swept)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 10*time.Minute, "Heartbeat age before an in-flight pair counts as abandoned")
	return cmd
}
