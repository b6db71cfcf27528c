package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"uxrmate/internal/pricing"
	"uxrmate/internal/queue"
	"uxrmate/internal/review"
)

func newReviewCommand(ctx *commandContext) *cobra.Command {
	reviewCmd := &cobra.Command{
		Use:   "review",
		Short: "Verify low-confidence verdicts",
	}

	reviewCmd.AddCommand(newReviewPendingCommand(ctx))
	reviewCmd.AddCommand(newReviewShowCommand(ctx))
	reviewCmd.AddCommand(newReviewHistoryCommand(ctx))
	reviewCmd.AddCommand(newReviewVerifyCommand(ctx))
	reviewCmd.AddCommand(newReviewRerunCommand(ctx))

	return reviewCmd
}

func newReviewPendingCommand(ctx *commandContext) *cobra.Command {
	var batchID string

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List verdicts waiting for human review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				results, err := review.NewVerifier(store).Pending(cmd.Context(), batchID)
				if err != nil {
					return err
				}
				if len(results) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Nothing pending review")
					return nil
				}

				rows := make([][]string, 0, len(results))
				for _, result := range results {
					rows = append(rows, []string{
						strconv.FormatInt(result.PairID, 10),
						string(result.Verdict),
						strconv.Itoa(result.FrictionScore),
						strconv.Itoa(result.Confidence),
						result.ReviewReason,
					})
				}
				table := renderTable(
					[]string{"Pair", "Verdict", "Friction", "Confidence", "Reason"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "Limit to one batch")
	return cmd
}

func newReviewShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <pair-id>",
		Short: "Show the live verdict for a pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid pair id %q", args[0])
			}
			return ctx.withStore(func(store *queue.Store) error {
				result, err := store.LatestResult(cmd.Context(), pairID)
				if err != nil {
					return err
				}
				if result == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "No live verdict for this pair")
					return nil
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Pair:           %d\n", result.PairID)
				fmt.Fprintf(out, "Model:          %s\n", result.Model)
				fmt.Fprintf(out, "Verdict:        %s\n", result.EffectiveVerdict())
				fmt.Fprintf(out, "Friction:       %d\n", result.EffectiveFriction())
				fmt.Fprintf(out, "Confidence:     %d\n", result.Confidence)
				fmt.Fprintf(out, "Cost:           %s\n", pricing.FormatCost(result.EffectiveCost()))
				fmt.Fprintf(out, "Verified:       %s\n", yesNo(result.Verified))
				if result.OverrideSet {
					fmt.Fprintf(out, "Model verdict:  %s (friction %d, overridden)\n", result.Verdict, result.FrictionScore)
				}
				if result.VerifierNote != "" {
					fmt.Fprintf(out, "Note:           %s\n", result.VerifierNote)
				}
				if result.Observations != "" {
					fmt.Fprintf(out, "Observations:   %s\n", result.Observations)
				}
				if result.Recommendation != "" {
					fmt.Fprintf(out, "Recommendation: %s\n", result.Recommendation)
				}
				return nil
			})
		},
	}
}

func newReviewHistoryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "history <pair-id>",
		Short: "List every verdict ever produced for a pair, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid pair id %q", args[0])
			}
			return ctx.withStore(func(store *queue.Store) error {
				results, err := store.ResultHistory(cmd.Context(), pairID)
				if err != nil {
					return err
				}
				if len(results) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No verdicts recorded for this pair")
					return nil
				}

				rows := make([][]string, 0, len(results))
				for _, result := range results {
					state := "live"
					if result.Superseded {
						state = "superseded"
					}
					rows = append(rows, []string{
						strconv.FormatInt(result.ID, 10),
						result.Model,
						string(result.EffectiveVerdict()),
						strconv.Itoa(result.EffectiveFriction()),
						strconv.Itoa(result.Confidence),
						yesNo(result.Verified),
						state,
					})
				}
				table := renderTable(
					[]string{"ID", "Model", "Verdict", "Friction", "Confidence", "Verified", "State"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
}

func newReviewVerifyCommand(ctx *commandContext) *cobra.Command {
	var overrideVerdict string
	var overrideFriction int
	var note string

	cmd := &cobra.Command{
		Use:   "verify <pair-id>",
		Short: "Mark a verdict as human-verified, optionally overriding it",
		Long: "Freezes the pair's live verdict. A verified verdict can only be\n" +
			"replaced by an explicit re-run.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid pair id %q", args[0])
			}

			var verification queue.Verification
			if cmd.Flags().Changed("verdict") {
				verdict, ok := queue.ParseVerdict(overrideVerdict)
				if !ok {
					return fmt.Errorf("invalid verdict %q (pass, fail, partial)", overrideVerdict)
				}
				verification.OverrideVerdict = verdict
			}
			if cmd.Flags().Changed("friction") {
				verification.OverrideFriction = overrideFriction
			}
			verification.Note = note

			return ctx.withStore(func(store *queue.Store) error {
				result, err := review.NewVerifier(store).Verify(cmd.Context(), pairID, verification)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Verified pair %d: %s (friction %d)\n",
					pairID, result.EffectiveVerdict(), result.EffectiveFriction())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&overrideVerdict, "verdict", "", "Override the model's verdict (pass, fail, partial)")
	cmd.Flags().IntVar(&overrideFriction, "friction", 0, "Override the friction score (1-5)")
	cmd.Flags().StringVar(&note, "note", "", "Reviewer note")
	return cmd
}

func newReviewRerunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rerun <pair-id>",
		Short: "Supersede a pair's verdicts and queue it for fresh analysis",
		Long: "Marks every stored verdict for the pair superseded, including a\n" +
			"verified one, and resets the pair. The next 'uxrmate run' on its\n" +
			"batch analyzes it again.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid pair id %q", args[0])
			}
			return ctx.withStore(func(store *queue.Store) error {
				if err := review.NewVerifier(store).ForceRerun(cmd.Context(), pairID); err != nil {
					return err
				}
				pair, err := store.PairByID(cmd.Context(), pairID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pair %d reset; run 'uxrmate run --batch %s' to re-analyze\n",
					pairID, pair.BatchID)
				return nil
			})
		},
	}
}
