package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"uxrmate/internal/pricing"
	"uxrmate/internal/queue"
)

func newEstimateCommand(ctx *commandContext) *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Project the cost of analyzing all media against all active criteria",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if model == "" {
				model = cfg.Gemini.Model
			}
			modelPricing, ok := cfg.ModelPricing(model)
			if !ok {
				return fmt.Errorf("no pricing entry for model %q", model)
			}

			return ctx.withStore(func(store *queue.Store) error {
				assets, err := store.ListMedia(cmd.Context())
				if err != nil {
					return err
				}
				criteria, err := store.ListCriteria(cmd.Context(), false)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(assets) == 0 || len(criteria) == 0 {
					fmt.Fprintln(out, "Nothing to estimate; register media and criteria first")
					return nil
				}

				criteriaCount := len(criteria)
				rows := make([][]string, 0, len(assets))
				var total float64
				for _, asset := range assets {
					perCriterion := pricing.EstimateCost(asset.DurationSec, modelPricing)
					assetTotal := perCriterion.Total * float64(criteriaCount)
					total += assetTotal
					rows = append(rows, []string{
						asset.Name,
						fmt.Sprintf("%.0fs", asset.DurationSec),
						strconv.FormatInt(perCriterion.InputTokens, 10),
						pricing.FormatCost(perCriterion.Total),
						pricing.FormatCost(assetTotal),
					})
				}

				name := modelPricing.DisplayName
				if name == "" {
					name = model
				}
				fmt.Fprintf(out, "Model: %s, %d active criteria\n", name, criteriaCount)
				table := renderTable(
					[]string{"Media", "Duration", "Input tokens", "Per criterion", "All criteria"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
				)
				fmt.Fprintln(out, table)
				fmt.Fprintf(out, "Estimated total: %s\n", pricing.FormatCost(total))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "Model to price (default: configured model)")
	return cmd
}
