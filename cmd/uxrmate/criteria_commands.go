package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"uxrmate/internal/queue"
	"uxrmate/internal/services"
)

func newCriteriaCommand(ctx *commandContext) *cobra.Command {
	criteriaCmd := &cobra.Command{
		Use:   "criteria",
		Short: "Manage behavioral criteria",
	}

	criteriaCmd.AddCommand(newCriteriaAddCommand(ctx))
	criteriaCmd.AddCommand(newCriteriaImportCommand(ctx))
	criteriaCmd.AddCommand(newCriteriaListCommand(ctx))
	criteriaCmd.AddCommand(newCriteriaUpdateCommand(ctx))
	criteriaCmd.AddCommand(newCriteriaArchiveCommand(ctx))
	criteriaCmd.AddCommand(newCriteriaRestoreCommand(ctx))

	return criteriaCmd
}

func newCriteriaAddCommand(ctx *commandContext) *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a criterion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				criterion, err := store.CreateCriterion(cmd.Context(), args[0], description)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created criterion %d: %s\n", criterion.ID, criterion.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "What the model should look for")
	return cmd
}

func newCriteriaImportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.json>",
		Short: "Bulk-import criteria from a JSON file",
		Long: "Reads an array of {\"name\": ..., \"description\": ...} objects and\n" +
			"creates each criterion. Names that already exist are skipped.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read criteria file: %w", err)
			}
			var entries []struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			}
			if err := json.Unmarshal(payload, &entries); err != nil {
				return fmt.Errorf("parse criteria file: %w", err)
			}
			if len(entries) == 0 {
				return fmt.Errorf("criteria file %s holds no entries", args[0])
			}

			return ctx.withStore(func(store *queue.Store) error {
				out := cmd.OutOrStdout()
				created := 0
				for _, entry := range entries {
					criterion, err := store.CreateCriterion(cmd.Context(), entry.Name, entry.Description)
					if err != nil {
						if errors.Is(err, services.ErrConflict) {
							fmt.Fprintf(out, "Skipped %q: already exists\n", entry.Name)
							continue
						}
						return err
					}
					created++
					fmt.Fprintf(out, "Created criterion %d: %s\n", criterion.ID, criterion.Name)
				}
				fmt.Fprintf(out, "Imported %d of %d criteria\n", created, len(entries))
				return nil
			})
		},
	}
}

func newCriteriaListCommand(ctx *commandContext) *cobra.Command {
	var includeArchived bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List criteria",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				criteria, err := store.ListCriteria(cmd.Context(), includeArchived)
				if err != nil {
					return err
				}
				if len(criteria) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No criteria defined")
					return nil
				}

				rows := make([][]string, 0, len(criteria))
				for _, criterion := range criteria {
					rows = append(rows, []string{
						strconv.FormatInt(criterion.ID, 10),
						criterion.Name,
						criterion.Description,
						yesNo(criterion.Archived),
					})
				}
				table := renderTable(
					[]string{"ID", "Name", "Description", "Archived"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&includeArchived, "all", "a", false, "Include archived criteria")
	return cmd
}

func newCriteriaUpdateCommand(ctx *commandContext) *cobra.Command {
	var name string
	var description string

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a criterion's name or description",
		Long: "Updates the stored definition. Verdicts already produced keep the\n" +
			"wording that was active when they were generated.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid criterion id %q", args[0])
			}
			if !cmd.Flags().Changed("name") && !cmd.Flags().Changed("description") {
				return fmt.Errorf("nothing to update; pass --name and/or --description")
			}
			return ctx.withStore(func(store *queue.Store) error {
				criterion, err := store.CriterionByID(cmd.Context(), id)
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("name") {
					name = criterion.Name
				}
				if !cmd.Flags().Changed("description") {
					description = criterion.Description
				}
				if err := store.UpdateCriterion(cmd.Context(), id, name, description); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated criterion %d\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "New name")
	cmd.Flags().StringVarP(&description, "description", "d", "", "New description")
	return cmd
}

func newCriteriaArchiveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a criterion so new batches skip it",
		Args:  cobra.ExactArgs(1),
		RunE:  setCriterionArchived(ctx, true, "Archived"),
	}
}

func newCriteriaRestoreCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore an archived criterion",
		Args:  cobra.ExactArgs(1),
		RunE:  setCriterionArchived(ctx, false, "Restored"),
	}
}

func setCriterionArchived(ctx *commandContext, archived bool, verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid criterion id %q", args[0])
		}
		return ctx.withStore(func(store *queue.Store) error {
			if err := store.ArchiveCriterion(cmd.Context(), id, archived); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s criterion %d\n", verb, id)
			return nil
		})
	}
}
