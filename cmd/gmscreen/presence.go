package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var presenceCmd = &cobra.Command{
	Use:     "presence [<session>]",
	Short:   "Show presence for one session, or every session of the tenant",
	GroupID: "presence",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		out := cmd.OutOrStdout()
		tenant, err := requireTenant()
		if err != nil {
			return err
		}

		if len(args) == 1 {
			entry, err := apiClient.GetPresence(ctx, tenant, args[0])
			if err != nil {
				return fmt.Errorf("getting presence: %w", err)
			}
			if jsonOutput {
				return printJSON(out, entry)
			}
			return printEntry(out, entry)
		}

		entries, err := apiClient.ListPresence(ctx, tenant)
		if err != nil {
			return fmt.Errorf("listing presence: %w", err)
		}
		if jsonOutput {
			return printJSON(out, entries)
		}
		if len(entries) == 0 {
			fmt.Fprintf(out, "no tracked sessions for tenant %q\n", tenant)
			return nil
		}
		return printEntryTable(out, entries)
	},
}
