package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/gmscreen/internal/client"
	"github.com/alfredjeanlab/gmscreen/internal/ui"
)

var runsCmd = &cobra.Command{
	Use:     "runs",
	Short:   "List recorded runs grouped by tenant and session",
	GroupID: "history",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		open, _ := cmd.Flags().GetBool("open")
		limit, _ := cmd.Flags().GetInt("limit")

		resp, err := apiClient.ListRuns(context.Background(), &client.ListRunsRequest{
			TenantID:  tenant, // empty lists every tenant
			SessionID: session,
			OpenOnly:  open,
			Limit:     limit,
		})
		if err != nil {
			return fmt.Errorf("listing runs: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		return printRuns(cmd.OutOrStdout(), resp)
	},
}

func printRuns(w io.Writer, resp *client.ListRunsResponse) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TENANT\tSESSION\tRUN\tFRONT\tGM\tSTARTED\tDURATION")
	for _, t := range resp.Tenants {
		for _, s := range t.Sessions {
			for _, r := range s.Runs {
				duration := r.Duration().Round(time.Second).String()
				if r.Open() {
					duration = ui.RenderAccent(duration + " (open)")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					t.TenantID,
					s.SessionID,
					r.ID,
					ui.RenderStatus(r.Front),
					ui.RenderStatus(r.GM),
					r.CreatedAt.Local().Format(timeLayout),
					duration,
				)
			}
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d runs\n", resp.Total)
	return err
}

func init() {
	runsCmd.Flags().String("session", "", "only runs of this session")
	runsCmd.Flags().Bool("open", false, "only runs that are still open")
	runsCmd.Flags().Int("limit", 0, "maximum number of runs (0 = server default)")
}
