package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/alfredjeanlab/gmscreen/internal/presence"
	"github.com/alfredjeanlab/gmscreen/internal/ui"
)

const timeLayout = "2006-01-02 15:04:05"

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func formatPing(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func printEntry(w io.Writer, e *presence.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Tenant:\t%s\n", e.TenantID)
	fmt.Fprintf(tw, "Session:\t%s\n", e.SessionID)
	fmt.Fprintf(tw, "Front:\t%s\t%s\n", ui.RenderStatus(e.Front), ui.RenderMuted(formatPing(e.LastFrontPing)))
	fmt.Fprintf(tw, "GM:\t%s\t%s\n", ui.RenderStatus(e.GM), ui.RenderMuted(formatPing(e.LastGMPing)))
	fmt.Fprintf(tw, "Updated:\t%s\n", e.UpdatedAt.Local().Format(timeLayout))
	return tw.Flush()
}

func printEntryTable(w io.Writer, entries []presence.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tFRONT\tGM\tLAST FRONT PING\tLAST GM PING")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.SessionID,
			ui.RenderStatus(e.Front),
			ui.RenderStatus(e.GM),
			formatPing(e.LastFrontPing),
			formatPing(e.LastGMPing),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d sessions\n", len(entries))
	return err
}
