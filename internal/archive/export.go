package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alfredjeanlab/gmscreen/internal/model"
	"github.com/alfredjeanlab/gmscreen/internal/store"
)

// FormatVersion is written into every export header.
const FormatVersion = "1"

// header is the first JSONL record of an export.
type header struct {
	Version     string    `json:"version"`
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	RunCount    int       `json:"run_count"`
	OpenCount   int       `json:"open_count"`
	TenantCount int       `json:"tenant_count"`
}

// record wraps one run with a type discriminator.
type record struct {
	Type string     `json:"type"`
	Data *model.Run `json:"data"`
}

// ExportJSONL writes every run in the store to w: a header line followed by
// one line per run, grouped by tenant and session with the newest run of
// each session first. It returns the number of runs written.
func ExportJSONL(ctx context.Context, s store.RunStore, w io.Writer, at time.Time) (int, error) {
	runs, err := s.ListRuns(ctx, model.RunFilter{})
	if err != nil {
		return 0, fmt.Errorf("list runs: %w", err)
	}
	grouped := model.GroupRuns(runs)

	h := header{
		Version:     FormatVersion,
		Type:        "header",
		Timestamp:   at.UTC(),
		RunCount:    len(runs),
		TenantCount: len(grouped),
	}
	for _, r := range runs {
		if r.Open() {
			h.OpenCount++
		}
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	if err := enc.Encode(h); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}
	n := 0
	for _, t := range grouped {
		for _, sess := range t.Sessions {
			for _, r := range sess.Runs {
				if err := enc.Encode(record{Type: "run", Data: r}); err != nil {
					return n, fmt.Errorf("write run %s: %w", r.ID, err)
				}
				n++
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("flush: %w", err)
	}
	return n, nil
}
