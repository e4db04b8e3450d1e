package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/gmscreen/internal/events"
	"github.com/alfredjeanlab/gmscreen/internal/presence"
)

const watchDebounce = 200 * time.Millisecond

var watchCmd = &cobra.Command{
	Use:     "watch",
	Short:   "Watch presence changes for the tenant",
	GroupID: "presence",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant()
		if err != nil {
			return err
		}
		interval, _ := cmd.Flags().GetDuration("interval")
		natsURL, _ := cmd.Flags().GetString("nats")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		w := &presenceWatcher{tenant: tenant, seen: make(map[string]time.Time)}
		if err := w.queryAndPrint(ctx); err != nil {
			return err
		}

		if natsURL == "" {
			natsURL = os.Getenv("GMSCREEN_NATS_URL")
		}
		if natsURL == "" {
			natsURL = activeRemote().NATSURL
		}
		if natsURL != "" {
			return w.watchNATS(ctx, natsURL)
		}
		return w.watchPoll(ctx, interval)
	},
}

// presenceWatcher prints the sessions of one tenant whose presence changed
// since it last looked.
type presenceWatcher struct {
	tenant string
	seen   map[string]time.Time
}

// watchNATS re-queries on every presence event for the tenant, debounced.
func (w *presenceWatcher) watchNATS(ctx context.Context, natsURL string) error {
	reconnectCh := make(chan struct{}, 1)

	sub, err := events.NewNATSSubscriber(natsURL,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats: disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats: reconnected")
			select {
			case reconnectCh <- struct{}{}:
			default:
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer sub.Close()

	ch, cancel, err := sub.Subscribe(events.PresenceTopic(w.tenant))
	if err != nil {
		return fmt.Errorf("subscribing to events: %w", err)
	}
	defer cancel()

	debounce := time.NewTimer(0)
	debounce.Stop()
	select {
	case <-debounce.C:
	default:
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			debounce.Reset(watchDebounce)
		case <-reconnectCh:
			// Events published while disconnected are gone; look now.
			debounce.Reset(0)
		case <-debounce.C:
			if err := w.queryAndPrint(ctx); err != nil {
				return err
			}
		}
	}
}

func (w *presenceWatcher) watchPoll(ctx context.Context, interval time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
		if err := w.queryAndPrint(ctx); err != nil {
			return err
		}
	}
}

func (w *presenceWatcher) queryAndPrint(ctx context.Context) error {
	entries, err := apiClient.ListPresence(ctx, w.tenant)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("listing presence: %w", err)
	}
	changed := diffEntries(entries, w.seen)
	if len(changed) == 0 {
		return nil
	}
	if jsonOutput {
		return printJSON(os.Stdout, changed)
	}
	return printEntryTable(os.Stdout, changed)
}

// diffEntries returns the entries that are new or have a different
// updated_at than last seen, updating seen in place.
func diffEntries(entries []presence.Entry, seen map[string]time.Time) []presence.Entry {
	var changed []presence.Entry
	for _, e := range entries {
		prev, ok := seen[e.SessionID]
		if !ok || !e.UpdatedAt.Equal(prev) {
			changed = append(changed, e)
		}
		seen[e.SessionID] = e.UpdatedAt
	}
	return changed
}

func init() {
	watchCmd.Flags().Duration("interval", 2*time.Second, "poll interval when NATS is not configured")
	watchCmd.Flags().String("nats", "", "NATS URL for event-driven updates")
}
