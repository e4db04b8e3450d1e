// Package archive periodically exports run history as JSONL to one or more
// destinations.
package archive

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/gmscreen/internal/metrics"
	"github.com/alfredjeanlab/gmscreen/internal/store"
)

// Destination receives a complete JSONL export.
type Destination interface {
	// Name identifies the destination in logs.
	Name() string
	Write(ctx context.Context, data []byte) error
}

// Scheduler runs periodic exports to its destinations.
type Scheduler struct {
	store        store.RunStore
	destinations []Destination
	interval     time.Duration
	logger       *slog.Logger
	now          func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler that exports from the store to the given
// destinations every interval.
func NewScheduler(s store.RunStore, destinations []Destination, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        s,
		destinations: destinations,
		interval:     interval,
		logger:       logger,
		now:          time.Now,
	}
}

// Start begins periodic export. It runs one export immediately, then one on
// each tick.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the scheduler and waits for an export in flight to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	s.ExportOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ExportOnce(ctx)
		}
	}
}

// ExportOnce writes one export to every destination. It returns the number
// of destinations that accepted it.
func (s *Scheduler) ExportOnce(ctx context.Context) int {
	var buf bytes.Buffer
	n, err := ExportJSONL(ctx, s.store, &buf, s.now())
	if err != nil {
		metrics.ArchiveRuns.WithLabelValues("export_error").Inc()
		s.logger.Error("archive: export failed", "err", err)
		return 0
	}
	data := buf.Bytes()

	ok := 0
	for _, dest := range s.destinations {
		if err := dest.Write(ctx, data); err != nil {
			metrics.ArchiveRuns.WithLabelValues("write_error").Inc()
			s.logger.Error("archive: destination write failed", "destination", dest.Name(), "err", err)
			continue
		}
		ok++
	}
	metrics.ArchiveRuns.WithLabelValues("ok").Inc()
	s.logger.Info("archive: export completed", "runs", n, "destinations", ok, "bytes", len(data))
	return ok
}
