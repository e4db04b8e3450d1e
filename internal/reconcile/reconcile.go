// Package reconcile turns the presence event stream into durable run
// history.
//
// A run opens when the GM comes online and is patched by every later change
// to the session while it stays open. Once both roles are offline the run is
// closed; a closed run shorter than the minimum duration is deleted as noise
// (a page reload, a dropped laptop lid).
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/alfredjeanlab/gmscreen/internal/events"
	"github.com/alfredjeanlab/gmscreen/internal/idgen"
	"github.com/alfredjeanlab/gmscreen/internal/metrics"
	"github.com/alfredjeanlab/gmscreen/internal/model"
	"github.com/alfredjeanlab/gmscreen/internal/presence"
	"github.com/alfredjeanlab/gmscreen/internal/store"
)

const (
	DefaultMinRunDuration = 2 * time.Minute
	DefaultShards         = 8

	shardBuffer = 64
	opTimeout   = 10 * time.Second
)

// Config configures a Reconciler. Store is required.
type Config struct {
	Store          store.RunStore
	Publisher      events.Publisher
	MinRunDuration time.Duration
	Shards         int
	Logger         *slog.Logger
	NewID          func() (string, error)
}

// Reconciler applies presence events to the run store. Events for the same
// session are applied strictly in order, one at a time.
type Reconciler struct {
	store     store.RunStore
	publisher events.Publisher
	minRun    time.Duration
	shards    int
	logger    *slog.Logger
	newID     func() (string, error)
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	if cfg.Publisher == nil {
		cfg.Publisher = &events.NoopPublisher{}
	}
	if cfg.MinRunDuration <= 0 {
		cfg.MinRunDuration = DefaultMinRunDuration
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewID == nil {
		cfg.NewID = idgen.RunID
	}
	return &Reconciler{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		minRun:    cfg.MinRunDuration,
		shards:    cfg.Shards,
		logger:    cfg.Logger,
		newID:     cfg.NewID,
	}
}

// Run consumes events until ctx is cancelled or the channel is closed.
// Events are routed to a fixed set of shard workers by session key; Run
// waits for every queued event to be applied before returning.
func (r *Reconciler) Run(ctx context.Context, in <-chan presence.Event) {
	queues := make([]chan presence.Event, r.shards)
	var wg sync.WaitGroup
	// Store calls outlive ctx so that queued events still land during shutdown.
	opCtx := context.WithoutCancel(ctx)
	for i := range queues {
		queues[i] = make(chan presence.Event, shardBuffer)
		wg.Add(1)
		go func(q <-chan presence.Event) {
			defer wg.Done()
			for ev := range q {
				r.applyWithTimeout(opCtx, ev)
			}
		}(queues[i])
	}

	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
		r.logger.Info("reconcile: stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			select {
			case queues[r.shardFor(ev.Key())] <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *Reconciler) shardFor(k presence.Key) int {
	return int(xxhash.Sum64String(k.String()) % uint64(r.shards))
}

func (r *Reconciler) applyWithTimeout(ctx context.Context, ev presence.Event) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	// Errors are logged and counted inside Apply; there is no retry.
	_ = r.Apply(ctx, ev)
}

// Apply reconciles a single event against the latest run of its session.
func (r *Reconciler) Apply(ctx context.Context, ev presence.Event) error {
	e := ev.Entry
	last, err := r.store.LatestRun(ctx, e.TenantID, e.SessionID)
	if err != nil {
		return r.storeFailed("latest", ev.Key(), err)
	}

	if ev.GMOnline() {
		if last != nil && last.Open() {
			// Continuation: a GM reconnect inside a window still open.
			patch(last, e, ev.At)
			return r.update(ctx, last)
		}
		return r.create(ctx, e, ev.At)
	}

	if last == nil || !last.Open() {
		return nil
	}
	patch(last, e, ev.At)
	return r.update(ctx, last)
}

// CloseDangling closes every run left open by a previous process. Presence
// is not persisted, so after a restart nobody is online until they say
// hello again. Runs are closed at their last recorded change and pruned by
// the usual rule. It returns the number of runs closed.
func (r *Reconciler) CloseDangling(ctx context.Context) (int, error) {
	open, err := r.store.ListRuns(ctx, model.RunFilter{OpenOnly: true})
	if err != nil {
		return 0, r.storeFailed("list", presence.Key{}, err)
	}
	closed := 0
	for _, run := range open {
		run.Front = model.StatusOffline
		run.GM = model.StatusOffline
		if err := r.update(ctx, run); err != nil {
			continue
		}
		closed++
	}
	if closed > 0 {
		r.logger.Info("reconcile: closed dangling runs", "count", closed)
	}
	return closed, nil
}

func (r *Reconciler) create(ctx context.Context, e presence.Entry, at time.Time) error {
	id, err := r.newID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	// A new window always opens with the front offline; a front that is
	// already connected lands on the run with its next change.
	run := &model.Run{
		ID:         id,
		TenantID:   e.TenantID,
		SessionID:  e.SessionID,
		Front:      model.StatusOffline,
		GM:         model.StatusOnline,
		LastGMPing: e.LastGMPing,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return r.storeFailed("create", e.Key(), err)
	}
	metrics.RunOperations.WithLabelValues("create").Inc()
	r.logger.Info("reconcile: run opened", "run", run.ID, "tenant", run.TenantID, "session", run.SessionID)
	r.publish(ctx, events.TopicRunCreated, events.RunCreated{Run: run})
	return nil
}

// update writes a patched run and prunes it if it closed too soon.
func (r *Reconciler) update(ctx context.Context, run *model.Run) error {
	key := presence.Key{TenantID: run.TenantID, SessionID: run.SessionID}
	if run.Closed() && run.Duration() < r.minRun {
		if err := r.store.DeleteRun(ctx, run.ID); err != nil {
			return r.storeFailed("delete", key, err)
		}
		metrics.RunOperations.WithLabelValues("delete").Inc()
		r.logger.Info("reconcile: pruned short run", "run", run.ID, "tenant", run.TenantID,
			"session", run.SessionID, "duration", run.Duration())
		r.publish(ctx, events.TopicRunDeleted, events.RunDeleted{
			RunID:     run.ID,
			TenantID:  run.TenantID,
			SessionID: run.SessionID,
			Reason:    "shorter than minimum run duration",
		})
		return nil
	}

	if err := r.store.UpdateRun(ctx, run); err != nil {
		return r.storeFailed("update", key, err)
	}
	metrics.RunOperations.WithLabelValues("update").Inc()
	if run.Closed() {
		r.logger.Info("reconcile: run closed", "run", run.ID, "duration", run.Duration())
	}
	r.publish(ctx, events.TopicRunUpdated, events.RunUpdated{Run: run})
	return nil
}

func (r *Reconciler) storeFailed(op string, k presence.Key, err error) error {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	r.logger.Warn("reconcile: store operation failed", "op", op,
		"tenant", k.TenantID, "session", k.SessionID, "err", err)
	return fmt.Errorf("%s run: %w", op, err)
}

func (r *Reconciler) publish(ctx context.Context, topic string, event any) {
	if err := r.publisher.Publish(ctx, topic, event); err != nil {
		r.logger.Warn("reconcile: publish failed", "topic", topic, "err", err)
	}
}

// patch copies the session's current presence onto the run. A nil ping in
// the entry never erases one already recorded.
func patch(run *model.Run, e presence.Entry, at time.Time) {
	run.Front = e.Front
	run.GM = e.GM
	if e.LastFrontPing != nil {
		run.LastFrontPing = e.LastFrontPing
	}
	if e.LastGMPing != nil {
		run.LastGMPing = e.LastGMPing
	}
	run.UpdatedAt = at
}
