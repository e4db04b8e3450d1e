// Package server wires the presence registry, the socket gateway, the run
// reconciler and the event mirrors into one process and serves the HTTP
// surface around them.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alfredjeanlab/gmscreen/internal/events"
	"github.com/alfredjeanlab/gmscreen/internal/gateway"
	"github.com/alfredjeanlab/gmscreen/internal/metrics"
	"github.com/alfredjeanlab/gmscreen/internal/presence"
	"github.com/alfredjeanlab/gmscreen/internal/reconcile"
	"github.com/alfredjeanlab/gmscreen/internal/store"
)

// subscriberBuffer sizes the channel between the registry and each consumer.
// The registry queues without bound behind it.
const subscriberBuffer = 64

// Config configures a Server. Store is required; Publisher may be nil when
// events are not mirrored outside the process.
type Config struct {
	Store     store.RunStore
	Publisher events.Publisher
	AuthToken string
	Logger    *slog.Logger
	Now       func() time.Time

	PresenceTTL     time.Duration
	SweepInterval   time.Duration
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	AllowedOrigins  []string

	MinRunDuration  time.Duration
	ReconcileShards int
}

// Server owns the running core.
type Server struct {
	store      store.RunStore
	publisher  events.Publisher
	sseHub     *sseHub
	registry   *presence.Registry
	gateway    *gateway.Gateway
	reconciler *reconcile.Reconciler
	authToken  string
	sweepEvery time.Duration
	logger     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Server. Nothing runs until Start.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	hub := newSSEHub()

	// Every event goes to the SSE stream; NATS only when configured.
	var pub events.Publisher = hub
	if cfg.Publisher != nil {
		pub = events.MultiPublisher{cfg.Publisher, hub}
	}

	reg := presence.New(presence.Config{
		TTL:    cfg.PresenceTTL,
		Now:    cfg.Now,
		Logger: cfg.Logger.With("component", "presence"),
	})
	gw := gateway.New(gateway.Config{
		Presence:        reg,
		Logger:          cfg.Logger.With("component", "gateway"),
		AllowedOrigins:  cfg.AllowedOrigins,
		PingInterval:    cfg.PingInterval,
		WriteTimeout:    cfg.WriteTimeout,
		MaxMessageBytes: cfg.MaxMessageBytes,
	})
	rec := reconcile.New(reconcile.Config{
		Store:          cfg.Store,
		Publisher:      pub,
		MinRunDuration: cfg.MinRunDuration,
		Shards:         cfg.ReconcileShards,
		Logger:         cfg.Logger.With("component", "reconcile"),
	})

	return &Server{
		store:      cfg.Store,
		publisher:  pub,
		sseHub:     hub,
		registry:   reg,
		gateway:    gw,
		reconciler: rec,
		authToken:  cfg.AuthToken,
		sweepEvery: cfg.SweepInterval,
		logger:     cfg.Logger,
	}
}

// Registry returns the presence registry.
func (s *Server) Registry() *presence.Registry { return s.registry }

// Gateway returns the socket gateway.
func (s *Server) Gateway() *gateway.Gateway { return s.gateway }

// Start closes runs left open by a previous process, then starts the
// consumers of the presence stream and the stale sweeper.
func (s *Server) Start(ctx context.Context) error {
	if _, err := s.reconciler.CloseDangling(ctx); err != nil {
		s.logger.Warn("server: closing dangling runs failed", "err", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	gwEvents, _ := s.registry.Subscribe(subscriberBuffer)
	recEvents, _ := s.registry.Subscribe(subscriberBuffer)
	mirrorEvents, _ := s.registry.Subscribe(subscriberBuffer)

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.gateway.Run(runCtx, gwEvents)
	}()
	go func() {
		defer s.wg.Done()
		s.reconciler.Run(runCtx, recEvents)
	}()
	go func() {
		defer s.wg.Done()
		s.mirrorPresence(runCtx, mirrorEvents)
	}()

	s.registry.StartSweeper(s.gateway, s.sweepEvery)
	s.logger.Info("server: started")
	return nil
}

// mirrorPresence publishes every registry event on the tenant's presence
// topic.
func (s *Server) mirrorPresence(ctx context.Context, in <-chan presence.Event) {
	for ev := range in {
		metrics.PresenceTransitions.WithLabelValues(string(ev.Cause)).Inc()
		topic := events.PresenceTopic(ev.Entry.TenantID)
		if err := s.publisher.Publish(ctx, topic, events.NewPresenceChanged(ev)); err != nil {
			s.logger.Warn("server: publish presence failed", "topic", topic, "err", err)
		}
	}
}

// Stop shuts down in dependency order: sockets first so their offline
// transitions are recorded, then the sweeper, then the registry stream,
// whose consumers drain what is queued before returning. Stop does not
// close the store or the external publisher.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	if err := s.gateway.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.registry.Stop()
	s.registry.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.sseHub.Close()
	s.logger.Info("server: stopped")
	return errors.Join(errs...)
}

// NewHTTPHandler returns the HTTP handler for every route, wrapped in
// recovery, request logging and bearer-token auth.
func (s *Server) NewHTTPHandler() http.Handler {
	return RecoveryMiddleware(LoggingMiddleware(AuthMiddleware(s.authToken, s.routes())))
}
