package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/gmscreen/internal/archive"
	"github.com/alfredjeanlab/gmscreen/internal/config"
	"github.com/alfredjeanlab/gmscreen/internal/events"
	"github.com/alfredjeanlab/gmscreen/internal/server"
	"github.com/alfredjeanlab/gmscreen/internal/store"
	"github.com/alfredjeanlab/gmscreen/internal/store/postgres"
	"github.com/alfredjeanlab/gmscreen/internal/store/sqlite"
)

const (
	shutdownTimeout = 10 * time.Second
	storeRetries    = 5
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the gmscreen server",
	GroupID: "system",
	// Override PersistentPreRunE so we don't create an API client.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return err
		}

		// Create event publisher.
		var publisher events.Publisher
		if cfg.NATSURL != "" {
			pub, err := events.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				st.Close()
				return err
			}
			publisher = pub
			logger.Info("events enabled", "nats_url", cfg.NATSURL)
		} else {
			logger.Info("events not mirrored to NATS (GMSCREEN_NATS_URL not set)")
		}

		srv := server.New(server.Config{
			Store:           st,
			Publisher:       publisher,
			AuthToken:       cfg.AuthToken,
			Logger:          logger,
			PresenceTTL:     cfg.PresenceTTL,
			SweepInterval:   cfg.SweepInterval,
			PingInterval:    cfg.PingInterval,
			WriteTimeout:    cfg.WriteTimeout,
			MaxMessageBytes: cfg.MaxMessageBytes,
			AllowedOrigins:  cfg.AllowedOrigins,
			MinRunDuration:  cfg.MinRunDuration,
			ReconcileShards: cfg.ReconcileShards,
		})
		if err := srv.Start(ctx); err != nil {
			closeAll(logger, publisher, st)
			return err
		}

		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           srv.NewHTTPHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		serveErr := make(chan error, 1)
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()

		scheduler := startArchive(ctx, cfg, st, logger)

		select {
		case <-ctx.Done():
			logger.Info("received signal, shutting down")
		case err := <-serveErr:
			logger.Error("HTTP server error", "err", err)
		}

		// Graceful shutdown.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop the server first: it closes sockets and SSE streams, which
		// http.Server.Shutdown would otherwise wait on.
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "err", err)
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")

		if scheduler != nil {
			scheduler.Stop()
			logger.Info("archive scheduler stopped")
		}
		closeAll(logger, publisher, st)
		logger.Info("shutdown complete")
		return nil
	},
}

func closeAll(logger *slog.Logger, publisher events.Publisher, st store.RunStore) {
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("error closing publisher", "err", err)
		}
	}
	if err := st.Close(); err != nil {
		logger.Error("error closing store", "err", err)
	}
}

// startArchive starts the S3 archive scheduler when it is configured.
func startArchive(ctx context.Context, cfg *config.Config, st store.RunStore, logger *slog.Logger) *archive.Scheduler {
	if !cfg.ArchiveEnabled() {
		return nil
	}
	dest, err := archive.NewS3Destination(ctx, cfg.ArchiveS3Bucket, cfg.ArchiveS3Key, cfg.ArchiveS3Region, cfg.ArchiveS3Endpoint)
	if err != nil {
		logger.Error("failed to create S3 archive destination", "err", err)
		return nil
	}
	scheduler := archive.NewScheduler(st, []archive.Destination{dest}, cfg.ArchiveInterval, logger.With("component", "archive"))
	scheduler.Start()
	logger.Info("archive scheduler started", "interval", cfg.ArchiveInterval, "destination", dest.Name())
	return scheduler
}

// openStore opens the run store named by a database URL. postgres:// and
// postgresql:// select Postgres; sqlite:// selects a SQLite file. Transient
// connection failures are retried with exponential backoff.
func openStore(ctx context.Context, databaseURL string, logger *slog.Logger) (store.RunStore, error) {
	open, err := storeOpener(databaseURL)
	if err != nil {
		return nil, err
	}

	var st store.RunStore
	op := func() error {
		s, err := open()
		if err != nil {
			return err
		}
		st = s
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), storeRetries), ctx)
	notify := func(err error, wait time.Duration) {
		logger.Warn("store not ready, retrying", "err", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func storeOpener(databaseURL string) (func() (store.RunStore, error), error) {
	scheme, rest, ok := strings.Cut(databaseURL, "://")
	if !ok {
		return nil, fmt.Errorf("database URL %q has no scheme", databaseURL)
	}
	switch strings.ToLower(scheme) {
	case "postgres", "postgresql":
		return func() (store.RunStore, error) { return postgres.New(databaseURL) }, nil
	case "sqlite", "sqlite3", "file":
		if rest == "" {
			return nil, fmt.Errorf("database URL %q has no path", databaseURL)
		}
		return func() (store.RunStore, error) { return sqlite.New(rest) }, nil
	}
	return nil, fmt.Errorf("unsupported database scheme %q", scheme)
}
