// Package main is the attempt service worker.
//
// The worker runs the background half of the attempt lifecycle:
//   - the expiry sweeper, which auto-submits attempts whose time ran out
//   - the outbox relay, which delivers lifecycle events to the transport
//   - optionally an audit consumer reading the delivered events back
//
// Several workers may run at once; claims in the attempt store and the
// outbox keep them from processing the same row twice.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/exam-attempts/config"
	"github.com/alem-hub/exam-attempts/internal/bootstrap"
	opshttp "github.com/alem-hub/exam-attempts/internal/interface/http"
	"github.com/alem-hub/exam-attempts/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION AND LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := bootstrap.NewLogger(cfg)
	log.Info("starting attempt worker",
		"env", cfg.App.Environment,
		"version", cfg.App.Version,
		"instance", cfg.App.InstanceID,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 2. BACKENDS AND COMPONENTS
	// ─────────────────────────────────────────────────────────────────────────
	app, err := bootstrap.New(ctx, cfg, bootstrap.WithLogger(log))
	if err != nil {
		return err
	}
	defer app.Close()

	if cfg.Database.AutoMigrate {
		n, err := app.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("database schema is up to date", "applied", n)
	}

	sched, err := app.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to register jobs: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. RUN
	// ─────────────────────────────────────────────────────────────────────────
	var ops *opshttp.Server
	if cfg.App.OpsAddr != "" {
		ops = opshttp.NewServer(opshttp.DefaultConfig(cfg.App.OpsAddr), opshttp.Dependencies{
			Health: app.Health,
			Jobs:   sched,
			Outbox: app.Outbox,
			Logger: log,
		})
		if err := ops.Start(); err != nil {
			return err
		}
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if consumer := app.NewAuditConsumer(); consumer != nil {
		g.Go(func() error { return consumer.Run(gctx) })
	}

	log.Info("attempt worker is running")
	<-gctx.Done()

	// ─────────────────────────────────────────────────────────────────────────
	// 4. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("starting graceful shutdown", "timeout", cfg.App.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.App.ShutdownTimeout)
	defer cancel()

	// Stop waits for in-flight jobs: a sweep cut short leaves its claims to
	// lapse, which is safe but delays those attempts by a claim window.
	stopped := make(chan error, 1)
	go func() { stopped <- sched.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			log.Warn("scheduler stop failed", logger.Err(err))
		}
	case <-shutdownCtx.Done():
		log.Warn("scheduler did not stop before the shutdown timeout")
	}

	// One last flush so events parked in memory are not lost with the process.
	if cfg.Outbox.RelayEnabled {
		if stats, err := app.Relay.Flush(shutdownCtx); err != nil {
			log.Warn("final outbox flush failed", logger.Err(err))
		} else if stats.Reappended > 0 || stats.Delivered > 0 {
			log.Info("final outbox flush", "reappended", stats.Reappended, "delivered", stats.Delivered)
		}
	}

	if ops != nil {
		if err := ops.Shutdown(shutdownCtx); err != nil {
			log.Warn("ops server shutdown failed", logger.Err(err))
		}
	}

	if err := g.Wait(); err != nil {
		log.Error("audit consumer stopped with error", logger.Err(err))
	}

	log.Info("shutdown completed")
	return nil
}
