package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ipmon/ipmon/internal/api/routes"
	"github.com/ipmon/ipmon/internal/database"
	"github.com/ipmon/ipmon/internal/logger"
	"github.com/ipmon/ipmon/internal/metrics"
	"github.com/ipmon/ipmon/internal/scheduler"
	"github.com/ipmon/ipmon/internal/server"
	"github.com/ipmon/ipmon/internal/services"
	"github.com/ipmon/ipmon/internal/version"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the poll, dispatch and cleanup jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	log := logger.Log()
	log.Info("starting " + version.Banner())

	ready := database.NewReadiness()
	db, err := a.openDB(ready)
	if err != nil {
		return err
	}

	metrics.Register(prometheus.DefaultRegisterer)

	var opts []scheduler.Option
	if a.cfg.RedisAddr != "" {
		client := scheduler.NewRedisClient(a.cfg.RedisAddr, a.cfg.RedisPassword)
		defer client.Close()
		opts = append(opts, scheduler.WithLocker(scheduler.NewRedisLocker(client, ""), 10*time.Minute))
		log.WithField("redis", a.cfg.RedisAddr).Info("job leases enabled")
	}
	coordinator := scheduler.New(opts...)
	jobs := a.jobs(db, coordinator)
	if err := jobs.Install(); err != nil {
		return err
	}

	srv, err := server.New(db, a.cfg, routes.Deps{
		Poller:      jobs,
		Scheduler:   jobs,
		Jobs:        coordinator,
		Ready:       ready.Ready(),
		Gatherer:    prometheus.DefaultGatherer,
		StaticDir:   a.cfg.StaticDir,
		NewTelegram: services.NewBotTelegramFactory(),
	})
	if err != nil {
		return err
	}

	if err := coordinator.StartWhenReady(ctx, ready.Ready()); err != nil {
		return err
	}

	log.WithField("port", a.cfg.HTTPPort).Info("http server listening")
	runErr := srv.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := coordinator.Stop(stopCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.WithError(err).Warn("scheduler stop")
	}
	log.Info("shutdown complete")
	return runErr
}
