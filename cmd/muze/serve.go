package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"muze/internal/config"
	"muze/internal/server"
)

// serveCmd runs the webhook server plus the in-process dispatch ticker.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server and the hourly nudge scheduler",
	Long: `Starts the HTTP server (webhook, cron, and operator endpoints) and an
in-process ticker that runs one dispatch cycle per configured interval.
Scheduler tunables reload live when the config file changes.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(server.Config{
		Addr:            a.cfg.Server.Addr,
		ShutdownTimeout: a.cfg.Server.ShutdownDuration(),
	}, a.store, a.onboarding, a.tracker, a.corpus, a.dispatcher, logger)

	stopWatch := config.Watch(configPath, logger, func(cfg *config.Config) {
		a.dispatcher.SetOptions(dispatchOptions(cfg))
		a.tracker.SetDecayAfter(cfg.Scheduler.DecayDuration())
		logger.Info("scheduler tunables reloaded")
	})
	defer stopWatch()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	go runTicker(ctx, a)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownDuration())
	defer cancel()
	return srv.Shutdown(shCtx)
}

// runTicker triggers one dispatch cycle per interval until the context
// ends. Overlapping cycles are rejected by the dispatcher itself.
func runTicker(ctx context.Context, a *app) {
	interval := a.cfg.Scheduler.IntervalDuration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.dispatcher.Run(ctx); err != nil {
				logger.Warn("dispatch cycle skipped", zap.Error(err))
				continue
			}
			if a.cfg.Scheduler.RequireApproval {
				if _, err := a.dispatcher.SendApproved(ctx); err != nil {
					logger.Warn("approved send failed", zap.Error(err))
				}
			}
		}
	}
}
