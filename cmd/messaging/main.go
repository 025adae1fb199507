package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/LeventeLantos/whatsapp-queue/internal/api"
	"github.com/LeventeLantos/whatsapp-queue/internal/config"
	"github.com/LeventeLantos/whatsapp-queue/internal/logger"
	"github.com/LeventeLantos/whatsapp-queue/internal/scheduler"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "messaging",
		Short:        "WhatsApp message delivery queue",
		SilenceUsage: true,
	}
	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newStatusCmd(),
		newReplayCmd(),
		newCancelCmd(),
		newPurgeCmd(),
	)
	return root
}

// withApp loads configuration, builds the app and runs fn with it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.LoadAll()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.close()

	return fn(ctx, a)
}

func newServeCmd() *cobra.Command {
	var autoMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the dispatcher pool and the maintenance jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if autoMigrate && a.db != nil {
					if err := a.migrate(ctx); err != nil {
						return err
					}
				}
				return serve(ctx, a)
			})
		},
	}
	cmd.Flags().BoolVar(&autoMigrate, "migrate", false, "apply the schema before starting")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	cfg, log := a.cfg, a.log

	maint, err := scheduler.New(log,
		scheduler.Job{
			Name:     "reaper",
			Interval: max(cfg.Dispatcher.ClaimTimeout/2, time.Second),
			Run: func(ctx context.Context) (int64, error) {
				n, err := a.dispatcher.Reap(ctx)
				return int64(n), err
			},
		},
		scheduler.Job{
			Name:     "purge",
			Interval: cfg.Queue.PurgeInterval,
			Timeout:  time.Minute,
			Run: func(ctx context.Context) (int64, error) {
				return a.dispatcher.Purge(ctx, cfg.Queue.Retention)
			},
		},
	)
	if err != nil {
		return err
	}

	h := api.NewHandler(a.enq, a.webhook, a.monitor, a.dispatcher, log)
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(log, api.Router(h)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.dispatcher.Start()
	maint.Start()

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Server.Address).
			Str("store", cfg.Store.Driver).
			Int("workers", cfg.Dispatcher.Workers).
			Bool("redis", a.rdb != nil).
			Bool("kafka", a.publisher != nil).
			Bool("engine", cfg.Engine.URL != "").
			Msg("whatsapp-queue starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("http server failed")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	maint.Stop()
	a.dispatcher.Stop()

	log.Info().
		Interface("stats", a.dispatcher.Stats()).
		Interface("maintenance", maint.Stats()).
		Msg("whatsapp-queue stopped")
	return serveErr
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.migrate(ctx); err != nil {
					return err
				}
				a.log.Info().Msg("schema applied")
				return nil
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print queue statistics as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				stats, err := a.monitor.Status(ctx)
				if err != nil {
					return err
				}
				sum, err := a.monitor.Summary(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"status": stats, "summary": sum})
			})
		},
	}
}

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <failed-message-id>",
		Short: "Enqueue a dead-lettered message again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				id, err := a.enq.Replay(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"id": id, "replayOf": args[0]})
			})
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <message-id>",
		Short: "Cancel a pending message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.enq.Cancel(ctx, args[0]); err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"id": args[0], "status": "dead"})
			})
		},
	}
}

func newPurgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete done and dead rows past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				retention := a.cfg.Queue.Retention
				if olderThan > 0 {
					retention = olderThan
				}
				n, err := a.dispatcher.Purge(ctx, retention)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"deleted": n, "retention": retention.String()})
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "override QUEUE_RETENTION_HOURS, e.g. 72h")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
