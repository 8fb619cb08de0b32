package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/review-enrich/internal/api"
	"github.com/sells-group/review-enrich/internal/jobs"
	"github.com/sells-group/review-enrich/internal/monitoring"
)

var servePort int

// pruneInterval is how often serve expires old artifacts.
const pruneInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			env.Close(shutdownCtx)
		}()

		if cfg.Runner.FailOrphans {
			n, err := env.Runner.RecoverOrphans(ctx)
			if err != nil {
				return eris.Wrap(err, "recover orphaned jobs")
			}
			if n > 0 {
				zap.L().Warn("failed jobs orphaned by a restart", zap.Int("count", n))
			}
		}

		if cfg.Server.OutputTTL > 0 {
			go pruneLoop(ctx, env.Store, cfg.Server.OutputTTL)
		}

		collector := monitoring.NewCollector(env.Store, cfg.Monitor.StuckAfter)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitor), cfg.Monitor)
		go checker.Run(ctx)

		handler := api.New(env.Runner,
			api.WithPollInterval(cfg.Server.PollInterval),
			api.WithAllowedOrigins(cfg.Server.AllowedOrigins),
			api.WithMetrics(collector, cfg.Monitor.LookbackWindow),
		).Handler()

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func pruneLoop(ctx context.Context, st jobs.Store, ttl time.Duration) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := pruneOutputs(ctx, st, time.Now().Add(-ttl))
		if err != nil {
			zap.L().Warn("prune outputs", zap.Error(err))
		} else if n > 0 {
			zap.L().Info("expired job outputs", zap.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
