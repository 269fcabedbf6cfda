package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/search-aggregator/internal/api"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the business search HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Reaper.Enabled {
			c, err := startReaper(ctx, env.Ledger, cfg.Reaper.Schedule)
			if err != nil {
				return err
			}
			defer c.Stop()
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		handler := api.NewHandler(env.Aggregator, api.Config{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			TrustedProxies: cfg.Server.TrustedProxies,
		})
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
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

		zap.L().Info("starting server", zap.Int("port", port), zap.String("base_path", api.BasePath))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// reaper deletes expired search records.
type reaper interface {
	Reap(ctx context.Context) (int, error)
}

// startReaper schedules r on the given cron spec and starts the scheduler.
// The caller stops the returned cron.
func startReaper(ctx context.Context, r reaper, schedule string) (*cronlib.Cron, error) {
	c := cronlib.New()
	_, err := c.AddFunc(schedule, func() {
		n, err := r.Reap(ctx)
		if err != nil {
			zap.L().Warn("reap expired searches failed", zap.Error(err))
			return
		}
		zap.L().Info("reaped expired searches", zap.Int("deleted", n))
	})
	if err != nil {
		return nil, eris.Wrapf(err, "invalid reaper schedule %q", schedule)
	}
	c.Start()
	zap.L().Info("reaper scheduled", zap.String("schedule", schedule))
	return c, nil
}
