package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/track-enricher/internal/api"
	"github.com/sells-group/track-enricher/internal/enrich"
)

const shutdownTimeout = 30 * time.Second

var (
	servePort        int
	serveNoSupervise bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the enrichment supervisor and control API",
	Long:  "Starts one self-restarting task loop per enabled kind and serves the task control API, health check and Prometheus metrics.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		env, err := initEnv(ctx, "serve", reg)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: api.NewRouter(env.Coord,
				api.WithHealthCheck(env.Store.Ping),
				api.WithMetrics(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
			),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)

		if !serveNoSupervise {
			sup := enrich.NewSupervisor(env.Coord, supervisorConfig(cfg))
			g.Go(func() error {
				// A kind that gives up leaves the API up so an operator can restart it.
				if err := sup.Run(gctx); err != nil {
					zap.L().Error("supervisor exited", zap.Error(err))
				}
				return nil
			})
		}

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		// Graceful shutdown
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
			return env.Coord.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoSupervise, "no-supervise", false, "serve the API only; tasks start on request")
	rootCmd.AddCommand(serveCmd)
}
