package cmd

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoattend/internal/config"
	"github.com/xkilldash9x/autoattend/internal/observability"
	"github.com/xkilldash9x/autoattend/internal/scheduler"
)

const metricsShutdownTimeout = 5 * time.Second

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the attendance scheduler until interrupted",
		Long: `Runs the scheduler loop. Each iteration re-reads the schedule from the config file,
clocks in during the begin hour and out during the end hour of every enabled day,
after a randomized delay. Set metrics.listen to expose Prometheus metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runScheduler(cmd.Context())
		},
	}
}

func (a *app) runScheduler(ctx context.Context) error {
	logger := observability.GetLogger()
	defer observability.Sync()

	components, err := a.factory.Create(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer components.Shutdown()

	sched := scheduler.New(config.NewReloader(a.v), components.Puncher, logger.Named("scheduler"))

	var wg sync.WaitGroup
	var srv *http.Server
	if a.cfg.Metrics.Listen != "" {
		srv = newMetricsServer(a.cfg.Metrics.Listen, components.Registry)
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("Metrics endpoint listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	err = sched.Run(ctx)
	sched.Stop()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("Metrics endpoint shutdown failed", zap.Error(serr))
		}
		wg.Wait()
	}

	if errors.Is(err, context.Canceled) {
		logger.Info("Shutdown requested, scheduler exited")
		return nil
	}
	return err
}

func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry: reg,
	}))
	mux.Handle("/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
