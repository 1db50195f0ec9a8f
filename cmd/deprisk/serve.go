package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/exploopio/deprisk/pkg/core"
	"github.com/exploopio/deprisk/pkg/errors"
	"github.com/exploopio/deprisk/pkg/health"
	"github.com/exploopio/deprisk/pkg/metrics"
	"github.com/exploopio/deprisk/pkg/model"
	"github.com/exploopio/deprisk/pkg/profiler"
)

const (
	shutdownTimeout = 10 * time.Second

	// maxRequestBody bounds a posted dependency list.
	maxRequestBody = 8 << 20
)

// profileRunner is the part of profiler.Profiler the HTTP handlers use.
type profileRunner interface {
	Run(ctx context.Context, manifestPath string, ecosystem model.Ecosystem, deps []model.DependencyMetadata) (*model.ProjectRiskProfile, error)
}

type serveOptions struct {
	addr          string
	purgeSchedule string
}

func newServeMetricsCmd(a *app) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve Prometheus metrics and an HTTP profiling endpoint",
		Long: `Serves /metrics, /livez, /readyz, /healthz and POST /v1/profiles/{ecosystem}, which accepts
the same dependency JSON as "deprisk scan --input" and returns the profile.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, a, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (default metrics.addr)")
	cmd.Flags().StringVar(&opts.purgeSchedule, "purge-schedule", "@hourly", "cron schedule for purging expired cache entries, empty to disable")
	return cmd
}

func runServe(cmd *cobra.Command, a *app, opts *serveOptions) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	logger := a.logger(cfg)
	addr := opts.addr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}

	collector, err := metrics.NewPrometheusCollector(metrics.PrometheusConfig{})
	if err != nil {
		return err
	}
	p, err := profiler.Bootstrap(cfg, profiler.Deps{Logger: logger, Metrics: collector})
	if err != nil {
		return err
	}
	defer p.Close()

	if opts.purgeSchedule != "" && !cfg.Cache.Disabled {
		c := cron.New()
		_, err := c.AddFunc(opts.purgeSchedule, func() {
			n, err := p.PurgeCache(context.Background())
			if err != nil {
				logger.Error("scheduled cache purge failed: %v", err)
				return
			}
			if n > 0 {
				logger.Info("purged %d expired cache entries", n)
			}
		})
		if err != nil {
			return errors.E(errors.KindConfiguration, "deprisk.serve", "invalid --purge-schedule "+opts.purgeSchedule, err)
		}
		c.Start()
		defer c.Stop()
	}

	healthz := health.NewHandler(health.WithVersion(appVersion))
	for _, c := range p.HealthChecks() {
		healthz.Register(c)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(p, collector.Handler(), healthz, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.E(errors.KindInternal, "deprisk.serve", "listen on "+addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("shutting down")
	healthz.SetReady(false)
	return srv.Shutdown(shutdownCtx)
}

func newRouter(runner profileRunner, metricsHandler http.Handler, healthz *health.Handler, logger core.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/livez", healthz.LivenessHandler())
	r.Method(http.MethodGet, "/readyz", healthz.ReadinessHandler())
	r.Method(http.MethodGet, "/healthz", healthz.ReadinessHandler())
	r.Handle("/metrics", metricsHandler)
	r.Post("/v1/profiles/{ecosystem}", profileHandler(runner, logger))
	return r
}

func profileHandler(runner profileRunner, logger core.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eco, ok := model.ParseEcosystem(chi.URLParam(r, "ecosystem"))
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown ecosystem")
			return
		}
		manifest := r.URL.Query().Get("manifest_path")
		if manifest == "" {
			writeError(w, http.StatusBadRequest, "manifest_path is required")
			return
		}

		var deps []model.DependencyMetadata
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&deps); err != nil {
			writeError(w, http.StatusBadRequest, "invalid dependency metadata: "+err.Error())
			return
		}

		profile, err := runner.Run(r.Context(), manifest, eco, deps)
		if err != nil {
			logger.Error("profile %s failed: %v", manifest, err)
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, profile)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
