// Package metrics owns the worker's dedicated Prometheus registry and the
// listener that exposes it apart from the public HTTP surface.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nikmarch/overturemaps-duckdb/internal/core/observability"
)

type BuildInfo struct {
	Version   string
	Revision  string
	Branch    string
	BuildDate string
}

type Config struct {
	Addr        string
	Path        string
	Environment string
	Build       BuildInfo
}

type Provider struct {
	cfg Config
	reg *prometheus.Registry
}

// New builds the registry: runtime collectors, the build info gauge and every
// service collector from observability.
func New(cfg Config) (*Provider, error) {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	v := cfg.Build
	if v.Version == "" {
		v.Version = "dev"
	}
	build := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: observability.BuildInfoName,
		Help: "Build of the running worker (value is always 1).",
		ConstLabels: prometheus.Labels{
			"version":    v.Version,
			"revision":   v.Revision,
			"branch":     v.Branch,
			"build_date": v.BuildDate,
			"env":        cfg.Environment,
		},
	})
	build.Set(1)
	reg.MustRegister(build)

	if err := observability.Init(reg); err != nil {
		return nil, fmt.Errorf("register service collectors: %w", err)
	}
	return &Provider{cfg: cfg, reg: reg}, nil
}

func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}

// Mux serves the registry on the configured path only.
func (p *Provider) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(p.cfg.Path, p.Handler())
	return mux
}

// Serve runs the metrics listener until ctx is canceled.
func (p *Provider) Serve(ctx context.Context, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              p.cfg.Addr,
		Handler:           p.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn("metrics shutdown", "err", err)
		}
	}()
	log.Info("metrics listen", "addr", p.cfg.Addr, "path", p.cfg.Path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
