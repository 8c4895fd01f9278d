package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nikmarch/overturemaps-duckdb/internal/core/config"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/health"
	middleware "github.com/nikmarch/overturemaps-duckdb/internal/core/middleware"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/router"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/tracing"
)

// ObjectForwarder proxies unmatched paths to the object store.
type ObjectForwarder interface {
	ForwardObject(w http.ResponseWriter, r *http.Request)
}

// Deps are the handlers mounted by NewRouter.
type Deps struct {
	Handlers *router.Handlers
	Proxy    ObjectForwarder
	Ready    http.HandlerFunc
}

func NewRouter(logger *slog.Logger, d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(logger))
	r.Use(tracing.Middleware)
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	if d.Ready != nil {
		r.Get("/readyz", d.Ready)
	}
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	h := d.Handlers
	r.Get("/releases", h.Releases())
	r.Get("/themes", h.Themes())
	r.Get("/files", h.Files())
	r.Post("/query", h.Query())
	r.Post("/query/exec", h.Exec())
	r.Get("/index/clear", h.ClearIndex())
	r.Post("/index/clear", h.ClearIndex())

	if d.Proxy != nil {
		r.NotFound(d.Proxy.ForwardObject)
	}
	return r
}

// Run serves until ctx ends.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, d Deps) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(logger, d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No write deadline: /query streams are bounded by the request context.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
