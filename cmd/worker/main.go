// Command worker serves the Overture Maps file index, the streaming query
// endpoint and the object store proxy.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nikmarch/overturemaps-duckdb/internal/cache"
	"github.com/nikmarch/overturemaps-duckdb/internal/cache/indexcache"
	"github.com/nikmarch/overturemaps-duckdb/internal/cache/memstore"
	"github.com/nikmarch/overturemaps-duckdb/internal/cache/redisstore"
	"github.com/nikmarch/overturemaps-duckdb/internal/catalog"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/config"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/executor"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/health"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/httpclient"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/observability"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/router"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/server"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/tracing"
	"github.com/nikmarch/overturemaps-duckdb/internal/engine"
	"github.com/nikmarch/overturemaps-duckdb/internal/engine/duckdb"
	"github.com/nikmarch/overturemaps-duckdb/internal/footer"
	"github.com/nikmarch/overturemaps-duckdb/internal/index"
	"github.com/nikmarch/overturemaps-duckdb/internal/logger"
	h3mapper "github.com/nikmarch/overturemaps-duckdb/internal/mapper/h3"
	"github.com/nikmarch/overturemaps-duckdb/internal/metrics"
	"github.com/nikmarch/overturemaps-duckdb/internal/objstore"
	"github.com/nikmarch/overturemaps-duckdb/internal/queryevents"
	"github.com/nikmarch/overturemaps-duckdb/internal/stream"
	kafkainv "github.com/nikmarch/overturemaps-duckdb/pkg/invalidation/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		return 1
	}

	zl := logger.Build(logger.Config{
		Level:       cfg.LogLevel,
		Console:     cfg.LogConsole,
		SampleN:     cfg.LogSampleN,
		Environment: cfg.Environment,
		Component:   "worker",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)
	slog.SetDefault(appLog)

	observability.SetEnvironment(cfg.Environment)
	observability.ExposeBuildInfo(Version)
	appLog.Info("starting worker",
		"addr", cfg.Addr,
		"version", Version,
		"bucket", cfg.S3.Bucket,
		"environment", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		appLog.Error("tracing init failed", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			appLog.Warn("tracing shutdown", "err", err)
		}
	}()

	if cfg.MetricsEnabled {
		startMetrics(ctx, cfg, appLog)
	}

	st, err := objstore.New(objstore.Config{
		Endpoint:      cfg.S3.Endpoint,
		Bucket:        cfg.S3.Bucket,
		Region:        cfg.S3.Region,
		Secure:        cfg.S3.Secure,
		PublicBaseURL: cfg.S3.PublicBaseURL,
		MaxKeys:       cfg.S3.ListMaxKeys,
		AccessKey:     cfg.S3.AccessKey,
		SecretKey:     cfg.S3.SecretKey,
	})
	if err != nil {
		appLog.Error("object store init failed", "err", err)
		return 1
	}

	store, checks, err := openCache(ctx, cfg, appLog)
	if err != nil {
		appLog.Error("cache init failed", "err", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	ic := indexcache.New(store, indexcache.Options{
		IndexTTL:   cfg.IndexTTL,
		CatalogTTL: cfg.CatalogTTL,
		OpTimeout:  cfg.CacheOpTimeout,
	})
	cat := catalog.New(st, ic, appLog)
	builder := index.NewBuilder(st, footer.NewReader(st), cfg.IndexConcurrency, appLog)
	svc := index.NewService(ctx, ic, builder, st, index.Options{BuildTimeout: cfg.IndexBuildTimeout}, appLog)

	eng := engine.New(duckdb.Factory(duckdb.Config{
		MemoryLimit: cfg.Engine.MemoryLimit,
		Threads:     cfg.Engine.Threads,
		S3Region:    cfg.S3.Region,
		S3Endpoint:  cfg.S3.Endpoint,
	}))
	runner := stream.NewExecutor(eng, st.ObjectURL, stream.Caps{
		Baseline: cfg.RowCap.Baseline,
		Ceiling:  cfg.RowCap.Ceiling,
		Floor:    cfg.RowCap.Floor,
	}, appLog)

	proxy, err := executor.New(appLog, httpclient.NewOutbound(), st.BaseURL(), cfg.CatalogTTL)
	if err != nil {
		appLog.Error("failed to initialize object proxy", "err", err)
		return 1
	}

	var obs router.QueryObserver
	if topic := strings.TrimSpace(cfg.QueryEventsTopic); topic != "" {
		pub, err := queryevents.NewPublisher(splitList(cfg.KafkaBrokers), topic, 1024, appLog)
		if err != nil {
			appLog.Error("query events publisher init failed", "err", err)
			return 1
		}
		defer func() {
			if err := pub.Close(); err != nil {
				appLog.Warn("query events close", "err", err)
			}
		}()
		obs = pub
	}

	inv := kafkainv.New(kafkainv.FromConfig(cfg.Invalidation), svc, kafkainv.Options{
		Logger:   appLog,
		Register: prometheus.DefaultRegisterer,
	})
	if err := inv.Start(ctx); err != nil {
		appLog.Error("invalidation runner start failed", "err", err)
		return 1
	}
	defer inv.Stop()

	var rr health.ReadinessReporter
	if inv.Enabled() {
		rr = inv
	}

	handlers := router.New(appLog, cat, svc, runner, h3mapper.New(), obs, router.Options{
		CatalogTTL: cfg.CatalogTTL,
		MaxRows:    cfg.QueryMaxRows,
		MaxFiles:   cfg.QueryMaxFiles,
		RetryAfter: 2 * time.Second,
	})

	if err := server.Run(ctx, cfg, appLog, server.Deps{
		Handlers: handlers,
		Proxy:    proxy,
		Ready:    health.Readiness(rr, checks...),
	}); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

// openCache picks Redis when REDIS_ADDR is set and the in-process LRU
// otherwise. Only Redis contributes a readiness check.
func openCache(ctx context.Context, cfg config.Config, log *slog.Logger) (cache.Interface, []health.Check, error) {
	if cfg.RedisAddr == "" {
		log.Info("using in-process cache", "entries", cfg.CacheMemEntries)
		s, err := memstore.New(cfg.CacheMemEntries)
		return s, nil, err
	}
	rc, err := redisstore.New(ctx, cfg.RedisAddr,
		redisstore.WithNamespace(cfg.RedisNamespace),
		redisstore.WithPassword(cfg.RedisPassword),
	)
	if err != nil {
		return nil, nil, err
	}
	log.Info("using redis cache", "addr", cfg.RedisAddr, "namespace", cfg.RedisNamespace)
	return rc, []health.Check{{Name: "redis", Fn: rc.Ping}}, nil
}

func startMetrics(ctx context.Context, cfg config.Config, log *slog.Logger) {
	p, err := metrics.New(metrics.Config{
		Addr:        cfg.MetricsAddr,
		Path:        cfg.MetricsPath,
		Environment: cfg.Environment,
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})
	if err != nil {
		log.Warn("metrics disabled", "err", err)
		return
	}
	go func() {
		if err := p.Serve(ctx, log); err != nil {
			log.Error("metrics server exited", "err", err)
		}
	}()
}

func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
