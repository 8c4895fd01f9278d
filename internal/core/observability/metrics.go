package observability

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var envLabel atomic.Value

func init() {
	envLabel.Store("development")
}

func SetEnvironment(s string) {
	if s == "" {
		s = "development"
	}
	envLabel.Store(s)
}

func getEnv() string {
	if v := envLabel.Load(); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "development"
}

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status", "env"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status", "env"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of object store calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream", "env"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: BuildInfoName,
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Edge cache lookups by kind and outcome.",
		},
		[]string{"kind", "outcome", "env"},
	)

	cacheOps = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_op_duration_seconds",
			Help:    "Cache store operation latency by op and outcome.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op", "outcome"},
	)

	indexBuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_builds_total",
			Help: "Spatial index builds by outcome.",
		},
		[]string{"outcome"},
	)

	indexBuildSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "index_build_duration_seconds",
			Help:    "Wall time of a full spatial index build.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)

	indexFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_files_total",
			Help: "Files indexed, split by extracted bbox or world fallback.",
		},
		[]string{"result"},
	)

	footerReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "footer_reads_total",
			Help: "Footer reads by stage reached.",
		},
		[]string{"outcome"},
	)

	engineScans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_scans_total",
			Help: "Per-file engine scans by outcome.",
		},
		[]string{"outcome"},
	)

	engineScanSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_scan_duration_seconds",
			Help:    "Per-file engine scan latency, including engine setup.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	streamFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_frames_total",
			Help: "Frames written to query streams by kind.",
		},
		[]string{"kind"},
	)

	rowCapGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_row_cap",
			Help: "Per-file row cap used by the most recent scan.",
		},
	)

	rowCapAdjust = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_row_cap_adjustments_total",
			Help: "Row cap changes by direction.",
		},
		[]string{"direction"},
	)
)

// Collectors lists the service collectors so they can be exposed on a
// dedicated registry as well as the default one.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, upstreamLatencySeconds,
		cacheResults, cacheOps, indexBuilds, indexBuildSeconds, indexFiles,
		footerReads, engineScans, engineScanSeconds, streamFrames,
		rowCapGauge, rowCapAdjust,
	}
}

// Init registers the service collectors on reg. Already-registered
// collectors are tolerated so Init can run more than once in tests.
func Init(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	e := getEnv()
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st, e).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st, e).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream, getEnv()).Observe(durationSeconds)
}

func IncCacheHit(kind string) {
	cacheResults.WithLabelValues(kind, "hit", getEnv()).Inc()
}

func IncCacheMiss(kind string) {
	cacheResults.WithLabelValues(kind, "miss", getEnv()).Inc()
}

// ObserveCacheOp records one store round trip; err==nil counts as "ok".
func ObserveCacheOp(op string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	cacheOps.WithLabelValues(op, outcome).Observe(durationSeconds)
}

func ObserveIndexBuild(outcome string, durationSeconds float64) {
	indexBuilds.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		indexBuildSeconds.Observe(durationSeconds)
	}
}

func IncIndexFile(fallback bool) {
	if fallback {
		indexFiles.WithLabelValues("fallback").Inc()
		return
	}
	indexFiles.WithLabelValues("bbox").Inc()
}

func IncFooterRead(outcome string) {
	footerReads.WithLabelValues(outcome).Inc()
}

func ObserveEngineScan(outcome string, durationSeconds float64) {
	engineScans.WithLabelValues(outcome).Inc()
	engineScanSeconds.Observe(durationSeconds)
}

func IncFrame(kind string) {
	streamFrames.WithLabelValues(kind).Inc()
}

func SetRowCap(limit int) {
	rowCapGauge.Set(float64(limit))
}

func IncRowCapAdjust(direction string) {
	rowCapAdjust.WithLabelValues(direction).Inc()
}

// BuildInfoName names the worker's build info gauge on every registry.
const BuildInfoName = "overturemaps_worker_build_info"

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
