package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsHandler_Smoke(t *testing.T) {
	ExposeBuildInfo("test")
	ObserveHTTP("GET", "/files", 200, 0.001)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, BuildInfoName) || !strings.Contains(body, "http_requests_total") {
		t.Fatalf("metrics payload did not contain expected metric names; got:\n%s", body)
	}
}

func TestFrameAndScanCounters(t *testing.T) {
	beforeErr := testutil.ToFloat64(streamFrames.WithLabelValues("error"))
	beforeOOM := testutil.ToFloat64(engineScans.WithLabelValues("oom"))

	IncFrame("error")
	ObserveEngineScan("oom", 0.2)
	SetRowCap(2500)

	if got := testutil.ToFloat64(streamFrames.WithLabelValues("error")) - beforeErr; got != 1 {
		t.Fatalf("error frames delta=%v want 1", got)
	}
	if got := testutil.ToFloat64(engineScans.WithLabelValues("oom")) - beforeOOM; got != 1 {
		t.Fatalf("oom scans delta=%v want 1", got)
	}
	if got := testutil.ToFloat64(rowCapGauge); got != 2500 {
		t.Fatalf("row cap gauge=%v want 2500", got)
	}
}

func TestInit_CustomRegistryIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Init(reg); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := Init(reg); err != nil {
		t.Fatalf("second Init must tolerate re-registration: %v", err)
	}
	ObserveCacheOp("get", errors.New("timeout"), 0.01)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "cache_op_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Fatalf("cache_op_duration_seconds not exposed on custom registry")
	}
}
