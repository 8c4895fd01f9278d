package metrics

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr.Code, rr.Body.String()
}

func TestNew_BuildInfoCarriesWorkerLabels(t *testing.T) {
	p, err := New(Config{
		Path:        "/metrics",
		Environment: "staging",
		Build:       BuildInfo{Version: "1.4.0", Revision: "abc123", Branch: "main", BuildDate: "2026-10-01"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	code, body := scrape(t, p.Mux(), "/metrics")
	if code != http.StatusOK {
		t.Fatalf("status=%d want 200", code)
	}
	assertHasMetricLine(t, body, "overturemaps_worker_build_info",
		`version="1.4.0"`, `revision="abc123"`, `branch="main"`, `env="staging"`)
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected go runtime metrics; got:\n%s", body)
	}
}

func TestNew_EmptyVersionIsDev(t *testing.T) {
	p, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, body := scrape(t, p.Mux(), "/metrics")
	assertHasMetricLine(t, body, "overturemaps_worker_build_info", `version="dev"`)
}

func TestNew_TwiceSharesServiceCollectors(t *testing.T) {
	for range 2 {
		if _, err := New(Config{}); err != nil {
			t.Fatalf("New: %v", err)
		}
	}
}

func TestMux_OnlyServesConfiguredPath(t *testing.T) {
	p, err := New(Config{Path: "/internal/metrics"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if code, _ := scrape(t, p.Mux(), "/metrics"); code != http.StatusNotFound {
		t.Fatalf("status=%d want 404 off path", code)
	}
	if code, _ := scrape(t, p.Mux(), "/internal/metrics"); code != http.StatusOK {
		t.Fatalf("status=%d want 200 on path", code)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	p, err := New(Config{Addr: addr})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx, slog.New(slog.NewTextHandler(io.Discard, nil))) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status=%d want 200", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics listener never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
}
