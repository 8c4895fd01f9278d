package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nikmarch/overturemaps-duckdb/internal/core/config"
)

func TestInit_DisabledInstallsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TracingCfg{}, "test")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, span := otel.Tracer("t").Start(context.Background(), "x")
	if span.SpanContext().IsValid() {
		t.Fatalf("noop provider produced a valid span context")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInit_EnabledRecordsSpans(t *testing.T) {
	cfg := config.TracingCfg{Enabled: true, Endpoint: "http://127.0.0.1:4318", SampleRatio: 1}
	shutdown, err := Init(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { otel.SetTracerProvider(sdktrace.NewTracerProvider()) })

	_, span := otel.Tracer("t").Start(context.Background(), "x")
	if !span.SpanContext().IsSampled() {
		t.Fatalf("span not sampled at ratio 1")
	}
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}

func TestStripScheme(t *testing.T) {
	cases := map[string]string{
		"http://collector:4318":  "collector:4318",
		"HTTPS://collector:4318": "collector:4318",
		"collector:4318":         "collector:4318",
	}
	for in, want := range cases {
		if got := stripScheme(in); got != want {
			t.Fatalf("stripScheme(%q)=%q want %q", in, got, want)
		}
	}
}

func TestMiddleware_RecordsServerSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	for _, path := range []string{"/files", "/healthz"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans=%d want 1", len(spans))
	}
	if spans[0].Name() != "GET /files" {
		t.Fatalf("span name=%q", spans[0].Name())
	}
	var status int64
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusBadGateway {
		t.Fatalf("status attr=%d want 502", status)
	}
}
