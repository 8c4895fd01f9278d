package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLiveness_Handler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	Liveness()(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	ct := rr.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q want text/plain", ct)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "ok" {
		t.Fatalf("body=%q want ok", got)
	}
}

type fakeReporter struct {
	ready bool
	parts []int32
}

func (f fakeReporter) Readiness() (bool, []int32) { return f.ready, f.parts }

func TestReadiness_ReporterAndChecks(t *testing.T) {
	ok := Check{Name: "cache", Fn: func(context.Context) error { return nil }}
	bad := Check{Name: "cache", Fn: func(context.Context) error { return errors.New("dial refused") }}

	cases := []struct {
		name string
		h    http.HandlerFunc
		code int
		body string
	}{
		{"no reporter", Readiness(nil, ok), http.StatusOK, `"status":"ready"`},
		{"assigned", Readiness(fakeReporter{true, []int32{0, 2}}), http.StatusOK, `"partitions":[0,2]`},
		{"unassigned", Readiness(fakeReporter{false, nil}), http.StatusServiceUnavailable, `"not_ready"`},
		{"check fails", Readiness(nil, bad), http.StatusServiceUnavailable, `dial refused`},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		tc.h(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != tc.code {
			t.Fatalf("%s: code=%d want %d", tc.name, rr.Code, tc.code)
		}
		if !strings.Contains(rr.Body.String(), tc.body) {
			t.Fatalf("%s: body=%q want %s", tc.name, rr.Body.String(), tc.body)
		}
	}
}
