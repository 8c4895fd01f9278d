package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// ReadinessReporter is implemented by the invalidation consumer.
type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// Check is one dependency probe, e.g. a cache ping.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Readiness answers 200 when rr (if any) has partitions assigned and every
// check passes, 503 otherwise.
func Readiness(rr ReadinessReporter, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status     string            `json:"status"`
			Partitions []int32           `json:"partitions,omitempty"`
			Checks     map[string]string `json:"checks,omitempty"`
		}
		ready := true
		out := resp{}
		if rr != nil {
			ok, parts := rr.Readiness()
			ready = ok
			if ok {
				out.Partitions = parts
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, c := range checks {
			if out.Checks == nil {
				out.Checks = map[string]string{}
			}
			if err := c.Fn(ctx); err != nil {
				ready = false
				out.Checks[c.Name] = err.Error()
				continue
			}
			out.Checks[c.Name] = "ok"
		}

		out.Status = "not_ready"
		if ready {
			out.Status = "ready"
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
