// Package health serves the liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// ReadinessReporter is the invalidation consumer: ready once it holds a
// partition assignment.
type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

type StoreChecker interface {
	Ready(ctx context.Context) error
}

const storeCheckTimeout = 2 * time.Second

// Readiness reports ready when the store answers a ping and, if rr is set,
// the invalidation consumer has partitions assigned.
func Readiness(sc StoreChecker, rr ReadinessReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status       string  `json:"status"`
			Store        string  `json:"store"`
			Invalidation string  `json:"invalidation,omitempty"`
			Partitions   []int32 `json:"partitions,omitempty"`
		}
		out := resp{Status: "ready", Store: "ok"}
		ready := true

		if sc != nil {
			ctx, cancel := context.WithTimeout(r.Context(), storeCheckTimeout)
			err := sc.Ready(ctx)
			cancel()
			if err != nil {
				ready = false
				out.Store = err.Error()
			}
		}
		if rr != nil {
			ok, parts := rr.Readiness()
			if ok {
				out.Invalidation = "ready"
				out.Partitions = parts
			} else {
				ready = false
				out.Invalidation = "not_ready"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !ready {
			out.Status = "not_ready"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
