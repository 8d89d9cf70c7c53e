// Package health is a liveness probe for the engine's own process: current
// snapshot version, approval/relationship store sizes, goroutine count.
// This is not a control-plane REST API, only a process health check for
// the `serve` command.
package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/quorumauthz/core/internal/engine"
)

// Response is the JSON response from the health endpoint.
type Response struct {
	Status          string            `json:"status"` // "healthy" or "unhealthy"
	Checks          map[string]string `json:"checks"`
	SnapshotVersion uint64            `json:"snapshot_version"`
	Version         string            `json:"version,omitempty"`
}

// Sizer reports the number of live entries a store currently holds.
type Sizer interface {
	Size() int
}

// Checker verifies engine component health.
type Checker struct {
	store         *engine.PolicyDataStore
	approvals     Sizer
	relationships Sizer
	version       string
}

// NewChecker creates a Checker. Pass nil for approvals/relationships if
// not configured.
func NewChecker(store *engine.PolicyDataStore, approvals, relationships Sizer, version string) *Checker {
	return &Checker{store: store, approvals: approvals, relationships: relationships, version: version}
}

// Check performs health checks on all configured components.
func (c *Checker) Check() Response {
	checks := make(map[string]string)
	healthy := true

	var snapVersion uint64
	if c.store != nil {
		snap := c.store.Current()
		snapVersion = snap.Version()
		if snap.PolicyCount() == 0 {
			checks["policy_snapshot"] = "empty"
		} else {
			checks["policy_snapshot"] = fmt.Sprintf("ok: %d policies", snap.PolicyCount())
		}
	} else {
		checks["policy_snapshot"] = "not configured"
		healthy = false
	}

	if c.approvals != nil {
		checks["approval_store"] = fmt.Sprintf("ok: %d entries", c.approvals.Size())
	} else {
		checks["approval_store"] = "not configured"
	}

	if c.relationships != nil {
		checks["relationship_store"] = fmt.Sprintf("ok: %d entries", c.relationships.Size())
	} else {
		checks["relationship_store"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return Response{
		Status:          status,
		Checks:          checks,
		SnapshotVersion: snapVersion,
		Version:         c.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := c.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
