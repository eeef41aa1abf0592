package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Version and Commit are reported by the liveness endpoint. main sets them
// from its ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

const (
	checkIdentityStore = "identity_store"
	checkCacheStore    = "cache_store"

	checkTimeout = 2 * time.Second
)

var errNoIdentityStore = errors.New("no identity store configured")

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult reports one dependency.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by the identity stores and the Redis cache.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks lists the dependencies behind /ui/ready. The identity
// store is required: without it no user data can be built. The cache store
// is checked only when set, since the in-memory cache cannot fail.
type ReadinessChecks struct {
	IdentityStore HealthChecker
	CacheStore    HealthChecker
}

// HandleHealth serves liveness with the build version.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady runs every configured check concurrently and answers 503 when
// any of them fails.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targets := map[string]HealthChecker{checkIdentityStore: checks.IdentityStore}
		if checks.CacheStore != nil {
			targets[checkCacheStore] = checks.CacheStore
		}

		var (
			mu      sync.Mutex
			wg      sync.WaitGroup
			results = make(map[string]CheckResult, len(targets))
		)
		for name, hc := range targets {
			wg.Go(func() {
				res := runCheck(r.Context(), hc)
				mu.Lock()
				results[name] = res
				mu.Unlock()
			})
		}
		wg.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: results}
		code := http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				resp.Status, code = "not_ready", http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, code, resp)
	}
}

func runCheck(parent context.Context, hc HealthChecker) CheckResult {
	if hc == nil {
		return CheckResult{Status: "error", Error: errNoIdentityStore.Error()}
	}
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := hc.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status, res.Error = "error", err.Error()
	}
	return res
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
