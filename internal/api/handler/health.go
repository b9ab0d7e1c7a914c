package handler

import (
	"net/http"
	"runtime"
	"time"

	"github.com/errly-io/errly/internal/api/response"
	"github.com/errly-io/errly/internal/platform"
	"github.com/errly-io/errly/internal/store"
	"github.com/errly-io/errly/internal/watcher"
)

// WatcherStatus is the log watcher's half of the health/diagnostics wiring.
type WatcherStatus interface {
	ActiveSubscriptions() int
	LastDiscoveryAt() time.Time
	SubscriptionStatuses() []watcher.SubscriptionStatus
}

// ClientCounter is the push hub's half of the health/diagnostics wiring.
type ClientCounter interface {
	ClientCount() int
}

// ErrorRateProvider is the grouper's half of the diagnostics wiring.
type ErrorRateProvider interface {
	ErrorRatePerMinute() float64
}

// Health handles GET /health: unauthenticated liveness/readiness probe.
func Health(s store.Store, watcher WatcherStatus, hub ClientCounter, startedAt time.Time, autoCaptureEnabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbConnected := s.Ping(r.Context()) == nil

		body := map[string]any{
			"status":              "ok",
			"uptime":              time.Since(startedAt).Seconds(),
			"dbConnected":         dbConnected,
			"autoCaptureEnabled":  autoCaptureEnabled,
			"activeSubscriptions": watcher.ActiveSubscriptions(),
			"sseClients":          hub.ClientCount(),
			"lastDiscoveryAt":     watcher.LastDiscoveryAt(),
		}

		if !dbConnected {
			body["status"] = "degraded"
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			response.JSON(w, body)
			return
		}

		response.JSON(w, body)
	}
}

// Diagnostics handles GET /api/diagnostics: authenticated, deeper view into
// the platform client's circuit/rate-limit state and process memory.
func Diagnostics(watcher WatcherStatus, hub ClientCounter, platformClient *platform.Client, errorRate ErrorRateProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		diag := platformClient.Diagnostics()

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		response.JSON(w, map[string]any{
			"circuitState":        diag.BreakerState,
			"authLatched":         diag.AuthLatched,
			"rateLimitRemaining":  diag.RateLimitRemain,
			"rateLimitResetsAt":   diag.RateLimitResetsAt,
			"activeSubscriptions": watcher.ActiveSubscriptions(),
			"lastDiscoveryAt":     watcher.LastDiscoveryAt(),
			"subscriptions":       watcher.SubscriptionStatuses(),
			"sseClients":          hub.ClientCount(),
			"errorsPerMinute":     errorRate.ErrorRatePerMinute(),
			"memRSSBytes":         mem.Sys,
			"memHeapBytes":        mem.HeapAlloc,
		})
	}
}
