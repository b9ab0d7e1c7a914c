package cache

import "fmt"

// RateLimitKey namespaces the per-client counter used by the direct
// ingestion endpoint's rate limiter.
func RateLimitKey(clientKey string) string {
	return fmt.Sprintf("ratelimit:ingest:%s", clientKey)
}

// DiagnosticsKey is the key name reserved for a diagnostics snapshot.
// Nothing in the server reads or writes it; /api/diagnostics is built
// fresh on every request.
func DiagnosticsKey() string {
	return "diagnostics:snapshot"
}
