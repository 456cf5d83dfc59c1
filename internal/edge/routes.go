// Package edge implements the request edge (component C):
// the public-route table, two-phase credential extraction (API key vs
// HMAC), and CallerContext attachment that every authenticated route runs
// through before reaching a handler.
package edge

import "strings"

// PublicRoute reports whether path+method bypasses authentication entirely
// (public-route table).
func PublicRoute(method, path string) bool {
	switch path {
	case "/healthz", "/health", "/", "/v1/status":
		return true
	}
	if strings.HasPrefix(path, "/assist/share/") && (method == "GET" || method == "DELETE") {
		// Token-authenticated elsewhere (internal/sharelink), not via the
		// API-key/HMAC edge.
		return true
	}
	if strings.HasPrefix(path, "/admin") {
		// Has its own auth (internal/admin), not the assist edge.
		return true
	}
	return false
}

// LegacyStreamBypass reports the second, narrow bypass: when legacy SSE
// is disabled and the request targets the legacy draft-graph endpoint
// asking for text/event-stream, auth is skipped so the handler can return
// 426 with migration guidance instead of masking it behind a 401.
func LegacyStreamBypass(enableLegacySSE bool, path, accept string) bool {
	if enableLegacySSE {
		return false
	}
	return path == "/assist/draft-graph" && strings.Contains(accept, "text/event-stream")
}
