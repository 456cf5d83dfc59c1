// Package claude adapts the Anthropic Messages API (/v1/messages) to the
// Provider interface: request shaping, authentication headers, SSE stream
// parsing and error mapping.
package claude
