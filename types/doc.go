// Package types defines the shared wire and domain types: chat messages
// and tool schemas for the LLM adapters, the request/response envelopes of
// the draft-graph routes, the canonical error taxonomy, and the caller
// context attached by the request edge.
//
// The package sits at the bottom of the dependency graph: it imports only
// the graph data model and is imported by every layer above it.
package types
