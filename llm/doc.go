// Package llm defines the provider abstraction the pipeline draws on: the
// chat-completion Provider interface, the three-operation GraphAdapter
// contract (draft, suggest options, repair), and the resilience wrapper
// combining retries, idempotent replay and circuit breaking.
//
// Concrete transports live in llm/providers; selection by name happens in
// llm/factory; the deterministic test adapter lives in llm/fixtures.
package llm
