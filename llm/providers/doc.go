// Package providers holds the shared pieces of the concrete LLM
// transports: provider configuration structs, the OpenAI-compatible wire
// types and converters, HTTP error mapping, and the retry wrapper.
//
// Vendor-specific adapters live in the subpackages (anthropic, openai,
// openaicompat).
package providers
