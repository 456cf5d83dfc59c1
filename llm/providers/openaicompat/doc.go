// Package openaicompat implements a generic Provider for any endpoint
// speaking the OpenAI-compatible chat wire format; vendor quirks are
// handled through configurable endpoints, auth headers and request hooks.
package openaicompat
