// Package tokenizer provides token counting: an exact tiktoken-backed
// implementation for OpenAI model families and a heuristic estimator for
// everything else.
package tokenizer
