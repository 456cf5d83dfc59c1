// Package openai implements the Provider adapter for the OpenAI
// Chat Completions API.
package openai
