package middleware

import (
	"context"

	llmpkg "github.com/olumi/cee/llm"
)

// EmptyToolsCleaner clears ToolChoice when Tools is empty; OpenAI rejects
// tool_choice alongside an empty tools array with a 400.
type EmptyToolsCleaner struct{}

// Name returns the rewriter name.
func (r *EmptyToolsCleaner) Name() string {
	return "empty_tools_cleaner"
}

// Rewrite applies the cleanup.
func (r *EmptyToolsCleaner) Rewrite(ctx context.Context, req *llmpkg.ChatRequest) (*llmpkg.ChatRequest, error) {
	if req == nil {
		return req, nil
	}

	// Tools nil or empty: drop ToolChoice.
	if len(req.Tools) == 0 {
		req.ToolChoice = ""
	}

	return req, nil
}

// NewEmptyToolsCleaner builds the cleaner.
func NewEmptyToolsCleaner() *EmptyToolsCleaner {
	return &EmptyToolsCleaner{}
}
