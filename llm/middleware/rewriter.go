package middleware

import (
	"context"
	"fmt"

	llmpkg "github.com/olumi/cee/llm"
)

// RequestRewriter cleans or transforms a request before it reaches the
// upstream API.
type RequestRewriter interface {
	// Rewrite returns the transformed request.
	Rewrite(ctx context.Context, req *llmpkg.ChatRequest) (*llmpkg.ChatRequest, error)

	// Name identifies the rewriter in logs.
	Name() string
}

// RewriterChain runs rewriters in order.
type RewriterChain struct {
	rewriters []RequestRewriter
}

// NewRewriterChain builds a chain.
func NewRewriterChain(rewriters ...RequestRewriter) *RewriterChain {
	return &RewriterChain{
		rewriters: rewriters,
	}
}

// Execute runs every rewriter in order, stopping on the first error.
func (c *RewriterChain) Execute(ctx context.Context, req *llmpkg.ChatRequest) (*llmpkg.ChatRequest, error) {
	if c == nil || len(c.rewriters) == 0 {
		return req, nil
	}

	var err error
	for _, rewriter := range c.rewriters {
		req, err = rewriter.Rewrite(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("rewriter [%s] failed: %w", rewriter.Name(), err)
		}
	}

	return req, nil
}

// AddRewriter appends a rewriter.
func (c *RewriterChain) AddRewriter(rewriter RequestRewriter) {
	c.rewriters = append(c.rewriters, rewriter)
}

// GetRewriters returns the chain contents.
func (c *RewriterChain) GetRewriters() []RequestRewriter {
	return c.rewriters
}
