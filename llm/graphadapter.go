package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/olumi/cee/types"
)

// GraphAdapter is the three-operation LLM adapter contract the unified
// pipeline (component E) calls against: draftGraph, suggestOptions,
// repairGraph. Concrete implementations wrap a Provider (chat-completion
// transport) with graph-shaped prompting and JSON extraction, or — for the
// fixtures adapter — skip the network entirely and return canned data.
type GraphAdapter interface {
	DraftGraph(ctx context.Context, req DraftGraphRequest) (DraftGraphResult, error)
	SuggestOptions(ctx context.Context, req SuggestOptionsRequest) (SuggestOptionsResult, error)
	RepairGraph(ctx context.Context, req RepairGraphRequest) (RepairGraphResult, error)
}

// DraftGraphRequest carries Stage 1's inputs to the provider.
type DraftGraphRequest struct {
	Brief         string
	Docs          []string
	Seed          int64
	ArchetypeHint string
}

// DraftGraphResult is the provider's raw (unvalidated) draft, as the JSON
// object it returned plus free-text rationales and token usage.
type DraftGraphResult struct {
	RawGraph   json.RawMessage
	Rationales []string
	Usage      ChatUsage
}

// SuggestOptionsRequest asks the adapter to propose options for a goal.
type SuggestOptionsRequest struct {
	Goal            string
	Constraints     []string
	ExistingOptions []string
}

// SuggestOptionsResult carries the adapter's proposed option set.
type SuggestOptionsResult struct {
	RawOptions json.RawMessage
	Usage      ChatUsage
}

// RepairGraphRequest asks the adapter to fix the violations found against a
// previously drafted graph.
type RepairGraphRequest struct {
	RawGraph   json.RawMessage
	Violations []string
}

// RepairGraphResult is the adapter's repaired graph.
type RepairGraphResult struct {
	RawGraph   json.RawMessage
	Rationales []string
	Usage      ChatUsage
}

// ChatGraphAdapter implements GraphAdapter over any chat-completion
// Provider (anthropic, openai, ...): it shapes the brief/violations into a
// system+user prompt pair asking for a single fenced JSON object, calls
// Completion, and extracts the JSON payload from the response.
type ChatGraphAdapter struct {
	provider Provider
	model    string
	timeout  time.Duration
}

// NewChatGraphAdapter constructs a ChatGraphAdapter. timeout defaults to 15s
// (the Stage 1 draft timeout) when zero.
func NewChatGraphAdapter(provider Provider, model string, timeout time.Duration) *ChatGraphAdapter {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ChatGraphAdapter{provider: provider, model: model, timeout: timeout}
}

const draftSystemPrompt = `You are a causal decision-graph drafting engine. Given a brief, respond with a single JSON object with keys "nodes" and "edges" describing a directed acyclic causal graph (at most 12 nodes, 24 edges). Do not include any text outside a single fenced json code block.`

const repairSystemPrompt = `You previously drafted a causal decision graph that failed validation. Given the graph and its violations, respond with a corrected JSON object with keys "nodes" and "edges" inside a single fenced json code block. Do not include any other text.`

const optionsSystemPrompt = `Given a goal and constraints, propose a JSON array of named options inside a single fenced json code block. Do not include any other text.`

func (a *ChatGraphAdapter) DraftGraph(ctx context.Context, req DraftGraphRequest) (DraftGraphResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	user := fmt.Sprintf("Brief: %s\nSeed: %d", req.Brief, req.Seed)
	if req.ArchetypeHint != "" {
		user += "\nArchetype hint: " + req.ArchetypeHint
	}
	for _, d := range req.Docs {
		user += "\nSupporting document: " + d
	}

	resp, err := a.complete(ctx, draftSystemPrompt, user)
	if err != nil {
		return DraftGraphResult{}, err
	}
	raw, err := ExtractJSON(firstChoiceText(resp))
	if err != nil {
		return DraftGraphResult{}, types.NewError(types.ErrUpstreamUnavailable, "draft response was not valid JSON").WithCause(err)
	}
	return DraftGraphResult{RawGraph: raw, Usage: ChatUsage(resp.Usage)}, nil
}

func (a *ChatGraphAdapter) SuggestOptions(ctx context.Context, req SuggestOptionsRequest) (SuggestOptionsResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	user := "Goal: " + req.Goal
	for _, c := range req.Constraints {
		user += "\nConstraint: " + c
	}
	for _, o := range req.ExistingOptions {
		user += "\nExisting option: " + o
	}

	resp, err := a.complete(ctx, optionsSystemPrompt, user)
	if err != nil {
		return SuggestOptionsResult{}, err
	}
	raw, err := ExtractJSON(firstChoiceText(resp))
	if err != nil {
		return SuggestOptionsResult{}, types.NewError(types.ErrUpstreamUnavailable, "options response was not valid JSON").WithCause(err)
	}
	return SuggestOptionsResult{RawOptions: raw, Usage: ChatUsage(resp.Usage)}, nil
}

func (a *ChatGraphAdapter) RepairGraph(ctx context.Context, req RepairGraphRequest) (RepairGraphResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var sb strings.Builder
	sb.WriteString("Graph:\n")
	sb.Write(req.RawGraph)
	sb.WriteString("\n\nViolations:\n")
	for i, v := range req.Violations {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, v)
	}

	resp, err := a.complete(ctx, repairSystemPrompt, sb.String())
	if err != nil {
		return RepairGraphResult{}, err
	}
	raw, err := ExtractJSON(firstChoiceText(resp))
	if err != nil {
		return RepairGraphResult{}, types.NewError(types.ErrUpstreamUnavailable, "repair response was not valid JSON").WithCause(err)
	}
	return RepairGraphResult{RawGraph: raw, Usage: ChatUsage(resp.Usage)}, nil
}

func (a *ChatGraphAdapter) complete(ctx context.Context, system, user string) (*ChatResponse, error) {
	req := &ChatRequest{
		Model: a.model,
		Messages: []Message{
			types.NewSystemMessage(system),
			types.NewUserMessage(user),
		},
		Temperature: 0,
	}
	resp, err := a.provider.Completion(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, types.NewError(types.ErrUpstreamUnavailable, "provider returned no choices")
	}
	return resp, nil
}

func firstChoiceText(resp *ChatResponse) string {
	return resp.Choices[0].Message.Content
}

var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// ExtractJSON strips an optional fenced code-block wrapper from an LLM
// response and returns the inner payload, validating that it parses as
// JSON.
func ExtractJSON(s string) (json.RawMessage, error) {
	s = strings.TrimSpace(s)
	if m := fencedJSONPattern.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return json.RawMessage(s), nil
}
