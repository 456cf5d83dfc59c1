// Package repair implements the validation/repair loop: draft validation,
// bounded LLM-guided repair, and a deterministic fallback when the model
// cannot produce a valid graph within the attempt cap.
package repair

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/olumi/cee/internal/graph"
	"github.com/olumi/cee/llm"
)

// DefaultMaxRetries caps LLM repair attempts per request.
const DefaultMaxRetries = 2

// Result is what GenerateGraph returns on success.
type Result struct {
	Graph         *graph.Graph
	Attempts      int
	RepairUsed    bool
	Warnings      []graph.Issue
	RepairHistory []string
}

// GraphValidationError is returned when neither LLM repair nor the
// deterministic fallback produced a valid graph.
type GraphValidationError struct {
	Errors    []graph.Issue
	Attempts  int
	LastGraph *graph.Graph
}

func (e *GraphValidationError) Error() string {
	return fmt.Sprintf("graph failed validation after %d attempts (%d errors)", e.Attempts, len(e.Errors))
}

// Repairer runs the loop against a GraphAdapter.
type Repairer struct {
	adapter    llm.GraphAdapter
	maxRetries int
	logger     *zap.Logger
}

// New constructs a Repairer. maxRetries <= 0 selects DefaultMaxRetries.
func New(adapter llm.GraphAdapter, maxRetries int, logger *zap.Logger) *Repairer {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repairer{adapter: adapter, maxRetries: maxRetries, logger: logger}
}

// GenerateGraph drafts a graph from the brief and runs the validate/repair
// loop until the graph is valid or attempts are exhausted.
func (r *Repairer) GenerateGraph(ctx context.Context, req llm.DraftGraphRequest) (Result, error) {
	draft, err := r.adapter.DraftGraph(ctx, req)
	if err != nil {
		return Result{}, err
	}
	g, err := graph.ParseDraft(draft.RawGraph, req.Seed)
	if err != nil {
		return Result{}, fmt.Errorf("parse draft: %w", err)
	}
	Normalize(g)
	return r.Loop(ctx, g)
}

// Loop validates g and, while error-severity issues remain, asks the
// adapter to repair it. After the retry cap a deterministic simple repair
// runs; if even that leaves errors, a GraphValidationError is returned.
// The input graph is used as the loop's seed and may be mutated.
func (r *Repairer) Loop(ctx context.Context, g *graph.Graph) (Result, error) {
	res := Result{Graph: g}

	issues := graph.Validate(g)
	res.Attempts = 1
	if len(graph.Errors(issues)) == 0 {
		res.Warnings = graph.StructuralWarnings(g)
		return res, nil
	}

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		errs := graph.Errors(issues)
		violations := graph.FormatViolations(errs)
		res.RepairHistory = append(res.RepairHistory, fmt.Sprintf("attempt %d: %d violations", attempt+1, len(errs)))

		raw, err := g.CanonicalJSON()
		if err != nil {
			return Result{}, err
		}
		repaired, err := r.adapter.RepairGraph(ctx, llm.RepairGraphRequest{
			RawGraph:   json.RawMessage(raw),
			Violations: violations,
		})
		res.Attempts++
		if err != nil {
			r.logger.Warn("llm repair failed, falling back",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			break
		}
		ng, err := graph.ParseDraft(repaired.RawGraph, g.DefaultSeed)
		if err != nil {
			r.logger.Warn("repaired graph did not parse, falling back",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			break
		}
		Normalize(ng)
		g = ng
		res.Graph = g
		res.RepairUsed = true

		issues = graph.Validate(g)
		if len(graph.Errors(issues)) == 0 {
			res.Warnings = graph.StructuralWarnings(g)
			return res, nil
		}
	}

	// Deterministic fallback: truncate, drop self-loops and unknown-node
	// edges, sort canonically.
	SimpleRepair(g)
	res.RepairUsed = true
	res.RepairHistory = append(res.RepairHistory, "deterministic fallback")

	issues = graph.Validate(g)
	if errs := graph.Errors(issues); len(errs) > 0 {
		return res, &GraphValidationError{
			Errors:    errs,
			Attempts:  res.Attempts,
			LastGraph: g,
		}
	}
	res.Warnings = graph.StructuralWarnings(g)
	return res, nil
}

// Normalize applies the derivations every freshly parsed graph needs before
// validation: self-consistent edge ids and canonical order.
func Normalize(g *graph.Graph) {
	graph.AssignEdgeIDs(g.Edges)
	g.SortCanonical()
}

// SimpleRepair is the deterministic last-resort repair.
func SimpleRepair(g *graph.Graph) {
	g.DropSelfLoops()
	g.DropUnresolvedEdges()
	g.Truncate()
	graph.AssignEdgeIDs(g.Edges)
	g.SortCanonical()
}
