// Package verify implements the staged response verifier that runs against
// the assembled, frozen response: schema validation, branch-probability
// audits, weight-suggestion heuristics and comparison detection. All of its
// outputs are metadata-only trace annotations.
package verify

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/olumi/cee/internal/graph"
	"github.com/olumi/cee/types"
)

const (
	branchEpsilon      = 0.01
	nearZeroThreshold  = 0.05
	nearOneThreshold   = 0.95
	strengthLowerBound = 0.3
	strengthUpperBound = 1.5
	maxSuggestions     = 10
)

// Options controls the optional verification stages.
type Options struct {
	// EngineValidation requests the external engine's post-validation.
	EngineValidation bool
	// EngineRequired makes engine unreachability fatal.
	EngineRequired bool
	// BannedPhrases is the brief-derived substring corpus stripped from
	// every telemetry event emitted during this verification run.
	BannedPhrases []string
}

// Verifier runs the fixed stage sequence.
type Verifier struct {
	engine  *EngineClient
	emit    EmitFunc
	logger  *zap.Logger
	stages  int
	nowFunc func() time.Time
}

// EmitFunc receives verification telemetry events. Payloads contain only
// ids, counts and latencies; the scrubber enforces this before emission.
type EmitFunc func(event string, fields map[string]any)

// New constructs a Verifier. engine may be nil when no engine base URL is
// configured; emit may be nil to disable telemetry.
func New(engine *EngineClient, emit EmitFunc, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		engine:  engine,
		emit:    emit,
		logger:  logger,
		stages:  5,
		nowFunc: time.Now,
	}
}

// Verify runs the staged checks against resp and writes the results into
// resp.Trace.Verification plus the top-level weight_suggestions and
// comparison_suggested fields. The graph is read, never written. A non-nil
// error is returned only for fatal failures (schema invalid, or a required
// engine that cannot be reached).
func (v *Verifier) Verify(ctx context.Context, resp *types.ResponseEnvelope, opts Options) error {
	start := v.nowFunc()
	scrub := NewScrubber()
	scrub.SetBanned(opts.BannedPhrases)
	emit := func(event string, fields map[string]any) {
		if v.emit == nil {
			return
		}
		v.emit(event, scrub.ScrubFields(fields))
	}
	trace := &types.VerificationTrace{
		SchemaValid:    true,
		IssuesDetected: []string{},
		TotalStages:    v.stages,
	}
	resp.Trace.Verification = trace

	// Stage 1: schema validation, fatal on failure. A blocked response has
	// no graph and nothing further to verify.
	if resp.Graph == nil {
		trace.VerificationLatencyMS = v.nowFunc().Sub(start).Milliseconds()
		return nil
	}
	if errs := graph.Errors(graph.Validate(resp.Graph)); len(errs) > 0 {
		trace.SchemaValid = false
		trace.IssuesDetected = append(trace.IssuesDetected, "SCHEMA_INVALID")
		trace.VerificationLatencyMS = v.nowFunc().Sub(start).Milliseconds()
		emit("verification_schema_invalid", map[string]any{"error_count": len(errs)})
		return types.NewError(types.ErrValidationFailed, "assembled response failed schema validation")
	}

	// Stages 2-4 only read the frozen graph, so they run concurrently.
	var (
		mu          sync.Mutex
		suggestions []types.WeightSuggestion
		comparison  bool
		branchIssue bool
	)
	var eg errgroup.Group
	eg.Go(func() error {
		branchIssue = auditBranchProbabilities(resp.Graph)
		return nil
	})
	eg.Go(func() error {
		s := suggestWeights(resp.Graph)
		mu.Lock()
		suggestions = s
		mu.Unlock()
		return nil
	})
	eg.Go(func() error {
		comparison = detectComparison(resp.Graph, resp.Options)
		return nil
	})
	_ = eg.Wait()

	if branchIssue {
		trace.IssuesDetected = append(trace.IssuesDetected, "BRANCH_PROBABILITIES_UNNORMALIZED")
	}
	if len(suggestions) > 0 {
		resp.WeightSuggestions = suggestions
		trace.IssuesDetected = append(trace.IssuesDetected, "WEIGHT_SUGGESTIONS")
	}
	if comparison {
		resp.ComparisonSuggested = true
	}

	// Stage 5: engine validation, only when requested.
	if opts.EngineValidation && v.engine != nil {
		violations, err := v.engine.Validate(ctx, resp.Graph)
		if err != nil {
			emit("verification_engine_unreachable", map[string]any{"required": opts.EngineRequired})
			if opts.EngineRequired {
				return types.NewError(types.ErrUpstreamUnavailable, "engine validation unavailable").
					WithRetryable(true).WithCause(err)
			}
		} else {
			for _, viol := range violations {
				trace.IssuesDetected = append(trace.IssuesDetected, viol.Code)
			}
		}
	}

	trace.VerificationLatencyMS = v.nowFunc().Sub(start).Milliseconds()
	emit("verification_complete", map[string]any{
		"latency_ms":       trace.VerificationLatencyMS,
		"issue_count":      len(trace.IssuesDetected),
		"suggestion_count": len(suggestions),
	})
	return nil
}

// auditBranchProbabilities reports whether any decision node's branch
// probabilities fail to sum to 1 within epsilon. Branch edges of a
// decision are the option edges attached to it.
func auditBranchProbabilities(g *graph.Graph) bool {
	for _, d := range g.Nodes {
		if d.Kind != graph.NodeDecision {
			continue
		}
		edges := branchEdges(g, d.ID)
		if len(edges) < 2 {
			continue
		}
		sum := 0.0
		for _, e := range edges {
			sum += e.ExistsProbability
		}
		if math.Abs(sum-1) > branchEpsilon {
			return true
		}
	}
	return false
}

// branchEdges returns the edges linking option nodes to the given decision,
// in canonical edge order.
func branchEdges(g *graph.Graph, decisionID string) []graph.Edge {
	idx := g.NodeIndex()
	var out []graph.Edge
	for _, e := range g.Edges {
		var optionID string
		switch decisionID {
		case e.To:
			optionID = e.From
		case e.From:
			optionID = e.To
		default:
			continue
		}
		if n, ok := idx[optionID]; ok && n.Kind == graph.NodeOption {
			out = append(out, e)
		}
	}
	return out
}

// suggestWeights scans for suspicious edge weights: uniform branch beliefs,
// near-zero and near-one exists probabilities, and strengths outside the
// plausible band. Near-zero/near-one findings outrank uniform ones; the
// result is capped at maxSuggestions.
func suggestWeights(g *graph.Graph) []types.WeightSuggestion {
	idx := g.NodeIndex()
	var nearExtreme, outOfBand, uniform []types.WeightSuggestion

	for _, e := range g.Edges {
		p := e.ExistsProbability
		if p < nearZeroThreshold {
			cur := p
			sug := 0.1
			nearExtreme = append(nearExtreme, types.WeightSuggestion{
				EdgeID:          e.ID,
				Reason:          "near_zero_probability",
				CurrentBelief:   &cur,
				SuggestedBelief: &sug,
				Confidence:      0.8,
				Rationale:       rationaleFor(idx, e, "is close to impossible; consider removing the edge or raising its probability"),
			})
		} else if p > nearOneThreshold && p < 1 {
			cur := p
			sug := 0.9
			nearExtreme = append(nearExtreme, types.WeightSuggestion{
				EdgeID:          e.ID,
				Reason:          "near_one_probability",
				CurrentBelief:   &cur,
				SuggestedBelief: &sug,
				Confidence:      0.8,
				Rationale:       rationaleFor(idx, e, "is treated as almost certain; consider expressing it as a definite link or lowering the probability"),
			})
		}
		if e.Strength != nil && (e.Strength.Mean < strengthLowerBound || e.Strength.Mean > strengthUpperBound) {
			cur := e.Strength.Mean
			outOfBand = append(outOfBand, types.WeightSuggestion{
				EdgeID:        e.ID,
				Reason:        "strength_out_of_range",
				CurrentBelief: &cur,
				Confidence:    0.6,
				Rationale:     rationaleFor(idx, e, "has an implausible causal strength"),
			})
		}
	}

	for _, d := range g.Nodes {
		if d.Kind != graph.NodeDecision {
			continue
		}
		edges := branchEdges(g, d.ID)
		if len(edges) < 3 {
			continue
		}
		allEqual := true
		for _, e := range edges[1:] {
			if e.ExistsProbability != edges[0].ExistsProbability {
				allEqual = false
				break
			}
		}
		if allEqual {
			for _, e := range edges {
				cur := e.ExistsProbability
				uniform = append(uniform, types.WeightSuggestion{
					EdgeID:        e.ID,
					Reason:        "uniform_branch_beliefs",
					CurrentBelief: &cur,
					Confidence:    0.5,
					Rationale:     rationaleFor(idx, e, "shares an identical belief with every sibling branch; differentiate them if evidence allows"),
				})
			}
		}
	}

	out := append(nearExtreme, outOfBand...)
	out = append(out, uniform...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].EdgeID < out[j].EdgeID })
	// Re-apply priority after the stable ordering pass.
	sort.SliceStable(out, func(i, j int) bool {
		return suggestionRank(out[i].Reason) < suggestionRank(out[j].Reason)
	})
	if len(out) > maxSuggestions {
		out = out[:maxSuggestions]
	}
	return out
}

func suggestionRank(reason string) int {
	switch reason {
	case "near_zero_probability", "near_one_probability":
		return 0
	case "strength_out_of_range":
		return 1
	default:
		return 2
	}
}

// rationaleFor renders a human-readable rationale using node labels from
// the graph itself.
func rationaleFor(idx map[string]*graph.Node, e graph.Edge, tail string) string {
	from, to := e.From, e.To
	if n, ok := idx[e.From]; ok && n.Label != "" {
		from = n.Label
	}
	if n, ok := idx[e.To]; ok && n.Label != "" {
		to = n.Label
	}
	return "The link from " + from + " to " + to + " " + tail + "."
}

// detectComparison reports whether at least two options share at least one
// outcome, which suggests a side-by-side comparison view.
func detectComparison(g *graph.Graph, options []graph.Option) bool {
	idx := g.NodeIndex()
	outcomesByOption := make(map[string]map[string]bool)
	for _, e := range g.Edges {
		fromNode, ok := idx[e.From]
		if !ok || fromNode.Kind != graph.NodeOption {
			continue
		}
		toNode, ok := idx[e.To]
		if !ok || toNode.Kind != graph.NodeOutcome {
			continue
		}
		if outcomesByOption[e.From] == nil {
			outcomesByOption[e.From] = make(map[string]bool)
		}
		outcomesByOption[e.From][e.To] = true
	}
	if len(outcomesByOption) < 2 {
		return false
	}
	counts := make(map[string]int)
	for _, outs := range outcomesByOption {
		for o := range outs {
			counts[o]++
			if counts[o] >= 2 {
				return true
			}
		}
	}
	return false
}
