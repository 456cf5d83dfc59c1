package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/olumi/cee/internal/graph"
	"github.com/olumi/cee/internal/verify"
	"github.com/olumi/cee/llm"
	"github.com/olumi/cee/types"
)

// stageDraft obtains the initial graph: either the caller supplied one, or
// the provider drafts it from the brief. The result is trimmed, resolved,
// id-assigned, sorted and laid out deterministically.
func (p *Pipeline) stageDraft(ctx context.Context, pc *Context) error {
	var g *graph.Graph

	if len(pc.SuppliedGraph) > 0 {
		parsed, err := graph.ParseDraft(pc.SuppliedGraph, pc.Seed)
		if err != nil {
			pc.EarlyReturn = &EarlyReturn{Err: types.NewError(types.ErrBadInput, "supplied graph did not parse").
				WithHTTPStatus(400).WithCause(err)}
			return nil
		}
		g = parsed
	} else {
		if pc.Brief == "" {
			pc.EarlyReturn = &EarlyReturn{Err: types.NewError(types.ErrBadInput, "brief is required").WithHTTPStatus(400)}
			return nil
		}
		if p.counter != nil {
			if n, err := p.counter.CountTokens(pc.Brief); err == nil && n > p.cfg.MaxBriefTokens {
				pc.EarlyReturn = &EarlyReturn{Err: types.NewError(types.ErrBadInput, "brief exceeds the token limit").
					WithHTTPStatus(400).
					WithDetail("max_tokens", p.cfg.MaxBriefTokens).
					WithDetail("token_count", n)}
				return nil
			}
		}

		draftCtx, cancel := context.WithTimeout(ctx, p.cfg.DraftTimeout)
		defer cancel()
		res, err := p.adapter.DraftGraph(draftCtx, llm.DraftGraphRequest{
			Brief:         pc.Brief,
			Seed:          pc.Seed,
			ArchetypeHint: pc.ArchetypeHint,
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return types.NewError(types.ErrTimeout, "draft timed out").WithRetryable(true).WithCause(err)
			}
			return err
		}
		pc.Rationales = res.Rationales
		pc.Usage = res.Usage

		parsed, err := graph.ParseDraft(res.RawGraph, pc.Seed)
		if err != nil {
			return types.NewError(types.ErrGraphInvalid, "draft did not parse as a graph").
				WithHTTPStatus(400).WithCause(err)
		}
		g = parsed
	}

	if len(g.Nodes) == 0 {
		return types.NewError(types.ErrGraphInvalid, "drafted graph is empty").
			WithHTTPStatus(400).
			WithDetail("reason", "empty_graph").
			WithDetail("node_count", 0).
			WithDetail("edge_count", 0)
	}

	g.Truncate()
	g.DropUnresolvedEdges()
	graph.AssignEdgeIDs(g.Edges)
	g.SortCanonical()
	g.AssignLayout()

	pc.Graph = g
	return nil
}

// stageNormalize runs the early transform pass and schema validation,
// falling into the repair loop when error-severity issues remain.
func (p *Pipeline) stageNormalize(ctx context.Context, pc *Context) error {
	pc.Mutations = append(pc.Mutations, earlySTRP(pc.Graph)...)

	issues := graph.Validate(pc.Graph)
	if errs := graph.Errors(issues); len(errs) > 0 {
		res, err := p.repairer.Loop(ctx, pc.Graph)
		pc.RepairAttempts += res.Attempts
		pc.RepairHistory = append(pc.RepairHistory, res.RepairHistory...)
		if res.RepairUsed {
			pc.RepairUsed = true
		}
		if err != nil {
			if gve, ok := asGraphValidationError(err); ok {
				pc.blockFromIssues(gve.Errors)
				return nil
			}
			return err
		}
		pc.Graph = res.Graph
		pc.Warnings = append(pc.Warnings, res.Warnings...)
		pc.Graph.AssignLayout()
		return nil
	}

	pc.Warnings = append(pc.Warnings, graph.StructuralWarnings(pc.Graph)...)
	return nil
}

// stageEnrich infers the archetype, backfills factor baselines and captures
// the plan annotation.
func (p *Pipeline) stageEnrich(_ context.Context, pc *Context) error {
	if pc.Blocked {
		return nil
	}

	pc.Archetype = inferArchetype(pc.Graph, pc.ArchetypeHint)

	// Factor enrichment: a deterministic baseline stands in wherever the
	// draft left a factor unobserved.
	for i := range pc.Graph.Nodes {
		n := &pc.Graph.Nodes[i]
		if n.Kind == graph.NodeFactor && n.ObservedState == nil {
			n.ObservedState = &graph.ObservedState{Source: "baseline_default"}
			pc.Mutations = append(pc.Mutations, graph.Mutation{
				Rule:   "factor_baseline_default",
				Field:  "nodes." + n.ID + ".observed_state",
				Before: nil,
				After:  n.ObservedState,
			})
		}
	}

	ann, id, hash, err := buildPlanAnnotation(pc.Graph, pc.Archetype, p.cfg.Provenance)
	if err != nil {
		return types.NewError(types.ErrInternal, "plan annotation failed").WithCause(err)
	}
	pc.PlanAnnotation = ann
	pc.PlanID = id
	pc.PlanHash = hash
	return nil
}

// stageStabilize runs the late transform pass, derives options from the
// decision structure and re-enters the repair loop if error-severity
// issues remain.
func (p *Pipeline) stageStabilize(ctx context.Context, pc *Context) error {
	if pc.Blocked {
		return nil
	}

	pc.Mutations = append(pc.Mutations, lateSTRP(pc.Graph)...)

	pc.GoalNodeID = firstNodeOfKind(pc.Graph, graph.NodeGoal)
	pc.Options = deriveOptions(pc.Graph)

	issues := graph.Validate(pc.Graph)
	if errs := graph.Errors(issues); len(errs) > 0 {
		res, err := p.repairer.Loop(ctx, pc.Graph)
		pc.RepairAttempts += res.Attempts
		pc.RepairHistory = append(pc.RepairHistory, res.RepairHistory...)
		if res.RepairUsed {
			pc.RepairUsed = true
		}
		if err != nil {
			if gve, ok := asGraphValidationError(err); ok {
				pc.blockFromIssues(gve.Errors)
				return nil
			}
			return err
		}
		pc.Graph = res.Graph
		pc.Graph.AssignLayout()
		pc.GoalNodeID = firstNodeOfKind(pc.Graph, graph.NodeGoal)
		pc.Options = deriveOptions(pc.Graph)
	}
	return nil
}

// stagePackage assembles the final envelope. The graph is frozen on entry:
// in non-production builds a canonical snapshot taken here is compared at
// exit and any drift is fatal.
func (p *Pipeline) stagePackage(ctx context.Context, pc *Context) error {
	if pc.Blocked {
		resp := types.NewBlockedResponse(pc.Blockers)
		p.attachTrace(pc, resp)
		pc.Response = resp
		if p.verifier != nil {
			if err := p.verifier.Verify(ctx, resp, p.verifyOptions(pc)); err != nil {
				return err
			}
		}
		return nil
	}

	var entrySnapshot []byte
	if !p.cfg.Production {
		snap, err := pc.Graph.CanonicalJSON()
		if err != nil {
			return types.NewError(types.ErrInternal, "snapshot failed").WithCause(err)
		}
		entrySnapshot = snap
	}

	resp := &types.ResponseEnvelope{
		SchemaVersion: types.SchemaVersion,
		Graph:         pc.Graph,
		Nodes:         append([]graph.Node{}, pc.Graph.Nodes...),
		Edges:         append([]graph.Edge{}, pc.Graph.Edges...),
		Options:       pc.Options,
		AnalysisReady: graph.NewReadyEnvelope(pc.GoalNodeID, pc.Options),
	}
	if resp.Options == nil {
		resp.Options = []graph.Option{}
	}

	resp.Quality = computeQuality(pc.Graph, pc.Warnings)
	resp.Guidance = buildGuidance(pc.Archetype, pc.Warnings)
	if pc.Archetype != nil {
		resp.Coaching = coachingFor(pc.Archetype.Name)
	}
	applyResponseCaps(pc, resp)
	p.attachTrace(pc, resp)

	if p.verifier != nil {
		if err := p.verifier.Verify(ctx, resp, p.verifyOptions(pc)); err != nil {
			return err
		}
	}

	if !p.cfg.Production {
		exit, err := pc.Graph.CanonicalJSON()
		if err != nil {
			return types.NewError(types.ErrInternal, "snapshot failed").WithCause(err)
		}
		if string(entrySnapshot) != string(exit) {
			return types.NewError(types.ErrInternal, "graph mutated after freeze")
		}
	}

	pc.Response = resp
	return nil
}

func (p *Pipeline) verifyOptions(pc *Context) verify.Options {
	return verify.Options{
		EngineValidation: p.cfg.EngineValidation,
		EngineRequired:   p.cfg.EngineRequired,
		BannedPhrases:    bannedFromBrief(pc.Brief),
	}
}

func (p *Pipeline) attachTrace(pc *Context, resp *types.ResponseEnvelope) {
	prov := p.cfg.Provenance
	prov.PipelinePath = "unified"
	prov.ModelOverrideActive = p.cfg.ModelOverrideActive
	prov.PlanID = pc.PlanID
	prov.PlanHash = pc.PlanHash

	warnings := pc.Warnings
	if warnings == nil {
		warnings = []graph.Issue{}
	}
	mutations := pc.Mutations
	if mutations == nil {
		mutations = []graph.Mutation{}
	}
	resp.Trace = types.Trace{
		RequestID:      pc.RequestID,
		Provenance:     prov,
		Archetype:      pc.Archetype,
		Mutations:      mutations,
		Warnings:       warnings,
		Checkpoints:    pc.Checkpoints,
		RepairAttempts: pc.RepairAttempts,
		RepairUsed:     pc.RepairUsed,
		PlanAnnotation: pc.PlanAnnotation,
	}
}

// applyResponseCaps bounds every response collection and records which
// ones were cut.
func applyResponseCaps(pc *Context, resp *types.ResponseEnvelope) {
	const (
		maxOptions   = 12
		maxWarnings  = 20
		maxMutations = 50
	)
	truncated := map[string]bool{}
	if len(resp.Options) > maxOptions {
		resp.Options = resp.Options[:maxOptions]
		resp.AnalysisReady.Options = resp.Options
		truncated["options"] = true
	}
	if len(pc.Warnings) > maxWarnings {
		pc.Warnings = pc.Warnings[:maxWarnings]
		truncated["warnings"] = true
	}
	if len(pc.Mutations) > maxMutations {
		pc.Mutations = pc.Mutations[:maxMutations]
		truncated["mutations"] = true
	}
	if len(truncated) > 0 {
		resp.Trace.Truncated = truncated
	}
}

func firstNodeOfKind(g *graph.Graph, kind graph.NodeKind) string {
	for _, n := range g.Nodes {
		if n.Kind == kind {
			return n.ID
		}
	}
	return ""
}

// deriveOptions assembles Option records from option nodes attached to
// decisions, with interventions read off their factor edges.
func deriveOptions(g *graph.Graph) []graph.Option {
	idx := g.NodeIndex()
	seen := map[string]bool{}
	var options []graph.Option

	for _, d := range g.Nodes {
		if d.Kind != graph.NodeDecision {
			continue
		}
		for _, e := range g.Edges {
			var optID string
			switch d.ID {
			case e.To:
				optID = e.From
			case e.From:
				optID = e.To
			default:
				continue
			}
			n, ok := idx[optID]
			if !ok || n.Kind != graph.NodeOption || seen[optID] {
				continue
			}
			seen[optID] = true
			options = append(options, buildOption(g, idx, n))
		}
	}
	return options
}

func buildOption(g *graph.Graph, idx map[string]*graph.Node, n *graph.Node) graph.Option {
	opt := graph.Option{
		ID:            n.ID,
		Label:         n.Label,
		Interventions: []graph.Intervention{},
		Status:        graph.OptionReady,
	}
	for _, e := range g.Edges {
		if e.From != n.ID {
			continue
		}
		target, ok := idx[e.To]
		if !ok || target.Kind != graph.NodeFactor {
			continue
		}
		value := e.ExistsProbability
		if e.Strength != nil {
			value = e.Strength.Mean
		}
		opt.Interventions = append(opt.Interventions, graph.Intervention{
			FactorNodeID: e.To,
			Target:       value,
			Provenance:   "edge:" + e.ID,
		})
		opt.TargetMatches = append(opt.TargetMatches, graph.TargetMatch{
			RequestedTarget: e.To,
			ResolvedFactor:  e.To,
			Matched:         true,
		})
	}
	return opt
}

func buildGuidance(arch *types.ArchetypeInfo, warnings []graph.Issue) types.Guidance {
	g := types.Guidance{
		Summary:   "Draft graph assembled and validated.",
		NextSteps: []string{"Review the drafted options", "Adjust edge beliefs where evidence disagrees"},
	}
	if arch != nil && arch.Name != "generic" {
		g.Summary = fmt.Sprintf("Draft graph assembled and validated (%s decision).", arch.Name)
	}
	if len(warnings) > 0 {
		g.NextSteps = append(g.NextSteps, fmt.Sprintf("Resolve %d structural warnings", len(warnings)))
	}
	return g
}

func coachingFor(archetype string) *types.Coaching {
	prompts := map[string][]string{
		"buy-vs-build": {
			"What is the total cost of ownership for each path over three years?",
			"Which capabilities are differentiating enough to justify building?",
		},
		"investment": {
			"What is the downside scenario and its probability?",
			"Which factors dominate the expected return?",
		},
		"hiring": {
			"Which skills are must-have versus trainable?",
			"What does the opportunity cost of a slow hire look like?",
		},
	}
	ps, ok := prompts[archetype]
	if !ok {
		return nil
	}
	return &types.Coaching{Archetype: archetype, Prompts: ps}
}
