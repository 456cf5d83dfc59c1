package pipeline

import (
	"math"
	"strings"

	"github.com/olumi/cee/internal/graph"
)

const branchEpsilon = 0.01

// earlySTRP standardises edge numeric fields: exists probabilities are
// clamped into [0,1] and decision-branch beliefs are renormalised to sum
// to 1 when they drift past epsilon. Every change is recorded.
func earlySTRP(g *graph.Graph) []graph.Mutation {
	var muts []graph.Mutation

	for i := range g.Edges {
		e := &g.Edges[i]
		clamped := math.Min(1, math.Max(0, e.ExistsProbability))
		if clamped != e.ExistsProbability {
			muts = append(muts, graph.Mutation{
				Rule:   "clamp_exists_probability",
				Field:  "edges." + e.ID + ".exists_probability",
				Before: e.ExistsProbability,
				After:  clamped,
			})
			e.ExistsProbability = clamped
		}
		if e.Strength != nil && e.Strength.Std < 0 {
			muts = append(muts, graph.Mutation{
				Rule:   "clamp_strength_std",
				Field:  "edges." + e.ID + ".strength.std",
				Before: e.Strength.Std,
				After:  0.0,
			})
			e.Strength.Std = 0
		}
	}

	muts = append(muts, normalizeBranchBeliefs(g)...)
	return muts
}

// lateSTRP is the constraint-oriented pass run after enrichment: it
// re-checks the numeric constraints that earlier stages may have
// disturbed.
func lateSTRP(g *graph.Graph) []graph.Mutation {
	var muts []graph.Mutation
	for i := range g.Edges {
		e := &g.Edges[i]
		clamped := math.Min(1, math.Max(0, e.ExistsProbability))
		if clamped != e.ExistsProbability {
			muts = append(muts, graph.Mutation{
				Rule:   "clamp_exists_probability_late",
				Field:  "edges." + e.ID + ".exists_probability",
				Before: e.ExistsProbability,
				After:  clamped,
			})
			e.ExistsProbability = clamped
		}
	}
	muts = append(muts, normalizeBranchBeliefs(g)...)
	return muts
}

// normalizeBranchBeliefs scales each decision's branch probabilities to
// sum to 1 when two or more branches exist and the sum has drifted.
func normalizeBranchBeliefs(g *graph.Graph) []graph.Mutation {
	var muts []graph.Mutation
	idx := g.NodeIndex()

	for _, d := range g.Nodes {
		if d.Kind != graph.NodeDecision {
			continue
		}
		var branch []*graph.Edge
		sum := 0.0
		for i := range g.Edges {
			e := &g.Edges[i]
			var optID string
			switch d.ID {
			case e.To:
				optID = e.From
			case e.From:
				optID = e.To
			default:
				continue
			}
			if n, ok := idx[optID]; ok && n.Kind == graph.NodeOption {
				branch = append(branch, e)
				sum += e.ExistsProbability
			}
		}
		if len(branch) < 2 || sum <= 0 || math.Abs(sum-1) <= branchEpsilon {
			continue
		}
		for _, e := range branch {
			before := e.ExistsProbability
			e.ExistsProbability = before / sum
			muts = append(muts, graph.Mutation{
				Rule:   "normalize_branch_beliefs",
				Field:  "edges." + e.ID + ".exists_probability",
				Before: before,
				After:  e.ExistsProbability,
			})
		}
	}
	return muts
}

// bannedFromBrief derives the telemetry-banned substring corpus from the
// user's brief: the whole text plus its individual words.
func bannedFromBrief(brief string) []string {
	if brief == "" {
		return nil
	}
	out := []string{brief}
	out = append(out, strings.Fields(brief)...)
	return out
}
