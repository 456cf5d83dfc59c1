package pipeline

import (
	"math"

	"github.com/olumi/cee/internal/graph"
	"github.com/olumi/cee/types"
)

// computeQuality scores the packaged graph. Every component is a pure
// function of the frozen graph and collected warnings, keeping the result
// deterministic.
func computeQuality(g *graph.Graph, warnings []graph.Issue) types.Quality {
	counts := map[string]int{"error": 0, "warning": len(warnings)}

	structure := clamp01(1 - 0.1*float64(len(warnings)))

	weighted := 0
	for _, e := range g.Edges {
		if e.Strength != nil && e.EffectDirection != graph.EffectNone {
			weighted++
		}
	}
	causality := 0.0
	if len(g.Edges) > 0 {
		causality = float64(weighted) / float64(len(g.Edges))
	}

	wanted := []graph.NodeKind{graph.NodeGoal, graph.NodeDecision, graph.NodeOption, graph.NodeOutcome}
	present := 0
	for _, kind := range wanted {
		for _, n := range g.Nodes {
			if n.Kind == kind {
				present++
				break
			}
		}
	}
	coverage := float64(present) / float64(len(wanted))

	risky := 0
	for _, n := range g.Nodes {
		if n.Kind == graph.NodeRisk {
			risky++
		}
	}
	safety := clamp01(1 - 0.05*float64(risky))

	overall := (structure + causality + coverage + safety) / 4

	return types.Quality{
		Overall:     round2(overall),
		Structure:   round2(structure),
		Causality:   round2(causality),
		Coverage:    round2(coverage),
		Safety:      round2(safety),
		IssueCounts: counts,
		Details: map[string]any{
			"node_count": len(g.Nodes),
			"edge_count": len(g.Edges),
			"roots":      g.Roots(),
			"leaves":     g.Leaves(),
		},
	}
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
