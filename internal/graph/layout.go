package graph

import "sort"

// Layout constants: layer-assignment by longest path from any root,
// alphabetical intra-layer order, centred horizontally with fixed
// spacing.
const (
	LayerHeight = 150.0
	NodeWidth   = 180.0
	CanvasWidth = 800.0
	TopMargin   = 80.0
)

// AssignLayout computes deterministic suggested_positions for every node
// using longest-path-from-any-root layering, then writes SuggestedX/Y back
// onto the graph's nodes in place.
func (g *Graph) AssignLayout() {
	layer := longestPathLayers(g)

	maxLayer := 0
	for _, l := range layer {
		if l > maxLayer {
			maxLayer = l
		}
	}
	// Disconnected nodes (no edges at all, layer left at 0 by a root node
	// with no path computed) land one layer below the maximum.
	connected := make(map[string]bool, len(g.Nodes))
	for _, e := range g.Edges {
		connected[e.From] = true
		connected[e.To] = true
	}
	for _, n := range g.Nodes {
		if !connected[n.ID] {
			layer[n.ID] = maxLayer + 1
		}
	}

	byLayer := make(map[int][]string)
	for _, n := range g.Nodes {
		l := layer[n.ID]
		byLayer[l] = append(byLayer[l], n.ID)
	}
	for l := range byLayer {
		sort.Strings(byLayer[l])
	}

	idx := g.NodeIndex()
	for l, ids := range byLayer {
		count := len(ids)
		rowWidth := float64(count) * NodeWidth
		startX := (CanvasWidth - rowWidth) / 2
		for i, id := range ids {
			n := idx[id]
			n.SuggestedX = startX + float64(i)*NodeWidth
			n.SuggestedY = TopMargin + float64(l)*LayerHeight
		}
	}
}

// longestPathLayers computes, for every node, the longest path distance
// from any root (a node with no incoming edge) via BFS relaxation over a
// topologically-consistent traversal. Nodes unreachable from any root
// (e.g. inside a residual cycle after repair should have removed all
// cycles) default to layer 0.
func longestPathLayers(g *Graph) map[string]int {
	layer := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		layer[n.ID] = 0
	}

	indeg := make(map[string]int, len(g.Nodes))
	adj := make(map[string][]string, len(g.Nodes))
	for _, n := range g.Nodes {
		indeg[n.ID] = 0
	}
	for _, e := range g.Edges {
		adj[e.From] = append(adj[e.From], e.To)
		indeg[e.To]++
	}

	var queue []string
	ids := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := make(map[string]int, len(g.Nodes))
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range adj[id] {
			if layer[id]+1 > layer[next] {
				layer[next] = layer[id] + 1
			}
			visited[next]++
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return layer
}
