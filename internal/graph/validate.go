package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Severity classifies a validation issue. Only error-severity issues
// trigger the repair loop; warnings ride along in the response trace.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single validation or structural finding. Messages reference
// node/edge ids only, never labels or body text.
type Issue struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
	EdgeID   string   `json:"edge_id,omitempty"`
}

// Errors filters issues down to error severity.
func Errors(issues []Issue) []Issue {
	var out []Issue
	for _, is := range issues {
		if is.Severity == SeverityError {
			out = append(out, is)
		}
	}
	return out
}

// Warnings filters issues down to warning severity.
func Warnings(issues []Issue) []Issue {
	var out []Issue
	for _, is := range issues {
		if is.Severity == SeverityWarning {
			out = append(out, is)
		}
	}
	return out
}

// idPattern: ids are stable and letter-first.
var idPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

var validKinds = map[NodeKind]bool{
	NodeGoal:     true,
	NodeDecision: true,
	NodeOption:   true,
	NodeFactor:   true,
	NodeOutcome:  true,
	NodeRisk:     true,
	NodeAction:   true,
}

var validDirections = map[EffectDirection]bool{
	EffectPositive: true,
	EffectNegative: true,
	EffectNone:     true,
	"":             true,
}

// draftNode and draftEdge mirror Node/Edge minus the derived fields, so a
// provider draft is decoded strictly: unknown keys are rejected rather than
// silently carried through.
type draftNode struct {
	ID            string         `json:"id"`
	Kind          NodeKind       `json:"kind"`
	Label         string         `json:"label"`
	Body          string         `json:"body,omitempty"`
	ObservedState *ObservedState `json:"observed_state,omitempty"`
}

type draftEdge struct {
	From              string                `json:"from"`
	To                string                `json:"to"`
	Strength          *StrengthDistribution `json:"strength,omitempty"`
	ExistsProbability float64               `json:"exists_probability"`
	EffectDirection   EffectDirection       `json:"effect_direction,omitempty"`
	Provenance        *Provenance           `json:"provenance,omitempty"`
}

type draftDoc struct {
	SchemaVersion string      `json:"schema_version,omitempty"`
	DefaultSeed   int64       `json:"default_seed,omitempty"`
	Nodes         []draftNode `json:"nodes"`
	Edges         []draftEdge `json:"edges"`
}

// ParseDraft decodes a raw provider draft into a Graph. Decoding is strict:
// unknown fields anywhere in the document are an error. The returned graph
// has no derived fields yet (edge ids, sorting, layout); those are assigned
// by the pipeline's draft stage.
func ParseDraft(raw json.RawMessage, seed int64) (*Graph, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var doc draftDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode draft: %w", err)
	}
	g := &Graph{
		SchemaVersion: "3.0",
		DefaultSeed:   seed,
		Nodes:         make([]Node, 0, len(doc.Nodes)),
		Edges:         make([]Edge, 0, len(doc.Edges)),
	}
	for _, n := range doc.Nodes {
		g.Nodes = append(g.Nodes, Node{
			ID:            n.ID,
			Kind:          n.Kind,
			Label:         n.Label,
			Body:          n.Body,
			ObservedState: n.ObservedState,
		})
	}
	for _, e := range doc.Edges {
		dir := e.EffectDirection
		if dir == "" {
			dir = EffectNone
		}
		g.Edges = append(g.Edges, Edge{
			From:              e.From,
			To:                e.To,
			Strength:          e.Strength,
			ExistsProbability: e.ExistsProbability,
			EffectDirection:   dir,
			Provenance:        e.Provenance,
		})
	}
	return g, nil
}

// Validate runs the schema-level checks. Every returned issue is
// error-severity; a non-empty result means the graph must be repaired
// before it can be packaged.
func Validate(g *Graph) []Issue {
	var issues []Issue
	if len(g.Nodes) == 0 {
		return []Issue{{
			Code:     "empty_graph",
			Severity: SeverityError,
			Message:  "graph contains no nodes",
		}}
	}

	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if !idPattern.MatchString(n.ID) {
			issues = append(issues, Issue{
				Code:     "validation_failure",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node id %q is not letter-first", n.ID),
				NodeID:   n.ID,
			})
		}
		if seen[n.ID] {
			issues = append(issues, Issue{
				Code:     "validation_failure",
				Severity: SeverityError,
				Message:  fmt.Sprintf("duplicate node id %q", n.ID),
				NodeID:   n.ID,
			})
		}
		seen[n.ID] = true
		if !validKinds[n.Kind] {
			issues = append(issues, Issue{
				Code:     "validation_failure",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %s has unknown kind %q", n.ID, n.Kind),
				NodeID:   n.ID,
			})
		}
		if strings.TrimSpace(n.Label) == "" {
			issues = append(issues, Issue{
				Code:     "validation_failure",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %s has an empty label", n.ID),
				NodeID:   n.ID,
			})
		}
	}

	idx := g.NodeIndex()
	for _, e := range g.Edges {
		if _, ok := idx[e.From]; !ok {
			issues = append(issues, Issue{
				Code:     "validation_failure",
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge %s references unknown node %q", e.ID, e.From),
				EdgeID:   e.ID,
			})
		}
		if _, ok := idx[e.To]; !ok {
			issues = append(issues, Issue{
				Code:     "validation_failure",
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge %s references unknown node %q", e.ID, e.To),
				EdgeID:   e.ID,
			})
		}
		if e.From == e.To {
			issues = append(issues, Issue{
				Code:     "validation_failure",
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge %s is a self-loop", e.ID),
				EdgeID:   e.ID,
			})
		}
		if e.ExistsProbability < 0 || e.ExistsProbability > 1 {
			issues = append(issues, Issue{
				Code:     "validation_failure",
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge %s exists_probability %v outside [0,1]", e.ID, e.ExistsProbability),
				EdgeID:   e.ID,
			})
		}
		if !validDirections[e.EffectDirection] {
			issues = append(issues, Issue{
				Code:     "validation_failure",
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge %s has unknown effect_direction %q", e.ID, e.EffectDirection),
				EdgeID:   e.ID,
			})
		}
	}

	if len(g.Nodes) > MaxNodes {
		issues = append(issues, Issue{
			Code:     "validation_failure",
			Severity: SeverityError,
			Message:  fmt.Sprintf("graph has %d nodes, maximum is %d", len(g.Nodes), MaxNodes),
		})
	}
	if len(g.Edges) > MaxEdges {
		issues = append(issues, Issue{
			Code:     "validation_failure",
			Severity: SeverityError,
			Message:  fmt.Sprintf("graph has %d edges, maximum is %d", len(g.Edges), MaxEdges),
		})
	}

	if !g.IsDAG() {
		issues = append(issues, Issue{
			Code:     "cycle",
			Severity: SeverityError,
			Message:  "graph contains a cycle",
		})
	}

	return issues
}

// StructuralWarnings runs the softer structural checks: findings here are
// advisory and never trigger repair on their own.
func StructuralWarnings(g *Graph) []Issue {
	var issues []Issue

	degree := make(map[string]int, len(g.Nodes))
	for _, e := range g.Edges {
		degree[e.From]++
		degree[e.To]++
	}
	idx := g.NodeIndex()

	for _, n := range g.Nodes {
		if degree[n.ID] == 0 {
			issues = append(issues, Issue{
				Code:     "disconnected_node",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("node %s has no edges", n.ID),
				NodeID:   n.ID,
			})
		}
		if n.Kind == NodeFactor && n.ObservedState == nil {
			issues = append(issues, Issue{
				Code:     "missing_baseline",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("factor %s has no observed_state baseline", n.ID),
				NodeID:   n.ID,
			})
		}
	}

	// Options not connected to any decision node.
	for _, n := range g.Nodes {
		if n.Kind != NodeOption {
			continue
		}
		connected := false
		for _, e := range g.Edges {
			var other string
			switch n.ID {
			case e.From:
				other = e.To
			case e.To:
				other = e.From
			default:
				continue
			}
			if o, ok := idx[other]; ok && o.Kind == NodeDecision {
				connected = true
				break
			}
		}
		if !connected && degree[n.ID] > 0 {
			issues = append(issues, Issue{
				Code:     "disconnected_option",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("option %s is not connected to any decision", n.ID),
				NodeID:   n.ID,
			})
		}
	}

	// Two options pulling the same levers: identical outgoing target sets.
	targets := make(map[string][]string)
	for _, e := range g.Edges {
		if n, ok := idx[e.From]; ok && n.Kind == NodeOption {
			targets[e.From] = append(targets[e.From], e.To)
		}
	}
	sig := make(map[string]string, len(targets))
	for id, ts := range targets {
		sort.Strings(ts)
		sig[id] = strings.Join(ts, ",")
	}
	var optionIDs []string
	for id := range sig {
		optionIDs = append(optionIDs, id)
	}
	sort.Strings(optionIDs)
	for i := 0; i < len(optionIDs); i++ {
		for j := i + 1; j < len(optionIDs); j++ {
			a, b := optionIDs[i], optionIDs[j]
			if sig[a] != "" && sig[a] == sig[b] {
				issues = append(issues, Issue{
					Code:     "same_lever_options",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("options %s and %s target the same nodes", a, b),
					NodeID:   a,
				})
			}
		}
	}

	// Uniform strengths across 3+ weighted edges.
	var means []float64
	for _, e := range g.Edges {
		if e.Strength != nil {
			means = append(means, e.Strength.Mean)
		}
	}
	if len(means) >= 3 {
		uniform := true
		for _, m := range means[1:] {
			if m != means[0] {
				uniform = false
				break
			}
		}
		if uniform {
			issues = append(issues, Issue{
				Code:     "uniform_strengths",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("all %d weighted edges share strength mean %v", len(means), means[0]),
			})
		}
	}

	return issues
}

// FormatViolations renders issues as the numbered block injected into the
// repair prompt.
func FormatViolations(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, is := range issues {
		out = append(out, is.Message)
	}
	return out
}
