package graph

// TargetMatch reconciles an LLM-named intervention target against an
// actual factor-node id.
type TargetMatch struct {
	RequestedTarget string `json:"requested_target"`
	ResolvedFactor  string `json:"resolved_factor,omitempty"`
	Matched         bool   `json:"matched"`
}

// Intervention is a numeric target value proposed for a factor node.
type Intervention struct {
	FactorNodeID string  `json:"factor_node_id"`
	Target       float64 `json:"target"`
	Provenance   string  `json:"provenance,omitempty"`
}

// OptionStatus enumerates whether an option's interventions fully resolved.
type OptionStatus string

const (
	OptionReady   OptionStatus = "ready"
	OptionBlocked OptionStatus = "blocked"
)

// Option is a derived entity assembled from the option nodes attached to
// decision nodes.
type Option struct {
	ID            string         `json:"id"`
	Label         string         `json:"label"`
	Interventions []Intervention `json:"interventions"`
	Status        OptionStatus   `json:"status"`
	TargetMatches []TargetMatch  `json:"target_matches,omitempty"`
}

// Mutation records a single STRP transform applied to the graph (the
// glossary's "STRP" — Structured Transform & Repair Pass).
type Mutation struct {
	Rule   string `json:"rule"`
	Field  string `json:"field"`
	Before any    `json:"before"`
	After  any    `json:"after"`
}

// Blocker describes a reason the pipeline could not produce a ready
// analysis.
type Blocker struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// ModelAdjustment records a model-side correction surfaced to the caller.
type ModelAdjustment struct {
	Field  string `json:"field"`
	Before any    `json:"before"`
	After  any    `json:"after"`
	Reason string `json:"reason"`
}

// AnalysisReadyEnvelope is the ready/blocked envelope .
type AnalysisReadyEnvelope struct {
	Status           string            `json:"status"`
	GoalNodeID       string            `json:"goal_node_id,omitempty"`
	Options          []Option          `json:"options"`
	Blockers         []Blocker         `json:"blockers"`
	ModelAdjustments []ModelAdjustment `json:"model_adjustments"`
}

// NewBlockedEnvelope returns the canonical blocked shape: empty options,
// the supplied blockers, status "blocked".
func NewBlockedEnvelope(blockers []Blocker) AnalysisReadyEnvelope {
	return AnalysisReadyEnvelope{
		Status:           "blocked",
		Options:          []Option{},
		Blockers:         blockers,
		ModelAdjustments: []ModelAdjustment{},
	}
}

// NewReadyEnvelope returns a ready envelope with no blockers.
func NewReadyEnvelope(goalNodeID string, options []Option) AnalysisReadyEnvelope {
	if options == nil {
		options = []Option{}
	}
	return AnalysisReadyEnvelope{
		Status:           "ready",
		GoalNodeID:       goalNodeID,
		Options:          options,
		Blockers:         []Blocker{},
		ModelAdjustments: []ModelAdjustment{},
	}
}
