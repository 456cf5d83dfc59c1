package types

import (
	"encoding/json"
	"time"

	"github.com/olumi/cee/internal/graph"
)

// SchemaVersion is the wire schema carried by every draft-graph response.
const SchemaVersion = "3.0"

// RequestEnvelope is the body accepted by the draft-graph family of routes.
// Graph, when present, skips drafting and feeds the supplied graph straight
// into validation (the upstream-graph variant).
type RequestEnvelope struct {
	Brief         string          `json:"brief"`
	Seed          *int64          `json:"seed,omitempty"`
	ArchetypeHint string          `json:"archetype_hint,omitempty"`
	ClientTurnID  string          `json:"client_turn_id,omitempty"`
	Docs          []string        `json:"docs,omitempty"`
	Graph         json.RawMessage `json:"graph,omitempty"`
}

// Quality is the Stage 5 quality computation: component scores in [0,1],
// issue counts by severity, and derived details.
type Quality struct {
	Overall     float64        `json:"overall"`
	Structure   float64        `json:"structure"`
	Causality   float64        `json:"causality"`
	Coverage    float64        `json:"coverage"`
	Safety      float64        `json:"safety"`
	IssueCounts map[string]int `json:"issue_counts"`
	Details     map[string]any `json:"details,omitempty"`
}

// Guidance is the response's next-step coaching block.
type Guidance struct {
	Summary   string   `json:"summary"`
	NextSteps []string `json:"next_steps"`
}

// Coaching carries optional per-archetype coaching text.
type Coaching struct {
	Archetype string   `json:"archetype"`
	Prompts   []string `json:"prompts"`
}

// Provenance identifies exactly what produced a response.
type Provenance struct {
	Commit                  string `json:"commit"`
	Version                 string `json:"version"`
	BuildTimestamp          string `json:"build_timestamp"`
	PromptVersion           string `json:"prompt_version"`
	PromptSource            string `json:"prompt_source"`
	PromptOverrideActive    bool   `json:"prompt_override_active"`
	Model                   string `json:"model"`
	PipelinePath            string `json:"pipeline_path"`
	EngineBaseURLConfigured bool   `json:"engine_base_url_configured"`
	ModelOverrideActive     bool   `json:"model_override_active"`
	PromptStoreVersion      string `json:"prompt_store_version,omitempty"`
	PlanID                  string `json:"plan_id,omitempty"`
	PlanHash                string `json:"plan_hash,omitempty"`
}

// Checkpoint is a per-stage progress record appended when checkpointing is
// enabled. Payload is bounded by a size guard at capture time.
type Checkpoint struct {
	StageName string          `json:"stage_name"`
	NodeCount int             `json:"node_count"`
	EdgeCount int             `json:"edge_count"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// VerificationTrace is the verification layer's metadata-only summary.
type VerificationTrace struct {
	SchemaValid           bool     `json:"schema_valid"`
	VerificationLatencyMS int64    `json:"verification_latency_ms"`
	IssuesDetected        []string `json:"issues_detected"`
	TotalStages           int      `json:"total_stages"`
}

// WeightSuggestion proposes an edge-weight correction. Rationale references
// node labels from the graph itself, never brief text.
type WeightSuggestion struct {
	EdgeID          string   `json:"edge_id"`
	Reason          string   `json:"reason"`
	CurrentBelief   *float64 `json:"current_belief,omitempty"`
	SuggestedBelief *float64 `json:"suggested_belief,omitempty"`
	Confidence      float64  `json:"confidence"`
	AutoApplied     bool     `json:"auto_applied"`
	Rationale       string   `json:"rationale"`
}

// ArchetypeInfo is the Stage 3 classification outcome.
type ArchetypeInfo struct {
	Name         string  `json:"name"`
	MatchQuality string  `json:"match_quality"`
	Confidence   float64 `json:"confidence"`
}

// Trace is the response's diagnostic block.
type Trace struct {
	RequestID      string             `json:"request_id"`
	Provenance     Provenance         `json:"provenance"`
	Archetype      *ArchetypeInfo     `json:"archetype,omitempty"`
	Mutations      []graph.Mutation   `json:"mutations"`
	Warnings       []graph.Issue      `json:"warnings"`
	Checkpoints    []Checkpoint       `json:"checkpoints,omitempty"`
	RepairAttempts int                `json:"repair_attempts"`
	RepairUsed     bool               `json:"repair_used"`
	Truncated      map[string]bool    `json:"truncated,omitempty"`
	Verification   *VerificationTrace `json:"verification,omitempty"`
	PlanAnnotation json.RawMessage    `json:"plan_annotation,omitempty"`
}

// ResponseEnvelope is the draft-graph wire response. Graph has no omitempty
// on purpose: a blocked response must carry an explicit null, never omit
// the key.
type ResponseEnvelope struct {
	SchemaVersion       string                      `json:"schema_version"`
	Graph               *graph.Graph                `json:"graph"`
	Nodes               []graph.Node                `json:"nodes"`
	Edges               []graph.Edge                `json:"edges"`
	Options             []graph.Option              `json:"options"`
	AnalysisReady       graph.AnalysisReadyEnvelope `json:"analysis_ready"`
	Quality             Quality                     `json:"quality"`
	Guidance            Guidance                    `json:"guidance"`
	Trace               Trace                       `json:"trace"`
	Coaching            *Coaching                   `json:"coaching,omitempty"`
	WeightSuggestions   []WeightSuggestion          `json:"weight_suggestions,omitempty"`
	ComparisonSuggested bool                        `json:"comparison_suggested,omitempty"`
}

// NewBlockedResponse assembles the canonical blocked shape: explicit null
// graph, empty collections, non-empty blockers.
func NewBlockedResponse(blockers []graph.Blocker) *ResponseEnvelope {
	return &ResponseEnvelope{
		SchemaVersion: SchemaVersion,
		Graph:         nil,
		Nodes:         []graph.Node{},
		Edges:         []graph.Edge{},
		Options:       []graph.Option{},
		AnalysisReady: graph.NewBlockedEnvelope(blockers),
		Quality:       Quality{IssueCounts: map[string]int{"error": len(blockers)}},
		Guidance: Guidance{
			Summary:   "The drafted graph could not be validated. Correct the blockers and retry.",
			NextSteps: []string{"Review the blockers list", "Adjust the brief or supplied graph", "Retry the request"},
		},
	}
}
