package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/olumi/cee/internal/graph"
	"github.com/olumi/cee/types"
)

// archetypeKeywords maps each named archetype to the label vocabulary that
// votes for it. Matching runs over node labels only; the brief itself is
// not consulted so classification stays deterministic for a given graph.
var archetypeKeywords = map[string][]string{
	"buy-vs-build": {"buy", "build", "vendor", "in-house", "commercial", "license"},
	"investment":   {"invest", "investment", "return", "portfolio", "capital", "fund"},
	"hiring":       {"hire", "hiring", "candidate", "recruit", "role", "headcount"},
}

// inferArchetype classifies the decision. An explicit hint naming a known
// archetype wins outright; otherwise keyword votes over node labels decide,
// falling back to "generic".
func inferArchetype(g *graph.Graph, hint string) *types.ArchetypeInfo {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if _, ok := archetypeKeywords[hint]; ok {
		return &types.ArchetypeInfo{Name: hint, MatchQuality: "hint", Confidence: 0.95}
	}

	var text strings.Builder
	for _, n := range g.Nodes {
		text.WriteString(strings.ToLower(n.Label))
		text.WriteString(" ")
	}
	corpus := text.String()

	bestName := "generic"
	bestVotes := 0
	// Iterate in fixed order for determinism.
	for _, name := range []string{"buy-vs-build", "hiring", "investment"} {
		votes := 0
		for _, kw := range archetypeKeywords[name] {
			if strings.Contains(corpus, kw) {
				votes++
			}
		}
		if votes > bestVotes {
			bestName, bestVotes = name, votes
		}
	}

	info := &types.ArchetypeInfo{Name: bestName}
	switch {
	case bestVotes >= 3:
		info.MatchQuality = "strong"
		info.Confidence = 0.9
	case bestVotes == 2:
		info.MatchQuality = "moderate"
		info.Confidence = 0.7
	case bestVotes == 1:
		info.MatchQuality = "weak"
		info.Confidence = 0.5
	default:
		info.MatchQuality = "none"
		info.Confidence = 0.3
	}
	return info
}

// planAnnotation is the mid-pipeline metadata bundle propagated verbatim
// into the final trace.
type planAnnotation struct {
	PlanID        string         `json:"plan_id"`
	PlanHash      string         `json:"plan_hash"`
	Confidence    map[string]any `json:"confidence"`
	OpenQuestions []string       `json:"open_questions"`
	ContextHash   string         `json:"context_hash"`
	ModelID       string         `json:"model_id"`
	PromptVersion string         `json:"prompt_version"`
}

// buildPlanAnnotation derives the annotation deterministically from the
// graph's canonical serialization, so identical inputs produce identical
// plans.
func buildPlanAnnotation(g *graph.Graph, arch *types.ArchetypeInfo, prov types.Provenance) (json.RawMessage, string, string, error) {
	canonical, err := g.CanonicalJSON()
	if err != nil {
		return nil, "", "", err
	}
	ctxSum := sha256.Sum256(canonical)
	contextHash := hex.EncodeToString(ctxSum[:])

	idSum := sha256.Sum256([]byte(contextHash + "|" + prov.PromptVersion))
	planID := "plan_" + hex.EncodeToString(idSum[:])[:12]

	conf := map[string]any{}
	if arch != nil {
		conf["archetype"] = arch.Confidence
	}

	ann := planAnnotation{
		PlanID:        planID,
		Confidence:    conf,
		OpenQuestions: []string{},
		ContextHash:   contextHash,
		ModelID:       prov.Model,
		PromptVersion: prov.PromptVersion,
	}
	body, err := json.Marshal(ann)
	if err != nil {
		return nil, "", "", err
	}
	hashSum := sha256.Sum256(body)
	ann.PlanHash = hex.EncodeToString(hashSum[:])[:16]

	raw, err := json.Marshal(ann)
	if err != nil {
		return nil, "", "", err
	}
	return raw, ann.PlanID, ann.PlanHash, nil
}
