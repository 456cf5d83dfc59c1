// Package fixtures implements the LLM_PROVIDER=fixtures adapter: an
// in-memory GraphAdapter returning canned draft/options/repair results
// selected by brief content, with no network access. CI and the test
// suites run against it.
package fixtures

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/olumi/cee/llm"
)

// Adapter is a deterministic llm.GraphAdapter backed by a small set of
// canned fixtures selected by brief content, falling back to a generic
// draft for anything unrecognised.
type Adapter struct {
	fixtures map[string]json.RawMessage
}

// New constructs the fixtures adapter with its built-in fixture set.
func New() *Adapter {
	return &Adapter{fixtures: builtinFixtures()}
}

func (a *Adapter) DraftGraph(_ context.Context, req llm.DraftGraphRequest) (llm.DraftGraphResult, error) {
	if req.Brief == "" {
		return llm.DraftGraphResult{RawGraph: emptyGraph}, nil
	}
	if raw, ok := a.fixtures["fixture:"+req.Brief]; ok {
		return llm.DraftGraphResult{RawGraph: raw}, nil
	}
	if raw, ok := a.fixtures[selectFixture(req.Brief)]; ok {
		return llm.DraftGraphResult{RawGraph: raw}, nil
	}
	return llm.DraftGraphResult{RawGraph: genericDraft(req)}, nil
}

// selectFixture maps brief content onto a named fixture; anything else
// falls through to the generic draft.
func selectFixture(brief string) string {
	lower := strings.ToLower(brief)
	switch {
	case strings.Contains(lower, "invalid-node"):
		return "fixture:invalid-node"
	case strings.Contains(lower, "buy") && strings.Contains(lower, "build"):
		return "fixture:buy-vs-build"
	default:
		return ""
	}
}

func (a *Adapter) SuggestOptions(_ context.Context, req llm.SuggestOptionsRequest) (llm.SuggestOptionsResult, error) {
	raw, _ := json.Marshal([]map[string]string{
		{"label": "Option A for " + req.Goal},
		{"label": "Option B for " + req.Goal},
	})
	return llm.SuggestOptionsResult{RawOptions: raw}, nil
}

func (a *Adapter) RepairGraph(_ context.Context, req llm.RepairGraphRequest) (llm.RepairGraphResult, error) {
	// The fixtures adapter has no model to reason with violations; it
	// returns the input graph unchanged so the caller's deterministic
	// fallback repair (internal/repair) takes over.
	return llm.RepairGraphResult{RawGraph: req.RawGraph}, nil
}

var emptyGraph = json.RawMessage(`{"nodes":[],"edges":[]}`)

// genericDraft produces a small, always-valid goal->decision->option->outcome
// shaped draft so any brief not matching a named fixture still exercises
// the full pipeline deterministically.
func genericDraft(req llm.DraftGraphRequest) json.RawMessage {
	doc := map[string]any{
		"nodes": []map[string]any{
			{"id": "g1", "kind": "goal", "label": "Achieve the stated objective"},
			{"id": "d1", "kind": "decision", "label": "Primary decision"},
			{"id": "o1", "kind": "option", "label": "Option one"},
			{"id": "o2", "kind": "option", "label": "Option two"},
			{"id": "out1", "kind": "outcome", "label": "Expected outcome"},
		},
		"edges": []map[string]any{
			{"from": "d1", "to": "g1", "exists_probability": 1.0, "effect_direction": "positive"},
			{"from": "o1", "to": "d1", "exists_probability": 0.6, "effect_direction": "positive"},
			{"from": "o2", "to": "d1", "exists_probability": 0.4, "effect_direction": "positive"},
			{"from": "o1", "to": "out1", "exists_probability": 0.8, "effect_direction": "positive"},
		},
	}
	raw, _ := json.Marshal(doc)
	return raw
}

// builtinFixtures seeds the canned fixture map, so scenarios referencing
// a known decision shape get a stable, hand-curated draft rather than the
// generic fallback.
func builtinFixtures() map[string]json.RawMessage {
	buyVsBuild := map[string]any{
		"nodes": []map[string]any{
			{"id": "g1", "kind": "goal", "label": "Launch CRM capability within 6 months"},
			{"id": "d1", "kind": "decision", "label": "Buy vs build CRM"},
			{"id": "o1", "kind": "option", "label": "Buy commercial CRM"},
			{"id": "o2", "kind": "option", "label": "Build in-house CRM"},
			{"id": "f1", "kind": "factor", "label": "Engineering capacity", "observed_state": map[string]any{"value": 6, "unit": "engineers"}},
			{"id": "out1", "kind": "outcome", "label": "On-time launch within budget"},
		},
		"edges": []map[string]any{
			{"from": "d1", "to": "g1", "exists_probability": 1.0, "effect_direction": "positive"},
			{"from": "o1", "to": "d1", "exists_probability": 0.55, "effect_direction": "positive"},
			{"from": "o2", "to": "d1", "exists_probability": 0.45, "effect_direction": "positive"},
			{"from": "f1", "to": "o2", "exists_probability": 0.9, "effect_direction": "negative"},
			{"from": "o1", "to": "out1", "exists_probability": 0.85, "effect_direction": "positive"},
			{"from": "o2", "to": "out1", "exists_probability": 0.5, "effect_direction": "positive"},
		},
	}
	raw, _ := json.Marshal(buyVsBuild)

	invalidNode := map[string]any{
		"nodes": []map[string]any{
			{"id": "g1", "kind": "goal", "label": "Goal"},
			{"id": "999-invalid", "kind": "decision", "label": "Malformed id"},
		},
		"edges": []map[string]any{
			{"from": "999-invalid", "to": "g1", "exists_probability": 1.0, "effect_direction": "positive"},
		},
	}
	invalidRaw, _ := json.Marshal(invalidNode)

	return map[string]json.RawMessage{
		"fixture:buy-vs-build": raw,
		"fixture:invalid-node": invalidRaw,
	}
}
