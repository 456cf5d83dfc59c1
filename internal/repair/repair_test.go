package repair

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/olumi/cee/internal/graph"
	"github.com/olumi/cee/llm"
)

// scriptedAdapter plays back canned draft/repair responses.
type scriptedAdapter struct {
	draft     json.RawMessage
	draftErr  error
	repairs   []json.RawMessage
	repairErr error
	calls     int
}

func (a *scriptedAdapter) DraftGraph(context.Context, llm.DraftGraphRequest) (llm.DraftGraphResult, error) {
	if a.draftErr != nil {
		return llm.DraftGraphResult{}, a.draftErr
	}
	return llm.DraftGraphResult{RawGraph: a.draft}, nil
}

func (a *scriptedAdapter) SuggestOptions(context.Context, llm.SuggestOptionsRequest) (llm.SuggestOptionsResult, error) {
	return llm.SuggestOptionsResult{}, nil
}

func (a *scriptedAdapter) RepairGraph(context.Context, llm.RepairGraphRequest) (llm.RepairGraphResult, error) {
	if a.repairErr != nil {
		return llm.RepairGraphResult{}, a.repairErr
	}
	if a.calls >= len(a.repairs) {
		return llm.RepairGraphResult{}, errors.New("no more scripted repairs")
	}
	raw := a.repairs[a.calls]
	a.calls++
	return llm.RepairGraphResult{RawGraph: raw}, nil
}

const validDraft = `{"nodes":[{"id":"g1","kind":"goal","label":"Goal"},{"id":"d1","kind":"decision","label":"Decision"}],"edges":[{"from":"d1","to":"g1","exists_probability":1,"effect_direction":"positive"}]}`

const badIDDraft = `{"nodes":[{"id":"g1","kind":"goal","label":"Goal"},{"id":"9bad","kind":"decision","label":"Bad"}],"edges":[]}`

func TestGenerateGraph_ValidFirstTry(t *testing.T) {
	r := New(&scriptedAdapter{draft: json.RawMessage(validDraft)}, 2, zap.NewNop())

	res, err := r.GenerateGraph(context.Background(), llm.DraftGraphRequest{Brief: "b", Seed: 17})
	require.NoError(t, err)
	assert.False(t, res.RepairUsed)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, res.Graph.Nodes, 2)
	assert.Equal(t, int64(17), res.Graph.DefaultSeed)
}

func TestGenerateGraph_LLMRepairSucceeds(t *testing.T) {
	adapter := &scriptedAdapter{
		draft:   json.RawMessage(badIDDraft),
		repairs: []json.RawMessage{json.RawMessage(validDraft)},
	}
	r := New(adapter, 2, zap.NewNop())

	res, err := r.GenerateGraph(context.Background(), llm.DraftGraphRequest{Brief: "b"})
	require.NoError(t, err)
	assert.True(t, res.RepairUsed)
	assert.Equal(t, 2, res.Attempts)
	assert.NotEmpty(t, res.RepairHistory)
}

func TestLoop_DeterministicFallback(t *testing.T) {
	// The adapter's repair keeps self-loops; the deterministic fallback
	// must drop them.
	g := &graph.Graph{
		SchemaVersion: "3.0",
		Nodes: []graph.Node{
			{ID: "g1", Kind: graph.NodeGoal, Label: "Goal"},
			{ID: "d1", Kind: graph.NodeDecision, Label: "Decision"},
		},
		Edges: []graph.Edge{
			{From: "d1", To: "d1", ExistsProbability: 1},
			{From: "d1", To: "g1", ExistsProbability: 1},
		},
	}
	Normalize(g)

	adapter := &scriptedAdapter{repairErr: errors.New("provider down")}
	r := New(adapter, 2, zap.NewNop())

	res, err := r.Loop(context.Background(), g)
	require.NoError(t, err)
	assert.True(t, res.RepairUsed)
	assert.Contains(t, res.RepairHistory, "deterministic fallback")
	for _, e := range res.Graph.Edges {
		assert.NotEqual(t, e.From, e.To)
	}
}

func TestLoop_ExhaustionReturnsValidationError(t *testing.T) {
	// An empty graph cannot be fixed by truncation.
	g := &graph.Graph{SchemaVersion: "3.0"}
	adapter := &scriptedAdapter{repairErr: errors.New("provider down")}
	r := New(adapter, 1, zap.NewNop())

	_, err := r.Loop(context.Background(), g)
	var gve *GraphValidationError
	require.ErrorAs(t, err, &gve)
	assert.NotEmpty(t, gve.Errors)
	assert.NotNil(t, gve.LastGraph)
	assert.Equal(t, "empty_graph", gve.Errors[0].Code)
}

func TestGenerateGraph_DraftErrorPropagates(t *testing.T) {
	adapter := &scriptedAdapter{draftErr: errors.New("upstream down")}
	r := New(adapter, 2, zap.NewNop())

	_, err := r.GenerateGraph(context.Background(), llm.DraftGraphRequest{Brief: "b"})
	require.Error(t, err)
}
