package llm_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olumi/cee/llm"
	"github.com/olumi/cee/testutil"
	"github.com/olumi/cee/testutil/mocks"
)

const fencedDraft = "Here is the graph:\n```json\n{\"nodes\":[{\"id\":\"g1\",\"kind\":\"goal\",\"label\":\"Goal\"}],\"edges\":[]}\n```"

func TestChatGraphAdapter_DraftGraph(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse(fencedDraft)
	adapter := llm.NewChatGraphAdapter(provider, "mock-model", 0)

	res, err := adapter.DraftGraph(testutil.TestContext(t), llm.DraftGraphRequest{
		Brief: "Decide something",
		Seed:  17,
	})
	require.NoError(t, err)
	assert.Contains(t, string(res.RawGraph), `"g1"`)

	// The adapter sends the request under its configured model.
	last := provider.GetLastCall()
	require.NotNil(t, last)
	require.NotNil(t, last.Request)
	assert.Equal(t, "mock-model", last.Request.Model)
}

func TestChatGraphAdapter_RepairGraph(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse(fencedDraft)
	adapter := llm.NewChatGraphAdapter(provider, "mock-model", 0)

	res, err := adapter.RepairGraph(testutil.TestContext(t), llm.RepairGraphRequest{
		RawGraph:   []byte(`{"nodes":[],"edges":[]}`),
		Violations: []string{"graph contains no nodes"},
	})
	require.NoError(t, err)
	assert.Contains(t, string(res.RawGraph), `"nodes"`)
}

func TestChatGraphAdapter_NonJSONResponse(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("I cannot produce a graph for that.")
	adapter := llm.NewChatGraphAdapter(provider, "mock-model", 0)

	_, err := adapter.DraftGraph(testutil.TestContext(t), llm.DraftGraphRequest{Brief: "b"})
	require.Error(t, err)
}

func TestChatGraphAdapter_ProviderError(t *testing.T) {
	provider := mocks.NewMockProvider().WithError(errors.New("upstream down"))
	adapter := llm.NewChatGraphAdapter(provider, "mock-model", 0)

	_, err := adapter.DraftGraph(testutil.TestContext(t), llm.DraftGraphRequest{Brief: "b"})
	require.Error(t, err)
}

func TestExtractJSON(t *testing.T) {
	raw, err := llm.ExtractJSON("```json\n{\"a\":1}\n```")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	raw, err = llm.ExtractJSON(`{"a":1}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	_, err = llm.ExtractJSON("not json at all")
	require.Error(t, err)
}
