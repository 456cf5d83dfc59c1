package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/olumi/cee/internal/boundary"
	"github.com/olumi/cee/internal/graph"
	"github.com/olumi/cee/internal/idempotency"
	"github.com/olumi/cee/internal/pipeline"
	"github.com/olumi/cee/llm"
	"github.com/olumi/cee/types"
)

// AssistHandler serves the draft-graph family of routes.
type AssistHandler struct {
	pipe      *pipeline.Pipeline
	adapter   llm.GraphAdapter
	idem      *idempotency.Store
	legacySSE bool
	logger    *zap.Logger
}

// NewAssistHandler builds the handler. idem may be nil to disable
// idempotent replay.
func NewAssistHandler(pipe *pipeline.Pipeline, adapter llm.GraphAdapter, idem *idempotency.Store, legacySSE bool, logger *zap.Logger) *AssistHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssistHandler{pipe: pipe, adapter: adapter, idem: idem, legacySSE: legacySSE, logger: logger}
}

// HandleDraftGraph serves POST /assist/draft-graph: a single JSON response,
// or 426 with migration guidance when a legacy SSE client connects while
// legacy SSE is disabled.
func (h *AssistHandler) HandleDraftGraph(w http.ResponseWriter, r *http.Request) {
	if !h.legacySSE && strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		boundary.WriteJSON(w, http.StatusUpgradeRequired, RequestID(r), map[string]any{
			"error":   "legacy SSE on this route is no longer served",
			"upgrade": "POST /assist/draft-graph/stream",
		})
		return
	}
	h.runDraft(w, r)
}

// HandleDraftGraphV1 serves POST /assist/v1/draft-graph.
func (h *AssistHandler) HandleDraftGraphV1(w http.ResponseWriter, r *http.Request) {
	h.runDraft(w, r)
}

func (h *AssistHandler) runDraft(w http.ResponseWriter, r *http.Request) {
	requestID := RequestID(r)

	var req types.RequestEnvelope
	if derr := DecodeJSONBody(r, &req); derr != nil {
		boundary.WriteError(w, requestID, derr, h.logger)
		return
	}

	run := func() (any, error) {
		return h.pipe.Run(r.Context(), req, requestID, nil)
	}

	if h.idem != nil && req.ClientTurnID != "" {
		key, err := h.idem.Key(req.ClientTurnID, req)
		if err == nil {
			raw, replayed, err := h.idem.Do(r.Context(), key, run)
			if err != nil {
				boundary.WriteError(w, requestID, err, h.logger)
				return
			}
			if replayed {
				h.logger.Debug("idempotent replay", zap.String("request_id", requestID))
			}
			boundary.ApplyStandardHeaders(w, requestID)
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(raw)
			return
		}
	}

	resp, err := run()
	if err != nil {
		boundary.WriteError(w, requestID, err, h.logger)
		return
	}
	boundary.WriteJSON(w, http.StatusOK, requestID, resp)
}

// optionsRequest is the body for POST /assist/v1/options.
type optionsRequest struct {
	Goal            string   `json:"goal"`
	Constraints     []string `json:"constraints,omitempty"`
	ExistingOptions []string `json:"existing_options,omitempty"`
}

// HandleOptions serves POST /assist/v1/options: option suggestions for a
// stated goal.
func (h *AssistHandler) HandleOptions(w http.ResponseWriter, r *http.Request) {
	requestID := RequestID(r)

	var req optionsRequest
	if derr := DecodeJSONBody(r, &req); derr != nil {
		boundary.WriteError(w, requestID, derr, h.logger)
		return
	}
	if req.Goal == "" {
		boundary.WriteErrorMessage(w, requestID, types.ErrBadInput, "goal is required", h.logger)
		return
	}

	res, err := h.adapter.SuggestOptions(r.Context(), llm.SuggestOptionsRequest{
		Goal:            req.Goal,
		Constraints:     req.Constraints,
		ExistingOptions: req.ExistingOptions,
	})
	if err != nil {
		boundary.WriteError(w, requestID, err, h.logger)
		return
	}
	boundary.WriteJSON(w, http.StatusOK, requestID, map[string]any{
		"options":    json.RawMessage(res.RawOptions),
		"request_id": requestID,
	})
}

// explainRequest is the body for POST /assist/v1/explain-graph.
type explainRequest struct {
	Graph json.RawMessage `json:"graph"`
}

// HandleExplainGraph serves POST /assist/v1/explain-graph: a deterministic
// structural narration of a supplied graph.
func (h *AssistHandler) HandleExplainGraph(w http.ResponseWriter, r *http.Request) {
	requestID := RequestID(r)

	var req explainRequest
	if derr := DecodeJSONBody(r, &req); derr != nil {
		boundary.WriteError(w, requestID, derr, h.logger)
		return
	}
	g, err := graph.ParseDraft(req.Graph, 0)
	if err != nil {
		boundary.WriteError(w, requestID,
			types.NewError(types.ErrBadInput, "graph did not parse").WithCause(err), h.logger)
		return
	}
	graph.AssignEdgeIDs(g.Edges)
	g.SortCanonical()

	boundary.WriteJSON(w, http.StatusOK, requestID, map[string]any{
		"explanations": explainGraph(g),
		"request_id":   requestID,
	})
}

// explainGraph narrates each node's causal role using only graph content.
func explainGraph(g *graph.Graph) []map[string]string {
	idx := g.NodeIndex()
	var out []map[string]string
	for _, n := range g.Nodes {
		var incoming, outgoing []string
		for _, e := range g.Edges {
			if e.To == n.ID {
				if from, ok := idx[e.From]; ok {
					incoming = append(incoming, from.Label)
				}
			}
			if e.From == n.ID {
				if to, ok := idx[e.To]; ok {
					outgoing = append(outgoing, to.Label)
				}
			}
		}
		text := fmt.Sprintf("%s (%s)", n.Label, n.Kind)
		if len(incoming) > 0 {
			text += " is influenced by " + strings.Join(incoming, ", ")
		}
		if len(outgoing) > 0 {
			if len(incoming) > 0 {
				text += " and"
			} else {
				text += " is"
			}
			text += " influencing " + strings.Join(outgoing, ", ")
		}
		out = append(out, map[string]string{"node_id": n.ID, "explanation": text + "."})
	}
	return out
}

// evidenceRequest is the body for POST /assist/v1/evidence-helper.
type evidenceRequest struct {
	Graph json.RawMessage `json:"graph"`
}

// HandleEvidenceHelper serves POST /assist/v1/evidence-helper: it points
// at the edges whose causal claims lack provenance and suggests what kind
// of evidence would support them.
func (h *AssistHandler) HandleEvidenceHelper(w http.ResponseWriter, r *http.Request) {
	requestID := RequestID(r)

	var req evidenceRequest
	if derr := DecodeJSONBody(r, &req); derr != nil {
		boundary.WriteError(w, requestID, derr, h.logger)
		return
	}
	g, err := graph.ParseDraft(req.Graph, 0)
	if err != nil {
		boundary.WriteError(w, requestID,
			types.NewError(types.ErrBadInput, "graph did not parse").WithCause(err), h.logger)
		return
	}
	graph.AssignEdgeIDs(g.Edges)
	g.SortCanonical()

	idx := g.NodeIndex()
	var gaps []map[string]any
	for _, e := range g.Edges {
		if e.Provenance != nil && e.Provenance.Source != "" {
			continue
		}
		from, to := e.From, e.To
		if n, ok := idx[e.From]; ok {
			from = n.Label
		}
		if n, ok := idx[e.To]; ok {
			to = n.Label
		}
		gaps = append(gaps, map[string]any{
			"edge_id":    e.ID,
			"suggestion": fmt.Sprintf("Find evidence that %s affects %s: data, benchmarks or prior outcomes.", from, to),
		})
	}
	boundary.WriteJSON(w, http.StatusOK, requestID, map[string]any{
		"evidence_gaps": gaps,
		"request_id":    requestID,
	})
}
