package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/olumi/cee/internal/graph"
)

// EngineViolation is one finding returned by the external engine's
// post-validation endpoint.
type EngineViolation struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	NodeID   string `json:"node_id,omitempty"`
	EdgeID   string `json:"edge_id,omitempty"`
}

// EngineClient talks to the downstream engine's validate endpoint. Timeout
// and retry counts come from configuration, pre-clamped by the loader.
type EngineClient struct {
	baseURL    string
	client     *http.Client
	maxRetries int
	logger     *zap.Logger
}

// NewEngineClient returns a client for the engine at baseURL, or nil when
// baseURL is empty (engine validation not configured).
func NewEngineClient(baseURL string, timeout time.Duration, maxRetries int, logger *zap.Logger) *EngineClient {
	if baseURL == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EngineClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Validate submits the graph and returns the engine's violations. Transient
// failures are retried up to the configured cap.
func (c *EngineClient) Validate(ctx context.Context, g *graph.Graph) ([]EngineViolation, error) {
	body, err := json.Marshal(map[string]any{"graph": g})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		violations, err := c.validateOnce(ctx, body)
		if err == nil {
			return violations, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *EngineClient) validateOnce(ctx context.Context, body []byte) ([]EngineViolation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/validate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine validate: status %d", resp.StatusCode)
	}

	var out struct {
		Violations []EngineViolation `json:"violations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("engine validate: decode: %w", err)
	}
	return out.Violations, nil
}
