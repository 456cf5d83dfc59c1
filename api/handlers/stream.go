package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/olumi/cee/internal/boundary"
	"github.com/olumi/cee/internal/pipeline"
	"github.com/olumi/cee/internal/stream"
	"github.com/olumi/cee/types"
)

// streamRunTimeout bounds a detached pipeline run feeding a stream. The
// run outlives a client disconnect so a resumed client can pick up the
// live tail.
const streamRunTimeout = 90 * time.Second

// StreamHandler serves the SSE draft route and its resume companion.
type StreamHandler struct {
	pipe      *pipeline.Pipeline
	registry  *stream.Registry
	gates     *stream.GateEvaluator
	aggregate *stream.AggregateGates
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewStreamHandler builds the handler. gates and aggregate may be nil.
func NewStreamHandler(pipe *pipeline.Pipeline, registry *stream.Registry, gates *stream.GateEvaluator, aggregate *stream.AggregateGates, heartbeat time.Duration, logger *zap.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{
		pipe:      pipe,
		registry:  registry,
		gates:     gates,
		aggregate: aggregate,
		heartbeat: heartbeat,
		logger:    logger,
	}
}

// HandleStream serves POST /assist/draft-graph/stream. The pipeline runs
// detached from the connection: events land in the stream's ring and are
// forwarded to the client while it stays connected.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	requestID := RequestID(r)

	var req types.RequestEnvelope
	if derr := DecodeJSONBody(r, &req); derr != nil {
		boundary.WriteError(w, requestID, derr, h.logger)
		return
	}

	flusher, ok := stream.PrepareSSE(w)
	if !ok {
		boundary.WriteErrorMessage(w, requestID, types.ErrInternal, "streaming unsupported", h.logger)
		return
	}
	boundary.ApplyStandardHeaders(w, requestID)
	w.WriteHeader(http.StatusOK)

	s := h.registry.Create()
	events, cancel := s.Subscribe()
	defer cancel()

	start := time.Now()
	go h.runPipeline(s, req, requestID)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Disconnect: the run continues into the ring for resume.
			return
		case <-ticker.C:
			if stream.WriteHeartbeat(w) != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				h.recordStream(s, start)
				return
			}
			if stream.WriteEvent(w, ev) != nil {
				return
			}
			flusher.Flush()
			if isTerminal(ev) {
				h.recordStream(s, start)
				return
			}
		}
	}
}

// runPipeline drives one detached pipeline run, emitting stage events into
// the ring, a resume token after the first stage, and the terminal event.
func (h *StreamHandler) runPipeline(s *stream.Stream, req types.RequestEnvelope, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), streamRunTimeout)
	defer cancel()

	tokenIssued := false
	emit := func(stage string, payload map[string]any) {
		if _, err := s.Append(stream.EventStage, payload); err != nil {
			h.logger.Warn("stream append failed", zap.String("request_id", requestID), zap.Error(err))
		}
		if !tokenIssued {
			tokenIssued = true
			if _, err := h.registry.IssueResumeToken(s); err != nil {
				h.logger.Warn("resume token issue failed", zap.String("request_id", requestID), zap.Error(err))
			}
		}
	}

	resp, err := h.pipe.Run(ctx, req, requestID, emit)
	if err != nil {
		te, ok := err.(*types.Error)
		if !ok {
			te = types.NewError(types.ErrInternal, "pipeline failed")
		}
		_, _ = s.Append(stream.EventStage, map[string]any{
			"stage": "ERROR",
			"error": map[string]any{
				"code":      string(te.Code),
				"message":   te.Message,
				"retryable": te.Retryable,
			},
		})
		_, _ = s.Complete(nil)
		return
	}
	_, _ = s.Complete(map[string]any{"response": resp})
}

// HandleResume serves POST /assist/draft-graph/resume?mode=live.
func (h *StreamHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	requestID := RequestID(r)
	started := time.Now()

	token := r.Header.Get("X-Resume-Token")
	if token == "" {
		h.recordResume(false, started)
		boundary.WriteErrorMessage(w, requestID, types.ErrBadInput, "X-Resume-Token is required", h.logger)
		return
	}
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = r.Header.Get("X-Resume-Mode")
	}
	if mode != "live" {
		h.recordResume(false, started)
		boundary.WriteErrorMessage(w, requestID, types.ErrBadInput, "only mode=live is supported", h.logger)
		return
	}

	res, err := h.registry.ResumeLive(token)
	if err != nil {
		h.recordResume(false, started)
		switch {
		case errors.Is(err, stream.ErrReplayTooLate):
			boundary.WriteError(w, requestID,
				types.NewError(types.ErrNotFound, "stream tail evicted past replay").
					WithHTTPStatus(http.StatusConflict).
					WithDetail("reason", "replay_too_late"),
				h.logger)
		default:
			boundary.WriteErrorMessage(w, requestID, types.ErrNotFound, "unknown resume token", h.logger)
		}
		return
	}
	if res.Cancel != nil {
		defer res.Cancel()
	}

	flusher, ok := stream.PrepareSSE(w)
	if !ok {
		boundary.WriteErrorMessage(w, requestID, types.ErrInternal, "streaming unsupported", h.logger)
		return
	}
	boundary.ApplyStandardHeaders(w, requestID)
	w.WriteHeader(http.StatusOK)

	h.recordResume(true, started)

	for _, ev := range res.Replay {
		if stream.WriteEvent(w, ev) != nil {
			return
		}
		flusher.Flush()
		if isTerminal(ev) {
			return
		}
	}
	if res.Complete || res.Live == nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if stream.WriteHeartbeat(w) != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-res.Live:
			if !open {
				return
			}
			if stream.WriteEvent(w, ev) != nil {
				return
			}
			flusher.Flush()
			if isTerminal(ev) {
				return
			}
		}
	}
}

func (h *StreamHandler) recordResume(success bool, started time.Time) {
	latency := time.Since(started)
	if h.gates != nil {
		h.gates.RecordResume(success, latency)
	}
	if h.aggregate != nil {
		h.aggregate.RecordResume(success, latency)
	}
}

func (h *StreamHandler) recordStream(s *stream.Stream, started time.Time) {
	trimmed := s.Trims() > 0
	if h.gates != nil {
		h.gates.RecordStream(trimmed)
	}
	if h.aggregate != nil {
		h.aggregate.RecordStream(time.Since(started), trimmed)
	}
}

// isTerminal reports whether the event is the COMPLETE stage marker.
func isTerminal(ev stream.Event) bool {
	if ev.Type != stream.EventStage {
		return false
	}
	var body struct {
		Stage string `json:"stage"`
	}
	if err := json.Unmarshal(ev.Payload, &body); err != nil {
		return false
	}
	return body.Stage == stream.StageComplete
}
