// Package pipeline implements the unified five-stage generation pipeline:
// LLM draft, normalise/validate, enrich, stabilise/repair, package. Stages
// share one mutable context, run strictly in order, and the graph is frozen
// from the package stage onward.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/olumi/cee/internal/graph"
	"github.com/olumi/cee/internal/repair"
	"github.com/olumi/cee/internal/verify"
	"github.com/olumi/cee/llm"
	"github.com/olumi/cee/llm/tokenizer"
	"github.com/olumi/cee/types"
)

// Stage names, in execution order.
const (
	StageDraft     = "DRAFT"
	StageNormalize = "NORMALIZE"
	StageEnrich    = "ENRICH"
	StageStabilize = "STABILIZE"
	StagePackage   = "PACKAGE"
)

var stageOrder = []string{StageDraft, StageNormalize, StageEnrich, StageStabilize, StagePackage}

// validNext pins the only legal successor of each stage; Run refuses to
// skip forward. Modeled as a transition table rather than implicit loop
// order so a stage cannot be reordered without the table disagreeing.
var validNext = map[string]string{
	StageDraft:     StageNormalize,
	StageNormalize: StageEnrich,
	StageEnrich:    StageStabilize,
	StageStabilize: StagePackage,
}

// EmitFunc receives per-stage progress events for streaming responses.
type EmitFunc func(stage string, payload map[string]any)

// Config carries the pipeline's static configuration.
type Config struct {
	DraftTimeout           time.Duration
	MaxRepairRetries       int
	MaxBriefTokens         int
	CheckpointsEnabled     bool
	CheckpointPayloadLimit int
	Production             bool
	EngineValidation       bool
	EngineRequired         bool
	ModelOverrideActive    bool
	Provenance             types.Provenance
}

func (c Config) withDefaults() Config {
	if c.DraftTimeout <= 0 {
		c.DraftTimeout = 15 * time.Second
	}
	if c.MaxBriefTokens <= 0 {
		c.MaxBriefTokens = 8192
	}
	if c.CheckpointPayloadLimit <= 0 {
		c.CheckpointPayloadLimit = 4096
	}
	return c
}

// Pipeline is the stage machine. One Pipeline serves many concurrent
// requests; all per-request state lives in Context.
type Pipeline struct {
	adapter  llm.GraphAdapter
	repairer *repair.Repairer
	verifier *verify.Verifier
	counter  tokenizer.Tokenizer
	cfg      Config
	logger   *zap.Logger
}

// Context is the mutable state shared by the five stages of one request.
type Context struct {
	Brief         string
	Seed          int64
	ArchetypeHint string
	RequestID     string
	SuppliedGraph json.RawMessage

	Graph      *graph.Graph
	Rationales []string
	Usage      llm.ChatUsage

	Mutations      []graph.Mutation
	Warnings       []graph.Issue
	Options        []graph.Option
	GoalNodeID     string
	Archetype      *types.ArchetypeInfo
	PlanAnnotation json.RawMessage
	PlanID         string
	PlanHash       string

	Checkpoints    []types.Checkpoint
	RepairAttempts int
	RepairUsed     bool
	RepairHistory  []string

	Blocked  bool
	Blockers []graph.Blocker

	EarlyReturn *EarlyReturn
	Response    *types.ResponseEnvelope

	Emit EmitFunc
}

// EarlyReturn short-circuits the remaining stages with an error mapped by
// the boundary.
type EarlyReturn struct {
	Err *types.Error
}

// New assembles a Pipeline.
func New(adapter llm.GraphAdapter, verifier *verify.Verifier, counter tokenizer.Tokenizer, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Pipeline{
		adapter:  adapter,
		repairer: repair.New(adapter, cfg.MaxRepairRetries, logger),
		verifier: verifier,
		counter:  counter,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes the five stages for one request and returns the assembled
// response envelope, or a typed error for the boundary to map.
func (p *Pipeline) Run(ctx context.Context, req types.RequestEnvelope, requestID string, emit EmitFunc) (*types.ResponseEnvelope, error) {
	pc := &Context{
		Brief:         req.Brief,
		ArchetypeHint: req.ArchetypeHint,
		RequestID:     requestID,
		SuppliedGraph: req.Graph,
		Emit:          emit,
	}
	if req.Seed != nil {
		pc.Seed = *req.Seed
	}

	tracer := otel.Tracer("cee/pipeline")
	prev := ""
	for _, name := range stageOrder {
		if prev != "" && validNext[prev] != name {
			return nil, types.NewError(types.ErrInternal, "stage order violated")
		}
		prev = name

		if pc.EarlyReturn != nil {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, types.NewError(types.ErrTimeout, "request cancelled").WithRetryable(true).WithCause(err)
		}

		stageCtx, span := tracer.Start(ctx, "pipeline."+name)
		span.SetAttributes(attribute.String("stage", name))
		err := p.runStage(stageCtx, name, pc)
		span.End()
		if err != nil {
			return nil, err
		}
		p.checkpoint(pc, name)
		p.emitStage(pc, name)
	}

	if pc.EarlyReturn != nil {
		return nil, pc.EarlyReturn.Err
	}
	return pc.Response, nil
}

func (p *Pipeline) runStage(ctx context.Context, name string, pc *Context) error {
	switch name {
	case StageDraft:
		return p.stageDraft(ctx, pc)
	case StageNormalize:
		return p.stageNormalize(ctx, pc)
	case StageEnrich:
		return p.stageEnrich(ctx, pc)
	case StageStabilize:
		return p.stageStabilize(ctx, pc)
	case StagePackage:
		return p.stagePackage(ctx, pc)
	default:
		return types.NewError(types.ErrInternal, "unknown stage")
	}
}

// checkpoint appends a typed progress record. The inline payload is
// bounded: oversized snapshots are dropped, never truncated mid-JSON.
func (p *Pipeline) checkpoint(pc *Context, stage string) {
	if !p.cfg.CheckpointsEnabled {
		return
	}
	cp := types.Checkpoint{
		StageName: stage,
		Timestamp: time.Now().UTC(),
	}
	if pc.Graph != nil {
		cp.NodeCount = len(pc.Graph.Nodes)
		cp.EdgeCount = len(pc.Graph.Edges)
		if raw, err := pc.Graph.CanonicalJSON(); err == nil && len(raw) <= p.cfg.CheckpointPayloadLimit {
			cp.Payload = raw
		}
	}
	pc.Checkpoints = append(pc.Checkpoints, cp)
}

func (p *Pipeline) emitStage(pc *Context, stage string) {
	if pc.Emit == nil {
		return
	}
	payload := map[string]any{"stage": stage}
	if pc.Graph != nil {
		payload["node_count"] = len(pc.Graph.Nodes)
		payload["edge_count"] = len(pc.Graph.Edges)
	}
	pc.Emit(stage, payload)
}

// blockFromIssues records the blocked outcome and lets the remaining
// stages fall through to packaging the canonical blocked shape.
func (pc *Context) blockFromIssues(issues []graph.Issue) {
	pc.Blocked = true
	for _, is := range issues {
		pc.Blockers = append(pc.Blockers, graph.Blocker{
			Code:     is.Code,
			Severity: string(graph.SeverityError),
			Message:  is.Message,
		})
	}
	if len(pc.Blockers) == 0 {
		pc.Blockers = append(pc.Blockers, graph.Blocker{
			Code:     "validation_failure",
			Severity: string(graph.SeverityError),
			Message:  "graph failed validation after repair",
		})
	}
}

// asGraphValidationError unwraps err when the repair loop exhausted its
// attempts.
func asGraphValidationError(err error) (*repair.GraphValidationError, bool) {
	var gve *repair.GraphValidationError
	if errors.As(err, &gve) {
		return gve, true
	}
	return nil, false
}
