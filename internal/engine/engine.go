// Package engine implements the iterative plan, retrieve, reason, reflect
// loop that answers natural-language business questions over the three
// retrieval backends.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/croquery/croquery/config"
	"github.com/croquery/croquery/internal/report"
	"github.com/croquery/croquery/internal/session"
	"github.com/croquery/croquery/internal/telemetry"
	"github.com/croquery/croquery/internal/tools"
)

// degradedAnswer is returned when the reasoning capability fails outright.
const degradedAnswer = "I was unable to analyze the retrieved data for this question. Please try rephrasing it."

var engineTracer trace.Tracer = otel.Tracer("croquery/internal/engine")

// ToolGateway is the retrieval contract the engine drives.
type ToolGateway interface {
	Execute(ctx context.Context, call tools.Call) ([]tools.ResultSet, error)
}

// SchemaProvider supplies the data-catalog block for the planning prompt.
type SchemaProvider interface {
	SchemaSummary(ctx context.Context) (string, error)
}

// Engine owns one question's processing end to end and the shared session
// memory across questions.
type Engine struct {
	cfg       *config.Config
	logger    *log.Logger
	llm       LLMProvider
	gateway   ToolGateway
	sessions  session.Store
	schema    SchemaProvider
	metrics   *telemetry.Metrics
	planner   *Planner
	reasoner  *Reasoner
	reflector *Reflector
	reporter  *report.Synthesizer
}

// New creates an engine. schema, metrics and reporter may be nil.
func New(cfg *config.Config, llm LLMProvider, gateway ToolGateway, sessions session.Store, schema SchemaProvider, metrics *telemetry.Metrics, reporter *report.Synthesizer) *Engine {
	return &Engine{
		cfg:       cfg,
		logger:    log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
		llm:       llm,
		gateway:   gateway,
		sessions:  sessions,
		schema:    schema,
		metrics:   metrics,
		planner:   NewPlanner(cfg, llm),
		reasoner:  NewReasoner(cfg, llm),
		reflector: NewReflector(cfg, llm),
		reporter:  reporter,
	}
}

// Query answers one question. It returns a *NoResultError when retrieval
// finishes empty with no errors explaining the absence; any other internal
// failure degrades into a well-formed low-confidence response instead of
// propagating.
func (e *Engine) Query(ctx context.Context, question string, maxIterations int, sessionID string) (Response, error) {
	startTime := time.Now()
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if maxIterations <= 0 {
		maxIterations = e.cfg.Engine.MaxIterations
	}

	ctx, span := engineTracer.Start(ctx, "engine.query",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("max_iterations", maxIterations),
		))
	defer span.End()

	history, err := e.sessions.History(ctx, sessionID)
	if err != nil {
		e.logger.Printf("warn: loading session history failed: %v", err)
	}
	state := newQueryState(question, sessionID, maxIterations, history)

	e.logger.Printf("processing question for session %s (max %d iterations)", sessionID, maxIterations)

	loopErr := e.runLoop(ctx, state)
	if loopErr != nil {
		if nre, ok := loopErr.(*NoResultError); ok {
			span.SetStatus(codes.Error, nre.Error())
			e.metrics.ObserveQuery("no_result", state.IterationCount, time.Since(startTime))
			return Response{}, nre
		}
		// unclassified internal failure: degrade, never raise
		e.logger.Printf("degrading response after internal error: %v", loopErr)
		span.RecordError(loopErr)
		span.SetStatus(codes.Error, loopErr.Error())
		state.Errors = append(state.Errors, loopErr.Error())
		state.Answer = degradedAnswer
		state.Confidence = 0
	}

	resp := e.buildResponse(ctx, state, startTime)

	if loopErr == nil {
		turn := session.Turn{Question: question, Answer: resp.Answer, Timestamp: time.Now()}
		if err := e.sessions.Append(ctx, sessionID, turn); err != nil {
			e.logger.Printf("warn: appending session turn failed: %v", err)
		}
		if updated, err := e.sessions.History(ctx, sessionID); err == nil {
			resp.ConversationHistory = updated
		}
		e.metrics.ObserveQuery("ok", state.IterationCount, time.Since(startTime))
		span.SetStatus(codes.Ok, "completed")
	} else {
		e.metrics.ObserveQuery("degraded", state.IterationCount, time.Since(startTime))
	}

	span.SetAttributes(
		attribute.Int("iterations", resp.Iterations),
		attribute.Float64("confidence", resp.Confidence),
		attribute.Int("evidence.count", len(resp.Evidence)),
	)
	e.logger.Printf("completed question in %v (%d iterations, confidence %.2f)",
		time.Since(startTime), resp.Iterations, resp.Confidence)
	return resp, nil
}

// runLoop drives the state machine to a terminal state. Every capability
// failure inside a stage degrades toward termination rather than looping.
func (e *Engine) runLoop(ctx context.Context, state *queryState) error {
	schema := e.loadSchema(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Planning
		planCtx, planSpan := engineTracer.Start(ctx, "engine.plan")
		plan, calls, notes, err := e.planner.Plan(planCtx, state, schema)
		if err != nil {
			// planning failure degrades to an empty batch, not an abort
			state.Errors = append(state.Errors, fmt.Sprintf("planning failed: %v", err))
			planSpan.RecordError(err)
			planSpan.SetStatus(codes.Error, err.Error())
			calls = nil
		} else {
			state.Plan = plan
			state.Errors = append(state.Errors, notes...)
			planSpan.SetAttributes(attribute.Int("plan.tool_calls", len(calls)))
			planSpan.SetStatus(codes.Ok, "completed")
		}
		planSpan.End()

		// Retrieving
		retrCtx, retrSpan := engineTracer.Start(ctx, "engine.retrieve")
		e.retrieve(retrCtx, state, calls)
		retrSpan.SetAttributes(
			attribute.Int("results.total", state.totalResults()),
			attribute.Int("evidence.count", len(state.Evidence)),
		)
		retrSpan.SetStatus(codes.Ok, "completed")
		retrSpan.End()

		// Reasoning
		if state.totalResults() == 0 && !state.hasAnyRecord() && len(state.Errors) == 0 {
			return &NoResultError{Question: state.Question}
		}

		reasonCtx, reasonSpan := engineTracer.Start(ctx, "engine.reason")
		out, err := e.reasoner.Reason(reasonCtx, state)
		if err != nil {
			// a broken reasoner forces termination instead of looping
			state.Errors = append(state.Errors, fmt.Sprintf("reasoning failed: %v", err))
			state.Answer = degradedAnswer
			state.Confidence = 0
			state.NeedsMoreData = false
			reasonSpan.RecordError(err)
			reasonSpan.SetStatus(codes.Error, err.Error())
		} else {
			state.Answer = out.Answer
			state.Confidence = out.Confidence
			state.NeedsMoreData = out.NeedsMoreData
			state.MissingData = out.MissingData
			if strings.TrimSpace(out.Reasoning) != "" {
				state.ReasoningSteps = append(state.ReasoningSteps, out.Reasoning)
			}
			reasonSpan.SetAttributes(
				attribute.Float64("confidence", out.Confidence),
				attribute.Bool("needs_more_data", out.NeedsMoreData),
			)
			reasonSpan.SetStatus(codes.Ok, "completed")
		}
		state.IterationCount++
		reasonSpan.End()

		if !state.NeedsMoreData || state.IterationCount >= state.MaxIterations {
			return nil
		}

		// Reflecting: skipped entirely when nothing has been retrieved yet
		if len(state.ToolCalls) == 0 {
			continue
		}
		reflCtx, reflSpan := engineTracer.Start(ctx, "engine.reflect")
		refl, err := e.reflector.Reflect(reflCtx, state)
		if err != nil {
			// fail toward termination, never toward infinite looping
			state.Errors = append(state.Errors, fmt.Sprintf("reflection failed: %v", err))
			state.NeedsMoreData = false
			reflSpan.RecordError(err)
			reflSpan.SetStatus(codes.Error, err.Error())
		} else {
			state.NeedsMoreData = refl.Continue && state.IterationCount < state.MaxIterations
			if refl.Evaluation != "" {
				state.ReasoningSteps = append(state.ReasoningSteps, "reflection: "+refl.Evaluation)
			}
			if state.NeedsMoreData && len(refl.Gaps) > 0 {
				state.MissingData = strings.Join(refl.Gaps, "; ")
			}
			reflSpan.SetAttributes(attribute.Bool("continue", state.NeedsMoreData))
			reflSpan.SetStatus(codes.Ok, "completed")
		}
		reflSpan.End()

		if !state.NeedsMoreData {
			return nil
		}
	}
}

// retrieve executes one batch of planned calls. Duplicate (tool, query)
// pairs are silently skipped; a single call's failure is recorded and does
// not stop the rest of the batch.
func (e *Engine) retrieve(ctx context.Context, state *queryState, calls []tools.Call) {
	for _, call := range calls {
		if !state.markSeen(call) {
			e.logger.Printf("skipping duplicate call: [%s] %s", call.Tool, call.Query)
			continue
		}
		state.ToolCalls = append(state.ToolCalls, call)

		sets, err := e.gateway.Execute(ctx, call)
		entry := ExecutionLogEntry{
			Tool:      string(call.Tool),
			Query:     call.Query,
			Purpose:   call.Purpose,
			Timestamp: time.Now(),
		}
		for _, rs := range sets {
			state.RawResults = append(state.RawResults, rs)
			deriveEvidence(state, rs)
			entry.ResultCount += rs.ResultCount
			entry.Duration += rs.Duration
		}
		if err != nil {
			entry.Error = err.Error()
			state.Errors = append(state.Errors, fmt.Sprintf("[%s] %s: %v", call.Tool, call.Query, err))
		}
		state.ExecutionHistory = append(state.ExecutionHistory, entry)
	}
}

func (e *Engine) loadSchema(ctx context.Context) string {
	if e.schema == nil {
		return ""
	}
	schema, err := e.schema.SchemaSummary(ctx)
	if err != nil {
		e.logger.Printf("warn: schema discovery failed: %v", err)
		return ""
	}
	return schema
}

func (e *Engine) buildResponse(ctx context.Context, state *queryState, startTime time.Time) Response {
	resp := Response{
		Answer:              state.Answer,
		Confidence:          state.Confidence,
		Errors:              state.Errors,
		ExecutionHistory:    state.ExecutionHistory,
		RawResults:          state.RawResults,
		Iterations:          state.IterationCount,
		TotalExecutionTime:  time.Since(startTime),
		ConversationHistory: state.ConversationHistory,
		SessionID:           state.SessionID,
	}
	for _, item := range state.Evidence {
		resp.Evidence = append(resp.Evidence, item.ID)
	}
	if resp.Errors == nil {
		resp.Errors = []string{}
	}
	if resp.Evidence == nil {
		resp.Evidence = []string{}
	}

	if e.reporter != nil {
		rep := e.reporter.Build(ctx, state.Question, state.Answer, state.Confidence, state.RawResults)
		resp.Report = rep
		resp.Confidence = rep.Confidence
	}
	return resp
}

// ClearSession removes one session's turn history.
func (e *Engine) ClearSession(ctx context.Context, sessionID string) error {
	return e.sessions.Clear(ctx, sessionID)
}

// ListSessions returns the ids of live sessions.
func (e *Engine) ListSessions(ctx context.Context) ([]string, error) {
	return e.sessions.List(ctx)
}

// NewQueryRepairer builds the gateway's repair capability from the engine's
// model provider: given a rejected query and the backend error, ask for a
// single rewritten query.
func NewQueryRepairer(cfg *config.Config, llm LLMProvider) tools.Repairer {
	return &queryRepairer{cfg: cfg, llm: llm}
}

type queryRepairer struct {
	cfg *config.Config
	llm LLMProvider
}

func (r *queryRepairer) RepairQuery(ctx context.Context, tool tools.Tool, query, errMsg string) (string, error) {
	lang := "SQL"
	if tool == tools.ToolGraph {
		lang = "Cypher"
	}
	prompt := fmt.Sprintf(`The following %s query was rejected by the database.

QUERY:
%s

ERROR:
%s

Rewrite the query to fix the error. Keep the intent identical.

OUTPUT FORMAT (JSON):
{"query": "the corrected query"}`, lang, query, errMsg)

	var out struct {
		Query string `json:"query"`
	}
	model := r.cfg.LLM.Routing.Model("repair")
	if err := generateStructured(ctx, r.llm, prompt, model, map[string]interface{}{"temperature": 0.0}, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Query), nil
}
