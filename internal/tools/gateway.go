// Package tools implements the uniform calling convention over the three
// retrieval backends. Every call runs through a small explicit state machine
// (pending, executing, repairing, succeeded, failed) with at most one
// repair attempt, and the structured backend gets a similarity-search
// fallback when a well-formed query comes back empty.
package tools

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/croquery/croquery/internal/backends"
	"github.com/croquery/croquery/internal/cache"
	"github.com/croquery/croquery/internal/telemetry"
)

// Tool identifies one of the three retrieval backends.
type Tool string

const (
	ToolStructured Tool = "structured_query"
	ToolGraph      Tool = "graph_query"
	ToolSimilarity Tool = "similarity_search"
)

// Known reports whether name is a valid tool identifier.
func Known(name string) bool {
	switch Tool(name) {
	case ToolStructured, ToolGraph, ToolSimilarity:
		return true
	}
	return false
}

// Call is one request to a backend. Immutable once issued.
type Call struct {
	Tool    Tool   `json:"tool"`
	Query   string `json:"query"`
	Purpose string `json:"purpose"`
}

// Key is the dedup/cache identity of a call.
func (c Call) Key() string { return string(c.Tool) + "|" + c.Query }

// ResultSet is the normalized outcome of one backend call. Results is never
// nil-meaningful: a failed or empty call yields an empty list.
type ResultSet struct {
	Tool           Tool              `json:"tool"`
	Query          string            `json:"query"`
	Purpose        string            `json:"purpose"`
	Results        []backends.Record `json:"results"`
	ResultCount    int               `json:"result_count"`
	Timestamp      time.Time         `json:"timestamp"`
	Duration       time.Duration     `json:"duration"`
	IsFollowUp     bool              `json:"is_follow_up,omitempty"`
	FollowUpReason string            `json:"follow_up_reason,omitempty"`
}

type callState int

const (
	statePending callState = iota
	stateExecuting
	stateRepairing
	stateSucceeded
	stateFailed
)

func (s callState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateExecuting:
		return "executing"
	case stateRepairing:
		return "repairing"
	case stateSucceeded:
		return "succeeded"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// Repairer rewrites a rejected query given the backend's error message.
type Repairer interface {
	RepairQuery(ctx context.Context, tool Tool, query, errMsg string) (string, error)
}

var gatewayTracer trace.Tracer = otel.Tracer("croquery/internal/tools")

// Gateway dispatches tool calls to the concrete backends with caching,
// one-shot repair and the structured-to-similarity fallback.
type Gateway struct {
	structured backends.Structured
	graph      backends.Graph
	similarity backends.Similarity
	repairer   Repairer
	metrics    *telemetry.Metrics
	logger     *log.Logger
	caches     map[Tool]*cache.Cache
}

// NewGateway builds a gateway over the given backends. repairer and metrics
// may be nil; a nil repairer disables the repair transition.
func NewGateway(structured backends.Structured, graph backends.Graph, similarity backends.Similarity, repairer Repairer, capacity int, ttl time.Duration, metrics *telemetry.Metrics) *Gateway {
	return &Gateway{
		structured: structured,
		graph:      graph,
		similarity: similarity,
		repairer:   repairer,
		metrics:    metrics,
		logger:     log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
		caches: map[Tool]*cache.Cache{
			ToolStructured: cache.New(capacity, ttl),
			ToolGraph:      cache.New(capacity, ttl),
			ToolSimilarity: cache.New(capacity, ttl),
		},
	}
}

// Execute runs one tool call. It returns the primary result set, possibly
// followed by a similarity-fallback set for empty structured queries, and
// the execution error if the call failed. Even on failure the returned
// primary set is well-formed with an empty record list.
func (g *Gateway) Execute(ctx context.Context, call Call) ([]ResultSet, error) {
	ctx, span := gatewayTracer.Start(ctx, "gateway.execute",
		trace.WithAttributes(
			attribute.String("tool", string(call.Tool)),
			attribute.String("purpose", call.Purpose),
		))
	defer span.End()

	started := time.Now()
	primary := ResultSet{
		Tool:      call.Tool,
		Query:     call.Query,
		Purpose:   call.Purpose,
		Results:   []backends.Record{},
		Timestamp: started,
	}

	toolCache := g.caches[call.Tool]
	if toolCache != nil {
		if cached, ok := toolCache.Get(call.Key()); ok {
			g.metrics.ObserveCache(string(call.Tool), true)
			span.SetAttributes(attribute.Bool("cache.hit", true))
			records := cached.([]backends.Record)
			primary.Results = records
			primary.ResultCount = len(records)
			primary.Duration = time.Since(started)
			g.metrics.ObserveToolCall(string(call.Tool), "cache_hit")
			return []ResultSet{primary}, nil
		}
		g.metrics.ObserveCache(string(call.Tool), false)
	}

	state := statePending
	query := call.Query
	state = stateExecuting

	records, err := g.dispatch(ctx, call.Tool, query)
	if err != nil && backends.IsQueryShape(err) && g.repairer != nil {
		state = stateRepairing
		span.AddEvent("repairing", trace.WithAttributes(attribute.String("error", err.Error())))
		fixed, repairErr := g.repairer.RepairQuery(ctx, call.Tool, query, err.Error())
		if repairErr != nil {
			g.logger.Printf("repair generation failed for %s: %v", call.Tool, repairErr)
			g.metrics.ObserveRepair(string(call.Tool), "generation_failed")
		} else if strings.TrimSpace(fixed) == "" || fixed == query {
			g.metrics.ObserveRepair(string(call.Tool), "no_rewrite")
		} else {
			retried, retryErr := g.dispatch(ctx, call.Tool, fixed)
			if retryErr == nil {
				g.logger.Printf("repaired %s query succeeded (%d records)", call.Tool, len(retried))
				g.metrics.ObserveRepair(string(call.Tool), "succeeded")
				records, err = retried, nil
				query = fixed
			} else {
				// the original error propagates, not the retry's
				g.logger.Printf("repaired %s query failed again: %v", call.Tool, retryErr)
				g.metrics.ObserveRepair(string(call.Tool), "failed")
			}
		}
	}

	if err != nil {
		state = stateFailed
		primary.Duration = time.Since(started)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("call.state", state.String()))
		g.metrics.ObserveToolCall(string(call.Tool), "failed")
		return []ResultSet{primary}, err
	}

	state = stateSucceeded
	if records == nil {
		records = []backends.Record{}
	}
	primary.Query = query
	primary.Results = records
	primary.ResultCount = len(records)
	primary.Duration = time.Since(started)
	span.SetAttributes(
		attribute.String("call.state", state.String()),
		attribute.Int("result.count", primary.ResultCount),
	)
	span.SetStatus(codes.Ok, "completed")
	g.metrics.ObserveToolCall(string(call.Tool), "succeeded")

	if toolCache != nil {
		toolCache.Put(call.Key(), records)
	}

	out := []ResultSet{primary}
	if call.Tool == ToolStructured && primary.ResultCount == 0 {
		if follow := g.similarityFallback(ctx, call); follow != nil {
			out = append(out, *follow)
		}
	}
	return out, nil
}

func (g *Gateway) dispatch(ctx context.Context, tool Tool, query string) ([]backends.Record, error) {
	switch tool {
	case ToolStructured:
		return g.structured.Query(ctx, query)
	case ToolGraph:
		return g.graph.Query(ctx, query)
	case ToolSimilarity:
		hits, err := g.similarity.Search(ctx, backends.SimilarityRequest{Text: query})
		if err != nil {
			return nil, err
		}
		records := make([]backends.Record, 0, len(hits))
		for _, hit := range hits {
			records = append(records, hitToRecord(hit))
		}
		return records, nil
	default:
		return nil, fmt.Errorf("unknown tool: %s", tool)
	}
}

// similarityFallback recovers recall for structured queries that returned
// zero rows: search terms pulled from the query's filter literals are run
// through the vector index and the hits are hydrated back into full rows.
// This path never raises; any failure is logged and swallowed.
func (g *Gateway) similarityFallback(ctx context.Context, call Call) *ResultSet {
	terms := ExtractSearchTerms(call.Query)
	if len(terms) == 0 {
		return nil
	}
	table := ExtractTable(call.Query)
	if table == "" {
		return nil
	}

	started := time.Now()
	hits, err := g.similarity.Search(ctx, backends.SimilarityRequest{
		Text:       strings.Join(terms, " "),
		Collection: table + "_vectors",
	})
	if err != nil {
		g.logger.Printf("similarity fallback search failed: %v", err)
		return nil
	}
	if len(hits) == 0 {
		return nil
	}

	var ids []string
	for _, hit := range hits {
		if hit.ID != "" {
			ids = append(ids, hit.ID)
		}
	}

	// concatenation without dedup: duplicates are accepted as a cost of recall
	var records []backends.Record
	if len(ids) > 0 {
		hydrated, err := g.structured.LookupByIDs(ctx, table, ids)
		if err != nil {
			g.logger.Printf("similarity fallback hydration failed: %v", err)
		} else {
			records = append(records, hydrated...)
		}
	}
	if len(records) == 0 {
		for _, hit := range hits {
			records = append(records, hitToRecord(hit))
		}
	}

	g.logger.Printf("similarity fallback recovered %d records for empty query on %s", len(records), table)
	return &ResultSet{
		Tool:           ToolSimilarity,
		Query:          strings.Join(terms, " "),
		Purpose:        call.Purpose,
		Results:        records,
		ResultCount:    len(records),
		Timestamp:      started,
		Duration:       time.Since(started),
		IsFollowUp:     true,
		FollowUpReason: fmt.Sprintf("structured query on %s returned zero rows", table),
	}
}

func hitToRecord(hit backends.Hit) backends.Record {
	rec := backends.Record{
		"id":       hit.ID,
		"document": hit.Document,
		"distance": hit.Distance,
	}
	for k, v := range hit.Metadata {
		if _, exists := rec[k]; !exists {
			rec[k] = v
		}
	}
	return rec
}
