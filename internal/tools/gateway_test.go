package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/croquery/croquery/internal/backends"
)

type stubStructured struct {
	queries   []string
	responses map[string][]backends.Record
	errs      map[string]error
	lookups   int
	lookup    []backends.Record
	lookupErr error
}

func (s *stubStructured) Query(ctx context.Context, query string) ([]backends.Record, error) {
	s.queries = append(s.queries, query)
	if err, ok := s.errs[query]; ok {
		return nil, err
	}
	return s.responses[query], nil
}

func (s *stubStructured) LookupByIDs(ctx context.Context, table string, ids []string) ([]backends.Record, error) {
	s.lookups++
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	return s.lookup, nil
}

func (s *stubStructured) Close() error { return nil }

type stubGraph struct {
	records []backends.Record
	err     error
	calls   int
}

func (g *stubGraph) Query(ctx context.Context, query string) ([]backends.Record, error) {
	g.calls++
	return g.records, g.err
}

func (g *stubGraph) Close(ctx context.Context) error { return nil }

type stubSimilarity struct {
	hits    []backends.Hit
	err     error
	calls   int
	lastReq backends.SimilarityRequest
}

func (s *stubSimilarity) Search(ctx context.Context, req backends.SimilarityRequest) ([]backends.Hit, error) {
	s.calls++
	s.lastReq = req
	return s.hits, s.err
}

type stubRepairer struct {
	fixed string
	err   error
	calls int
}

func (r *stubRepairer) RepairQuery(ctx context.Context, tool Tool, query, errMsg string) (string, error) {
	r.calls++
	return r.fixed, r.err
}

func newTestGateway(st *stubStructured, gr *stubGraph, sim *stubSimilarity, rep Repairer) *Gateway {
	return NewGateway(st, gr, sim, rep, 16, time.Minute, nil)
}

func TestExecuteReturnsRecords(t *testing.T) {
	st := &stubStructured{responses: map[string][]backends.Record{
		"SELECT * FROM accounts": {{"id": "a1", "name": "Acme"}},
	}}
	g := newTestGateway(st, &stubGraph{}, &stubSimilarity{}, nil)

	sets, err := g.Execute(context.Background(), Call{Tool: ToolStructured, Query: "SELECT * FROM accounts"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(sets) != 1 || sets[0].ResultCount != 1 {
		t.Fatalf("expected one set with one record, got %#v", sets)
	}
}

func TestRepairRetriesOnceOnShapeError(t *testing.T) {
	shapeErr := &backends.QueryShapeError{Backend: "postgres", Query: "SELEC 1", Err: errors.New("syntax error")}
	st := &stubStructured{
		errs:      map[string]error{"SELEC 1": shapeErr},
		responses: map[string][]backends.Record{"SELECT 1": {{"?column?": 1}}},
	}
	rep := &stubRepairer{fixed: "SELECT 1"}
	g := newTestGateway(st, &stubGraph{}, &stubSimilarity{}, rep)

	sets, err := g.Execute(context.Background(), Call{Tool: ToolStructured, Query: "SELEC 1"})
	if err != nil {
		t.Fatalf("expected repaired call to succeed, got %v", err)
	}
	if rep.calls != 1 {
		t.Fatalf("expected exactly one repair attempt, got %d", rep.calls)
	}
	if sets[0].Query != "SELECT 1" {
		t.Fatalf("expected result set to carry repaired query, got %q", sets[0].Query)
	}
	if sets[0].ResultCount != 1 {
		t.Fatalf("expected repaired results, got %#v", sets[0])
	}
}

func TestRepairFailurePropagatesOriginalError(t *testing.T) {
	shapeErr := &backends.QueryShapeError{Backend: "postgres", Query: "SELEC 1", Err: errors.New("syntax error at SELEC")}
	st := &stubStructured{
		errs: map[string]error{
			"SELEC 1":  shapeErr,
			"SELECC 1": &backends.QueryShapeError{Backend: "postgres", Query: "SELECC 1", Err: errors.New("still broken")},
		},
	}
	rep := &stubRepairer{fixed: "SELECC 1"}
	g := newTestGateway(st, &stubGraph{}, &stubSimilarity{}, rep)

	sets, err := g.Execute(context.Background(), Call{Tool: ToolStructured, Query: "SELEC 1"})
	if err == nil {
		t.Fatalf("expected error after failed repair")
	}
	var qe *backends.QueryShapeError
	if !errors.As(err, &qe) || qe.Query != "SELEC 1" {
		t.Fatalf("expected original error to propagate, got %v", err)
	}
	if len(sets) != 1 || sets[0].ResultCount != 0 || sets[0].Results == nil {
		t.Fatalf("expected well-formed empty primary set, got %#v", sets)
	}
}

func TestNonShapeErrorSkipsRepair(t *testing.T) {
	st := &stubStructured{errs: map[string]error{"SELECT 1": errors.New("connection refused")}}
	rep := &stubRepairer{fixed: "SELECT 1"}
	g := newTestGateway(st, &stubGraph{}, &stubSimilarity{}, rep)

	if _, err := g.Execute(context.Background(), Call{Tool: ToolStructured, Query: "SELECT 1"}); err == nil {
		t.Fatalf("expected error to propagate")
	}
	if rep.calls != 0 {
		t.Fatalf("repair must not run for non-shape errors, got %d attempts", rep.calls)
	}
}

func TestZeroRowFallbackHydratesHits(t *testing.T) {
	query := "SELECT * FROM opportunities WHERE account_name LIKE '%Acme%'"
	st := &stubStructured{
		responses: map[string][]backends.Record{query: {}},
		lookup: []backends.Record{
			{"id": "o1", "amount": 100.0},
			{"id": "o2", "amount": 200.0},
			{"id": "o3", "amount": 300.0},
		},
	}
	sim := &stubSimilarity{hits: []backends.Hit{
		{ID: "o1", Document: "Acme renewal"},
		{ID: "o2", Document: "Acme expansion"},
		{ID: "o3", Document: "Acme pilot"},
	}}
	g := newTestGateway(st, &stubGraph{}, sim, nil)

	sets, err := g.Execute(context.Background(), Call{Tool: ToolStructured, Query: query})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(sets) != 2 {
		t.Fatalf("expected primary plus fallback set, got %d", len(sets))
	}
	if sets[0].ResultCount != 0 {
		t.Fatalf("expected empty primary set, got %d", sets[0].ResultCount)
	}
	if !sets[1].IsFollowUp || sets[1].ResultCount != 3 {
		t.Fatalf("expected fallback set with 3 hydrated records, got %#v", sets[1])
	}
	if sim.lastReq.Collection != "opportunities_vectors" {
		t.Fatalf("expected table-derived collection, got %q", sim.lastReq.Collection)
	}
	if st.lookups != 1 {
		t.Fatalf("expected one hydration lookup, got %d", st.lookups)
	}
}

func TestFallbackFailureIsSwallowed(t *testing.T) {
	query := "SELECT * FROM accounts WHERE name = 'Globex'"
	st := &stubStructured{responses: map[string][]backends.Record{query: {}}}
	sim := &stubSimilarity{err: errors.New("weaviate down")}
	g := newTestGateway(st, &stubGraph{}, sim, nil)

	sets, err := g.Execute(context.Background(), Call{Tool: ToolStructured, Query: query})
	if err != nil {
		t.Fatalf("fallback failure must not surface: %v", err)
	}
	if len(sets) != 1 || sets[0].ResultCount != 0 {
		t.Fatalf("expected only the empty primary set, got %#v", sets)
	}
}

func TestFallbackSkippedWithoutFilterLiterals(t *testing.T) {
	query := "SELECT count(*) FROM accounts"
	st := &stubStructured{responses: map[string][]backends.Record{query: {}}}
	sim := &stubSimilarity{}
	g := newTestGateway(st, &stubGraph{}, sim, nil)

	sets, err := g.Execute(context.Background(), Call{Tool: ToolStructured, Query: query})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(sets) != 1 || sim.calls != 0 {
		t.Fatalf("expected no fallback without search terms, got %d sets, %d searches", len(sets), sim.calls)
	}
}

func TestCacheServesRepeatedCalls(t *testing.T) {
	g := newTestGateway(&stubStructured{}, &stubGraph{records: []backends.Record{{"n.id": "x"}}}, &stubSimilarity{}, nil)
	gr := g.graph.(*stubGraph)

	call := Call{Tool: ToolGraph, Query: "MATCH (n) RETURN n LIMIT 1"}
	if _, err := g.Execute(context.Background(), call); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if _, err := g.Execute(context.Background(), call); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if gr.calls != 1 {
		t.Fatalf("expected backend hit once with cache serving the repeat, got %d", gr.calls)
	}
}

func TestSimilarityToolReturnsHitRecords(t *testing.T) {
	sim := &stubSimilarity{hits: []backends.Hit{
		{ID: "d1", Document: "north region pipeline", Distance: 0.12,
			Metadata: map[string]interface{}{"source_table": "opportunities"}},
	}}
	g := newTestGateway(&stubStructured{}, &stubGraph{}, sim, nil)

	sets, err := g.Execute(context.Background(), Call{Tool: ToolSimilarity, Query: "north region"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	rec := sets[0].Results[0]
	if rec["id"] != "d1" || rec["source_table"] != "opportunities" {
		t.Fatalf("unexpected hit record: %#v", rec)
	}
}

func TestExtractSearchTerms(t *testing.T) {
	query := "SELECT * FROM opportunities WHERE account LIKE '%Acme Corp%' AND stage = 'Closed Won' AND owner = 'dana'"
	terms := ExtractSearchTerms(query)
	want := []string{"Acme Corp", "Closed Won", "dana"}
	if len(terms) != len(want) {
		t.Fatalf("expected %d terms, got %v", len(want), terms)
	}
	for i, w := range want {
		if terms[i] != w {
			t.Fatalf("term %d: expected %q, got %q", i, w, terms[i])
		}
	}
}

func TestExtractSearchTermsDeduplicates(t *testing.T) {
	query := "SELECT * FROM t WHERE a = 'x' OR b = 'x' OR c LIKE '%x%'"
	if terms := ExtractSearchTerms(query); len(terms) != 1 {
		t.Fatalf("expected deduplicated single term, got %v", terms)
	}
}

func TestExtractTable(t *testing.T) {
	cases := map[string]string{
		"SELECT * FROM Opportunities WHERE x = 1": "opportunities",
		"select id from accounts a join x":        "accounts",
		"SHOW TABLES":                             "",
	}
	for query, want := range cases {
		if got := ExtractTable(query); got != want {
			t.Fatalf("ExtractTable(%q) = %q, want %q", query, got, want)
		}
	}
}

func TestUnknownToolFails(t *testing.T) {
	g := newTestGateway(&stubStructured{}, &stubGraph{}, &stubSimilarity{}, nil)
	_, err := g.Execute(context.Background(), Call{Tool: Tool("time_travel"), Query: "q"})
	if err == nil {
		t.Fatalf("expected unknown tool error")
	}
	if want := fmt.Sprintf("unknown tool: %s", "time_travel"); err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}
