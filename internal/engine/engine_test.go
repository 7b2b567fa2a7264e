package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/croquery/croquery/config"
	"github.com/croquery/croquery/internal/backends"
	"github.com/croquery/croquery/internal/session/inmemory"
	"github.com/croquery/croquery/internal/tools"
)

// scriptedLLM returns its canned responses in order, one per Generate call.
type scriptedLLM struct {
	responses []string
	calls     int
}

func (s *scriptedLLM) Generate(_ context.Context, _, _ string, _ map[string]interface{}) (string, error) {
	if s.calls >= len(s.responses) {
		return "", fmt.Errorf("unexpected model call %d", s.calls+1)
	}
	r := s.responses[s.calls]
	s.calls++
	return r, nil
}

type stubEngineGateway struct {
	executed []tools.Call
	records  map[string][]backends.Record
	errs     map[string]error
}

func (g *stubEngineGateway) Execute(_ context.Context, call tools.Call) ([]tools.ResultSet, error) {
	g.executed = append(g.executed, call)
	rs := tools.ResultSet{
		Tool:      call.Tool,
		Query:     call.Query,
		Purpose:   call.Purpose,
		Timestamp: time.Now(),
	}
	if err := g.errs[call.Query]; err != nil {
		return []tools.ResultSet{rs}, err
	}
	rs.Results = g.records[call.Query]
	rs.ResultCount = len(rs.Results)
	return []tools.ResultSet{rs}, nil
}

func engineConfig() *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{MaxIterations: 3, MaxToolCalls: 3},
	}
}

func planJSON(queries ...string) string {
	var calls []string
	for _, q := range queries {
		calls = append(calls, fmt.Sprintf(`{"tool":"structured_query","query":%q,"purpose":"lookup"}`, q))
	}
	return fmt.Sprintf(`{"plan":"retrieve","tool_calls":[%s],"reasoning":"r"}`, strings.Join(calls, ","))
}

func reasonJSON(answer string, confidence float64, needsMore bool) string {
	return fmt.Sprintf(`{"answer":%q,"confidence":%v,"needs_more_data":%t,"missing_data":"","reasoning":"steps"}`,
		answer, confidence, needsMore)
}

func reflectJSON(cont bool) string {
	return fmt.Sprintf(`{"evaluation":"ok","gaps":[],"suggestions":[],"continue":%t}`, cont)
}

func newTestEngine(llm LLMProvider, gw ToolGateway) *Engine {
	return New(engineConfig(), llm, gw, inmemory.NewStore(5), nil, nil, nil)
}

func TestQuerySingleIteration(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		planJSON("SELECT * FROM accounts"),
		reasonJSON("Acme leads the pipeline.", 0.91, false),
	}}
	gw := &stubEngineGateway{records: map[string][]backends.Record{
		"SELECT * FROM accounts": {{"id": "a1", "account": "Acme"}},
	}}
	e := newTestEngine(llm, gw)

	resp, err := e.Query(context.Background(), "top accounts", 0, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Answer != "Acme leads the pipeline." {
		t.Fatalf("answer = %q", resp.Answer)
	}
	if resp.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", resp.Iterations)
	}
	if len(resp.Evidence) != 1 || resp.Evidence[0] != "a1" {
		t.Fatalf("evidence = %v", resp.Evidence)
	}
	if resp.SessionID != "s1" {
		t.Fatalf("session id = %q", resp.SessionID)
	}
	if len(resp.ConversationHistory) != 1 || resp.ConversationHistory[0].Question != "top accounts" {
		t.Fatalf("conversation history = %v", resp.ConversationHistory)
	}
	if llm.calls != 2 {
		t.Fatalf("expected 2 model calls, got %d", llm.calls)
	}
}

func TestQueryDeduplicatesAcrossIterations(t *testing.T) {
	// the same call is planned every iteration; it must execute only once
	llm := &scriptedLLM{responses: []string{
		planJSON("SELECT 1"),
		reasonJSON("partial", 0.4, true),
		reflectJSON(true),
		planJSON("SELECT 1"),
		reasonJSON("partial", 0.4, true),
		reflectJSON(true),
		planJSON("SELECT 1"),
		reasonJSON("final", 0.6, true),
	}}
	gw := &stubEngineGateway{records: map[string][]backends.Record{
		"SELECT 1": {{"id": "r1", "v": float64(1)}},
	}}
	e := newTestEngine(llm, gw)

	resp, err := e.Query(context.Background(), "q", 3, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gw.executed) != 1 {
		t.Fatalf("expected 1 backend execution, got %d", len(gw.executed))
	}
	if resp.Iterations != 3 {
		t.Fatalf("iterations = %d, want 3", resp.Iterations)
	}
	if resp.Answer != "final" {
		t.Fatalf("answer = %q", resp.Answer)
	}
	if resp.SessionID == "" {
		t.Fatal("expected a generated session id")
	}
}

func TestQueryNoResult(t *testing.T) {
	llm := &scriptedLLM{responses: []string{planJSON("SELECT * FROM void")}}
	gw := &stubEngineGateway{} // empty result, no error
	e := newTestEngine(llm, gw)

	_, err := e.Query(context.Background(), "anything here?", 0, "s1")
	nre, ok := err.(*NoResultError)
	if !ok {
		t.Fatalf("expected *NoResultError, got %v", err)
	}
	if !strings.Contains(nre.Error(), "anything here?") {
		t.Fatalf("error should name the question: %v", nre)
	}

	// a fruitless query leaves no trace in session memory
	history, _ := e.sessions.History(context.Background(), "s1")
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %v", history)
	}
}

func TestQueryRetrievalErrorIsNotNoResult(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		planJSON("SELECT broken"),
		reasonJSON("could not retrieve data", 0.2, false),
	}}
	gw := &stubEngineGateway{errs: map[string]error{"SELECT broken": fmt.Errorf("boom")}}
	e := newTestEngine(llm, gw)

	resp, err := e.Query(context.Background(), "q", 0, "")
	if err != nil {
		t.Fatalf("retrieval errors must degrade, not fail: %v", err)
	}
	if len(resp.Errors) == 0 {
		t.Fatal("expected the retrieval error to be surfaced")
	}
	if len(resp.ExecutionHistory) != 1 || resp.ExecutionHistory[0].Error == "" {
		t.Fatalf("execution history missing the error: %v", resp.ExecutionHistory)
	}
}

func TestQueryReasoningFailureDegrades(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		planJSON("SELECT 1"),
		"this is not json at all",
	}}
	gw := &stubEngineGateway{records: map[string][]backends.Record{
		"SELECT 1": {{"id": "r1"}},
	}}
	e := newTestEngine(llm, gw)

	resp, err := e.Query(context.Background(), "q", 0, "")
	if err != nil {
		t.Fatalf("reasoning failure must degrade, not fail: %v", err)
	}
	if resp.Confidence != 0 {
		t.Fatalf("confidence = %v, want 0", resp.Confidence)
	}
	if resp.Answer == "" {
		t.Fatal("expected a placeholder answer")
	}
	if resp.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1 (no looping after reasoner failure)", resp.Iterations)
	}
}

func TestQueryReflectionFailureTerminates(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		planJSON("SELECT 1"),
		reasonJSON("draft", 0.5, true),
		"broken reflection output",
	}}
	gw := &stubEngineGateway{records: map[string][]backends.Record{
		"SELECT 1": {{"id": "r1"}},
	}}
	e := newTestEngine(llm, gw)

	resp, err := e.Query(context.Background(), "q", 3, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1 (reflection failure must stop the loop)", resp.Iterations)
	}
	if resp.Answer != "draft" {
		t.Fatalf("answer = %q", resp.Answer)
	}
}

func TestQueryReflectionSkippedWithoutToolCalls(t *testing.T) {
	// planning fails every pass, so no tool call ever happens; the loop
	// must spin through reasoning without consulting the reflector
	llm := &scriptedLLM{responses: []string{
		"not json",
		reasonJSON("nothing yet", 0.1, true),
		"not json",
		reasonJSON("still nothing", 0.1, true),
		"not json",
		reasonJSON("giving up", 0.1, true),
	}}
	gw := &stubEngineGateway{}
	e := newTestEngine(llm, gw)

	resp, err := e.Query(context.Background(), "q", 3, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Iterations != 3 {
		t.Fatalf("iterations = %d, want 3", resp.Iterations)
	}
	if llm.calls != 6 {
		t.Fatalf("expected 6 model calls (3 plans + 3 reasons, no reflection), got %d", llm.calls)
	}
	if len(gw.executed) != 0 {
		t.Fatalf("no calls should have executed, got %d", len(gw.executed))
	}
}

func TestQueryPlanTruncatedToCap(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		planJSON("SELECT 1", "SELECT 2", "SELECT 3", "SELECT 4"),
		reasonJSON("done", 0.9, false),
	}}
	gw := &stubEngineGateway{records: map[string][]backends.Record{
		"SELECT 1": {{"id": "a"}},
		"SELECT 2": {{"id": "b"}},
		"SELECT 3": {{"id": "c"}},
		"SELECT 4": {{"id": "d"}},
	}}
	e := newTestEngine(llm, gw)

	if _, err := e.Query(context.Background(), "q", 0, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gw.executed) != 3 {
		t.Fatalf("expected the plan truncated to 3 calls, got %d", len(gw.executed))
	}
	if gw.executed[2].Query != "SELECT 3" {
		t.Fatalf("expected the first three calls kept in order, got %v", gw.executed)
	}
}

func TestClearAndListSessions(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		planJSON("SELECT 1"),
		reasonJSON("a", 0.9, false),
	}}
	gw := &stubEngineGateway{records: map[string][]backends.Record{
		"SELECT 1": {{"id": "r1"}},
	}}
	e := newTestEngine(llm, gw)
	ctx := context.Background()

	if _, err := e.Query(ctx, "q", 0, "keepme"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids, err := e.ListSessions(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "keepme" {
		t.Fatalf("sessions = %v, err = %v", ids, err)
	}
	if err := e.ClearSession(ctx, "keepme"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	ids, _ = e.ListSessions(ctx)
	if len(ids) != 0 {
		t.Fatalf("expected no sessions after clear, got %v", ids)
	}
}
