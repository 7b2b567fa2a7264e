package engine

import (
	"fmt"
	"time"

	"github.com/croquery/croquery/internal/backends"
	"github.com/croquery/croquery/internal/report"
	"github.com/croquery/croquery/internal/session"
	"github.com/croquery/croquery/internal/tools"
)

// EvidenceItem is a normalized, identified unit derived from a backend
// record. Owned by the query state; never mutated after creation.
type EvidenceItem struct {
	ID     string          `json:"id"`
	Source string          `json:"source"`
	Data   backends.Record `json:"data"`
	Index  int             `json:"index"`
}

// ExecutionLogEntry records one tool-call attempt for the audit trail.
type ExecutionLogEntry struct {
	Tool        string        `json:"tool"`
	Query       string        `json:"query"`
	Purpose     string        `json:"purpose"`
	ResultCount int           `json:"result_count"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// queryState is the mutable, single-flight state of one question.
type queryState struct {
	Question            string
	Plan                string
	ToolCalls           []tools.Call
	RawResults          []tools.ResultSet
	Evidence            []EvidenceItem
	ReasoningSteps      []string
	ExecutionHistory    []ExecutionLogEntry
	Errors              []string
	Answer              string
	Confidence          float64
	NeedsMoreData       bool
	MissingData         string
	IterationCount      int
	MaxIterations       int
	SessionID           string
	ConversationHistory []session.Turn

	seen map[string]struct{}
}

func newQueryState(question, sessionID string, maxIterations int, history []session.Turn) *queryState {
	return &queryState{
		Question:            question,
		MaxIterations:       maxIterations,
		SessionID:           sessionID,
		ConversationHistory: history,
		seen:                make(map[string]struct{}),
	}
}

// markSeen registers a (tool, query) pair, returning false when it was
// already issued within this question's lifetime.
func (s *queryState) markSeen(call tools.Call) bool {
	key := call.Key()
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

func (s *queryState) totalResults() int {
	total := 0
	for _, rs := range s.RawResults {
		total += rs.ResultCount
	}
	return total
}

func (s *queryState) hasAnyRecord() bool {
	for _, rs := range s.RawResults {
		if len(rs.Results) > 0 {
			return true
		}
	}
	return false
}

// Response is what the engine hands back for one question.
type Response struct {
	Answer              string              `json:"answer"`
	Confidence          float64             `json:"confidence_score"`
	Evidence            []string            `json:"evidence"`
	Errors              []string            `json:"errors"`
	ExecutionHistory    []ExecutionLogEntry `json:"execution_history"`
	RawResults          []tools.ResultSet   `json:"raw_results"`
	Iterations          int                 `json:"iterations"`
	TotalExecutionTime  time.Duration       `json:"total_execution_time"`
	ConversationHistory []session.Turn      `json:"conversation_history"`
	SessionID           string              `json:"session_id"`
	Report              *report.Report      `json:"report,omitempty"`
}

// NoResultError is the terminal, user-visible "nothing matches" condition:
// zero records across all tool calls with no errors explaining the absence.
type NoResultError struct {
	Question string
}

func (e *NoResultError) Error() string {
	return fmt.Sprintf("no matching records found for question: %s", e.Question)
}

// plannerOutput is the structured planning result expected from the LLM.
type plannerOutput struct {
	Plan      string `json:"plan"`
	ToolCalls []struct {
		Tool    string `json:"tool"`
		Query   string `json:"query"`
		Purpose string `json:"purpose"`
	} `json:"tool_calls"`
	Reasoning string `json:"reasoning"`
}

// reasonerOutput is the structured reasoning result expected from the LLM.
type reasonerOutput struct {
	Answer        string  `json:"answer"`
	Confidence    float64 `json:"confidence"`
	NeedsMoreData bool    `json:"needs_more_data"`
	MissingData   string  `json:"missing_data"`
	Reasoning     string  `json:"reasoning"`
}

// reflectorOutput is the structured reflection result expected from the LLM.
type reflectorOutput struct {
	Evaluation  string   `json:"evaluation"`
	Gaps        []string `json:"gaps"`
	Suggestions []string `json:"suggestions"`
	Continue    bool     `json:"continue"`
}
