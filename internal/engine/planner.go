package engine

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/croquery/croquery/config"
	"github.com/croquery/croquery/internal/session"
	"github.com/croquery/croquery/internal/tools"
)

// historyWindow is how many prior turns the planning prompt carries.
const historyWindow = 3

// Planner turns a question plus retrieval history into the next batch of
// tool calls.
type Planner struct {
	cfg          *config.Config
	llm          LLMProvider
	logger       *log.Logger
	maxToolCalls int
}

// NewPlanner creates a new planner instance
func NewPlanner(cfg *config.Config, llm LLMProvider) *Planner {
	maxCalls := cfg.Engine.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = 3
	}
	return &Planner{
		cfg:          cfg,
		llm:          llm,
		logger:       log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
		maxToolCalls: maxCalls,
	}
}

// Plan asks the model for the next tool calls. Output beyond the tool-call
// cap is silently truncated; unknown tool names are dropped with an error
// note so one bad entry never sinks the batch.
func (p *Planner) Plan(ctx context.Context, state *queryState, schema string) (string, []tools.Call, []string, error) {
	prompt := p.buildPrompt(state, schema)
	model := p.cfg.LLM.Routing.Model("planning")

	var out plannerOutput
	err := generateStructured(ctx, p.llm, prompt, model, map[string]interface{}{"temperature": 0.2}, &out)
	if err != nil {
		return "", nil, nil, fmt.Errorf("planning: %w", err)
	}

	var (
		calls []tools.Call
		notes []string
	)
	for _, tc := range out.ToolCalls {
		if len(calls) >= p.maxToolCalls {
			p.logger.Printf("truncating plan to %d tool calls (%d proposed)", p.maxToolCalls, len(out.ToolCalls))
			break
		}
		if !tools.Known(tc.Tool) {
			notes = append(notes, fmt.Sprintf("planner proposed unknown tool %q", tc.Tool))
			continue
		}
		if strings.TrimSpace(tc.Query) == "" {
			notes = append(notes, fmt.Sprintf("planner proposed empty query for %s", tc.Tool))
			continue
		}
		calls = append(calls, tools.Call{
			Tool:    tools.Tool(tc.Tool),
			Query:   tc.Query,
			Purpose: tc.Purpose,
		})
	}
	return out.Plan, calls, notes, nil
}

func (p *Planner) buildPrompt(state *queryState, schema string) string {
	var sb strings.Builder

	sb.WriteString("You are a data retrieval planner for a business analytics engine.\n\n")
	fmt.Fprintf(&sb, "QUESTION: %s\n", state.Question)

	if ctxBlock := renderConversation(state.ConversationHistory, historyWindow); ctxBlock != "" {
		sb.WriteString("\nCONVERSATION CONTEXT (most recent last):\n")
		sb.WriteString(ctxBlock)
	}

	if schema != "" {
		sb.WriteString("\nAVAILABLE DATA:\n")
		sb.WriteString(schema)
	}

	sb.WriteString(`
AVAILABLE TOOLS:
- structured_query: SQL against the relational store. Use for aggregates, filters, rankings.
- graph_query: Cypher against the graph store. Use for relationship traversal.
- similarity_search: free-text semantic search over mirrored row documents. Use for fuzzy name or description matching.
`)

	if state.IterationCount > 0 {
		sb.WriteString("\nPRIOR ATTEMPTS (do not repeat queries that already ran):\n")
		for _, entry := range state.ExecutionHistory {
			if entry.Error != "" {
				fmt.Fprintf(&sb, "- [%s] %s -> ERROR: %s\n", entry.Tool, entry.Query, entry.Error)
			} else {
				fmt.Fprintf(&sb, "- [%s] %s -> %d results\n", entry.Tool, entry.Query, entry.ResultCount)
			}
		}
		if state.MissingData != "" {
			fmt.Fprintf(&sb, "\nMISSING DATA IDENTIFIED: %s\n", state.MissingData)
		}
	}

	fmt.Fprintf(&sb, `
Produce at most %d tool calls for this pass.

OUTPUT FORMAT (JSON):
{
  "plan": "one-paragraph retrieval plan",
  "tool_calls": [
    {"tool": "structured_query", "query": "SELECT ...", "purpose": "why this query"}
  ],
  "reasoning": "why these tools and queries"
}`, p.maxToolCalls)

	return sb.String()
}

// renderConversation formats the last n turns, oldest first.
func renderConversation(history []session.Turn, n int) string {
	if len(history) == 0 {
		return ""
	}
	if len(history) > n {
		history = history[len(history)-n:]
	}
	var sb strings.Builder
	for _, turn := range history {
		fmt.Fprintf(&sb, "Q: %s\nA: %s\n", turn.Question, truncate(turn.Answer, 400))
	}
	return sb.String()
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
