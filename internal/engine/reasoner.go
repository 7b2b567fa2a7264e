package engine

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/croquery/croquery/config"
)

// Reasoner drafts an answer over the accumulated evidence and decides
// whether another retrieval pass is needed.
type Reasoner struct {
	cfg    *config.Config
	llm    LLMProvider
	logger *log.Logger
}

// NewReasoner creates a new reasoner instance
func NewReasoner(cfg *config.Config, llm LLMProvider) *Reasoner {
	return &Reasoner{
		cfg:    cfg,
		llm:    llm,
		logger: log.New(log.Writer(), "[REASONER] ", log.LstdFlags),
	}
}

// Reason asks the model for an answer draft over the evidence summary.
func (r *Reasoner) Reason(ctx context.Context, state *queryState) (reasonerOutput, error) {
	prompt := r.buildPrompt(state)
	model := r.cfg.LLM.Routing.Model("reasoning")

	var out reasonerOutput
	if err := generateStructured(ctx, r.llm, prompt, model, map[string]interface{}{"temperature": 0.2}, &out); err != nil {
		return reasonerOutput{}, fmt.Errorf("reasoning: %w", err)
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return out, nil
}

func (r *Reasoner) buildPrompt(state *queryState) string {
	var sb strings.Builder
	sb.WriteString("You are a business analyst answering a question from retrieved evidence.\n\n")
	fmt.Fprintf(&sb, "QUESTION: %s\n\n", state.Question)
	sb.WriteString("EVIDENCE:\n")
	sb.WriteString(summarizeResults(state.RawResults))

	if len(state.Errors) > 0 {
		sb.WriteString("\nRETRIEVAL ERRORS:\n")
		for _, e := range state.Errors {
			fmt.Fprintf(&sb, "- %s\n", e)
		}
	}

	fmt.Fprintf(&sb, `
Answer strictly from the evidence above. If the evidence is insufficient,
say what is missing instead of guessing. This is pass %d of at most %d.

OUTPUT FORMAT (JSON):
{
  "answer": "the answer, grounded in the evidence",
  "confidence": 0.0,
  "needs_more_data": false,
  "missing_data": "what is missing, if anything",
  "reasoning": "how the evidence supports the answer"
}`, state.IterationCount+1, state.MaxIterations)

	return sb.String()
}
