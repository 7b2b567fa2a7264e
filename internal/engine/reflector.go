package engine

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/croquery/croquery/config"
)

// Reflector critiques the current answer draft and votes on whether
// another planning pass is warranted.
type Reflector struct {
	cfg    *config.Config
	llm    LLMProvider
	logger *log.Logger
}

// NewReflector creates a new reflector instance
func NewReflector(cfg *config.Config, llm LLMProvider) *Reflector {
	return &Reflector{
		cfg:    cfg,
		llm:    llm,
		logger: log.New(log.Writer(), "[REFLECTOR] ", log.LstdFlags),
	}
}

// Reflect asks the model to evaluate the draft against the question.
func (r *Reflector) Reflect(ctx context.Context, state *queryState) (reflectorOutput, error) {
	prompt := r.buildPrompt(state)
	model := r.cfg.LLM.Routing.Model("reflection")

	var out reflectorOutput
	if err := generateStructured(ctx, r.llm, prompt, model, map[string]interface{}{"temperature": 0.2}, &out); err != nil {
		return reflectorOutput{}, fmt.Errorf("reflection: %w", err)
	}
	return out, nil
}

func (r *Reflector) buildPrompt(state *queryState) string {
	var sb strings.Builder
	sb.WriteString("You are reviewing a draft answer to a business question.\n\n")
	fmt.Fprintf(&sb, "QUESTION: %s\n", state.Question)
	fmt.Fprintf(&sb, "DRAFT ANSWER: %s\n", state.Answer)
	fmt.Fprintf(&sb, "CONFIDENCE: %.2f\n\n", state.Confidence)

	sb.WriteString("RETRIEVAL LOG:\n")
	for _, entry := range state.ExecutionHistory {
		if entry.Error != "" {
			fmt.Fprintf(&sb, "- [%s] %s -> ERROR: %s\n", entry.Tool, entry.Query, entry.Error)
		} else {
			fmt.Fprintf(&sb, "- [%s] %s -> %d results\n", entry.Tool, entry.Query, entry.ResultCount)
		}
	}
	if len(state.Errors) > 0 {
		sb.WriteString("\nERRORS:\n")
		for _, e := range state.Errors {
			fmt.Fprintf(&sb, "- %s\n", e)
		}
	}

	sb.WriteString(`
Decide whether another retrieval pass would materially improve the answer.

OUTPUT FORMAT (JSON):
{
  "evaluation": "assessment of the draft",
  "gaps": ["missing evidence"],
  "suggestions": ["what to retrieve next"],
  "continue": false
}`)

	return sb.String()
}
