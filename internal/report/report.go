// Package report reshapes an answered question into an executive-ready
// report: key-insight bullets, KPIs, a bounded set of visualizations and an
// optional model-written brief.
package report

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/croquery/croquery/config"
	"github.com/croquery/croquery/internal/tools"
)

const (
	insightSets   = 3
	insightValues = 3
	briefWordCap  = 180
)

// TextGenerator is the model capability used for the executive brief.
type TextGenerator interface {
	Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error)
}

// Visualization is one rendered chart or table.
type Visualization struct {
	Type  string                 `json:"type"`
	Title string                 `json:"title"`
	Data  map[string]interface{} `json:"data"`
	HTML  string                 `json:"html,omitempty"`
}

// Report is the presentation layer of a query response.
type Report struct {
	Summary        string             `json:"summary"`
	Confidence     float64            `json:"confidence"`
	Indicator      string             `json:"confidence_indicator"`
	Insights       []string           `json:"key_insights"`
	KPIs           map[string]float64 `json:"kpis,omitempty"`
	Visualizations []Visualization    `json:"visualizations"`
	Brief          string             `json:"executive_brief,omitempty"`
}

// Synthesizer builds reports. The generator may be nil, which disables the
// executive brief.
type Synthesizer struct {
	cfg    *config.Config
	llm    TextGenerator
	logger *log.Logger
}

func NewSynthesizer(cfg *config.Config, llm TextGenerator) *Synthesizer {
	return &Synthesizer{
		cfg:    cfg,
		llm:    llm,
		logger: log.New(log.Writer(), "[REPORT] ", log.LstdFlags),
	}
}

// Build assembles the report for one answered question. It never fails:
// every shaping step degrades to "omit that section" on bad data.
func (s *Synthesizer) Build(ctx context.Context, question, answer string, confidence float64, results []tools.ResultSet) *Report {
	rep := &Report{
		Summary:    summarize(answer),
		Confidence: confidence,
		Insights:   extractInsights(results),
		KPIs:       extractKPIs(results),
	}

	suggested := suggestVisualizations(question, results)
	maxViz := s.cfg.Report.MaxVisualizations
	if maxViz <= 0 {
		maxViz = 2
	}
	rep.Visualizations = rankAndRender(suggested, maxViz)
	rep.Confidence = applyRenderPenalty(confidence, len(suggested), len(rep.Visualizations))
	rep.Indicator = indicator(rep.Confidence)

	if s.cfg.Report.ExecutiveBrief && s.llm != nil {
		brief, err := s.writeBrief(ctx, question, answer, rep.Insights)
		if err != nil {
			s.logger.Printf("warn: executive brief generation failed: %v", err)
		} else {
			rep.Brief = brief
		}
	}
	return rep
}

// summarize produces the one-line executive summary: the first sentence of
// the narrative answer, bounded.
func summarize(answer string) string {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return ""
	}
	if idx := strings.IndexAny(answer, ".!?"); idx > 0 && idx < len(answer)-1 {
		answer = answer[:idx+1]
	}
	runes := []rune(answer)
	if len(runes) > 160 {
		return string(runes[:160]) + "..."
	}
	return answer
}

// indicator maps a confidence score onto a traffic-light band.
func indicator(confidence float64) string {
	switch {
	case confidence >= 0.9:
		return "green"
	case confidence >= 0.8:
		return "yellow"
	default:
		return "red"
	}
}

// applyRenderPenalty lowers confidence when fewer visualizations were
// rendered than the heuristics suggested, 0.05 per shortfall, never below
// 0.1.
func applyRenderPenalty(confidence float64, suggested, rendered int) float64 {
	if rendered >= suggested {
		return confidence
	}
	adjusted := confidence - 0.05*float64(suggested-rendered)
	if adjusted < 0.1 {
		return 0.1
	}
	return adjusted
}

// extractInsights builds the key-insight bullets: the first record of each
// of the first non-empty result sets, first few field values joined.
func extractInsights(results []tools.ResultSet) []string {
	insights := []string{}
	for _, rs := range results {
		if len(insights) >= insightSets {
			break
		}
		if len(rs.Results) == 0 {
			continue
		}
		record := rs.Results[0]
		keys := sortedKeys(record)
		parts := []string{}
		for _, k := range keys {
			if len(parts) >= insightValues {
				break
			}
			v := renderValue(record[k])
			if v == "" {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s: %s", k, v))
		}
		if len(parts) > 0 {
			insights = append(insights, strings.Join(parts, ", "))
		}
	}
	return insights
}

// extractKPIs aggregates the meaningful numeric columns of the first
// non-empty result set into totals and averages, plus an overall record
// count.
func extractKPIs(results []tools.ResultSet) map[string]float64 {
	kpis := map[string]float64{}
	total := 0
	for _, rs := range results {
		total += len(rs.Results)
	}
	if total == 0 {
		return nil
	}
	kpis["record_count"] = float64(total)

	for _, rs := range results {
		if len(rs.Results) == 0 {
			continue
		}
		profiles := profileColumns(rs.Results)
		for _, p := range profiles {
			if !p.meaningfulNumeric {
				continue
			}
			sum := 0.0
			n := 0
			for _, rec := range rs.Results {
				if f, ok := numericValue(rec[p.name]); ok {
					sum += f
					n++
				}
			}
			if n > 0 {
				kpis["total_"+p.name] = sum
				kpis["avg_"+p.name] = sum / float64(n)
			}
		}
		break
	}
	return kpis
}

func (s *Synthesizer) writeBrief(ctx context.Context, question, answer string, insights []string) (string, error) {
	prompt := fmt.Sprintf(`You are writing an executive brief for a business stakeholder.

QUESTION:
%s

ANALYSIS:
%s

KEY DATA POINTS:
%s

Write a brief with exactly these four sections, in this order:
Executive Summary, Key Insights, Recommendations, Next Steps.

Keep the whole brief under %d words. Plain text, no markdown headers beyond the section names.`,
		question, answer, strings.Join(insights, "\n"), briefWordCap)

	model := s.cfg.LLM.Routing.Model("brief")
	out, err := s.llm.Generate(ctx, prompt, model, map[string]interface{}{"temperature": 0.4})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func sortedKeys(record map[string]interface{}) []string {
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func renderValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%.2f", t)
	case int:
		return fmt.Sprintf("%d", t)
	case int64:
		return fmt.Sprintf("%d", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
