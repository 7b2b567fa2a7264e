package report

import (
	"fmt"
	"strings"
	"testing"

	"github.com/croquery/croquery/internal/backends"
	"github.com/croquery/croquery/internal/tools"
)

func structuredSet(records ...backends.Record) tools.ResultSet {
	return tools.ResultSet{
		Tool:        tools.ToolStructured,
		Query:       "SELECT 1",
		Results:     records,
		ResultCount: len(records),
	}
}

func TestVisualizationCapAndPriority(t *testing.T) {
	var records []backends.Record
	stages := []string{"prospect", "qualified", "proposal", "won"}
	for i := 0; i < 8; i++ {
		records = append(records, backends.Record{
			"close_date": fmt.Sprintf("2026-0%d-01", i%4+1),
			"amount":     float64(1000 * (i + 1)),
			"stage":      stages[i%4],
			"account":    fmt.Sprintf("Account %d", i%3),
		})
	}
	suggested := suggestVisualizations("pipeline by stage", []tools.ResultSet{structuredSet(records...)})
	if len(suggested) < 3 {
		t.Fatalf("expected at least 3 candidates, got %d", len(suggested))
	}

	rendered := rankAndRender(suggested, 2)
	if len(rendered) != 2 {
		t.Fatalf("expected exactly 2 visualizations, got %d", len(rendered))
	}
	if rendered[0].Type != "funnel" {
		t.Fatalf("expected funnel first, got %q", rendered[0].Type)
	}
	if rendered[1].Type != "bar" {
		t.Fatalf("expected bar second, got %q", rendered[1].Type)
	}
}

func TestTopAccountsScenario(t *testing.T) {
	var records []backends.Record
	for i := 0; i < 5; i++ {
		records = append(records, backends.Record{
			"account": fmt.Sprintf("Account %d", i),
			"amount":  float64(5000 * (i + 1)),
		})
	}
	suggested := suggestVisualizations("top accounts", []tools.ResultSet{structuredSet(records...)})
	rendered := rankAndRender(suggested, 2)
	if len(rendered) == 0 || len(rendered) > 2 {
		t.Fatalf("expected 1 or 2 visualizations, got %d", len(rendered))
	}
	if rendered[0].Type != "bar" {
		t.Fatalf("expected a bar chart first, got %q", rendered[0].Type)
	}
	if len(rendered) == 2 && rendered[1].Type != "table" {
		t.Fatalf("expected the second visualization to be a table, got %q", rendered[1].Type)
	}
	labels, ok := rendered[0].Data["labels"].([]string)
	if !ok || len(labels) != 5 {
		t.Fatalf("expected 5 bar labels, got %v", rendered[0].Data["labels"])
	}
}

func TestPenaltyMonotonicity(t *testing.T) {
	base := 0.95
	prev := applyRenderPenalty(base, 2, 2)
	if prev != base {
		t.Fatalf("no shortfall should leave confidence untouched, got %v", prev)
	}
	for shortfall := 1; shortfall <= 4; shortfall++ {
		got := applyRenderPenalty(base, 2+shortfall, 2)
		if got >= prev {
			t.Fatalf("shortfall %d: expected confidence below %v, got %v", shortfall, prev, got)
		}
		prev = got
	}
	if got := applyRenderPenalty(0.12, 10, 0); got != 0.1 {
		t.Fatalf("expected floor of 0.1, got %v", got)
	}
}

func TestIDLikeNumericExcluded(t *testing.T) {
	var rows []map[string]interface{}
	for i := 0; i < 10; i++ {
		rows = append(rows, map[string]interface{}{
			"opportunity_id": float64(i),
			"zip_code":       float64(90000 + i),
			"amount":         float64(100 * (i % 3)),
		})
	}
	profiles := profileColumns(rows)
	byName := map[string]columnProfile{}
	for _, p := range profiles {
		byName[p.name] = p
	}
	if byName["opportunity_id"].meaningfulNumeric {
		t.Fatal("opportunity_id should not be a meaningful numeric column")
	}
	if byName["zip_code"].meaningfulNumeric {
		t.Fatal("zip_code should not be a meaningful numeric column")
	}
	if !byName["amount"].meaningfulNumeric {
		t.Fatal("amount should be a meaningful numeric column")
	}
}

func TestHighCardinalityNumericExcluded(t *testing.T) {
	var rows []map[string]interface{}
	for i := 0; i < 20; i++ {
		rows = append(rows, map[string]interface{}{"score": float64(i) * 1.37})
	}
	profiles := profileColumns(rows)
	if profiles[0].meaningfulNumeric {
		t.Fatal("fully unique numeric column should be treated as an identifier")
	}
}

func TestFunnelStageBounds(t *testing.T) {
	oneStage := []backends.Record{
		{"stage": "won", "amount": 1.0},
		{"stage": "won", "amount": 2.0},
	}
	for _, c := range suggestVisualizations("", []tools.ResultSet{structuredSet(oneStage...)}) {
		if c.vizType == "funnel" {
			t.Fatal("single-stage data should not produce a funnel")
		}
	}

	var manyStages []backends.Record
	for i := 0; i < 9; i++ {
		manyStages = append(manyStages, backends.Record{"stage": fmt.Sprintf("stage %d", i), "amount": 1.0})
	}
	for _, c := range suggestVisualizations("", []tools.ResultSet{structuredSet(manyStages...)}) {
		if c.vizType == "funnel" {
			t.Fatal("nine distinct stages should not produce a funnel")
		}
	}
}

func TestForcedDefaultWhenNothingQualifies(t *testing.T) {
	rows := []backends.Record{
		{"record_id": float64(1)},
		{"record_id": float64(2)},
	}
	suggested := suggestVisualizations("", []tools.ResultSet{structuredSet(rows...)})
	if len(suggested) == 0 {
		t.Fatal("rows exist, at least one candidate must come back")
	}
	if suggested[0].vizType != "bar" {
		t.Fatalf("small result should default to a bar chart, got %q", suggested[0].vizType)
	}
}

func TestEmptyResultsNoCandidates(t *testing.T) {
	if got := suggestVisualizations("", []tools.ResultSet{structuredSet()}); got != nil {
		t.Fatalf("expected nil candidates for empty results, got %v", got)
	}
}

func TestChartHTMLEscapesTitle(t *testing.T) {
	out := renderChartHTML("bar", "viz_0", "<script>alert(1)</script>", []string{"a"}, []float64{1})
	if strings.Contains(out, "<script>alert") {
		t.Fatal("chart title must be HTML-escaped")
	}
}
