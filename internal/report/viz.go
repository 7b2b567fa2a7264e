package report

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/croquery/croquery/internal/tools"
)

const (
	funnelMinStages  = 2
	funnelMaxStages  = 8
	tableMinRows     = 4
	largeResultRows  = 10
	uniquenessCutoff = 0.9
	uniquenessMinN   = 10
	sampleRows       = 50
	tableRowCap      = 50
)

var stageWords = map[string]struct{}{
	"stage":  {},
	"status": {},
	"phase":  {},
	"step":   {},
	"state":  {},
}

var idLikeSuffixes = []string{"_id", "_num", "_no", "_code", "_key"}
var idLikeWords = []string{"id", "number", "code", "key"}

type columnProfile struct {
	name              string
	numeric           bool
	meaningfulNumeric bool
	dateLike          bool
	stageLike         bool
	categorical       bool
	distinct          int
}

// candidate is a visualization suggested by the heuristics, before the cap
// and priority ranking are applied.
type candidate struct {
	vizType string
	title   string
	labels  []string
	values  []float64
	rows    []map[string]interface{}
	columns []string
}

// vizPriority orders candidates when more qualify than the cap allows.
var vizPriority = map[string]int{
	"funnel":   0,
	"bar":      1,
	"doughnut": 2,
	"line":     3,
	"table":    4,
}

// suggestVisualizations inspects the first non-empty result set and
// generates chart/table candidates. The bias is generous: when rows exist,
// at least one candidate always comes back.
func suggestVisualizations(question string, results []tools.ResultSet) []candidate {
	var rows []map[string]interface{}
	for _, rs := range results {
		if len(rs.Results) > 0 {
			for _, rec := range rs.Results {
				rows = append(rows, rec)
			}
			break
		}
	}
	if len(rows) == 0 {
		return nil
	}

	profiles := profileColumns(rows)
	var dateCol, numCol, catCol, stageCol *columnProfile
	for i := range profiles {
		p := &profiles[i]
		switch {
		case p.stageLike && stageCol == nil:
			stageCol = p
		case p.dateLike && dateCol == nil:
			dateCol = p
		case p.meaningfulNumeric && numCol == nil:
			numCol = p
		case p.categorical && catCol == nil:
			catCol = p
		}
	}

	var candidates []candidate

	if dateCol != nil && numCol != nil {
		labels, values := aggregate(rows, dateCol.name, numCol.name)
		candidates = append(candidates, candidate{
			vizType: "line",
			title:   fmt.Sprintf("%s over %s", titleize(numCol.name), titleize(dateCol.name)),
			labels:  labels,
			values:  values,
		})
	}

	if stageCol != nil && stageCol.distinct >= funnelMinStages && stageCol.distinct <= funnelMaxStages {
		var labels []string
		var values []float64
		if numCol != nil {
			labels, values = aggregate(rows, stageCol.name, numCol.name)
		} else {
			labels, values = countByLabel(rows, stageCol.name)
		}
		candidates = append(candidates, candidate{
			vizType: "funnel",
			title:   fmt.Sprintf("Pipeline by %s", titleize(stageCol.name)),
			labels:  labels,
			values:  values,
		})
	}

	if catCol != nil {
		if numCol != nil {
			labels, values := aggregate(rows, catCol.name, numCol.name)
			candidates = append(candidates, candidate{
				vizType: "bar",
				title:   fmt.Sprintf("%s by %s", titleize(numCol.name), titleize(catCol.name)),
				labels:  labels,
				values:  values,
			})
		} else if catCol.distinct >= 2 && catCol.distinct <= 6 {
			labels, values := countByLabel(rows, catCol.name)
			candidates = append(candidates, candidate{
				vizType: "doughnut",
				title:   fmt.Sprintf("Distribution by %s", titleize(catCol.name)),
				labels:  labels,
				values:  values,
			})
		}
	}

	if len(rows) >= tableMinRows {
		candidates = append(candidates, tableCandidate(rows, profiles))
	}

	if len(candidates) == 0 {
		if len(rows) > largeResultRows {
			candidates = append(candidates, tableCandidate(rows, profiles))
		} else {
			labels, values := defaultBar(rows, profiles)
			candidates = append(candidates, candidate{
				vizType: "bar",
				title:   "Result Overview",
				labels:  labels,
				values:  values,
			})
		}
	}
	return candidates
}

// rankAndRender applies the cap and the priority order, then renders the
// survivors to chart markup.
func rankAndRender(candidates []candidate, maxViz int) []Visualization {
	ranked := make([]candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return vizPriority[ranked[i].vizType] < vizPriority[ranked[j].vizType]
	})
	if len(ranked) > maxViz {
		ranked = ranked[:maxViz]
	}

	viz := make([]Visualization, 0, len(ranked))
	for i, c := range ranked {
		v := Visualization{
			Type:  c.vizType,
			Title: c.title,
			Data:  map[string]interface{}{},
		}
		if c.vizType == "table" {
			v.Data["columns"] = c.columns
			v.Data["rows"] = c.rows
			v.HTML = renderTableHTML(c.title, c.columns, c.rows)
		} else {
			v.Data["labels"] = c.labels
			v.Data["values"] = c.values
			v.HTML = renderChartHTML(c.vizType, fmt.Sprintf("viz_%d", i), c.title, c.labels, c.values)
		}
		viz = append(viz, v)
	}
	return viz
}

// profileColumns classifies the columns of a homogeneous row slice using
// the first record's keys and a bounded sample of values.
func profileColumns(rows []map[string]interface{}) []columnProfile {
	if len(rows) == 0 {
		return nil
	}
	sample := rows
	if len(sample) > sampleRows {
		sample = sample[:sampleRows]
	}

	keys := sortedKeys(rows[0])
	profiles := make([]columnProfile, 0, len(keys))
	for _, name := range keys {
		p := columnProfile{name: name}
		lower := strings.ToLower(name)
		p.stageLike = isStageLike(lower)
		p.dateLike = isDateLike(lower)

		distinct := map[string]struct{}{}
		numericCount := 0
		valueCount := 0
		for _, rec := range sample {
			v, ok := rec[name]
			if !ok || v == nil {
				continue
			}
			valueCount++
			distinct[fmt.Sprintf("%v", v)] = struct{}{}
			if _, ok := numericValue(v); ok {
				numericCount++
			}
		}
		p.distinct = len(distinct)
		p.numeric = valueCount > 0 && numericCount == valueCount && !p.dateLike
		if p.numeric {
			// the uniqueness rule needs enough values to mean anything;
			// five unique amounts are still a metric, fifty are an id
			highCardinality := valueCount >= uniquenessMinN && float64(p.distinct) > uniquenessCutoff*float64(valueCount)
			p.meaningfulNumeric = !isIDLike(lower) && !highCardinality
		}
		p.categorical = !p.numeric && !p.dateLike && !p.stageLike
		profiles = append(profiles, p)
	}
	return profiles
}

func isStageLike(name string) bool {
	if _, ok := stageWords[name]; ok {
		return true
	}
	for w := range stageWords {
		if strings.HasSuffix(name, "_"+w) {
			return true
		}
	}
	return false
}

func isDateLike(name string) bool {
	for _, w := range []string{"date", "month", "year", "quarter", "week", "_at"} {
		if strings.Contains(name, w) {
			return true
		}
	}
	return false
}

func isIDLike(name string) bool {
	for _, w := range idLikeWords {
		if name == w {
			return true
		}
	}
	for _, s := range idLikeSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	for _, w := range []string{"number", "code"} {
		if strings.Contains(name, w) {
			return true
		}
	}
	return false
}

func numericValue(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// aggregate sums the numeric column per label, preserving first-seen label
// order.
func aggregate(rows []map[string]interface{}, labelCol, valueCol string) ([]string, []float64) {
	var labels []string
	sums := map[string]float64{}
	for _, rec := range rows {
		label := renderValue(rec[labelCol])
		if label == "" {
			continue
		}
		if _, seen := sums[label]; !seen {
			labels = append(labels, label)
		}
		if f, ok := numericValue(rec[valueCol]); ok {
			sums[label] += f
		}
	}
	values := make([]float64, len(labels))
	for i, l := range labels {
		values[i] = sums[l]
	}
	return labels, values
}

func countByLabel(rows []map[string]interface{}, labelCol string) ([]string, []float64) {
	var labels []string
	counts := map[string]float64{}
	for _, rec := range rows {
		label := renderValue(rec[labelCol])
		if label == "" {
			continue
		}
		if _, seen := counts[label]; !seen {
			labels = append(labels, label)
		}
		counts[label]++
	}
	values := make([]float64, len(labels))
	for i, l := range labels {
		values[i] = counts[l]
	}
	return labels, values
}

func tableCandidate(rows []map[string]interface{}, profiles []columnProfile) candidate {
	columns := make([]string, 0, len(profiles))
	for _, p := range profiles {
		columns = append(columns, p.name)
	}
	capped := rows
	if len(capped) > tableRowCap {
		capped = capped[:tableRowCap]
	}
	return candidate{
		vizType: "table",
		title:   "Result Data",
		rows:    capped,
		columns: columns,
	}
}

// defaultBar builds the forced fallback chart: label each row by its first
// text column (or its index) against the first numeric column (or 1).
func defaultBar(rows []map[string]interface{}, profiles []columnProfile) ([]string, []float64) {
	labelCol := ""
	valueCol := ""
	for _, p := range profiles {
		if !p.numeric && labelCol == "" {
			labelCol = p.name
		}
		if p.numeric && valueCol == "" {
			valueCol = p.name
		}
	}
	labels := make([]string, 0, len(rows))
	values := make([]float64, 0, len(rows))
	for i, rec := range rows {
		label := ""
		if labelCol != "" {
			label = renderValue(rec[labelCol])
		}
		if label == "" {
			label = fmt.Sprintf("row %d", i+1)
		}
		value := 1.0
		if valueCol != "" {
			if f, ok := numericValue(rec[valueCol]); ok {
				value = f
			}
		}
		labels = append(labels, label)
		values = append(values, value)
	}
	return labels, values
}

func titleize(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '.' })
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}
