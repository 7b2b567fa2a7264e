package report

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

// Chart markup is self-contained HTML backed by the Chart.js CDN bundle, so
// each visualization can be dropped into a dashboard or email as-is.

const chartPalette = `["#2563eb","#7c3aed","#059669","#d97706","#dc2626","#0891b2","#4d7c0f","#9333ea"]`

func renderChartHTML(vizType, id, title string, labels []string, values []float64) string {
	chartType := vizType
	horizontal := false
	if vizType == "funnel" {
		// funnels render as horizontal bars sorted by the stage order the
		// data arrived in
		chartType = "bar"
		horizontal = true
	}

	labelsJSON, _ := json.Marshal(labels)
	valuesJSON, _ := json.Marshal(values)

	var opts strings.Builder
	opts.WriteString(`{"responsive":true,"plugins":{"legend":{"display":`)
	if chartType == "doughnut" {
		opts.WriteString("true")
	} else {
		opts.WriteString("false")
	}
	opts.WriteString(`}}`)
	if horizontal {
		opts.WriteString(`,"indexAxis":"y"`)
	}
	opts.WriteString(`}`)

	return fmt.Sprintf(`<div class="croquery-chart">
<h3>%s</h3>
<canvas id="%s"></canvas>
<script src="https://cdn.jsdelivr.net/npm/chart.js"></script>
<script>
new Chart(document.getElementById(%q), {
  type: %q,
  data: {labels: %s, datasets: [{label: %q, data: %s, backgroundColor: %s}]},
  options: %s
});
</script>
</div>`,
		html.EscapeString(title), html.EscapeString(id), id, chartType,
		labelsJSON, title, valuesJSON, chartPalette, opts.String())
}

func renderTableHTML(title string, columns []string, rows []map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(`<div class="croquery-table">` + "\n")
	b.WriteString("<h3>" + html.EscapeString(title) + "</h3>\n")
	b.WriteString(`<table style="border-collapse:collapse;width:100%;font-family:sans-serif">` + "\n<thead><tr>")
	for _, col := range columns {
		b.WriteString(`<th style="border:1px solid #d1d5db;padding:6px 10px;background:#f3f4f6;text-align:left">`)
		b.WriteString(html.EscapeString(titleize(col)))
		b.WriteString("</th>")
	}
	b.WriteString("</tr></thead>\n<tbody>\n")
	for _, row := range rows {
		b.WriteString("<tr>")
		for _, col := range columns {
			b.WriteString(`<td style="border:1px solid #d1d5db;padding:6px 10px">`)
			b.WriteString(html.EscapeString(renderValue(row[col])))
			b.WriteString("</td>")
		}
		b.WriteString("</tr>\n")
	}
	b.WriteString("</tbody>\n</table>\n</div>")
	return b.String()
}
