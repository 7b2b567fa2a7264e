package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/croquery/croquery/internal/tools"
)

// sampleRecords is how many records per result set the evidence summary
// carries into the reasoning prompt.
const sampleRecords = 5

// deriveEvidence appends one EvidenceItem per record in the result set.
// Identifier precedence: explicit "id", then "row_id", then "n.id", then a
// synthetic "{tool}_{index}" over the cumulative evidence list.
func deriveEvidence(state *queryState, rs tools.ResultSet) {
	for _, rec := range rs.Results {
		id := ""
		for _, key := range []string{"id", "row_id", "n.id"} {
			if v, ok := rec[key]; ok {
				if s := stringFromAny(v); s != "" {
					id = s
					break
				}
			}
		}
		if id == "" {
			id = fmt.Sprintf("%s_%d", rs.Tool, len(state.Evidence))
		}
		state.Evidence = append(state.Evidence, EvidenceItem{
			ID:     id,
			Source: string(rs.Tool),
			Data:   rec,
			Index:  len(state.Evidence),
		})
	}
}

// summarizeResults renders the accumulated result sets for the reasoning
// prompt: tool, query, purpose, result count and up to sampleRecords sample
// records per set, noting how many were omitted.
func summarizeResults(sets []tools.ResultSet) string {
	if len(sets) == 0 {
		return "(no results retrieved)\n"
	}
	var sb strings.Builder
	for i, rs := range sets {
		fmt.Fprintf(&sb, "[%d] tool=%s purpose=%q results=%d\n", i+1, rs.Tool, rs.Purpose, rs.ResultCount)
		fmt.Fprintf(&sb, "    query: %s\n", rs.Query)
		if rs.IsFollowUp {
			fmt.Fprintf(&sb, "    follow-up: %s\n", rs.FollowUpReason)
		}
		limit := len(rs.Results)
		if limit > sampleRecords {
			limit = sampleRecords
		}
		for _, rec := range rs.Results[:limit] {
			data, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			fmt.Fprintf(&sb, "    %s\n", truncate(string(data), 300))
		}
		if rest := len(rs.Results) - limit; rest > 0 {
			fmt.Fprintf(&sb, "    ... and %d more\n", rest)
		}
	}
	return sb.String()
}

// stringFromAny renders scalar identifier values as strings. Floats that
// are whole numbers drop the fraction, matching how JSON decoding hands
// back numeric ids.
func stringFromAny(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case fmt.Stringer:
		return t.String()
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	case int, int32, int64:
		return fmt.Sprintf("%d", t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
