package tools

import (
	"regexp"
	"strings"
)

var (
	likePattern     = regexp.MustCompile(`(?i)LIKE\s+'%([^%]+)%'`)
	equalityPattern = regexp.MustCompile(`=\s*'([^']+)'`)
	fromPattern     = regexp.MustCompile(`(?i)\bFROM\s+([a-zA-Z_][a-zA-Z0-9_]*)`)
)

// ExtractSearchTerms pulls candidate search terms out of a structured
// query's filter literals: values inside LIKE '%...%' patterns and quoted
// equality comparisons. Order is preserved, duplicates dropped.
func ExtractSearchTerms(query string) []string {
	var terms []string
	seen := make(map[string]struct{})
	add := func(term string) {
		term = strings.TrimSpace(term)
		if term == "" {
			return
		}
		key := strings.ToLower(term)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		terms = append(terms, term)
	}

	for _, m := range likePattern.FindAllStringSubmatch(query, -1) {
		add(m[1])
	}
	for _, m := range equalityPattern.FindAllStringSubmatch(query, -1) {
		add(m[1])
	}
	return terms
}

// ExtractTable returns the first FROM target of a structured query, or ""
// when none is present.
func ExtractTable(query string) string {
	m := fromPattern.FindStringSubmatch(query)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}
