package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var numberedLine = regexp.MustCompile(`^\s*\d+[.)]\s*(.+)$`)

// parseQuestions extracts up to want follow-up questions from a model
// response. It tries, in order: the whole response as a JSON array, the
// substring between the first '[' and last ']' as a JSON array, then
// numbered lines. If nothing survives, it synthesizes deterministic
// questions from the query so the pipeline never stalls on unparseable
// output.
func parseQuestions(raw, query string, want int) []string {
	if qs, ok := questionsFromJSON(raw); ok {
		return capQuestions(qs, want)
	}
	if qs, ok := questionsFromBracketSubstring(raw); ok {
		return capQuestions(qs, want)
	}
	if qs, ok := questionsFromNumberedLines(raw); ok {
		return capQuestions(qs, want)
	}
	return defaultQuestions(query, want)
}

func questionsFromJSON(raw string) ([]string, bool) {
	var qs []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &qs); err != nil {
		return nil, false
	}
	return nonEmpty(qs), len(nonEmpty(qs)) > 0
}

func questionsFromBracketSubstring(raw string) ([]string, bool) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil, false
	}
	var qs []string
	if err := json.Unmarshal([]byte(raw[start:end+1]), &qs); err != nil {
		return nil, false
	}
	qs = nonEmpty(qs)
	return qs, len(qs) > 0
}

func questionsFromNumberedLines(raw string) ([]string, bool) {
	var qs []string
	for _, line := range strings.Split(raw, "\n") {
		if m := numberedLine.FindStringSubmatch(line); m != nil {
			if q := strings.TrimSpace(m[1]); q != "" {
				qs = append(qs, q)
			}
		}
	}
	return qs, len(qs) > 0
}

// defaultQuestions is the last-resort fallback: deterministic template
// questions parameterized by the query text.
func defaultQuestions(query string, want int) []string {
	templates := []string{
		"What is the historical background of %s?",
		"What are the most significant recent developments concerning %s?",
		"Who are the key actors or stakeholders involved in %s?",
		"What are the main open debates or controversies around %s?",
		"What is the likely future outlook for %s?",
	}
	qs := make([]string, 0, want)
	for i := 0; i < want; i++ {
		qs = append(qs, fmt.Sprintf(templates[i%len(templates)], query))
	}
	return qs
}

func capQuestions(qs []string, want int) []string {
	if len(qs) > want {
		qs = qs[:want]
	}
	return qs
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}
