package pipeline

import "strings"

// OutlineSection describes one planned report section parsed from the
// model's free-form outline.
type OutlineSection struct {
	Title       string
	Description string
}

// parseOutline converts loosely structured outline text into an ordered
// section list. Second-level markdown headers open main sections;
// third-level headers and plain lines are folded, space-joined, into the
// current section's description. Lines before the first header are
// discarded, as are sections titled like the executive summary or the
// conclusion (those are produced by dedicated stages). A header-less or
// fully filtered outline yields the fixed default sections so the
// section-generation loop always has at least one iteration.
func parseOutline(raw string) []OutlineSection {
	var (
		sections []OutlineSection
		current  *OutlineSection
	)
	flush := func() {
		if current != nil {
			current.Description = strings.TrimSpace(current.Description)
			sections = append(sections, *current)
			current = nil
		}
	}
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "## ") && !strings.HasPrefix(trimmed, "###"):
			flush()
			current = &OutlineSection{Title: strings.TrimSpace(strings.TrimPrefix(trimmed, "## "))}
		case strings.HasPrefix(trimmed, "### "):
			if current != nil {
				appendDescription(current, strings.TrimSpace(strings.TrimPrefix(trimmed, "### ")))
			}
		case trimmed != "":
			if current != nil {
				appendDescription(current, trimmed)
			}
		}
	}
	flush()

	var kept []OutlineSection
	for _, s := range sections {
		lower := strings.ToLower(s.Title)
		if strings.Contains(lower, "executive summary") || strings.Contains(lower, "conclusion") {
			continue
		}
		if s.Title == "" {
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		return defaultOutline()
	}
	return kept
}

func appendDescription(s *OutlineSection, text string) {
	if s.Description == "" {
		s.Description = text
		return
	}
	s.Description += " " + text
}

func defaultOutline() []OutlineSection {
	return []OutlineSection{
		{Title: "Background", Description: "Context and history of the topic"},
		{Title: "Current State", Description: "The present landscape and key developments"},
		{Title: "Analysis", Description: "Implications, debates and outlook"},
	}
}
