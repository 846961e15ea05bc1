package pipeline

import "testing"

func TestParseOutline(t *testing.T) {
	raw := `Here is the outline you requested.

## Background
Context and history of the topic
### Early period
### Modern era

## Market Dynamics
Supply, demand and pricing

## Conclusion
Wrap everything up
`
	sections := parseOutline(raw)
	if len(sections) != 2 {
		t.Fatalf("got %d sections, want 2: %+v", len(sections), sections)
	}
	if sections[0].Title != "Background" {
		t.Fatalf("first title = %q", sections[0].Title)
	}
	want := "Context and history of the topic Early period Modern era"
	if sections[0].Description != want {
		t.Fatalf("first description = %q, want %q", sections[0].Description, want)
	}
	if sections[1].Title != "Market Dynamics" {
		t.Fatalf("second title = %q", sections[1].Title)
	}
}

func TestParseOutlineFiltersSummaryAndConclusion(t *testing.T) {
	raw := `## Executive Summary
overview
## Analysis
the core analysis
## CONCLUSION
closing thoughts
`
	sections := parseOutline(raw)
	if len(sections) != 1 {
		t.Fatalf("got %d sections, want 1: %+v", len(sections), sections)
	}
	if sections[0].Title != "Analysis" {
		t.Fatalf("title = %q", sections[0].Title)
	}
}

func TestParseOutlineFallback(t *testing.T) {
	for _, raw := range []string{"", "no headers at all, just prose", "## Executive Summary\nonly filtered content"} {
		sections := parseOutline(raw)
		if len(sections) != 3 {
			t.Fatalf("raw %q: got %d sections, want 3 defaults", raw, len(sections))
		}
		if sections[0].Title != "Background" || sections[2].Title != "Analysis" {
			t.Fatalf("raw %q: unexpected defaults: %+v", raw, sections)
		}
	}
}
