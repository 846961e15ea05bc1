package pipeline

import "fmt"

// Stage names, in execution order.
const (
	StageInit       = "init"
	StageQuestions  = "questions"
	StageAnswers    = "answers"
	StageResearch   = "research"
	StageTitle      = "title"
	StageOutline    = "outline"
	StageSections   = "sections"
	StageSummary    = "summary"
	StageConclusion = "conclusion"
)

// promptTemplates maps a stage name to its parameterized prompt. Templates
// are opaque data: the orchestrator only fills placeholders, it never
// inspects the text.
var promptTemplates = map[string]string{
	StageQuestions: `You are a research assistant preparing a long-form report on the topic below.

Topic: %s

Generate exactly 5 follow-up questions whose answers would most improve the report.
Respond ONLY with a JSON array of 5 strings. Do not include any other text.`,

	StageAnswers: `You are a research assistant working on a report about: %s

Answer the following question thoroughly but concisely, in plain prose:

%s`,

	StageResearch: `You are a research assistant gathering material for a report on: %s

Context from preliminary question answering:
%s

Produce consolidated research notes covering the key facts, figures, debates and
developments on this topic. Cite sources inline as URLs where you can.`,

	StageTitle: `Generate a concise, professional report title for the topic below.
Respond with the title only, no quotes, no other text.

Topic: %s`,

	StageOutline: `You are structuring a long-form report on: %s

Research notes:
%s

Produce an outline using markdown second-level headers ("## Section Title") for
each main section, with one short descriptive line under each header. Do not
include an executive summary or a conclusion section; those are written
separately.`,

	StageSections: `You are writing one section of a long-form report on: %s

Section to write: %s
Section scope: %s

Content written so far:
%s

Research notes:
%s

Question-and-answer context:
%s

Write the full content for this section in plain prose. Do not repeat material
already covered, and do not write any other section.`,

	StageSummary: `You are finishing a long-form report on: %s

Report content:
%s

Write a tight executive summary of the report, one to three paragraphs.`,

	StageConclusion: `You are finishing a long-form report on: %s

Report content:
%s

Write a conclusion that closes the report, one to two paragraphs.`,
}

// renderPrompt fills the stage template's placeholders in order.
func renderPrompt(stage string, args ...interface{}) string {
	tmpl, ok := promptTemplates[stage]
	if !ok {
		return ""
	}
	return fmt.Sprintf(tmpl, args...)
}
