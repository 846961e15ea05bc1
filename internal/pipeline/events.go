package pipeline

import "fmt"

// EventKind names one entry of the closed event enumeration.
type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventQuestions EventKind = "questions"
	EventQA        EventKind = "qa"
	EventTitle     EventKind = "title"
	EventOutline   EventKind = "outline"
	EventSection   EventKind = "section"
	EventReport    EventKind = "report"
	EventComplete  EventKind = "complete"
	EventError     EventKind = "error"
)

// Event is the unit of observable progress. Events are immutable after
// emission; a session's events form a strict total order with non-decreasing
// progress values.
type Event struct {
	Kind        EventKind      `json:"event"`
	Message     string         `json:"message,omitempty"`
	IsCompleted bool           `json:"isCompleted"`
	Step        string         `json:"step,omitempty"`
	Progress    *float64       `json:"progress,omitempty"`
	Questions   []string       `json:"questions,omitempty"`
	Question    string         `json:"question,omitempty"`
	Answer      string         `json:"answer,omitempty"`
	Title       string         `json:"title,omitempty"`
	Outline     string         `json:"outline,omitempty"`
	Section     *ReportSection `json:"section,omitempty"`
	Report      *Report        `json:"report,omitempty"`
}

// NewProgressEvent creates a progress event for a named stage. isCompleted
// marks stage completion as opposed to stage start.
func NewProgressEvent(step, message string, progress float64, isCompleted bool) Event {
	p := progress
	return Event{Kind: EventProgress, Step: step, Message: message, Progress: &p, IsCompleted: isCompleted}
}

// NewQuestionsEvent carries the parsed follow-up questions.
func NewQuestionsEvent(questions []string) Event {
	return Event{Kind: EventQuestions, Questions: questions, Message: fmt.Sprintf("Generated %d follow-up questions", len(questions))}
}

// NewQAEvent carries one answered follow-up question.
func NewQAEvent(question, answer string) Event {
	return Event{Kind: EventQA, Question: question, Answer: answer}
}

// NewTitleEvent carries the generated report title.
func NewTitleEvent(title string) Event {
	return Event{Kind: EventTitle, Title: title}
}

// NewOutlineEvent carries the raw outline text before parsing.
func NewOutlineEvent(outline string) Event {
	return Event{Kind: EventOutline, Outline: outline}
}

// NewSectionEvent carries one finished section so a report can be rebuilt
// incrementally if the job fails before final assembly.
func NewSectionEvent(title, content string) Event {
	return Event{Kind: EventSection, Section: &ReportSection{Title: title, Content: content}}
}

// NewReportEvent carries the assembled final report.
func NewReportEvent(r *Report) Event {
	return Event{Kind: EventReport, Report: r, IsCompleted: true}
}

// NewCompleteEvent is the terminal success event.
func NewCompleteEvent(message string) Event {
	return Event{Kind: EventComplete, Message: message, IsCompleted: true}
}

// NewErrorEvent is the terminal failure event.
func NewErrorEvent(message string) Event {
	return Event{Kind: EventError, Message: message, IsCompleted: true}
}

// Terminal reports whether the event ends the session's stream.
func (e Event) Terminal() bool {
	return e.Kind == EventComplete || e.Kind == EventError
}

// ReportSection is one (title, content) pair of the final report.
type ReportSection struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Report is the final artifact. It is immutable once assembled and is the
// payload of exactly one report event.
type Report struct {
	Title            string          `json:"title"`
	ExecutiveSummary string          `json:"executiveSummary"`
	Sections         []ReportSection `json:"sections"`
	Conclusion       string          `json:"conclusion"`
	References       []string        `json:"references,omitempty"`
}

// Variant selects which configured models drive the pipeline.
type Variant string

const (
	VariantFast   Variant = "fast"
	VariantDeep   Variant = "deep"
	VariantHybrid Variant = "hybrid"
)

// ParseVariant validates a requested model variant.
func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case VariantFast, VariantDeep, VariantHybrid:
		return Variant(s), nil
	default:
		return "", fmt.Errorf("unknown model variant: %q", s)
	}
}
