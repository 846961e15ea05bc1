package pipeline

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/deepscribe/deepscribe/config"
	"github.com/deepscribe/deepscribe/internal/provider"
)

// Cumulative progress checkpoints per stage. The increments sum to 100 and
// the section span is apportioned evenly across however many sections the
// outline yields.
const (
	progInit           = 0.0
	progQuestionsStart = 5.0
	progQuestionsDone  = 15.0
	progAnswersDone    = 30.0
	progResearchDone   = 45.0
	progTitleDone      = 50.0
	progOutlineDone    = 55.0
	progSectionsDone   = 90.0
	progSummaryDone    = 95.0
	progConclusionDone = 100.0

	sectionProgressSpan = progSectionsDone - progOutlineDone
)

// Per-stage response token budgets.
const (
	questionsMaxTokens  = 400
	answerMaxTokens     = 600
	researchMaxTokens   = 1500
	titleMaxTokens      = 60
	outlineMaxTokens    = 600
	sectionMaxTokens    = 1200
	summaryMaxTokens    = 800
	conclusionMaxTokens = 600
)

var pipelineTracer trace.Tracer = otel.Tracer("deepscribe/internal/pipeline")

// Orchestrator drives the fixed stage sequence for one query, threading
// intermediate results forward and emitting one typed event stream. It holds
// no per-session state; the caller owns the emit channel and the session
// record.
type Orchestrator struct {
	cfg    *config.Config
	client provider.Client
	logger *log.Logger
}

// NewOrchestrator creates a pipeline orchestrator.
func NewOrchestrator(cfg *config.Config, client provider.Client, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{cfg: cfg, client: client, logger: logger}
}

// Run executes the full stage sequence for one session, calling emit for
// every event in order. Any completion-client failure aborts the remaining
// stages immediately: the terminal error event is emitted and the failure
// returned. Parse failures never abort; they fall back (see parseQuestions,
// parseOutline).
func (o *Orchestrator) Run(ctx context.Context, sessionID, query string, variant Variant, emit func(Event)) error {
	start := time.Now()
	ctx, span := pipelineTracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("model.variant", string(variant)),
		))
	defer span.End()

	// Progress is clamped so the emitted sequence is non-decreasing even if
	// a checkpoint computation drifts.
	prev := 0.0
	progress := func(step, message string, pct float64, done bool) {
		if pct < prev {
			pct = prev
		}
		prev = pct
		emit(NewProgressEvent(step, message, pct, done))
	}
	fail := func(stage string, err error) error {
		o.logger.Printf("session %s: stage %s failed: %v", sessionID, stage, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		emit(NewErrorEvent(err.Error()))
		return fmt.Errorf("stage %s: %w", stage, err)
	}

	progress(StageInit, "Starting research pipeline", progInit, false)

	// Follow-up questions.
	progress(StageQuestions, "Generating follow-up questions", progQuestionsStart, false)
	raw, err := o.complete(ctx, variant, StageQuestions, questionsMaxTokens, renderPrompt(StageQuestions, query))
	if err != nil {
		return fail(StageQuestions, err)
	}
	questions := parseQuestions(raw, query, o.cfg.Pipeline.QuestionCount)
	emit(NewQuestionsEvent(questions))
	progress(StageQuestions, "Follow-up questions ready", progQuestionsDone, true)

	// Answer each question sequentially. Order matters downstream: the QA
	// context block must match question order, and the completion service
	// rate limit is shared.
	var qaBuf strings.Builder
	for i, q := range questions {
		answer, err := o.complete(ctx, variant, StageAnswers, answerMaxTokens, renderPrompt(StageAnswers, query, q))
		if err != nil {
			return fail(StageAnswers, err)
		}
		fmt.Fprintf(&qaBuf, "Question: %s\nAnswer: %s\n\n", q, answer)
		emit(NewQAEvent(q, answer))
		pct := progQuestionsDone + (progAnswersDone-progQuestionsDone)*float64(i+1)/float64(len(questions))
		progress(StageAnswers, fmt.Sprintf("Answered question %d of %d", i+1, len(questions)), pct, i+1 == len(questions))
	}
	qaContext := truncateChars(qaBuf.String(), o.cfg.Pipeline.QAContextChars)

	// Consolidated research data with citations.
	progress(StageResearch, "Gathering research data", progAnswersDone, false)
	research, err := o.complete(ctx, variant, StageResearch, researchMaxTokens, renderPrompt(StageResearch, query, qaContext))
	if err != nil {
		return fail(StageResearch, err)
	}
	references := extractReferences(research)
	progress(StageResearch, "Research data gathered", progResearchDone, true)

	// Title.
	progress(StageTitle, "Generating report title", progResearchDone, false)
	title, err := o.complete(ctx, variant, StageTitle, titleMaxTokens, renderPrompt(StageTitle, query))
	if err != nil {
		return fail(StageTitle, err)
	}
	title = cleanTitle(title, query)
	emit(NewTitleEvent(title))
	progress(StageTitle, "Report title ready", progTitleDone, true)

	// Outline.
	progress(StageOutline, "Generating outline", progTitleDone, false)
	outlineText, err := o.complete(ctx, variant, StageOutline, outlineMaxTokens,
		renderPrompt(StageOutline, query, truncateChars(research, o.cfg.Pipeline.SectionResearchChars)))
	if err != nil {
		return fail(StageOutline, err)
	}
	emit(NewOutlineEvent(outlineText))
	outline := parseOutline(outlineText)
	span.AddEvent("outline.parsed", trace.WithAttributes(attribute.Int("outline.section_count", len(outline))))
	progress(StageOutline, fmt.Sprintf("Outline ready with %d sections", len(outline)), progOutlineDone, true)

	// Sections, one completion call each, progress apportioned evenly.
	increment := sectionProgressSpan / float64(len(outline))
	var (
		sections []ReportSection
		priorBuf strings.Builder
	)
	progress(StageSections, "Writing report sections", progOutlineDone, false)
	for i, sec := range outline {
		prompt := renderPrompt(StageSections,
			query,
			sec.Title,
			sec.Description,
			truncateChars(priorBuf.String(), o.cfg.Pipeline.SectionPriorChars),
			truncateChars(research, o.cfg.Pipeline.SectionResearchChars),
			qaContext,
		)
		content, err := o.complete(ctx, variant, StageSections, sectionMaxTokens, prompt)
		if err != nil {
			return fail(StageSections, err)
		}
		sections = append(sections, ReportSection{Title: sec.Title, Content: content})
		fmt.Fprintf(&priorBuf, "## %s\n\n%s\n\n", sec.Title, content)
		emit(NewSectionEvent(sec.Title, content))
		pct := progOutlineDone + increment*float64(i+1)
		progress(StageSections, fmt.Sprintf("Wrote section %d of %d: %s", i+1, len(outline), sec.Title), pct, i+1 == len(outline))
	}
	body := truncateChars(priorBuf.String(), o.cfg.Pipeline.SummaryReportChars)

	// Executive summary.
	progress(StageSummary, "Writing executive summary", progSectionsDone, false)
	summary, err := o.complete(ctx, variant, StageSummary, summaryMaxTokens, renderPrompt(StageSummary, query, body))
	if err != nil {
		return fail(StageSummary, err)
	}
	progress(StageSummary, "Executive summary ready", progSummaryDone, true)

	// Conclusion.
	progress(StageConclusion, "Writing conclusion", progSummaryDone, false)
	conclusion, err := o.complete(ctx, variant, StageConclusion, conclusionMaxTokens, renderPrompt(StageConclusion, query, body))
	if err != nil {
		return fail(StageConclusion, err)
	}
	progress(StageConclusion, "Conclusion ready", progConclusionDone, true)

	report := &Report{
		Title:            title,
		ExecutiveSummary: summary,
		Sections:         sections,
		Conclusion:       conclusion,
		References:       references,
	}
	emit(NewReportEvent(report))
	emit(NewCompleteEvent("Report generation complete"))

	o.logger.Printf("session %s: completed in %v (%d sections)", sessionID, time.Since(start), len(sections))
	span.SetAttributes(attribute.Int("report.section_count", len(sections)))
	span.SetStatus(codes.Ok, "completed")
	return nil
}

// complete resolves the model for the stage under the requested variant and
// issues one completion call.
func (o *Orchestrator) complete(ctx context.Context, variant Variant, stage string, maxTokens int, prompt string) (string, error) {
	model, err := o.modelFor(variant, stage)
	if err != nil {
		return "", err
	}
	apiName := model.APIName
	if apiName == "" {
		apiName = model.Name
	}
	if model.MaxTokens > 0 && model.MaxTokens < maxTokens {
		maxTokens = model.MaxTokens
	}
	messages := []provider.Message{{Role: provider.RoleUser, Content: prompt}}
	return o.client.Complete(ctx, messages, apiName, model.Temperature, maxTokens)
}

// modelFor resolves a variant+stage pair to a configured model. The hybrid
// variant routes planning-style stages (questions, title, outline) to the
// deep model and bulk generation to the fast model.
func (o *Orchestrator) modelFor(variant Variant, stage string) (config.LLMModel, error) {
	key := ""
	switch variant {
	case VariantFast:
		key = o.cfg.LLM.Routing.Fast
	case VariantDeep:
		key = o.cfg.LLM.Routing.Deep
	case VariantHybrid:
		switch stage {
		case StageQuestions, StageTitle, StageOutline:
			key = o.cfg.LLM.Routing.Deep
		default:
			key = o.cfg.LLM.Routing.Fast
		}
	}
	if key == "" {
		return config.LLMModel{}, fmt.Errorf("no model routed for variant %q", variant)
	}
	for _, p := range o.cfg.LLM.Providers {
		if m, ok := p.Models[key]; ok {
			return m, nil
		}
	}
	return config.LLMModel{}, fmt.Errorf("model %q not configured", key)
}

// truncateChars applies a hard character cutoff, appending an ellipsis
// marker when text was dropped. A non-positive budget disables the cutoff.
func truncateChars(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimSpace(string(runes[:max])) + "…"
}

var urlPattern = regexp.MustCompile(`https?://[^\s)\]>"']+`)

// extractReferences collects distinct URLs cited in the research notes,
// preserving first-seen order.
func extractReferences(text string) []string {
	seen := make(map[string]struct{})
	var refs []string
	for _, u := range urlPattern.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;")
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		refs = append(refs, u)
	}
	return refs
}

// cleanTitle normalizes a generated title to a single unquoted line,
// falling back to the query when the model returns nothing usable.
func cleanTitle(title, query string) string {
	title = strings.TrimSpace(title)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.Trim(title, `"'`)
	title = strings.TrimSpace(title)
	if title == "" {
		return query
	}
	return title
}
