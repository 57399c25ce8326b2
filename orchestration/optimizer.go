package orchestration

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/weftworks/weft/core"
)

// OptimizeRequest is the post-run handoff from the session loop.
type OptimizeRequest struct {
	Question string

	// Template is the executed template. Nil when design itself failed.
	Template *WorkflowTemplate

	// Outcome carries the step results, partial on failure. Nil when design
	// itself failed.
	Outcome *ExecutionOutcome

	// RunErr is the halting error, nil on success.
	RunErr error

	// Feedback is the user's feedback text when this pass absorbs a
	// feedback frame rather than a run.
	Feedback string

	// Redesigned marks a run that already came from a diagnostic redesign.
	// A second failure is terminal.
	Redesigned bool
}

// OptimizeResult tells the session loop how to close the turn.
type OptimizeResult struct {
	// Summary is the user-facing text, streamed as chunk frames.
	Summary string

	// EndStatus is the end-frame status: ok, failed, or cancelled.
	EndStatus string

	// Redesign asks the loop to re-enter the Designer once with Diagnostic
	// as context.
	Redesign   bool
	Diagnostic string
}

// Optimizer closes the loop after a run: it records the outcome against the
// stored template, composes what the user hears, and decides whether a
// failure earns one redesign pass. Store write failures are logged and
// swallowed; a bad disk never turns a finished run into an error.
type Optimizer struct {
	ai     core.AIClient
	store  *Store
	cfg    DesignerConfig
	logger core.Logger
}

// NewOptimizer creates an Optimizer. ai may be nil; summaries then fall back
// to deterministic composition.
func NewOptimizer(ai core.AIClient, store *Store, cfg DesignerConfig, logger core.Logger) *Optimizer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Optimizer{ai: ai, store: store, cfg: cfg, logger: logger}
}

// Optimize processes one finished run.
func (o *Optimizer) Optimize(ctx context.Context, req OptimizeRequest) *OptimizeResult {
	results := map[string]Result{}
	if req.Outcome != nil {
		results = req.Outcome.Results
	}

	if req.RunErr == nil {
		o.recordOutcome(ctx, req.Template, true)
		return &OptimizeResult{
			Summary:   o.summarize(ctx, req.Question, results),
			EndStatus: EndStatusOK,
		}
	}

	kind := KindOf(req.RunErr)
	switch kind {
	case KindPermissionDenied, KindPermissionExpired:
		// The user said no, or nothing. The template did not fail; record
		// usage without a success-rate penalty.
		o.recordUsage(ctx, req.Template)
		return &OptimizeResult{
			Summary:   permissionReport(kind, req),
			EndStatus: EndStatusFailed,
		}

	case KindUserCancelled, KindSessionCancelled:
		// No store mutation on cancellation.
		return &OptimizeResult{
			Summary:   "The run was cancelled before it finished. No changes were recorded.",
			EndStatus: EndStatusCancelled,
		}

	default:
		o.recordOutcome(ctx, req.Template, false)
		if req.Redesigned {
			return &OptimizeResult{
				Summary:   failureReport(req),
				EndStatus: EndStatusFailed,
			}
		}
		diagnostic := o.diagnose(ctx, req)
		return &OptimizeResult{
			Summary:    redesignNotice(req),
			EndStatus:  EndStatusFailed,
			Redesign:   true,
			Diagnostic: diagnostic,
		}
	}
}

// AbsorbFeedback appends user feedback to the completed template's record.
func (o *Optimizer) AbsorbFeedback(ctx context.Context, templateID, content string) {
	if templateID == "" || strings.TrimSpace(content) == "" {
		return
	}
	if err := o.store.AppendFeedback(templateID, content); err != nil {
		o.logger.WarnWithContext(ctx, "Failed to append feedback", map[string]interface{}{
			"operation":   "optimize",
			"template_id": templateID,
			"error":       err.Error(),
		})
		return
	}
	o.logger.InfoWithContext(ctx, "Feedback recorded", map[string]interface{}{
		"operation":   "optimize",
		"template_id": templateID,
	})
}

func (o *Optimizer) recordOutcome(ctx context.Context, tmpl *WorkflowTemplate, success bool) {
	if tmpl == nil || tmpl.ID == "" {
		return
	}
	if err := o.store.RecordOutcome(tmpl.ID, success); err != nil {
		o.logger.WarnWithContext(ctx, "Failed to record outcome", map[string]interface{}{
			"operation":   "optimize",
			"template_id": tmpl.ID,
			"success":     success,
			"error":       err.Error(),
		})
	}
}

func (o *Optimizer) recordUsage(ctx context.Context, tmpl *WorkflowTemplate) {
	if tmpl == nil || tmpl.ID == "" {
		return
	}
	if err := o.store.RecordUsage(tmpl.ID); err != nil {
		o.logger.WarnWithContext(ctx, "Failed to record usage", map[string]interface{}{
			"operation":   "optimize",
			"template_id": tmpl.ID,
			"error":       err.Error(),
		})
	}
}

// summarize produces the success narrative: the model composes it when a
// client is available, otherwise the step results are assembled directly.
func (o *Optimizer) summarize(ctx context.Context, question string, results map[string]Result) string {
	if o.ai != nil {
		resp, err := o.ai.GenerateResponse(ctx, buildSummaryPrompt(question, results), &core.AIOptions{
			Model:       o.cfg.Model,
			Temperature: o.cfg.Temperature,
			MaxTokens:   o.cfg.MaxTokens,
		})
		if err == nil && strings.TrimSpace(resp.Content) != "" {
			return strings.TrimSpace(resp.Content)
		}
		if err != nil {
			o.logger.WarnWithContext(ctx, "Summary model call failed, using fallback", map[string]interface{}{
				"operation": "optimize",
				"error":     err.Error(),
			})
		}
	}
	return deterministicSummary(results)
}

// deterministicSummary assembles a plain-text summary without a model call.
// A summary already produced by an analysis step wins; otherwise the step
// results are listed in step order.
func deterministicSummary(results map[string]Result) string {
	steps := make([]string, 0, len(results))
	for name := range results {
		steps = append(steps, name)
	}
	sort.Strings(steps)

	for _, key := range []string{"summary", "formatted_data"} {
		for _, name := range steps {
			if v, ok := results[name][key]; ok {
				if s := strings.TrimSpace(asString(v)); s != "" {
					return s
				}
			}
		}
	}

	if len(steps) == 0 {
		return "The workflow finished without producing any results."
	}

	var b strings.Builder
	b.WriteString("Here is what the workflow found:\n")
	for _, name := range steps {
		res := results[name]
		keys := make([]string, 0, len(res))
		for k := range res {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, renderValue(res[k]))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// permissionReport words a halt at the permission gate. Deliberately calm:
// a denial is the system working, not an error to apologize for.
func permissionReport(kind Kind, req OptimizeRequest) string {
	step := "a protected step"
	if req.Outcome != nil && req.Outcome.FailedStep != "" {
		step = fmt.Sprintf("the %s step", req.Outcome.FailedStep)
	}
	done := 0
	if req.Outcome != nil {
		done = len(req.Outcome.Completed)
	}

	var b strings.Builder
	if kind == KindPermissionExpired {
		fmt.Fprintf(&b, "I stopped at %s because the permission request expired before you responded.", step)
	} else {
		fmt.Fprintf(&b, "I stopped at %s because permission was declined.", step)
	}
	b.WriteString(" Nothing was booked or charged.")
	if done > 0 {
		fmt.Fprintf(&b, " The %d earlier step(s) completed and their results are shown above.", done)
	}
	b.WriteString(" Tell me if you would like to adjust the plan and try again.")
	return b.String()
}

func failureReport(req OptimizeRequest) string {
	step := "one of the steps"
	if req.Outcome != nil && req.Outcome.FailedStep != "" {
		step = fmt.Sprintf("the %s step", req.Outcome.FailedStep)
	}
	return fmt.Sprintf("I could not complete your request: %s failed even after redesigning the approach (%v). Please try rephrasing the question or asking again later.", step, req.RunErr)
}

func redesignNotice(req OptimizeRequest) string {
	step := "one of the steps"
	if req.Outcome != nil && req.Outcome.FailedStep != "" {
		step = fmt.Sprintf("the %s step", req.Outcome.FailedStep)
	}
	return fmt.Sprintf("Something went wrong at %s. Let me redesign the approach and try again.", step)
}

// diagnose composes the diagnostic the Designer sees on the redesign pass:
// a deterministic account of the failure, refined with model-suggested
// improvements when a client is available.
func (o *Optimizer) diagnose(ctx context.Context, req OptimizeRequest) string {
	issues := []string{fmt.Sprintf("run failed with %s: %v", KindOf(req.RunErr), req.RunErr)}
	results := map[string]Result{}
	if req.Outcome != nil {
		results = req.Outcome.Results
		if req.Outcome.FailedStep != "" {
			issues = append(issues, fmt.Sprintf("failing step: %s", req.Outcome.FailedStep))
		}
		if len(req.Outcome.Completed) > 0 {
			issues = append(issues, fmt.Sprintf("steps completed before the failure: %s", strings.Join(req.Outcome.Completed, ", ")))
		}
	}

	diagnostic := strings.Join(issues, "\n")
	if o.ai == nil || req.Template == nil {
		return diagnostic
	}

	prompt := buildDiagnosisPrompt(req.Question, req.Template, issues, results, req.Feedback)
	resp, err := o.ai.GenerateResponse(ctx, prompt, &core.AIOptions{
		Model:       o.cfg.Model,
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	})
	if err != nil {
		o.logger.WarnWithContext(ctx, "Diagnosis model call failed, using deterministic diagnostic", map[string]interface{}{
			"operation": "optimize",
			"error":     err.Error(),
		})
		return diagnostic
	}

	var parsed struct {
		Issues       []string `yaml:"issues"`
		Improvements []string `yaml:"suggested_improvements"`
	}
	if err := yaml.Unmarshal([]byte(extractYAML(resp.Content)), &parsed); err != nil {
		return diagnostic
	}
	if len(parsed.Improvements) > 0 {
		diagnostic += "\nsuggested improvements:\n" + renderBulletList(parsed.Improvements)
	}
	return diagnostic
}
