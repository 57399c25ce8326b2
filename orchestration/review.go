package orchestration

import (
	"context"

	"gopkg.in/yaml.v3"

	"github.com/weftworks/weft/core"
	"github.com/weftworks/weft/telemetry"
)

// maxReviewRounds bounds the design-review loop. When the budget is spent
// the latest valid plan proceeds regardless of the verdict.
const maxReviewRounds = 3

// ReviewVerdict is the reviewer model's judgement of a designed plan.
type ReviewVerdict struct {
	Thinking       string   `yaml:"thinking"`
	NeedsRevision  bool     `yaml:"needs_revision"`
	Suggestions    []string `yaml:"revision_suggestions"`
	ReadyToExecute bool     `yaml:"ready_to_execute"`
}

// Reviewer critiques designed plans before they execute. Review can improve
// a plan but never veto one: model failures and exhausted rounds both fall
// through to execution with the latest valid design.
type Reviewer struct {
	ai      core.AIClient
	catalog *Catalog
	cfg     DesignerConfig
	logger  core.Logger
}

// NewReviewer creates a Reviewer sharing the Designer's model settings.
func NewReviewer(ai core.AIClient, catalog *Catalog, cfg DesignerConfig, logger core.Logger) *Reviewer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Reviewer{ai: ai, catalog: catalog, cfg: cfg, logger: logger}
}

// Review asks the model to evaluate one plan. An unparseable response is
// treated as needs_revision: the reviewer saying something unintelligible
// about a plan is a reason to look at it again, not to trust it.
func (r *Reviewer) Review(ctx context.Context, question, planYAML string) *ReviewVerdict {
	prompt := buildReviewPrompt(question, planYAML, r.catalog.SummarizeForPlanner())

	resp, err := r.ai.GenerateResponse(ctx, prompt, &core.AIOptions{
		Model:       r.cfg.Model,
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	})
	if err != nil {
		r.logger.WarnWithContext(ctx, "Review model call failed, accepting plan", map[string]interface{}{
			"operation": "design_review",
			"error":     err.Error(),
		})
		return &ReviewVerdict{ReadyToExecute: true}
	}

	verdict := parseReviewVerdict(resp.Content)
	r.logger.InfoWithContext(ctx, "Plan reviewed", map[string]interface{}{
		"operation":      "design_review",
		"needs_revision": verdict.NeedsRevision,
		"suggestions":    len(verdict.Suggestions),
	})
	return verdict
}

func parseReviewVerdict(content string) *ReviewVerdict {
	raw := extractYAML(content)
	var verdict ReviewVerdict
	if err := yaml.Unmarshal([]byte(raw), &verdict); err != nil {
		return &ReviewVerdict{
			Thinking:      "Failed to parse review response, assuming revision needed.",
			NeedsRevision: true,
			Suggestions:   []string{"Please check the workflow design manually."},
		}
	}
	return &verdict
}

// ReviewDesign runs the design-review loop: review the plan, revise when the
// reviewer asks, re-review, for at most maxReviewRounds rounds. The returned
// result is always executable; a revision that fails design keeps the prior
// accepted plan instead of surfacing the failure.
func ReviewDesign(ctx context.Context, d *Designer, r *Reviewer, req DesignRequest, result *DesignResult) *DesignResult {
	current := result
	for round := 1; round <= maxReviewRounds; round++ {
		if ctx.Err() != nil {
			return current
		}

		verdict := r.Review(ctx, req.Question, current.PlanYAML)
		if !verdict.NeedsRevision {
			telemetry.Counter("design.review.total", "verdict", "accepted")
			return current
		}
		telemetry.Counter("design.review.total", "verdict", "revision")

		revised, err := d.Revise(ctx, req, current.PlanYAML, verdict.Suggestions)
		if err != nil {
			r.logger.WarnWithContext(ctx, "Revision failed, keeping prior plan", map[string]interface{}{
				"operation": "design_review",
				"round":     round,
				"error":     err.Error(),
			})
			return current
		}
		current = revised
	}

	r.logger.WarnWithContext(ctx, "Review rounds exhausted, executing latest plan", map[string]interface{}{
		"operation": "design_review",
		"rounds":    maxReviewRounds,
	})
	return current
}
