package orchestration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/weftworks/weft/core"
	"github.com/weftworks/weft/telemetry"
)

// designAttempts is the total number of model calls one Design invocation
// may spend. Rejected plans are retried with the validator error appended;
// after the budget is spent the request fails with KindDesignFailed.
const designAttempts = 3

// maxSimilarTemplates bounds how many retrieved precedents travel in the
// planning prompt.
const maxSimilarTemplates = 3

// planDocument is the strict YAML shape the planner model must return.
// Decoding runs with KnownFields, so a plan with invented keys is rejected
// and the validator error drives a retry.
type planDocument struct {
	Thinking           string                 `yaml:"thinking"`
	Workflow           planWorkflow           `yaml:"workflow"`
	SharedStoreSchema  map[string]interface{} `yaml:"shared_store_schema"`
	EstimatedSteps     int                    `yaml:"estimated_steps"`
	RequiresUserInput  bool                   `yaml:"requires_user_input"`
	RequiresPermission bool                   `yaml:"requires_permission"`
}

type planWorkflow struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Nodes       []planNode `yaml:"nodes"`
	Connections []planEdge `yaml:"connections"`
}

type planNode struct {
	Step               string            `yaml:"step"`
	Node               string            `yaml:"node"`
	Description        string            `yaml:"description"`
	Inputs             map[string]string `yaml:"inputs"`
	Outputs            []string          `yaml:"outputs"`
	RequiresPermission bool              `yaml:"requires_permission"`
}

type planEdge struct {
	From   string `yaml:"from"`
	To     string `yaml:"to"`
	Action string `yaml:"action"`
}

// DesignRequest carries one planning request into the Designer.
type DesignRequest struct {
	// Question is the user's message that triggered this design pass.
	Question string

	// History is the rendered conversation tail, oldest first. Optional.
	History []string

	// Diagnostic carries the failure analysis when a failed run re-enters
	// design. Optional.
	Diagnostic string
}

// DesignResult is a validated, stored template plus the planner metadata the
// session layer surfaces to the user.
type DesignResult struct {
	Template *WorkflowTemplate

	// Thinking is the model's reasoning block, streamed to the user as
	// chat output before the design event.
	Thinking string

	// PlanYAML is the raw plan block. The review loop feeds it back to the
	// model verbatim when asking for revisions.
	PlanYAML string

	// Reused reports that the plan hashed to a template already in the
	// store, stats and all.
	Reused bool

	RequiresUserInput  bool
	RequiresPermission bool
	EstimatedSteps     int
	Attempts           int
}

// DesignerConfig tunes the planning model calls.
type DesignerConfig struct {
	Model       string
	Temperature float32
	MaxTokens   int
}

// Designer turns a user question into a validated WorkflowTemplate. It owns
// similarity retrieval, the planning prompt, strict plan parsing, and the
// rejected-plan retry loop. Safe for concurrent use; each session serializes
// its own calls.
type Designer struct {
	ai      core.AIClient
	catalog *Catalog
	store   *Store
	cfg     DesignerConfig
	logger  core.Logger
}

// NewDesigner creates a Designer over the given model client, node catalog,
// and workflow store.
func NewDesigner(ai core.AIClient, catalog *Catalog, store *Store, cfg DesignerConfig, logger core.Logger) *Designer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Designer{ai: ai, catalog: catalog, store: store, cfg: cfg, logger: logger}
}

// Design runs the full planning pass: retrieve similar templates, prompt the
// model, parse and validate the plan, and persist the resulting template.
// Rejected plans are retried with the rejection appended to the prompt, up to
// designAttempts total model calls.
func (d *Designer) Design(ctx context.Context, req DesignRequest) (*DesignResult, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, NewError("designer.design", KindInvalidInput, fmt.Errorf("empty question"))
	}

	start := time.Now()
	similar := d.store.FindSimilar(question, maxSimilarTemplates)
	nodes := d.catalog.SummarizeForPlanner()
	prompt := buildDesignPrompt(question, nodes, similar, req.History, req.Diagnostic)

	var lastErr error
	for attempt := 1; attempt <= designAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, NewError("designer.design", KindSessionCancelled, err)
		}

		resp, err := d.ai.GenerateResponse(ctx, prompt, d.aiOptions())
		if err != nil {
			if ctx.Err() != nil {
				return nil, NewError("designer.design", KindSessionCancelled, ctx.Err())
			}
			lastErr = fmt.Errorf("model call failed: %w", err)
			d.logger.WarnWithContext(ctx, "Design model call failed", map[string]interface{}{
				"operation": "design",
				"attempt":   attempt,
				"error":     err.Error(),
			})
			continue
		}

		result, err := d.assemble(resp.Content, question)
		if err != nil {
			lastErr = err
			d.logger.WarnWithContext(ctx, "Plan rejected", map[string]interface{}{
				"operation": "design",
				"attempt":   attempt,
				"error":     err.Error(),
			})
			prompt = appendRejection(buildDesignPrompt(question, nodes, similar, req.History, req.Diagnostic), err)
			continue
		}

		result.Attempts = attempt
		if err := d.persist(result); err != nil {
			return nil, err
		}
		d.logger.InfoWithContext(ctx, "Workflow designed", map[string]interface{}{
			"operation":   "design",
			"template_id": result.Template.ID,
			"steps":       len(result.Template.Steps),
			"attempts":    attempt,
			"reused":      result.Reused,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return result, nil
	}

	telemetry.RecordDesign("failed")
	d.logger.ErrorWithContext(ctx, "Design attempts exhausted", map[string]interface{}{
		"operation": "design",
		"attempts":  designAttempts,
		"error":     lastErr.Error(),
	})
	return nil, NewError("designer.design", KindDesignFailed, lastErr)
}

// Revise re-plans against review suggestions. It shares the validation and
// retry machinery with Design but keeps the previous plan in the prompt so
// the model amends instead of starting over.
func (d *Designer) Revise(ctx context.Context, req DesignRequest, previousPlan string, suggestions []string) (*DesignResult, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, NewError("designer.revise", KindInvalidInput, fmt.Errorf("empty question"))
	}

	similar := d.store.FindSimilar(question, maxSimilarTemplates)
	nodes := d.catalog.SummarizeForPlanner()
	prompt := buildRevisionPrompt(question, nodes, similar, previousPlan, suggestions)

	var lastErr error
	for attempt := 1; attempt <= designAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, NewError("designer.revise", KindSessionCancelled, err)
		}

		resp, err := d.ai.GenerateResponse(ctx, prompt, d.aiOptions())
		if err != nil {
			if ctx.Err() != nil {
				return nil, NewError("designer.revise", KindSessionCancelled, ctx.Err())
			}
			lastErr = fmt.Errorf("model call failed: %w", err)
			continue
		}

		result, err := d.assemble(resp.Content, question)
		if err != nil {
			lastErr = err
			prompt = appendRejection(buildRevisionPrompt(question, nodes, similar, previousPlan, suggestions), err)
			continue
		}

		result.Attempts = attempt
		if err := d.persist(result); err != nil {
			return nil, err
		}
		return result, nil
	}

	telemetry.RecordDesign("failed")
	return nil, NewError("designer.revise", KindDesignFailed, lastErr)
}

func (d *Designer) aiOptions() *core.AIOptions {
	return &core.AIOptions{
		Model:       d.cfg.Model,
		Temperature: d.cfg.Temperature,
		MaxTokens:   d.cfg.MaxTokens,
	}
}

// assemble parses a model response into a validated template. Every failure
// path returns an error message written for the model: it is appended to the
// retry prompt verbatim.
func (d *Designer) assemble(content, question string) (*DesignResult, error) {
	raw := extractYAML(content)
	if raw == "" {
		return nil, fmt.Errorf("response contained no YAML plan")
	}

	doc, err := parsePlan(raw)
	if err != nil {
		return nil, err
	}

	tmpl, err := d.templateFromPlan(doc, question)
	if err != nil {
		return nil, err
	}

	return &DesignResult{
		Template:           tmpl,
		Thinking:           strings.TrimSpace(doc.Thinking),
		PlanYAML:           raw,
		RequiresUserInput:  doc.RequiresUserInput,
		RequiresPermission: doc.RequiresPermission,
		EstimatedSteps:     doc.EstimatedSteps,
	}, nil
}

// persist seals and stores the template, detecting coalescing so callers can
// tell a fresh design from a re-derived one.
func (d *Designer) persist(result *DesignResult) error {
	result.Template.Seal()
	if existing, err := d.store.Get(result.Template.ID); err == nil {
		result.Template = existing
		result.Reused = true
		telemetry.RecordDesign("reused")
		return nil
	}
	if err := d.store.Save(result.Template); err != nil {
		return err
	}
	if stored, err := d.store.Get(result.Template.ID); err == nil {
		result.Template = stored
	}
	telemetry.RecordDesign("new")
	return nil
}

// parsePlan decodes a plan strictly: unknown keys are errors.
func parsePlan(raw string) (*planDocument, error) {
	dec := yaml.NewDecoder(strings.NewReader(raw))
	dec.KnownFields(true)
	var doc planDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("plan is not valid YAML for the documented schema: %v", err)
	}
	if len(doc.Workflow.Nodes) == 0 {
		return nil, fmt.Errorf("plan has no workflow nodes")
	}
	return &doc, nil
}

// templateFromPlan maps the YAML plan onto the template model and validates
// it against the catalog and the DAG rules. Step names default to the node
// name when the model omits them.
func (d *Designer) templateFromPlan(doc *planDocument, question string) (*WorkflowTemplate, error) {
	steps := make([]Step, 0, len(doc.Workflow.Nodes))
	for _, n := range doc.Workflow.Nodes {
		stepName := strings.TrimSpace(n.Step)
		nodeName := strings.TrimSpace(n.Node)
		if nodeName == "" {
			nodeName = stepName
		}
		if stepName == "" {
			stepName = nodeName
		}
		if nodeName == "" {
			return nil, fmt.Errorf("plan contains a workflow node with no name")
		}
		if !d.catalog.Has(nodeName) {
			return nil, fmt.Errorf("plan uses unknown node %q; use only nodes from AVAILABLE NODES", nodeName)
		}

		var inputs map[string]string
		if len(n.Inputs) > 0 {
			inputs = make(map[string]string, len(n.Inputs))
			for k, v := range n.Inputs {
				inputs[k] = v
			}
		}
		steps = append(steps, Step{
			StepName:           stepName,
			NodeName:           nodeName,
			BoundInputs:        inputs,
			DeclaredOutputs:    append([]string(nil), n.Outputs...),
			RequiresPermission: n.RequiresPermission,
		})
	}

	edges := make([]Edge, 0, len(doc.Workflow.Connections))
	for _, c := range doc.Workflow.Connections {
		edges = append(edges, Edge{
			From:        strings.TrimSpace(c.From),
			To:          strings.TrimSpace(c.To),
			ActionLabel: strings.TrimSpace(c.Action),
		})
	}

	tmpl := &WorkflowTemplate{
		Name:            strings.TrimSpace(doc.Workflow.Name),
		Description:     strings.TrimSpace(doc.Workflow.Description),
		QuestionPattern: question,
		Steps:           steps,
		Edges:           edges,
		SharedSchema:    doc.SharedStoreSchema,
	}
	if err := tmpl.Validate(); err != nil {
		return nil, fmt.Errorf("plan failed validation: %v", err)
	}
	return tmpl, nil
}

// extractYAML pulls the fenced yaml block out of a model response. Responses
// without a fence are returned whole; some models skip the fence when the
// entire reply is the plan.
func extractYAML(s string) string {
	_, after, ok := strings.Cut(s, yamlFence+"yaml")
	if !ok {
		return strings.TrimSpace(s)
	}
	body, _, _ := strings.Cut(after, yamlFence)
	return strings.TrimSpace(body)
}

// appendRejection adds the validator's complaint to a prompt for the retry
// call. Only the latest rejection travels; stacking old ones inflates the
// prompt without improving the fix rate.
func appendRejection(prompt string, err error) string {
	return fmt.Sprintf("%s\n\nYOUR PREVIOUS PLAN WAS REJECTED:\n%s\n\nFix the problem and return the corrected YAML plan.", prompt, err.Error())
}
