package orchestration

import (
	"encoding/json"
	"fmt"
	"strings"
)

// yamlFence opens and closes the fenced block the planner model must emit.
// Raw string literals cannot contain backticks, so the fence is assembled here
// and concatenated into the prompt templates below.
const yamlFence = "```"

// planSchema documents the YAML plan shape the designer model must return.
// The schema is deliberately explicit about binding syntax: models follow
// examples far more reliably than prose.
var planSchema = yamlFence + `yaml
thinking: |
    <your step-by-step reasoning about how to solve this problem>
workflow:
  name: <workflow name>
  description: <brief description>
  nodes:
    - step: <unique step name, lower_snake_case>
      node: <node name from AVAILABLE NODES>
      description: <what this step does>
      inputs:
        <input name>: <literal value, ${steps.<step>.<output>}, or ${scratchpad.<key>}>
      outputs:
        - <output key this step writes>
      requires_permission: <true/false>
  connections:
    - from: <step name>
      to: <step name>
      action: <action label, or "default">
shared_store_schema:
  <key>: <description of the value stored under this key>
estimated_steps: <number of steps>
requires_user_input: <true/false>
requires_permission: <true/false>
` + yamlFence

// planRules closes every design prompt. The final line matters: without it
// models invent node names instead of degrading gracefully.
var planRules = `IMPORTANT:
- Start the plan with ` + yamlFence + `yaml and end it with ` + yamlFence + `. No text after the closing fence.
- Every step name must be unique. A step may only reference outputs of steps connected before it.
- Input values are strings: a literal, a ${steps.<step>.<output>} reference, or a ${scratchpad.<key>} reference.
- The user's message is seeded under ${scratchpad.user_question}.
- Every connection needs an action label; use "default" for the unconditional path.
- Use only the available nodes listed above. If you need a node that doesn't exist, use the closest available one or ask for user input with the user_query node.`

// buildDesignPrompt assembles the initial planning prompt: the question, the
// node catalog, up to three similar past workflows, and whatever session
// context the caller has (conversation tail, diagnostic from a failed run).
func buildDesignPrompt(question, nodes string, similar []ScoredTemplate, history []string, diagnostic string) string {
	var b strings.Builder

	b.WriteString("You are a workflow designer agent. Your task is to analyze the user's question and design a workflow to solve it.\n\n")
	fmt.Fprintf(&b, "USER QUESTION:\n%s\n\n", question)
	fmt.Fprintf(&b, "AVAILABLE NODES:\n%s\n\n", nodes)
	fmt.Fprintf(&b, "SIMILAR WORKFLOWS (for reference):\n%s\n\n", renderSimilarWorkflows(similar))

	if tail := renderConversationTail(history); tail != "" {
		fmt.Fprintf(&b, "RECENT CONVERSATION:\n%s\n\n", tail)
	}
	if diagnostic != "" {
		fmt.Fprintf(&b, "A PREVIOUS ATTEMPT AT THIS QUESTION FAILED:\n%s\n\nDesign a workflow that avoids the failure above.\n\n", diagnostic)
	}

	b.WriteString(`Design a workflow to solve the user's question. Consider:
1. What information do we need to gather?
2. What analysis or processing is required?
3. What actions need user permission?
4. How can we present the results?

Return your response in YAML format:

`)
	b.WriteString(planSchema)
	b.WriteString("\n\n")
	b.WriteString(planRules)
	return b.String()
}

// buildRevisionPrompt assembles the redesign prompt used when the review pass
// asked for changes. It carries the previous plan verbatim so the model
// revises rather than starting over.
func buildRevisionPrompt(question, nodes string, similar []ScoredTemplate, previousPlan string, suggestions []string) string {
	var b strings.Builder

	b.WriteString("You are a workflow designer agent. Your task is to redesign a workflow for the user's question, based on the previous workflow and the following review suggestions.\n\n")
	fmt.Fprintf(&b, "USER QUESTION:\n%s\n\n", question)
	fmt.Fprintf(&b, "PREVIOUS WORKFLOW DESIGN:\n%s\n\n", previousPlan)
	fmt.Fprintf(&b, "REVIEW SUGGESTIONS:\n%s\n\n", renderBulletList(suggestions))
	fmt.Fprintf(&b, "AVAILABLE NODES:\n%s\n\n", nodes)
	fmt.Fprintf(&b, "SIMILAR WORKFLOWS (for reference):\n%s\n\n", renderSimilarWorkflows(similar))

	b.WriteString("Redesign the workflow to address the review suggestions. Return your response in YAML format:\n\n")
	b.WriteString(planSchema)
	b.WriteString("\n\n")
	b.WriteString(planRules)
	return b.String()
}

// reviewSchema is the verdict shape the reviewer model must return.
var reviewSchema = yamlFence + `yaml
thinking: |
    <your reasoning about the workflow quality>
needs_revision: <true/false>
revision_suggestions:
  - <suggestion 1>
  - <suggestion 2>
ready_to_execute: <true/false>
` + yamlFence

// buildReviewPrompt asks the model to critique a designed plan before it runs.
func buildReviewPrompt(question, planYAML, nodes string) string {
	var b strings.Builder

	b.WriteString("You are a workflow reviewer agent. Your job is to critically evaluate the following workflow design for the user's question.\n\n")
	fmt.Fprintf(&b, "USER QUESTION:\n%s\n\n", question)
	fmt.Fprintf(&b, "WORKFLOW DESIGN:\n%s\n\n", planYAML)
	fmt.Fprintf(&b, "AVAILABLE NODES:\n%s\n\n", nodes)

	b.WriteString(`Your review must:
- Be specific and actionable. Do NOT give vague, generic, or irrelevant comments.
- If revision is needed, provide at least one concrete suggestion in revision_suggestions. Each suggestion must directly address a flaw or gap in the workflow.
- If the workflow is ready to execute, set needs_revision to false and ready_to_execute to true.

Evaluate the workflow for the following:
- Does it fully address the user's question?
- Are there any missing, redundant, or misordered steps?
- Are all required inputs bound, and do step references point at outputs that exist?
- Is the workflow as simple as possible?

Return your response in YAML format:

`)
	b.WriteString(reviewSchema)
	b.WriteString("\n\nIMPORTANT: If needs_revision is true, revision_suggestions MUST be specific, actionable, and directly related to the user's question and the workflow design.")
	return b.String()
}

// buildSummaryPrompt asks the model for a user-facing summary of a completed
// run. The caller streams the answer back verbatim, so the prompt forbids
// internal vocabulary.
func buildSummaryPrompt(question string, results map[string]Result) string {
	var b strings.Builder

	b.WriteString("You are a helpful assistant summarizing the outcome of a completed task for the user.\n\n")
	fmt.Fprintf(&b, "USER QUESTION:\n%s\n\n", question)
	fmt.Fprintf(&b, "RESULTS:\n%s\n\n", renderResultsJSON(results))

	b.WriteString(`Write a concise, friendly summary that answers the user's question using the results above.
- Lead with the answer or recommendation, then the supporting details.
- Include concrete figures (prices, times, confirmation numbers) where present.
- Do not mention step names, node names, or any internal machinery.
- Plain text only, no markdown headings.`)
	return b.String()
}

// diagnosisSchema is the shape the diagnosis model must return after a failed
// run. Issues feed the user-facing report; improvements feed the redesign.
var diagnosisSchema = yamlFence + `yaml
issues:
  - <issue description>
suggested_improvements:
  - <improvement description>
` + yamlFence

// buildDiagnosisPrompt asks the model what went wrong and how a redesigned
// workflow should differ.
func buildDiagnosisPrompt(question string, tmpl *WorkflowTemplate, issues []string, results map[string]Result, feedback string) string {
	var b strings.Builder

	b.WriteString("The workflow execution had issues that need diagnosis before redesigning:\n\n")
	fmt.Fprintf(&b, "USER QUESTION:\n%s\n\n", question)
	fmt.Fprintf(&b, "ORIGINAL WORKFLOW:\n%s\n\n", renderTemplateJSON(tmpl))
	fmt.Fprintf(&b, "ISSUES FOUND:\n%s\n\n", renderBulletList(issues))
	fmt.Fprintf(&b, "WORKFLOW RESULTS SO FAR:\n%s\n\n", renderResultsJSON(results))
	if feedback != "" {
		fmt.Fprintf(&b, "USER FEEDBACK:\n%s\n\n", feedback)
	}

	b.WriteString("Summarize what went wrong and how a redesigned workflow should differ. Return in YAML format:\n\n")
	b.WriteString(diagnosisSchema)
	return b.String()
}

// renderSimilarWorkflows serializes retrieved templates into the compact JSON
// digest the planner sees. Scores travel with the entries so the model can
// weigh how close each precedent actually is.
func renderSimilarWorkflows(similar []ScoredTemplate) string {
	if len(similar) == 0 {
		return "[]"
	}
	type digest struct {
		Description string   `json:"description"`
		Nodes       []string `json:"nodes"`
		SuccessRate float64  `json:"successRate"`
		Similarity  float64  `json:"similarity"`
	}
	digests := make([]digest, 0, len(similar))
	for _, s := range similar {
		nodes := make([]string, 0, len(s.Template.Steps))
		for _, step := range s.Template.Steps {
			nodes = append(nodes, step.NodeName)
		}
		digests = append(digests, digest{
			Description: s.Template.Description,
			Nodes:       nodes,
			SuccessRate: s.Template.SuccessRate,
			Similarity:  s.Score,
		})
	}
	out, err := json.MarshalIndent(digests, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(out)
}

func renderConversationTail(history []string) string {
	if len(history) == 0 {
		return ""
	}
	return strings.Join(history, "\n")
}

func renderBulletList(items []string) string {
	if len(items) == 0 {
		return "- none recorded"
	}
	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "- %s\n", item)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderResultsJSON(results map[string]Result) string {
	if len(results) == 0 {
		return "{}"
	}
	out, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", results)
	}
	return string(out)
}

func renderTemplateJSON(tmpl *WorkflowTemplate) string {
	if tmpl == nil {
		return "{}"
	}
	out, err := json.MarshalIndent(tmpl, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", tmpl)
	}
	return string(out)
}
