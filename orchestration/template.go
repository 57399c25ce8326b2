package orchestration

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Step is a single node invocation inside a workflow template.
// BoundInputs values are literals or references: ${steps.<step>.<output>}
// reads a prior step's declared output, ${scratchpad.<key>} reads an entry
// scratchpad key.
type Step struct {
	StepName           string            `json:"stepName"`
	NodeName           string            `json:"nodeName"`
	BoundInputs        map[string]string `json:"boundInputs,omitempty"`
	DeclaredOutputs    []string          `json:"declaredOutputs,omitempty"`
	RequiresPermission bool              `json:"requiresPermission,omitempty"`
}

// Edge connects two steps. ActionLabel selects the edge when the source
// step's Commit returns a matching action; "default" matches the empty
// action.
type Edge struct {
	From        string `json:"from"`
	To          string `json:"to"`
	ActionLabel string `json:"actionLabel,omitempty"`
}

// WorkflowTemplate is a reusable workflow: a DAG of steps learned from a
// successful design, persisted by the Store and retrieved by similarity.
type WorkflowTemplate struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description"`
	QuestionPattern string                 `json:"questionPattern"`
	Steps           []Step                 `json:"steps"`
	Edges           []Edge                 `json:"edges"`
	SharedSchema    map[string]interface{} `json:"sharedStoreSchema,omitempty"`
	SuccessRate     float64                `json:"successRate"`
	UsageCount      int                    `json:"usageCount"`
	CreatedAt       time.Time              `json:"createdAt"`
	LastUsedAt      time.Time              `json:"lastUsedAt"`
	Tags            []string               `json:"tags,omitempty"`
	Feedback        []string               `json:"feedback,omitempty"`
}

// templateIDLength is the number of hex characters kept from the content
// hash. Twelve characters keep collision odds negligible at any plausible
// template count while staying readable in logs and filenames.
const templateIDLength = 12

// ComputeTemplateID derives the template id from the canonical JSON of its
// steps and edges. Steps sort by name and edges by (from, to, actionLabel)
// before hashing so equivalent plans written in a different order coalesce
// to the same template.
func ComputeTemplateID(steps []Step, edges []Edge) string {
	ss := make([]Step, len(steps))
	copy(ss, steps)
	sort.Slice(ss, func(i, j int) bool { return ss[i].StepName < ss[j].StepName })

	es := make([]Edge, len(edges))
	copy(es, edges)
	sort.Slice(es, func(i, j int) bool {
		if es[i].From != es[j].From {
			return es[i].From < es[j].From
		}
		if es[i].To != es[j].To {
			return es[i].To < es[j].To
		}
		return es[i].ActionLabel < es[j].ActionLabel
	})

	content := struct {
		Steps []Step `json:"steps"`
		Edges []Edge `json:"edges"`
	}{Steps: ss, Edges: es}

	// Map keys marshal sorted, so the encoding is canonical.
	data, err := json.Marshal(content)
	if err != nil {
		// Steps and edges are plain string fields; marshal cannot fail.
		panic(fmt.Sprintf("template hash: %v", err))
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:templateIDLength]
}

// Seal computes and assigns the content-hash id. Call after the steps and
// edges are final.
func (t *WorkflowTemplate) Seal() {
	t.ID = ComputeTemplateID(t.Steps, t.Edges)
}

// Step returns the step with the given name, or nil.
func (t *WorkflowTemplate) Step(name string) *Step {
	for i := range t.Steps {
		if t.Steps[i].StepName == name {
			return &t.Steps[i]
		}
	}
	return nil
}

// OutgoingEdges returns the edges leaving the given step.
func (t *WorkflowTemplate) OutgoingEdges(stepName string) []Edge {
	var out []Edge
	for _, e := range t.Edges {
		if e.From == stepName {
			out = append(out, e)
		}
	}
	return out
}

// BindingKind classifies a bound input value.
type BindingKind int

const (
	// BindingLiteral is a plain value passed through unchanged.
	BindingLiteral BindingKind = iota
	// BindingStepOutput references a prior step's declared output.
	BindingStepOutput
	// BindingScratchpad references an entry scratchpad key.
	BindingScratchpad
)

// BindingRef is a parsed bound-input value.
type BindingRef struct {
	Kind    BindingKind
	Literal string // BindingLiteral
	Step    string // BindingStepOutput
	Key     string // BindingStepOutput output key or BindingScratchpad key
}

const (
	stepRefPrefix       = "${steps."
	scratchpadRefPrefix = "${scratchpad."
	refSuffix           = "}"
)

// ParseBinding classifies a bound-input value. Malformed references (a
// ${steps...} with no output key, an unterminated ${scratchpad...}) are
// errors rather than silent literals so typos surface at validation.
func ParseBinding(value string) (BindingRef, error) {
	switch {
	case strings.HasPrefix(value, stepRefPrefix):
		if !strings.HasSuffix(value, refSuffix) {
			return BindingRef{}, fmt.Errorf("unterminated step reference %q", value)
		}
		body := strings.TrimSuffix(strings.TrimPrefix(value, stepRefPrefix), refSuffix)
		step, key, ok := strings.Cut(body, ".")
		if !ok || step == "" || key == "" {
			return BindingRef{}, fmt.Errorf("step reference %q must be ${steps.<step>.<output>}", value)
		}
		return BindingRef{Kind: BindingStepOutput, Step: step, Key: key}, nil

	case strings.HasPrefix(value, scratchpadRefPrefix):
		if !strings.HasSuffix(value, refSuffix) {
			return BindingRef{}, fmt.Errorf("unterminated scratchpad reference %q", value)
		}
		key := strings.TrimSuffix(strings.TrimPrefix(value, scratchpadRefPrefix), refSuffix)
		if key == "" {
			return BindingRef{}, fmt.Errorf("scratchpad reference %q must name a key", value)
		}
		return BindingRef{Kind: BindingScratchpad, Key: key}, nil
	}
	return BindingRef{Kind: BindingLiteral, Literal: value}, nil
}

// Validate checks the template's structural invariants: at least one step,
// unique step names, a well-formed acyclic edge set, and input references
// that target an ancestor step's declared output. Node existence against a
// catalog is checked separately by the Designer and the Store.
func (t *WorkflowTemplate) Validate() error {
	if len(t.Steps) == 0 {
		return NewError("template.Validate", KindInvalidInput,
			fmt.Errorf("template has no steps"))
	}

	seen := make(map[string]bool, len(t.Steps))
	for _, s := range t.Steps {
		if s.StepName == "" {
			return NewError("template.Validate", KindInvalidInput,
				fmt.Errorf("step with empty name"))
		}
		if seen[s.StepName] {
			return NewError("template.Validate", KindInvalidInput,
				fmt.Errorf("duplicate step name %q", s.StepName))
		}
		seen[s.StepName] = true
	}

	dag, err := BuildDAG(t)
	if err != nil {
		return err
	}
	if err := dag.Validate(); err != nil {
		return err
	}

	ancestors := dag.AncestorSets()
	outputs := make(map[string]map[string]bool, len(t.Steps))
	for _, s := range t.Steps {
		set := make(map[string]bool, len(s.DeclaredOutputs))
		for _, o := range s.DeclaredOutputs {
			set[o] = true
		}
		outputs[s.StepName] = set
	}

	for _, s := range t.Steps {
		for input, value := range s.BoundInputs {
			ref, err := ParseBinding(value)
			if err != nil {
				return StepError("template.Validate", KindInvalidInput, s.StepName,
					fmt.Errorf("input %q: %w", input, err))
			}
			if ref.Kind != BindingStepOutput {
				continue
			}
			if !ancestors[s.StepName][ref.Step] {
				return StepError("template.Validate", KindInvalidInput, s.StepName,
					fmt.Errorf("input %q references step %q which does not precede it", input, ref.Step))
			}
			if !outputs[ref.Step][ref.Key] {
				return StepError("template.Validate", KindInvalidInput, s.StepName,
					fmt.Errorf("input %q references undeclared output %q of step %q", input, ref.Key, ref.Step))
			}
		}
	}

	return nil
}

// DeriveTags returns the sorted distinct categories of the template's nodes.
// Unknown nodes are skipped; tag derivation never fails a save.
func (t *WorkflowTemplate) DeriveTags(catalog *Catalog) []string {
	set := make(map[string]bool)
	for _, s := range t.Steps {
		desc, err := catalog.Get(s.NodeName)
		if err != nil {
			continue
		}
		set[string(desc.Category)] = true
	}
	tags := make([]string, 0, len(set))
	for tag := range set {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
