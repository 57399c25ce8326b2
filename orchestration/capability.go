package orchestration

import (
	"context"
	"fmt"
)

// ScratchpadReader is the read view capabilities get during Prepare.
type ScratchpadReader interface {
	Get(key string) (interface{}, bool)
}

// ScratchpadWriter is the mutable view Commit writes declared outputs to.
type ScratchpadWriter interface {
	ScratchpadReader
	Set(key string, value interface{})
}

// Prepared carries a validated input projection from Prepare through Run to
// Commit. The Executor stamps the step identity fields after Prepare
// returns; capabilities only fill Inputs.
type Prepared struct {
	StepName        string
	NodeName        string
	DeclaredOutputs []string
	Inputs          map[string]interface{}
}

// Result is the output map a capability produces in Run. Commit writes the
// declared subset to the scratchpad; the Executor records the whole map in
// the run's step results.
type Result map[string]interface{}

// Capability is the three-phase adapter contract the Executor drives.
// Prepare is a pure projection of the resolved bindings, Run does the work
// and must stay idempotent under retry, Commit writes declared outputs and
// selects the outgoing edge.
type Capability interface {
	Prepare(ctx context.Context, view ScratchpadReader, bindings map[string]interface{}) (Prepared, error)
	Run(ctx context.Context, prep Prepared) (Result, error)
	Commit(ctx context.Context, pad ScratchpadWriter, prep Prepared, res Result) (action string, err error)
}

// Transient wraps a capability error as retryable. Everything else a Run
// returns is treated as permanent.
func Transient(err error) error {
	return &Error{Op: "capability.Run", Kind: KindCapabilityTransient, Err: err}
}

// CapabilityFunc is the work function of a simple capability: resolved
// inputs in, outputs out.
type CapabilityFunc func(ctx context.Context, inputs map[string]interface{}) (Result, error)

// ActionFunc selects the edge label from a result. Nil means every commit
// returns the default action.
type ActionFunc func(res Result) string

type funcCapability struct {
	required []string
	fn       CapabilityFunc
	action   ActionFunc
}

// NewCapability builds a Capability from a work function. Required inputs
// are checked during Prepare; a missing one is an InvalidInput failure
// before any work runs.
func NewCapability(required []string, fn CapabilityFunc) Capability {
	return &funcCapability{required: required, fn: fn}
}

// NewBranchingCapability builds a Capability whose Commit selects the edge
// through the given action function.
func NewBranchingCapability(required []string, fn CapabilityFunc, action ActionFunc) Capability {
	return &funcCapability{required: required, fn: fn, action: action}
}

func (f *funcCapability) Prepare(ctx context.Context, view ScratchpadReader, bindings map[string]interface{}) (Prepared, error) {
	for _, key := range f.required {
		v, ok := bindings[key]
		if !ok || v == nil {
			return Prepared{}, NewError("capability.Prepare", KindInvalidInput,
				fmt.Errorf("required input %q is missing", key))
		}
	}
	inputs := make(map[string]interface{}, len(bindings))
	for k, v := range bindings {
		inputs[k] = v
	}
	return Prepared{Inputs: inputs}, nil
}

func (f *funcCapability) Run(ctx context.Context, prep Prepared) (Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return f.fn(ctx, prep.Inputs)
}

func (f *funcCapability) Commit(ctx context.Context, pad ScratchpadWriter, prep Prepared, res Result) (string, error) {
	for _, key := range prep.DeclaredOutputs {
		if v, ok := res[key]; ok {
			pad.Set(key, v)
		}
	}
	if f.action != nil {
		return f.action(res), nil
	}
	return "", nil
}

// ResolveBindings materializes a step's bound inputs. Step-output
// references read from the accumulated step results, scratchpad references
// read entry keys, and anything else passes through as a literal.
func ResolveBindings(step Step, results map[string]Result, pad ScratchpadReader) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(step.BoundInputs))
	for input, value := range step.BoundInputs {
		ref, err := ParseBinding(value)
		if err != nil {
			return nil, StepError("executor.ResolveBindings", KindInvalidInput, step.StepName,
				fmt.Errorf("input %q: %w", input, err))
		}
		switch ref.Kind {
		case BindingLiteral:
			resolved[input] = ref.Literal
		case BindingStepOutput:
			res, ok := results[ref.Step]
			if !ok {
				return nil, StepError("executor.ResolveBindings", KindInvalidInput, step.StepName,
					fmt.Errorf("input %q reads step %q which has not produced a result", input, ref.Step))
			}
			v, ok := res[ref.Key]
			if !ok {
				return nil, StepError("executor.ResolveBindings", KindInvalidInput, step.StepName,
					fmt.Errorf("input %q reads output %q which step %q did not produce", input, ref.Key, ref.Step))
			}
			resolved[input] = v
		case BindingScratchpad:
			v, ok := pad.Get(ref.Key)
			if !ok {
				return nil, StepError("executor.ResolveBindings", KindInvalidInput, step.StepName,
					fmt.Errorf("input %q reads scratchpad key %q which is not set", input, ref.Key))
			}
			resolved[input] = v
		}
	}
	return resolved, nil
}
