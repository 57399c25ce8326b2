package orchestration

import (
	"fmt"
	"sort"
)

// StepStatus tracks a step through one execution of a template.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepCompleted
	StepFailed
	StepSkipped
)

// String returns the status label used in run records and logs.
func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepRunning:
		return "running"
	case StepCompleted:
		return "completed"
	case StepFailed:
		return "failed"
	case StepSkipped:
		return "skipped"
	}
	return "unknown"
}

type edgeState int

const (
	edgeUnresolved edgeState = iota
	edgeFired
	edgeDropped
)

type dagEdge struct {
	from  string
	to    string
	label string
	state edgeState
}

type dagNode struct {
	name   string
	status StepStatus
	in     []*dagEdge
	out    []*dagEdge
}

// DAG tracks one execution of a template's step graph: which edges fired,
// which steps are ready, which were skipped because no inbound edge fired.
// A DAG instance is confined to a single run; it is not safe for shared use.
type DAG struct {
	nodes map[string]*dagNode
	order []string // declared step order, used for deterministic ready scans
}

// BuildDAG constructs the execution graph from a template. Edges that
// reference unknown steps are rejected.
func BuildDAG(t *WorkflowTemplate) (*DAG, error) {
	d := &DAG{nodes: make(map[string]*dagNode, len(t.Steps))}
	for _, s := range t.Steps {
		d.nodes[s.StepName] = &dagNode{name: s.StepName}
		d.order = append(d.order, s.StepName)
	}

	for _, e := range t.Edges {
		from, ok := d.nodes[e.From]
		if !ok {
			return nil, NewError("dag.Build", KindInvalidInput,
				fmt.Errorf("edge source %q is not a step", e.From))
		}
		to, ok := d.nodes[e.To]
		if !ok {
			return nil, NewError("dag.Build", KindInvalidInput,
				fmt.Errorf("edge target %q is not a step", e.To))
		}
		edge := &dagEdge{from: e.From, to: e.To, label: normalizeAction(e.ActionLabel)}
		from.out = append(from.out, edge)
		to.in = append(to.in, edge)
	}

	return d, nil
}

// normalizeAction maps the empty action to "default".
func normalizeAction(action string) string {
	if action == "" {
		return DefaultAction
	}
	return action
}

// DefaultAction is the edge label taken when a step's Commit returns no
// explicit action, and the fallback when no edge matches the returned one.
const DefaultAction = "default"

// Validate detects cycles with a depth-first search over the edge set.
func (d *DAG) Validate() error {
	visited := make(map[string]bool, len(d.nodes))
	stack := make(map[string]bool, len(d.nodes))

	var visit func(name string) bool
	visit = func(name string) bool {
		visited[name] = true
		stack[name] = true
		for _, e := range d.nodes[name].out {
			if !visited[e.to] {
				if visit(e.to) {
					return true
				}
			} else if stack[e.to] {
				return true
			}
		}
		stack[name] = false
		return false
	}

	for _, name := range d.order {
		if !visited[name] {
			if visit(name) {
				return NewError("dag.Validate", KindInvalidInput,
					fmt.Errorf("workflow contains a cycle"))
			}
		}
	}
	return nil
}

// ReadySteps returns pending steps whose inbound edges are all resolved
// with at least one fired, in declared step order. Entry steps (no inbound
// edges) are ready immediately.
func (d *DAG) ReadySteps() []string {
	var ready []string
	for _, name := range d.order {
		n := d.nodes[name]
		if n.status != StepPending {
			continue
		}
		if resolved, fired := d.inboundState(n); resolved && (fired || len(n.in) == 0) {
			ready = append(ready, name)
		}
	}
	return ready
}

func (d *DAG) inboundState(n *dagNode) (allResolved, anyFired bool) {
	allResolved = true
	for _, e := range n.in {
		switch e.state {
		case edgeUnresolved:
			allResolved = false
		case edgeFired:
			anyFired = true
		}
	}
	return allResolved, anyFired
}

// Start marks a step running.
func (d *DAG) Start(name string) {
	if n, ok := d.nodes[name]; ok {
		n.status = StepRunning
	}
}

// Complete marks a step completed and resolves its outgoing edges against
// the committed action: edges with an exact label match fire; with no exact
// match the default edges fire; everything else is dropped. Steps left with
// all inbound edges resolved and none fired are skipped transitively.
func (d *DAG) Complete(name, action string) {
	n, ok := d.nodes[name]
	if !ok {
		return
	}
	n.status = StepCompleted
	action = normalizeAction(action)

	exact := false
	for _, e := range n.out {
		if e.label == action {
			exact = true
			break
		}
	}

	for _, e := range n.out {
		switch {
		case exact && e.label == action:
			e.state = edgeFired
		case !exact && e.label == DefaultAction:
			e.state = edgeFired
		default:
			e.state = edgeDropped
		}
	}

	d.propagateSkips(n)
}

// Fail marks a step failed, drops its outgoing edges, and skips steps that
// can no longer be triggered.
func (d *DAG) Fail(name string) {
	n, ok := d.nodes[name]
	if !ok {
		return
	}
	n.status = StepFailed
	for _, e := range n.out {
		e.state = edgeDropped
	}
	d.propagateSkips(n)
}

// propagateSkips walks forward from a resolved node, skipping pending steps
// whose inbound edges are fully resolved with nothing fired.
func (d *DAG) propagateSkips(n *dagNode) {
	for _, e := range n.out {
		target := d.nodes[e.to]
		if target.status != StepPending {
			continue
		}
		if resolved, fired := d.inboundState(target); resolved && !fired && len(target.in) > 0 {
			target.status = StepSkipped
			for _, out := range target.out {
				out.state = edgeDropped
			}
			d.propagateSkips(target)
		}
	}
}

// Done reports whether every step reached a terminal status. Skip
// propagation resolves unreachable branches, so a pending step always means
// more work.
func (d *DAG) Done() bool {
	for _, n := range d.nodes {
		if n.status == StepPending || n.status == StepRunning {
			return false
		}
	}
	return true
}

// Status returns the current status of a step.
func (d *DAG) Status(name string) StepStatus {
	if n, ok := d.nodes[name]; ok {
		return n.status
	}
	return StepPending
}

// TopologicalOrder returns the step names in a Kahn ordering, with declared
// order breaking ties. Used to assign stable step indexes to progress
// events.
func (d *DAG) TopologicalOrder() []string {
	inDegree := make(map[string]int, len(d.nodes))
	for name, n := range d.nodes {
		inDegree[name] = len(n.in)
	}

	var queue []string
	for _, name := range d.order {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	var result []string
	for len(queue) > 0 {
		sort.SliceStable(queue, func(i, j int) bool {
			return d.declaredIndex(queue[i]) < d.declaredIndex(queue[j])
		})
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, e := range d.nodes[current].out {
			inDegree[e.to]--
			if inDegree[e.to] == 0 {
				queue = append(queue, e.to)
			}
		}
	}
	return result
}

func (d *DAG) declaredIndex(name string) int {
	for i, n := range d.order {
		if n == name {
			return i
		}
	}
	return len(d.order)
}

// AncestorSets computes, for every step, the set of steps that precede it
// along any path. Used by template validation to check that step-output
// references target an upstream step.
func (d *DAG) AncestorSets() map[string]map[string]bool {
	ancestors := make(map[string]map[string]bool, len(d.nodes))
	for _, name := range d.order {
		ancestors[name] = make(map[string]bool)
	}
	for _, name := range d.TopologicalOrder() {
		n := d.nodes[name]
		for _, e := range n.in {
			ancestors[name][e.from] = true
			for anc := range ancestors[e.from] {
				ancestors[name][anc] = true
			}
		}
	}
	return ancestors
}
