package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/weftworks/weft/core"
	"github.com/weftworks/weft/resilience"
	"github.com/weftworks/weft/telemetry"
)

// ExecutionRequest carries one run into the Executor: the template to walk,
// the session dataplane to read and write, and the channels back to the user.
type ExecutionRequest struct {
	RunID     string
	SessionID string
	UserID    string

	// Question is the user message that produced the template. Carried for
	// logging and run records only; bindings never touch it.
	Question string

	Template    *WorkflowTemplate
	Scratchpad  ScratchpadWriter
	Events      EventSink
	Interaction Interaction
}

// ExecutionOutcome is what a run produced, complete or not. On failure the
// results map holds every step that finished before the halt, which is what
// the Optimizer reports and diagnoses from.
type ExecutionOutcome struct {
	// Results maps step name to the step's result. Partial on failure.
	Results map[string]Result

	// Completed lists finished steps in completion order.
	Completed []string

	// FailedStep names the step that halted the run, if any.
	FailedStep string

	Duration time.Duration
}

// Executor walks validated templates step by step: resolve bindings, gate on
// permission, run the capability, commit outputs, follow the action edge.
// One Executor serves the whole process; the slot pool bounds concurrent
// capability work across every session so CPU-bound nodes cannot starve the
// accept loop.
type Executor struct {
	catalog     *Catalog
	permissions *PermissionManager
	slots       chan struct{}
	retry       resilience.RetryConfig
	logger      core.Logger
}

// NewExecutor creates an Executor over the given catalog and permission
// manager. Zero config fields fall back to the documented defaults.
func NewExecutor(catalog *Catalog, permissions *PermissionManager, cfg core.ExecutorConfig, logger core.Logger) *Executor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	pool := cfg.WorkerPoolSize
	if pool <= 0 {
		pool = 64
	}
	retry := resilience.RetryConfig{
		MaxAttempts:    cfg.MaxAttempts,
		InitialDelay:   cfg.RetryBase,
		MaxDelay:       5 * time.Second,
		BackoffFactor:  cfg.RetryFactor,
		JitterFraction: cfg.RetryJitter,
		ShouldRetry:    IsTransient,
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}
	if retry.InitialDelay <= 0 {
		retry.InitialDelay = 250 * time.Millisecond
	}
	if retry.BackoffFactor <= 0 {
		retry.BackoffFactor = 2.0
	}
	if retry.JitterFraction <= 0 {
		retry.JitterFraction = 0.2
	}
	return &Executor{
		catalog:     catalog,
		permissions: permissions,
		slots:       make(chan struct{}, pool),
		retry:       retry,
		logger:      logger,
	}
}

// Execute runs the template to completion or to the first halting error.
// The outcome is never nil; on error it carries the partial results. Steps
// run one at a time in declared order among ready steps, which keeps the
// outbound event stream totally ordered for the client.
func (e *Executor) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionOutcome, error) {
	start := time.Now()
	outcome := &ExecutionOutcome{Results: make(map[string]Result)}

	dag, err := BuildDAG(req.Template)
	if err != nil {
		return outcome, NewError("executor.execute", KindInvalidInput, err)
	}

	e.logger.InfoWithContext(ctx, "Workflow run started", map[string]interface{}{
		"operation":   "run",
		"run_id":      req.RunID,
		"session_id":  req.SessionID,
		"template_id": req.Template.ID,
		"steps":       len(req.Template.Steps),
	})

	total := len(req.Template.Steps)
	emitted := 0

	for {
		if ctx.Err() != nil {
			outcome.Duration = time.Since(start)
			telemetry.RecordRun(float64(outcome.Duration.Milliseconds()), "cancelled")
			return outcome, NewError("executor.execute", KindSessionCancelled, ctx.Err())
		}

		ready := dag.ReadySteps()
		if len(ready) == 0 {
			break
		}
		name := ready[0]
		step := req.Template.Step(name)

		desc, derr := e.catalog.Get(step.NodeName)
		if derr != nil {
			// Only reachable when the registry changed under a stored
			// template; treat like a binding failure.
			dag.Fail(name)
			outcome.FailedStep = name
			outcome.Duration = time.Since(start)
			halt := StepError("executor.execute", KindInvalidInput, name, derr)
			e.emitFailure(ctx, req, name, step.NodeName, halt, outcome)
			return outcome, halt
		}

		emitted++
		req.Events.Emit(Event{Type: EventWorkflowProgress, Content: WorkflowProgressPayload{
			StepIndex:   emitted,
			TotalSteps:  total,
			StepName:    name,
			NodeName:    desc.Name,
			Description: desc.Description,
		}})
		dag.Start(name)

		action, result, serr := e.runStep(ctx, req, *step, desc, outcome.Results)
		if serr != nil {
			dag.Fail(name)
			outcome.FailedStep = name
			outcome.Duration = time.Since(start)
			e.emitFailure(ctx, req, name, desc.Name, serr, outcome)
			return outcome, serr
		}

		outcome.Results[name] = result
		outcome.Completed = append(outcome.Completed, name)
		req.Events.Emit(Event{Type: EventNodeComplete, Content: NodeCompletePayload{
			StepName: name,
			Result:   result,
		}})
		dag.Complete(name, action)
	}

	outcome.Duration = time.Since(start)
	telemetry.RecordRun(float64(outcome.Duration.Milliseconds()), "ok")
	e.logger.InfoWithContext(ctx, "Workflow run completed", map[string]interface{}{
		"operation":   "run",
		"run_id":      req.RunID,
		"template_id": req.Template.ID,
		"completed":   len(outcome.Completed),
		"duration_ms": outcome.Duration.Milliseconds(),
	})
	return outcome, nil
}

// emitFailure sends the node_error frame and records failure metrics. The
// permission and cancellation kinds are expected outcomes, logged at Warn;
// everything else is an Error.
func (e *Executor) emitFailure(ctx context.Context, req ExecutionRequest, stepName, nodeName string, halt error, outcome *ExecutionOutcome) {
	kind := KindOf(halt)
	req.Events.Emit(Event{Type: EventNodeError, Content: NodeErrorPayload{
		StepName:  stepName,
		ErrorKind: string(kind),
		Message:   halt.Error(),
	}})
	telemetry.RecordNodeError(nodeName, string(kind))
	telemetry.RecordRunError(string(kind))
	telemetry.RecordRun(float64(outcome.Duration.Milliseconds()), runStatus(kind))

	fields := map[string]interface{}{
		"operation":   "run",
		"run_id":      req.RunID,
		"template_id": req.Template.ID,
		"step":        stepName,
		"node":        nodeName,
		"error_kind":  string(kind),
		"error":       halt.Error(),
	}
	if IsPermissionOutcome(halt) || IsTerminal(halt) {
		e.logger.WarnWithContext(ctx, "Workflow run halted", fields)
		return
	}
	e.logger.ErrorWithContext(ctx, "Workflow run failed", fields)
}

func runStatus(kind Kind) string {
	switch kind {
	case KindSessionCancelled, KindUserCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// runStep drives one step through the capability contract. The returned
// action selects the outgoing edge; errors carry the step name and taxonomy
// kind.
func (e *Executor) runStep(ctx context.Context, req ExecutionRequest, step Step, desc NodeDescriptor, results map[string]Result) (string, Result, error) {
	const op = "executor.step"

	bindings, err := ResolveBindings(step, results, req.Scratchpad)
	if err != nil {
		return "", nil, err
	}

	prepared, err := desc.Capability.Prepare(ctx, req.Scratchpad, bindings)
	if err != nil {
		kind := KindInvalidInput
		var oe *Error
		if errors.As(err, &oe) {
			kind = oe.Kind
		}
		return "", nil, StepError(op, kind, step.StepName, err)
	}
	// Identity is stamped here, not by the capability, so a misbehaving
	// adapter cannot write under another step's name.
	prepared.StepName = step.StepName
	prepared.NodeName = desc.Name
	prepared.DeclaredOutputs = step.DeclaredOutputs

	if desc.PermissionTier != TierNone || step.RequiresPermission {
		if err := e.awaitPermission(ctx, req, step, desc, prepared); err != nil {
			return "", nil, err
		}
	}

	if desc.Interactive {
		return e.runInteractive(ctx, req, step, desc, prepared)
	}

	result, err := e.invoke(ctx, desc, prepared)
	if err != nil {
		return "", nil, err
	}

	action, err := desc.Capability.Commit(ctx, req.Scratchpad, prepared, result)
	if err != nil {
		return "", nil, StepError(op, KindCapabilityFailed, step.StepName, err)
	}
	return action, result, nil
}

// invoke runs the capability under the process-wide slot pool with the
// transient retry policy. Exhausted retries promote to KindCapabilityFailed;
// non-transient errors surface after the first attempt.
func (e *Executor) invoke(ctx context.Context, desc NodeDescriptor, prepared Prepared) (Result, error) {
	const op = "executor.run"

	var result Result
	attempt := 0
	start := time.Now()

	err := resilience.Retry(ctx, &e.retry, func() error {
		attempt++
		if attempt > 1 {
			telemetry.RecordNodeRetry(desc.Name)
			e.logger.DebugWithContext(ctx, "Retrying capability", map[string]interface{}{
				"operation": "node_call",
				"node":      desc.Name,
				"step":      prepared.StepName,
				"attempt":   attempt,
			})
		}

		select {
		case e.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		defer func() { <-e.slots }()

		r, err := desc.Capability.Run(ctx, prepared)
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	durationMs := float64(time.Since(start).Milliseconds())
	if err != nil {
		telemetry.RecordNodeCall(desc.Name, durationMs, "error")
		switch {
		case ctx.Err() != nil:
			return nil, StepError(op, KindSessionCancelled, prepared.StepName, ctx.Err())
		case errors.Is(err, core.ErrMaxRetriesExceeded):
			return nil, StepError(op, KindCapabilityFailed, prepared.StepName, err)
		default:
			return nil, StepError(op, KindOf(err), prepared.StepName, err)
		}
	}
	telemetry.RecordNodeCall(desc.Name, durationMs, "ok")
	return result, nil
}

// awaitPermission gates a step behind user approval. The request exists in
// the manager before the permission_request frame goes out, so a response
// can never beat registration. Tier-less steps that the plan flagged still
// get a basic-tier request.
func (e *Executor) awaitPermission(ctx context.Context, req ExecutionRequest, step Step, desc NodeDescriptor, prepared Prepared) error {
	const op = "executor.permission"

	tier := desc.PermissionTier
	if tier == TierNone {
		tier = TierBasic
	}
	details := map[string]interface{}{
		"step":   step.StepName,
		"node":   desc.Name,
		"inputs": prepared.Inputs,
	}

	id, awaitable := e.permissions.Create(ctx, req.UserID, req.SessionID, desc.Name, details, tier)
	request, err := e.permissions.Get(id)
	if err != nil {
		// A closed manager hands back a pre-cancelled awaitable and no id.
		return StepError(op, KindSessionCancelled, step.StepName, err)
	}

	req.Events.Emit(Event{Type: EventPermissionRequest, Content: PermissionRequestPayload{
		RequestID:   id,
		Operation:   desc.Name,
		Description: desc.Description,
		Reason:      fmt.Sprintf("Step %q needs approval to run %s (%s tier)", step.StepName, desc.Name, tier),
		Tier:        tier,
		ExpiresAt:   request.ExpiresAt,
	}})
	e.logger.InfoWithContext(ctx, "Awaiting permission", map[string]interface{}{
		"operation":  "permission_gate",
		"request_id": id,
		"step":       step.StepName,
		"node":       desc.Name,
		"tier":       string(tier),
	})

	decision, err := awaitable.Wait(ctx)
	if err != nil {
		e.permissions.Cancel(id)
		return StepError(op, KindSessionCancelled, step.StepName, err)
	}

	switch decision.State {
	case PermissionGranted:
		return nil
	case PermissionDenied:
		derr := fmt.Errorf("user denied %s", desc.Name)
		if decision.Reason != "" {
			derr = fmt.Errorf("user denied %s: %s", desc.Name, decision.Reason)
		}
		return StepError(op, KindPermissionDenied, step.StepName, derr)
	case PermissionExpired:
		return StepError(op, KindPermissionExpired, step.StepName,
			fmt.Errorf("permission request %s expired before the user responded", id))
	default:
		return StepError(op, KindSessionCancelled, step.StepName,
			fmt.Errorf("permission request %s cancelled", id))
	}
}

// runInteractive suspends the step on a user question instead of calling
// Run. The question text comes from the step's bound inputs; the reply lands
// on the first declared output key as a string.
func (e *Executor) runInteractive(ctx context.Context, req ExecutionRequest, step Step, desc NodeDescriptor, prepared Prepared) (string, Result, error) {
	const op = "executor.interact"

	question := strings.TrimSpace(asString(prepared.Inputs["question"]))
	if question == "" {
		question = desc.Description
	}

	start := time.Now()
	answer, err := req.Interaction.AskUser(ctx, question, step.DeclaredOutputs)
	durationMs := float64(time.Since(start).Milliseconds())
	if err != nil {
		telemetry.RecordNodeCall(desc.Name, durationMs, "error")
		if errors.Is(err, core.ErrSessionClosed) {
			return "", nil, StepError(op, KindUserCancelled, step.StepName, err)
		}
		return "", nil, StepError(op, KindSessionCancelled, step.StepName, err)
	}

	result := Result{}
	if len(step.DeclaredOutputs) > 0 {
		result[step.DeclaredOutputs[0]] = answer
	} else {
		result["user_response"] = answer
	}

	action, err := desc.Capability.Commit(ctx, req.Scratchpad, prepared, result)
	if err != nil {
		return "", nil, StepError(op, KindCapabilityFailed, step.StepName, err)
	}
	telemetry.RecordNodeCall(desc.Name, durationMs, "ok")
	return action, result, nil
}
