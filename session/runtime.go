package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/weftworks/weft/core"
	"github.com/weftworks/weft/orchestration"
	"github.com/weftworks/weft/telemetry"
)

// chunkSize bounds chunk frame payloads. The composed narrative is
// re-chunked at word boundaries so clients see the same frame cadence as a
// streamed reply.
const chunkSize = 120

// detachedTimeout bounds bookkeeping writes (history, run records) that
// must outlive a cancelled session context.
const detachedTimeout = 5 * time.Second

// RuntimeDeps wires the stage singletons into the runtime. All fields are
// required except Reviewer and Runs.
type RuntimeDeps struct {
	Designer    *orchestration.Designer
	Reviewer    *orchestration.Reviewer
	Executor    *orchestration.Executor
	Optimizer   *orchestration.Optimizer
	Permissions *orchestration.PermissionManager
	Runs        *orchestration.RunStore
	Sessions    Manager
}

// Runtime owns the live sessions and runs one cooperative loop per session:
// chat → design → execute → optimize, with at most one diagnostic redesign
// per turn. Stages are sequential within a session; concurrency comes from
// sessions, not from stages.
type Runtime struct {
	deps   RuntimeDeps
	cfg    *core.Config
	logger core.Logger

	mu     sync.Mutex
	closed bool
	live   map[string]*Session

	wg sync.WaitGroup
}

// NewRuntime creates a runtime.
func NewRuntime(deps RuntimeDeps, cfg *core.Config, logger core.Logger) *Runtime {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Runtime{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		live:   make(map[string]*Session),
	}
}

// Open creates a session, registers it with the manager, and starts its
// loop. The transport owns closing the returned session.
func (r *Runtime) Open(ctx context.Context, userID string) (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("runtime shutting down: %w", core.ErrSessionClosed)
	}
	r.mu.Unlock()

	if userID == "" {
		userID = "anonymous"
	}

	rec, err := r.deps.Sessions.Create(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s := newSession(rec.ID, userID, r.cfg.Session.Deadline, r.cfg.Session.SendBufferSize,
		r.deps.Permissions, r.logger)

	r.mu.Lock()
	r.live[s.ID] = s
	r.mu.Unlock()

	telemetry.RecordSessionEvent("opened")
	r.logger.Info("Session opened", map[string]interface{}{
		"operation":  "session_open",
		"session_id": s.ID,
		"user_id":    userID,
	})

	r.wg.Add(1)
	go r.run(s)
	return s, nil
}

// Live reports the number of sessions with a running loop in this process.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Close tears down every live session and waits for their loops to exit.
func (r *Runtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	live := make([]*Session, 0, len(r.live))
	for _, s := range r.live {
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		s.Close()
	}
	r.wg.Wait()
}

// run is the per-session loop. It consumes queued turns until the session
// context ends; cycles run inline so a session never executes two turns at
// once, which is also what serializes its LLM calls.
func (r *Runtime) run(s *Session) {
	defer r.wg.Done()
	defer func() {
		s.Close()
		r.mu.Lock()
		delete(r.live, s.ID)
		r.mu.Unlock()
	}()

	for {
		select {
		case <-s.Context().Done():
			return
		case f := <-s.turns:
			text, err := f.Text()
			if err != nil || text == "" {
				s.warnDrop(f.Type, "empty or non-string content")
				continue
			}
			switch f.Type {
			case FrameChat:
				r.runCycle(s, text)
			case FrameFeedback:
				r.absorbFeedback(s, text)
			}
		}
	}
}

// cycleOutcome is one full design→execute→optimize pass.
type cycleOutcome struct {
	template *orchestration.WorkflowTemplate
	outcome  *orchestration.ExecutionOutcome
	runErr   error
	opt      *orchestration.OptimizeResult
}

// runCycle executes one chat turn end to end. Exactly one start frame and
// one end frame bracket everything the turn emits, including a diagnostic
// redesign when the optimizer asks for one.
func (r *Runtime) runCycle(s *Session, question string) {
	ctx := s.Context()
	runID := uuid.New().String()
	startedAt := time.Now()

	s.setPhase(PhaseDesigning)
	s.Emit(orchestration.Event{Type: orchestration.EventStart})

	history := r.historyTail(ctx, s)
	r.recordMessage(s, "user", question)
	s.pad.Seed(map[string]interface{}{"user_question": question})

	r.logger.InfoWithContext(ctx, "Turn started", map[string]interface{}{
		"operation":  "turn",
		"session_id": s.ID,
		"run_id":     runID,
	})

	var (
		diagnostic string
		redesigned bool
		cycle      cycleOutcome
	)
	for {
		cycle = r.attempt(ctx, s, runID, question, history, diagnostic, redesigned)
		if cycle.opt.Redesign && !redesigned {
			r.streamChunks(s, cycle.opt.Summary)
			diagnostic = cycle.opt.Diagnostic
			redesigned = true
			continue
		}
		break
	}

	r.streamChunks(s, cycle.opt.Summary)
	r.recordMessage(s, "assistant", cycle.opt.Summary)
	r.recordRun(s, runID, question, cycle, startedAt)

	s.Emit(orchestration.Event{
		Type: orchestration.EventEnd,
		Content: orchestration.EndPayload{
			Status:  cycle.opt.EndStatus,
			Summary: cycle.opt.Summary,
		},
	})

	r.logger.InfoWithContext(ctx, "Turn finished", map[string]interface{}{
		"operation":   "turn",
		"session_id":  s.ID,
		"run_id":      runID,
		"status":      cycle.opt.EndStatus,
		"duration_ms": time.Since(startedAt).Milliseconds(),
	})
}

// attempt runs one design→review→execute pass and hands the result to the
// optimizer. A nil template in the result means design itself failed.
func (r *Runtime) attempt(ctx context.Context, s *Session, runID, question string,
	history []string, diagnostic string, redesigned bool) cycleOutcome {

	s.setPhase(PhaseDesigning)
	req := orchestration.DesignRequest{
		Question:   question,
		History:    history,
		Diagnostic: diagnostic,
	}

	design, err := r.deps.Designer.Design(ctx, req)
	if err != nil {
		s.setPhase(PhaseOptimizing)
		return cycleOutcome{
			runErr: err,
			opt: r.deps.Optimizer.Optimize(ctx, orchestration.OptimizeRequest{
				Question:   question,
				RunErr:     err,
				Redesigned: redesigned,
			}),
		}
	}

	if design.Thinking != "" {
		r.streamChunks(s, design.Thinking)
	}

	if r.cfg.Executor.DesignReview && r.deps.Reviewer != nil {
		design = orchestration.ReviewDesign(ctx, r.deps.Designer, r.deps.Reviewer, req, design)
	}

	s.Emit(orchestration.Event{
		Type:    orchestration.EventWorkflowDesign,
		Content: orchestration.WorkflowDesignPayload{Template: design.Template},
	})

	s.setPhase(PhaseExecuting)
	outcome, execErr := r.deps.Executor.Execute(ctx, orchestration.ExecutionRequest{
		RunID:       runID,
		SessionID:   s.ID,
		UserID:      s.UserID,
		Question:    question,
		Template:    design.Template,
		Scratchpad:  s.pad,
		Events:      s,
		Interaction: s,
	})

	s.setPhase(PhaseOptimizing)
	return cycleOutcome{
		template: design.Template,
		outcome:  outcome,
		runErr:   execErr,
		opt: r.deps.Optimizer.Optimize(ctx, orchestration.OptimizeRequest{
			Question:   question,
			Template:   design.Template,
			Outcome:    outcome,
			RunErr:     execErr,
			Redesigned: redesigned,
		}),
	}
}

// absorbFeedback appends feedback to the template behind the session's last
// successful run. Feedback with nothing to attach to is dropped with a WARN.
func (r *Runtime) absorbFeedback(s *Session, content string) {
	templateID := s.CompletedTemplateID()
	if templateID == "" {
		s.logger.Warn("Feedback with no completed run, dropping", map[string]interface{}{
			"operation":  "feedback",
			"session_id": s.ID,
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), detachedTimeout)
	defer cancel()
	r.deps.Optimizer.AbsorbFeedback(ctx, templateID, content)
	r.recordMessage(s, "user", "[feedback] "+content)
}

// historyTail renders the conversation window for the design prompt,
// oldest first, as "role: content" lines.
func (r *Runtime) historyTail(ctx context.Context, s *Session) []string {
	msgs, err := r.deps.Sessions.History(ctx, s.ID, r.cfg.Session.HistoryWindow)
	if err != nil {
		r.logger.Warn("Failed to load history", map[string]interface{}{
			"operation":  "turn",
			"session_id": s.ID,
			"error":      err.Error(),
		})
		return nil
	}
	tail := make([]string, 0, len(msgs))
	for _, m := range msgs {
		tail = append(tail, m.Role+": "+m.Content)
	}
	return tail
}

// recordMessage appends one history entry on a detached context so the tail
// of a cancelled session still lands.
func (r *Runtime) recordMessage(s *Session, role, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), detachedTimeout)
	defer cancel()
	if err := r.deps.Sessions.AddMessage(ctx, s.ID, Message{Role: role, Content: content}); err != nil {
		r.logger.Warn("Failed to record history message", map[string]interface{}{
			"operation":  "turn",
			"session_id": s.ID,
			"role":       role,
			"error":      err.Error(),
		})
	}
}

// recordRun persists the run record. Run-store failures are logged and
// swallowed; the user already has their answer.
func (r *Runtime) recordRun(s *Session, runID, question string, cycle cycleOutcome, startedAt time.Time) {
	if r.deps.Runs == nil {
		return
	}

	run := &orchestration.StoredRun{
		RunID:      runID,
		SessionID:  s.ID,
		Question:   question,
		Status:     cycle.opt.EndStatus,
		StartedAt:  startedAt,
		DurationMS: time.Since(startedAt).Milliseconds(),
	}
	if cycle.template != nil {
		run.TemplateID = cycle.template.ID
	}
	if cycle.outcome != nil {
		run.StepResults = cycle.outcome.Results
	}
	if cycle.runErr != nil {
		run.ErrorKind = string(orchestration.KindOf(cycle.runErr))
	}

	ctx, cancel := context.WithTimeout(context.Background(), detachedTimeout)
	defer cancel()
	if err := r.deps.Runs.Record(ctx, run); err != nil {
		r.logger.Warn("Failed to record run", map[string]interface{}{
			"operation": "turn",
			"run_id":    runID,
			"error":     err.Error(),
		})
	}
}

// streamChunks emits text as chunk frames.
func (r *Runtime) streamChunks(s *Session, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	for _, piece := range splitChunks(text, chunkSize) {
		s.Emit(orchestration.Event{Type: orchestration.EventChunk, Content: piece})
	}
}

// splitChunks breaks text into ~size pieces, cutting at spaces where
// possible and never inside a UTF-8 rune.
func splitChunks(text string, size int) []string {
	if size <= 0 || len(text) <= size {
		return []string{text}
	}
	var chunks []string
	for len(text) > size {
		cut := strings.LastIndexByte(text[:size+1], ' ')
		if cut <= 0 {
			cut = size
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = size
			}
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], " "))
		text = strings.TrimLeft(text[cut:], " ")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
