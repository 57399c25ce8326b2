// Package session carries the chat protocol between clients and the
// orchestration stages: the WebSocket transport, the per-session runtime
// loop, conversation history, and the waiter plumbing that suspends a run
// while the user answers a question or decides a permission request.
//
// Every session is one goroutine (the runtime loop) plus the transport's
// read/write pumps. All outbound frames funnel through the session's single
// buffered channel, which is what gives clients a total order over what
// they see.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/weft/core"
	"github.com/weftworks/weft/orchestration"
	"github.com/weftworks/weft/telemetry"
)

// Phase is where a session currently is in its turn cycle. Transitions are
// driven by the runtime loop at stage boundaries and by event observation
// for the waiting states.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseDesigning          Phase = "designing"
	PhaseExecuting          Phase = "executing"
	PhaseAwaitingUser       Phase = "awaiting_user"
	PhaseAwaitingPermission Phase = "awaiting_permission"
	PhaseOptimizing         Phase = "optimizing"
	PhaseTerminal           Phase = "terminal"
)

// turnQueueSize bounds chat/feedback frames queued while a cycle is still
// running. Beyond this the client is flooding and frames are dropped.
const turnQueueSize = 16

// Session is one live conversation: identity, the scratchpad dataplane, the
// waiter registry, and the outbound event queue the transport drains. It
// implements orchestration.EventSink and orchestration.Interaction, which
// is how the Executor reaches the user mid-run without knowing anything
// about transports.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	pad         *Scratchpad
	questions   *WaiterRegistry
	permissions *orchestration.PermissionManager
	logger      core.Logger

	ctx    context.Context
	cancel context.CancelFunc

	outbound chan orchestration.Event
	turns    chan Frame

	mu              sync.Mutex
	phase           Phase
	currentTemplate *orchestration.WorkflowTemplate
	currentStep     int
	completedID     string // template id of the last run that ended ok

	closeOnce sync.Once
}

// newSession builds a live session. deadline is the soft session lifetime;
// zero disables it. The caller owns starting the runtime loop.
func newSession(id, userID string, deadline time.Duration, bufSize int,
	permissions *orchestration.PermissionManager, logger core.Logger) *Session {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if bufSize <= 0 {
		bufSize = 256
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if deadline > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), deadline)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	return &Session{
		ID:          id,
		UserID:      userID,
		CreatedAt:   time.Now(),
		pad:         NewScratchpad(logger),
		questions:   NewWaiterRegistry(logger),
		permissions: permissions,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		outbound:    make(chan orchestration.Event, bufSize),
		turns:       make(chan Frame, turnQueueSize),
		phase:       PhaseIdle,
	}
}

// Context is the session lifetime: it ends on transport close, explicit
// Close, or the soft deadline. Everything the session runs derives from it.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Events exposes the outbound queue for the transport writePump (and for
// tests, which stand in for a transport).
func (s *Session) Events() <-chan orchestration.Event {
	return s.outbound
}

// Scratchpad returns the session dataplane.
func (s *Session) Scratchpad() *Scratchpad {
	return s.pad
}

// Phase reports the current turn-cycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// CurrentStep reports the 1-based index of the step announced by the most
// recent workflow_progress frame, 0 outside a run.
func (s *Session) CurrentStep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentStep
}

// CompletedTemplateID returns the template id of the last run that ended
// ok. Feedback frames absorb against it.
func (s *Session) CompletedTemplateID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completedID
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	if p != PhaseExecuting && p != PhaseAwaitingUser && p != PhaseAwaitingPermission {
		s.currentStep = 0
	}
	s.mu.Unlock()
}

// Emit queues one outbound event, preserving emission order. It prefers a
// non-blocking enqueue; when the queue is full it blocks until the
// transport drains it or the session dies. Events emitted after teardown
// with a full queue are dropped, never deadlocked on.
func (s *Session) Emit(ev orchestration.Event) {
	s.observe(ev)
	select {
	case s.outbound <- ev:
	default:
		select {
		case s.outbound <- ev:
		case <-s.ctx.Done():
			s.logger.Debug("Dropping event after session teardown", map[string]interface{}{
				"operation":  "session_emit",
				"session_id": s.ID,
				"event_type": ev.Type,
			})
		}
	}
}

// observe tracks phase and progress off the event stream itself, on the
// emitting goroutine, so the waiting states flip exactly when the frames
// that announce them are queued.
func (s *Session) observe(ev orchestration.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case orchestration.EventWorkflowDesign:
		if p, ok := ev.Content.(orchestration.WorkflowDesignPayload); ok {
			s.currentTemplate = p.Template
		}
	case orchestration.EventWorkflowProgress:
		s.phase = PhaseExecuting
		if p, ok := ev.Content.(orchestration.WorkflowProgressPayload); ok {
			s.currentStep = p.StepIndex
		}
	case orchestration.EventNodeComplete, orchestration.EventNodeError:
		s.phase = PhaseExecuting
	case orchestration.EventUserQuestion:
		s.phase = PhaseAwaitingUser
	case orchestration.EventPermissionRequest:
		s.phase = PhaseAwaitingPermission
	case orchestration.EventEnd:
		if p, ok := ev.Content.(orchestration.EndPayload); ok && p.Status == orchestration.EndStatusOK {
			if s.currentTemplate != nil {
				s.completedID = s.currentTemplate.ID
			}
		}
		s.currentTemplate = nil
		s.currentStep = 0
		s.phase = PhaseIdle
	}
}

// AskUser implements orchestration.Interaction: it registers a waiter,
// emits the user_question frame, and blocks until the answer, teardown, or
// ctx end. Registration strictly precedes emission so a fast client can
// never answer a question the session does not know about.
func (s *Session) AskUser(ctx context.Context, question string, fields []string) (string, error) {
	id := uuid.New().String()
	w, err := s.questions.Register(id)
	if err != nil {
		return "", err
	}

	s.Emit(orchestration.Event{
		Type: orchestration.EventUserQuestion,
		Content: orchestration.UserQuestionPayload{
			QuestionID: id,
			Question:   question,
			Fields:     fields,
		},
	})

	answer, err := w.Wait(ctx)
	if err != nil {
		s.questions.Cancel(id)
		return "", err
	}
	return answer, nil
}

// Close tears the session down: cancel the context (aborting any in-flight
// capability run), resolve pending question waiters as cancelled, and
// cancel the session's pending permission requests. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		deadlined := errors.Is(s.ctx.Err(), context.DeadlineExceeded)

		s.setPhase(PhaseTerminal)
		s.cancel()
		s.questions.CloseAll()
		if s.permissions != nil {
			s.permissions.CancelSession(s.ID)
		}

		if deadlined {
			telemetry.RecordSessionEvent("deadline_exceeded")
		}
		telemetry.RecordSessionEvent("closed")

		s.logger.Info("Session closed", map[string]interface{}{
			"operation":  "session_close",
			"session_id": s.ID,
			"deadline":   deadlined,
		})
	})
}
