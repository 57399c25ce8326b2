package orchestration

import (
	"context"
	"time"
)

// Outbound frame types. The session layer wraps each payload in a
// {type, content} frame; these constants are the type values.
const (
	EventStart             = "start"
	EventChunk             = "chunk"
	EventWorkflowDesign    = "workflow_design"
	EventWorkflowProgress  = "workflow_progress"
	EventNodeComplete      = "node_complete"
	EventNodeError         = "node_error"
	EventUserQuestion      = "user_question"
	EventPermissionRequest = "permission_request"
	EventEnd               = "end"
)

// End statuses.
const (
	EndStatusOK        = "ok"
	EndStatusFailed    = "failed"
	EndStatusCancelled = "cancelled"
)

// Event is one outbound frame. Content is the frame payload: a plain string
// for chunk frames, a typed payload struct otherwise.
type Event struct {
	Type    string
	Content interface{}
}

// EventSink receives execution events in emission order. The session layer
// implements it over the per-session outbound queue, which preserves the
// total order clients depend on. Emit may block while the queue is full.
type EventSink interface {
	Emit(ev Event)
}

// Interaction suspends a run while the user answers a question. The session
// layer implements it over its waiter registry; implementations must make
// the question routable before emitting the user_question frame, so a fast
// client cannot answer a question the runtime does not know about yet.
//
// AskUser blocks until the user responds, the session tears down
// (core.ErrSessionClosed), or ctx is done.
type Interaction interface {
	AskUser(ctx context.Context, question string, fields []string) (string, error)
}

// WorkflowDesignPayload is the content of a workflow_design frame.
type WorkflowDesignPayload struct {
	Template *WorkflowTemplate `json:"template"`
}

// WorkflowProgressPayload announces that a step is about to run. StepIndex
// counts emitted steps starting at 1; skipped branches never appear.
type WorkflowProgressPayload struct {
	StepIndex   int    `json:"stepIndex"`
	TotalSteps  int    `json:"totalSteps"`
	StepName    string `json:"stepName"`
	NodeName    string `json:"nodeName"`
	Description string `json:"description"`
}

// NodeCompletePayload reports a finished step and its result map.
type NodeCompletePayload struct {
	StepName string `json:"stepName"`
	Result   Result `json:"result"`
}

// NodeErrorPayload reports a failed step. ErrorKind is the taxonomy kind.
type NodeErrorPayload struct {
	StepName  string `json:"stepName"`
	ErrorKind string `json:"errorKind"`
	Message   string `json:"message"`
}

// UserQuestionPayload asks the user for input mid-run. Fields hints which
// values the client should collect; it may be empty for free-form answers.
type UserQuestionPayload struct {
	QuestionID string   `json:"questionId"`
	Question   string   `json:"question"`
	Fields     []string `json:"fields,omitempty"`
}

// PermissionRequestPayload asks the user to approve a gated operation.
type PermissionRequestPayload struct {
	RequestID   string         `json:"requestId"`
	Operation   string         `json:"operation"`
	Description string         `json:"description"`
	Reason      string         `json:"reason"`
	Tier        PermissionTier `json:"tier"`
	ExpiresAt   time.Time      `json:"expiresAt"`
}

// EndPayload closes a turn.
type EndPayload struct {
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
}
