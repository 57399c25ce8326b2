package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/weftworks/weft/core"
	"github.com/weftworks/weft/llm/providers/mock"
	"github.com/weftworks/weft/orchestration"
)

// harness wires the full stage stack over in-memory backends: a scripted
// model, the built-in catalog, a temp-dir template store, a run store on the
// memory provider, and the memory session manager. mutate runs on the config
// before anything is constructed, so tests can retune the executor.
type harness struct {
	model   *mock.Client
	catalog *orchestration.Catalog
	store   *orchestration.Store
	perms   *orchestration.PermissionManager
	runs    *orchestration.RunStore
	manager *MemoryManager
	runtime *Runtime
	cfg     *core.Config
}

func newHarness(t *testing.T, mutate func(cfg *core.Config)) *harness {
	t.Helper()

	cfg := core.DefaultConfig()
	cfg.Session.Deadline = 0 // each test owns its session's lifetime
	cfg.Executor.RetryBase = time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	model := mock.NewClient(nil)
	catalog := orchestration.NewCatalog(nil)
	if err := orchestration.NewBuiltins(nil, nil).RegisterAll(catalog); err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}

	store, err := orchestration.NewStore(t.TempDir(), catalog, nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	perms := orchestration.NewPermissionManager(cfg.Permissions, nil)
	t.Cleanup(perms.Close)

	manager := NewMemoryManager(ManagerConfig{}, nil)
	t.Cleanup(func() { manager.Close() })

	runs := orchestration.NewRunStore(orchestration.NewMemoryStorageProvider(), orchestration.RunStoreConfig{}, nil)

	rt := NewRuntime(RuntimeDeps{
		Designer:    orchestration.NewDesigner(model, catalog, store, orchestration.DesignerConfig{Model: "planner-test"}, nil),
		Executor:    orchestration.NewExecutor(catalog, perms, cfg.Executor, nil),
		Optimizer:   orchestration.NewOptimizer(model, store, orchestration.DesignerConfig{}, nil),
		Permissions: perms,
		Runs:        runs,
		Sessions:    manager,
	}, cfg, nil)
	t.Cleanup(rt.Close)

	return &harness{
		model:   model,
		catalog: catalog,
		store:   store,
		perms:   perms,
		runs:    runs,
		manager: manager,
		runtime: rt,
		cfg:     cfg,
	}
}

// open starts a session plus a recorder goroutine standing in for the
// transport's writePump. react, when set, runs on the recorder goroutine for
// every event, which is how tests answer questions and decide permissions
// the moment the frames go out.
func (h *harness) open(t *testing.T, react func(*Session, orchestration.Event)) (*Session, *recorder) {
	t.Helper()

	s, err := h.runtime.Open(context.Background(), "tester")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	rec := newRecorder()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case ev := <-s.Events():
				rec.add(ev)
				if react != nil {
					react(s, ev)
				}
				if ev.Type == orchestration.EventEnd {
					if p, ok := ev.Content.(orchestration.EndPayload); ok {
						rec.ends <- p
					}
				}
			case <-stop:
				return
			}
		}
	}()
	return s, rec
}

// recorder captures the outbound event stream in emission order and signals
// every end frame.
type recorder struct {
	mu     sync.Mutex
	events []orchestration.Event
	ends   chan orchestration.EndPayload
}

func newRecorder() *recorder {
	return &recorder{ends: make(chan orchestration.EndPayload, 4)}
}

func (r *recorder) add(ev orchestration.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []orchestration.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]orchestration.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) ofType(eventType string) []orchestration.Event {
	var out []orchestration.Event
	for _, ev := range r.all() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// framed returns the event types in order with consecutive chunk frames
// collapsed to one entry, so narrative length never shifts the shape.
func (r *recorder) framed() []string {
	var out []string
	for _, ev := range r.all() {
		if ev.Type == orchestration.EventChunk && len(out) > 0 && out[len(out)-1] == orchestration.EventChunk {
			continue
		}
		out = append(out, ev.Type)
	}
	return out
}

// chunkText joins the chunk frames back into the streamed narrative.
func (r *recorder) chunkText() string {
	var parts []string
	for _, ev := range r.all() {
		if ev.Type != orchestration.EventChunk {
			continue
		}
		if s, ok := ev.Content.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// waitEnd blocks for the next end frame.
func (r *recorder) waitEnd(t *testing.T) orchestration.EndPayload {
	t.Helper()
	select {
	case p := <-r.ends:
		return p
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the end frame")
		return orchestration.EndPayload{}
	}
}

// Inbound frame builders. These construct the parsed shapes directly; the
// wire decode itself is covered by the protocol and transport tests.

func chatFrame(text string) Frame {
	content, _ := json.Marshal(text)
	return Frame{Type: FrameChat, Content: content}
}

func feedbackFrame(text string) Frame {
	content, _ := json.Marshal(text)
	return Frame{Type: FrameFeedback, Content: content}
}

func answerFrame(questionID, answer string) Frame {
	content, _ := json.Marshal(map[string]string{"questionId": questionID, "content": answer})
	return Frame{Type: FrameUserResponse, Content: content}
}

func permissionFrame(requestID string, granted bool) Frame {
	content, _ := json.Marshal(map[string]interface{}{"requestId": requestID, "granted": granted})
	return Frame{Type: FramePermissionResponse, Content: content}
}

// grantAll approves every permission request and answers every question with
// the given reply, the way a cooperative client would.
func grantAll(answer string) func(*Session, orchestration.Event) {
	return func(s *Session, ev orchestration.Event) {
		switch p := ev.Content.(type) {
		case orchestration.UserQuestionPayload:
			s.Deliver(answerFrame(p.QuestionID, answer))
		case orchestration.PermissionRequestPayload:
			s.Deliver(permissionFrame(p.RequestID, true))
		}
	}
}

func fencedPlan(body string) string {
	return "```yaml\n" + body + "\n```"
}

func mustRegister(t *testing.T, c *orchestration.Catalog, desc orchestration.NodeDescriptor) {
	t.Helper()
	if err := c.Register(desc); err != nil {
		t.Fatalf("Register(%s) failed: %v", desc.Name, err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before the deadline")
}
