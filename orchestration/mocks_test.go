package orchestration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/weftworks/weft/core"
)

// testPad is an in-memory ScratchpadWriter for executor and capability tests.
type testPad struct {
	mu   sync.Mutex
	data map[string]interface{}
}

func newTestPad() *testPad {
	return &testPad{data: make(map[string]interface{})}
}

func (p *testPad) Get(key string) (interface{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.data[key]
	return v, ok
}

func (p *testPad) Set(key string, value interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[key] = value
}

// captureSink records emitted events in order. OnEvent, when set, runs
// synchronously on each emission; permission tests use it to respond the
// moment the request frame goes out.
type captureSink struct {
	mu      sync.Mutex
	events  []Event
	OnEvent func(Event)
}

func (s *captureSink) Emit(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	cb := s.OnEvent
	s.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (s *captureSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *captureSink) ofType(eventType string) []Event {
	var out []Event
	for _, ev := range s.all() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (s *captureSink) types() []string {
	events := s.all()
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// scriptedInteraction answers every question with a fixed reply or error and
// records what was asked.
type scriptedInteraction struct {
	mu        sync.Mutex
	answer    string
	err       error
	questions []string
	fields    [][]string
}

func (i *scriptedInteraction) AskUser(ctx context.Context, question string, fields []string) (string, error) {
	i.mu.Lock()
	i.questions = append(i.questions, question)
	i.fields = append(i.fields, fields)
	i.mu.Unlock()
	if i.err != nil {
		return "", i.err
	}
	return i.answer, nil
}

func (i *scriptedInteraction) asked() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, len(i.questions))
	copy(out, i.questions)
	return out
}

// newTestCatalog builds a catalog with the built-in capability set.
func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	catalog := NewCatalog(nil)
	if err := NewBuiltins(nil, nil).RegisterAll(catalog); err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}
	return catalog
}

// newTestStore opens a store in a temp dir over the built-in catalog.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), newTestCatalog(t), nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}

// newTestPermissions starts a permission manager with a fast sweep so expiry
// tests finish quickly. Closed via t.Cleanup.
func newTestPermissions(t *testing.T, ttl time.Duration) *PermissionManager {
	t.Helper()
	m := NewPermissionManager(core.PermissionConfig{
		DefaultTTL:    ttl,
		SweepInterval: 10 * time.Millisecond,
		HardCap:       time.Minute,
	}, nil)
	t.Cleanup(m.Close)
	return m
}

func mustRegister(t *testing.T, c *Catalog, desc NodeDescriptor) {
	t.Helper()
	if err := c.Register(desc); err != nil {
		t.Fatalf("Register(%s) failed: %v", desc.Name, err)
	}
}

// twoStepTemplate is a sealed produce-then-consume template used by several
// executor tests. The consume step reads the produce step's output.
func twoStepTemplate() *WorkflowTemplate {
	tmpl := &WorkflowTemplate{
		Name:            "test_chain",
		Description:     "two step chain",
		QuestionPattern: "test question",
		Steps: []Step{
			{StepName: "first", NodeName: "produce", DeclaredOutputs: []string{"value"}},
			{
				StepName:        "second",
				NodeName:        "consume",
				BoundInputs:     map[string]string{"input": "${steps.first.value}"},
				DeclaredOutputs: []string{"echo"},
			},
		},
		Edges: []Edge{{From: "first", To: "second", ActionLabel: "default"}},
	}
	tmpl.Seal()
	return tmpl
}
