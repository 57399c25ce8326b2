package session

import (
	"context"
	"sync"

	"github.com/weftworks/weft/core"
)

// waiterResult is what a resolved waiter delivers: the user's answer, or
// the error that ended the wait.
type waiterResult struct {
	content string
	err     error
}

// Waiter is one suspended question. The runtime blocks on Wait until the
// client answers, the session tears down, or the context ends. Each waiter
// resolves at most once; its channel is buffered so resolution never blocks
// on a caller that already gave up.
type Waiter struct {
	id string
	ch chan waiterResult
}

// ID returns the question id the waiter is registered under.
func (w *Waiter) ID() string { return w.id }

// Wait blocks for the answer.
func (w *Waiter) Wait(ctx context.Context) (string, error) {
	select {
	case r := <-w.ch:
		return r.content, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// WaiterRegistry tracks a session's pending questions by id. One waiter per
// id, and registration happens strictly before the outbound frame that
// advertises the id, so an answer can never arrive unroutable. The registry
// lives on the Session; ids never cross sessions.
type WaiterRegistry struct {
	logger core.Logger

	mu      sync.Mutex
	waiters map[string]*Waiter
	closed  bool
}

// NewWaiterRegistry creates an empty registry.
func NewWaiterRegistry(logger core.Logger) *WaiterRegistry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &WaiterRegistry{
		logger:  logger,
		waiters: make(map[string]*Waiter),
	}
}

// Register creates a waiter for id. Returns core.ErrWaiterExists when the
// id is taken and core.ErrSessionClosed after CloseAll.
func (r *WaiterRegistry) Register(id string) (*Waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, core.ErrSessionClosed
	}
	if _, ok := r.waiters[id]; ok {
		return nil, core.ErrWaiterExists
	}
	w := &Waiter{id: id, ch: make(chan waiterResult, 1)}
	r.waiters[id] = w
	return w, nil
}

// Resolve delivers an answer to the waiter for id and removes it. Returns
// core.ErrNoWaiter when nothing is registered under the id.
func (r *WaiterRegistry) Resolve(id, content string) error {
	r.mu.Lock()
	w, ok := r.waiters[id]
	if ok {
		delete(r.waiters, id)
	}
	r.mu.Unlock()
	if !ok {
		return core.ErrNoWaiter
	}
	w.ch <- waiterResult{content: content}
	return nil
}

// Cancel removes the waiter for id, resolving it with core.ErrSessionClosed.
// Unknown ids are a no-op: the waiter may have been resolved in the window
// between the caller giving up and the cleanup running.
func (r *WaiterRegistry) Cancel(id string) {
	r.mu.Lock()
	w, ok := r.waiters[id]
	if ok {
		delete(r.waiters, id)
	}
	r.mu.Unlock()
	if ok {
		w.ch <- waiterResult{err: core.ErrSessionClosed}
	}
}

// CloseAll resolves every pending waiter with core.ErrSessionClosed and
// rejects future registrations. Called exactly once at session teardown.
func (r *WaiterRegistry) CloseAll() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pending := make([]*Waiter, 0, len(r.waiters))
	for _, w := range r.waiters {
		pending = append(pending, w)
	}
	r.waiters = make(map[string]*Waiter)
	r.mu.Unlock()

	for _, w := range pending {
		w.ch <- waiterResult{err: core.ErrSessionClosed}
	}
	if len(pending) > 0 {
		r.logger.Debug("Cancelled pending waiters at teardown", map[string]interface{}{
			"operation": "waiters_close",
			"count":     len(pending),
		})
	}
}

// Pending reports the number of registered waiters.
func (r *WaiterRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}
