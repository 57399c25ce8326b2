package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/weft/core"
	"github.com/weftworks/weft/telemetry"
)

// PermissionState is the lifecycle state of a permission request. The only
// legal transitions are pending to one of the terminal states.
type PermissionState string

const (
	PermissionPending   PermissionState = "pending"
	PermissionGranted   PermissionState = "granted"
	PermissionDenied    PermissionState = "denied"
	PermissionExpired   PermissionState = "expired"
	PermissionCancelled PermissionState = "cancelled"
)

// PermissionRequest is one pending approval: who asked, what for, and when
// it stops being askable.
type PermissionRequest struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"userId"`
	SessionID string                 `json:"sessionId"`
	Operation string                 `json:"operation"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Tier      PermissionTier         `json:"tier"`
	State     PermissionState        `json:"state"`
	CreatedAt time.Time              `json:"createdAt"`
	DecidedAt *time.Time             `json:"decidedAt,omitempty"`
	ExpiresAt time.Time              `json:"expiresAt"`
	Reason    string                 `json:"reason,omitempty"`
}

// PermissionDecision is what an Awaitable resolves with.
type PermissionDecision struct {
	State  PermissionState
	Reason string
}

// Awaitable delivers a request's terminal state exactly once.
type Awaitable struct {
	ch chan PermissionDecision
}

// Done exposes the decision channel for select loops.
func (a *Awaitable) Done() <-chan PermissionDecision {
	return a.ch
}

// Wait blocks until the request is decided or the context ends.
func (a *Awaitable) Wait(ctx context.Context) (PermissionDecision, error) {
	select {
	case d := <-a.ch:
		return d, nil
	case <-ctx.Done():
		return PermissionDecision{}, ctx.Err()
	}
}

type permissionEntry struct {
	req      *PermissionRequest
	ch       chan PermissionDecision
	key      string    // coalescing key: operation + canonical details
	deadline time.Time // min(expiresAt, createdAt + hard cap)
}

// PermissionFilter narrows ListPending.
type PermissionFilter struct {
	SessionID string
	UserID    string
}

// PermissionManager tracks permission requests, coalesces duplicates within
// a session, and expires pending ones on a background sweep. All state is
// guarded by one mutex; the sweep takes it briefly each tick.
type PermissionManager struct {
	defaultTTL time.Duration
	hardCap    time.Duration
	logger     core.Logger

	mu      sync.Mutex
	entries map[string]*permissionEntry
	closed  bool

	stop chan struct{}
	done chan struct{}
}

// NewPermissionManager creates the manager and starts its sweep loop.
func NewPermissionManager(cfg core.PermissionConfig, logger core.Logger) *PermissionManager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.HardCap <= 0 {
		cfg.HardCap = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}

	m := &PermissionManager{
		defaultTTL: cfg.DefaultTTL,
		hardCap:    cfg.HardCap,
		logger:     logger,
		entries:    make(map[string]*permissionEntry),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go m.sweepLoop(cfg.SweepInterval)
	return m
}

// Create registers a permission request and returns its id and awaitable.
// A pending request in the same session with the same operation and
// canonically equal details coalesces: the existing id and awaitable come
// back instead of a new ask.
func (m *PermissionManager) Create(ctx context.Context, userID, sessionID, operation string, details map[string]interface{}, tier PermissionTier) (string, *Awaitable) {
	key := operation + "\x00" + canonicalJSON(details)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		aw := &Awaitable{ch: make(chan PermissionDecision, 1)}
		aw.ch <- PermissionDecision{State: PermissionCancelled, Reason: "permission manager closed"}
		return "", aw
	}

	for _, e := range m.entries {
		if e.req.SessionID == sessionID && e.req.State == PermissionPending && e.key == key {
			m.logger.DebugWithContext(ctx, "Coalescing duplicate permission request", map[string]interface{}{
				"operation":  "permission_coalesce",
				"request_id": e.req.ID,
				"session_id": sessionID,
			})
			return e.req.ID, &Awaitable{ch: e.ch}
		}
	}

	now := time.Now().UTC()
	req := &PermissionRequest{
		ID:        uuid.NewString(),
		UserID:    userID,
		SessionID: sessionID,
		Operation: operation,
		Details:   details,
		Tier:      tier,
		State:     PermissionPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.defaultTTL),
	}
	deadline := req.ExpiresAt
	if capped := now.Add(m.hardCap); capped.Before(deadline) {
		deadline = capped
	}

	entry := &permissionEntry{
		req:      req,
		ch:       make(chan PermissionDecision, 1),
		key:      key,
		deadline: deadline,
	}
	m.entries[req.ID] = entry

	m.logger.InfoWithContext(ctx, "Permission request created", map[string]interface{}{
		"operation":   "permission_create",
		"request_id":  req.ID,
		"session_id":  sessionID,
		"requested":   operation,
		"tier":        string(tier),
		"expires_at":  req.ExpiresAt.Format(time.RFC3339),
	})
	return req.ID, &Awaitable{ch: entry.ch}
}

// Get returns a copy of the request.
func (m *PermissionManager) Get(id string) (PermissionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return PermissionRequest{}, fmt.Errorf("request %q: %w", id, core.ErrPermissionNotFound)
	}
	return *e.req, nil
}

// Respond decides a pending request.
func (m *PermissionManager) Respond(id string, granted bool, reason string) error {
	state := PermissionDenied
	if granted {
		state = PermissionGranted
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("request %q: %w", id, core.ErrPermissionNotFound)
	}
	if e.req.State != PermissionPending {
		return fmt.Errorf("request %q is %s: %w", id, e.req.State, core.ErrAlreadyDecided)
	}
	m.resolveLocked(e, state, reason)
	return nil
}

// Cancel resolves a single pending request as cancelled. Deciding an
// already-decided request is a no-op here, unlike Respond.
func (m *PermissionManager) Cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok && e.req.State == PermissionPending {
		m.resolveLocked(e, PermissionCancelled, "cancelled")
	}
}

// CancelSession resolves every pending request of a session as cancelled.
// Called on session teardown.
func (m *PermissionManager) CancelSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.req.SessionID == sessionID && e.req.State == PermissionPending {
			m.resolveLocked(e, PermissionCancelled, "session closed")
		}
	}
}

// ListPending returns copies of pending requests matching the filter,
// oldest first.
func (m *PermissionManager) ListPending(filter PermissionFilter) []PermissionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PermissionRequest
	for _, e := range m.entries {
		if e.req.State != PermissionPending {
			continue
		}
		if filter.SessionID != "" && e.req.SessionID != filter.SessionID {
			continue
		}
		if filter.UserID != "" && e.req.UserID != filter.UserID {
			continue
		}
		out = append(out, *e.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close stops the sweep and resolves anything still pending as cancelled.
func (m *PermissionManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, e := range m.entries {
		if e.req.State == PermissionPending {
			m.resolveLocked(e, PermissionCancelled, "permission manager closed")
		}
	}
	m.mu.Unlock()

	close(m.stop)
	<-m.done
}

// resolveLocked transitions a pending request to a terminal state and
// delivers the decision. Callers hold m.mu and have checked the state.
func (m *PermissionManager) resolveLocked(e *permissionEntry, state PermissionState, reason string) {
	now := time.Now().UTC()
	e.req.State = state
	e.req.DecidedAt = &now
	e.req.Reason = reason
	e.ch <- PermissionDecision{State: state, Reason: reason}

	telemetry.RecordPermissionDecision(decisionLabel(state))
	m.logger.Info("Permission request resolved", map[string]interface{}{
		"operation":  "permission_resolve",
		"request_id": e.req.ID,
		"session_id": e.req.SessionID,
		"state":      string(state),
	})
}

func decisionLabel(state PermissionState) string {
	switch state {
	case PermissionGranted:
		return "approved"
	case PermissionDenied:
		return "denied"
	case PermissionExpired:
		return "expired"
	default:
		return "cancelled"
	}
}

// sweepLoop expires pending requests whose effective deadline has passed:
// the configured TTL or the hard cap, whichever comes first.
func (m *PermissionManager) sweepLoop(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.sweep(now.UTC())
		}
	}
}

func (m *PermissionManager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.req.State == PermissionPending && !now.Before(e.deadline) {
			m.resolveLocked(e, PermissionExpired, "permission request expired")
		}
	}
}

// canonicalJSON encodes details with sorted keys at every nesting level,
// which encoding/json guarantees for maps. Unencodable values fall back to
// their Go string form so coalescing still has a stable key.
func canonicalJSON(details map[string]interface{}) string {
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Sprintf("%v", details)
	}
	return string(data)
}
