package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/weft/core"
)

// Record is the durable face of a session: identity and counters, not the
// live scratchpad or waiters. The Manager keeps records and conversation
// history; the live Session object stays in process memory.
type Record struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	MessageCount int       `json:"messageCount"`
}

// Message is one conversation history entry. Role is "user" or "assistant".
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Manager persists session records and bounded conversation history. The
// in-memory implementation serves single-process deployments; the Redis one
// survives restarts and serves several replicas.
type Manager interface {
	Create(ctx context.Context, userID string) (*Record, error)
	Get(ctx context.Context, sessionID string) (*Record, error)
	Delete(ctx context.Context, sessionID string) error
	AddMessage(ctx context.Context, sessionID string, msg Message) error
	History(ctx context.Context, sessionID string, limit int) ([]Message, error)
	ActiveCount(ctx context.Context) (int64, error)
	Close() error
}

// ManagerConfig tunes session retention.
type ManagerConfig struct {
	// TTL expires idle sessions. Default 24h.
	TTL time.Duration

	// MaxMessages bounds the per-session history sliding window.
	// Default 50.
	MaxMessages int

	// CleanupInterval paces the expiry sweep. Default 5m.
	CleanupInterval time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = 50
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
}

// MemoryManager is the in-process Manager: mutex-guarded maps plus a
// background expiry sweep.
type MemoryManager struct {
	cfg    ManagerConfig
	logger core.Logger

	mu       sync.RWMutex
	records  map[string]*Record
	messages map[string][]Message

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMemoryManager creates the manager and starts its cleanup goroutine.
func NewMemoryManager(cfg ManagerConfig, logger core.Logger) *MemoryManager {
	cfg.applyDefaults()
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	m := &MemoryManager{
		cfg:      cfg,
		logger:   logger,
		records:  make(map[string]*Record),
		messages: make(map[string][]Message),
		stopChan: make(chan struct{}),
	}
	m.startCleanupRoutine()
	return m
}

// Create registers a new session record.
func (m *MemoryManager) Create(ctx context.Context, userID string) (*Record, error) {
	now := time.Now()
	rec := &Record{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}

	m.mu.Lock()
	m.records[rec.ID] = rec
	m.messages[rec.ID] = make([]Message, 0)
	m.mu.Unlock()

	out := *rec
	return &out, nil
}

// Get retrieves a session record. Expired sessions are not found.
func (m *MemoryManager) Get(ctx context.Context, sessionID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[sessionID]
	if !ok || time.Now().After(rec.ExpiresAt) {
		return nil, fmt.Errorf("get session %s: %w", sessionID, core.ErrSessionNotFound)
	}
	out := *rec
	return &out, nil
}

// Delete removes a session record and its history.
func (m *MemoryManager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.records, sessionID)
	delete(m.messages, sessionID)
	m.mu.Unlock()
	return nil
}

// AddMessage appends one history entry, maintaining the sliding window and
// refreshing the session's expiry.
func (m *MemoryManager) AddMessage(ctx context.Context, sessionID string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[sessionID]
	if !ok {
		return fmt.Errorf("add message to %s: %w", sessionID, core.ErrSessionNotFound)
	}

	msg.ID = uuid.New().String()
	msg.SessionID = sessionID
	msg.Timestamp = time.Now()

	msgs := append(m.messages[sessionID], msg)
	if len(msgs) > m.cfg.MaxMessages {
		msgs = msgs[len(msgs)-m.cfg.MaxMessages:]
	}
	m.messages[sessionID] = msgs

	rec.MessageCount++
	rec.UpdatedAt = msg.Timestamp
	rec.ExpiresAt = msg.Timestamp.Add(m.cfg.TTL)
	return nil
}

// History returns the last limit messages, oldest first. limit <= 0 means
// the whole window.
func (m *MemoryManager) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs, ok := m.messages[sessionID]
	if !ok {
		return nil, fmt.Errorf("history of %s: %w", sessionID, core.ErrSessionNotFound)
	}

	start := 0
	if limit > 0 && len(msgs) > limit {
		start = len(msgs) - limit
	}
	out := make([]Message, len(msgs)-start)
	copy(out, msgs[start:])
	return out, nil
}

// ActiveCount reports non-expired sessions.
func (m *MemoryManager) ActiveCount(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var n int64
	for _, rec := range m.records {
		if rec.ExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

// Close stops the cleanup goroutine.
func (m *MemoryManager) Close() error {
	close(m.stopChan)
	m.wg.Wait()
	return nil
}

func (m *MemoryManager) startCleanupRoutine() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.cleanupExpired()
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *MemoryManager) cleanupExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, rec := range m.records {
		if now.After(rec.ExpiresAt) {
			delete(m.records, id)
			delete(m.messages, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("Expired sessions removed", map[string]interface{}{
			"operation": "session_cleanup",
			"count":     removed,
		})
	}
}
