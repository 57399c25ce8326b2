package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/weftworks/weft/core"
)

// RedisManager is the distributed Manager: session records live in hashes,
// history in lists trimmed to the sliding window, and an active-id set
// backs counting. Keys expire with the session TTL; a background sweep
// prunes the active set of ids whose hashes expired underneath it.
type RedisManager struct {
	client *redis.Client
	cfg    ManagerConfig
	logger core.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRedisManager connects to Redis and starts the cleanup goroutine.
func NewRedisManager(redisURL string, cfg ManagerConfig, logger core.Logger) (*RedisManager, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		// Same leniency as the run store: accept a bare host:port address.
		opt = &redis.Options{Addr: redisURL}
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opt.Addr, err)
	}

	m := &RedisManager{
		client:   client,
		cfg:      cfg,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	m.startCleanupRoutine()
	return m, nil
}

// Create registers a new session record.
func (m *RedisManager) Create(ctx context.Context, userID string) (*Record, error) {
	now := time.Now()
	rec := &Record{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}

	pipe := m.client.Pipeline()
	pipe.HSet(ctx, m.recordKey(rec.ID), map[string]interface{}{
		"id":            rec.ID,
		"user_id":       rec.UserID,
		"created_at":    rec.CreatedAt.Unix(),
		"updated_at":    rec.UpdatedAt.Unix(),
		"expires_at":    rec.ExpiresAt.Unix(),
		"message_count": 0,
	})
	pipe.Expire(ctx, m.recordKey(rec.ID), m.cfg.TTL)
	pipe.SAdd(ctx, m.activeKey(), rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return rec, nil
}

// Get retrieves a session record. Missing or expired hashes are not found.
func (m *RedisManager) Get(ctx context.Context, sessionID string) (*Record, error) {
	data, err := m.client.HGetAll(ctx, m.recordKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("get session %s: %w", sessionID, core.ErrSessionNotFound)
	}
	return parseRecord(sessionID, data), nil
}

// Delete removes the session record, its history, and its active-set entry.
func (m *RedisManager) Delete(ctx context.Context, sessionID string) error {
	pipe := m.client.Pipeline()
	pipe.Del(ctx, m.recordKey(sessionID))
	pipe.Del(ctx, m.messagesKey(sessionID))
	pipe.SRem(ctx, m.activeKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// AddMessage appends one history entry with the sliding window maintained
// by LTRIM, bumps the message counter, and refreshes both TTLs.
func (m *RedisManager) AddMessage(ctx context.Context, sessionID string, msg Message) error {
	exists, err := m.client.Exists(ctx, m.recordKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("add message to %s: %w", sessionID, core.ErrSessionNotFound)
	}

	msg.ID = uuid.New().String()
	msg.SessionID = sessionID
	msg.Timestamp = time.Now()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	pipe := m.client.Pipeline()
	pipe.RPush(ctx, m.messagesKey(sessionID), data)
	pipe.LTrim(ctx, m.messagesKey(sessionID), -int64(m.cfg.MaxMessages), -1)
	pipe.HIncrBy(ctx, m.recordKey(sessionID), "message_count", 1)
	pipe.HSet(ctx, m.recordKey(sessionID), map[string]interface{}{
		"updated_at": msg.Timestamp.Unix(),
		"expires_at": msg.Timestamp.Add(m.cfg.TTL).Unix(),
	})
	pipe.Expire(ctx, m.messagesKey(sessionID), m.cfg.TTL)
	pipe.Expire(ctx, m.recordKey(sessionID), m.cfg.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add message: %w", err)
	}
	return nil
}

// History returns the last limit messages, oldest first.
func (m *RedisManager) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}

	raw, err := m.client.LRange(ctx, m.messagesKey(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}

	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue // skip corrupt entries
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// ActiveCount reports the size of the active-id set. The sweep keeps it
// honest against hashes that expired.
func (m *RedisManager) ActiveCount(ctx context.Context) (int64, error) {
	n, err := m.client.SCard(ctx, m.activeKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// Close stops the cleanup goroutine and closes the connection.
func (m *RedisManager) Close() error {
	close(m.stopChan)
	m.wg.Wait()
	return m.client.Close()
}

func (m *RedisManager) startCleanupRoutine() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				m.cleanupExpired(ctx)
				cancel()
			case <-m.stopChan:
				return
			}
		}
	}()
}

// cleanupExpired drops active-set members whose record hash no longer
// exists. Redis expires the hashes itself; the set is the only thing that
// needs sweeping.
func (m *RedisManager) cleanupExpired(ctx context.Context) {
	ids, err := m.client.SMembers(ctx, m.activeKey()).Result()
	if err != nil {
		m.logger.Warn("Session cleanup scan failed", map[string]interface{}{
			"operation": "session_cleanup",
			"error":     err.Error(),
		})
		return
	}

	removed := 0
	for _, id := range ids {
		exists, err := m.client.Exists(ctx, m.recordKey(id)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			m.client.SRem(ctx, m.activeKey(), id)
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

// Key helpers.
func (m *RedisManager) recordKey(sessionID string) string {
	return fmt.Sprintf("weft:session:%s", sessionID)
}

func (m *RedisManager) messagesKey(sessionID string) string {
	return fmt.Sprintf("weft:session:%s:msgs", sessionID)
}

func (m *RedisManager) activeKey() string {
	return "weft:sessions:active"
}

// parseRecord rebuilds a Record from its Redis hash.
func parseRecord(sessionID string, data map[string]string) *Record {
	rec := &Record{ID: sessionID}
	if v, ok := data["user_id"]; ok {
		rec.UserID = v
	}
	if v, ok := data["created_at"]; ok {
		rec.CreatedAt = parseUnixTime(v)
	}
	if v, ok := data["updated_at"]; ok {
		rec.UpdatedAt = parseUnixTime(v)
	}
	if v, ok := data["expires_at"]; ok {
		rec.ExpiresAt = parseUnixTime(v)
	}
	if v, ok := data["message_count"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			rec.MessageCount = n
		}
	}
	return rec
}

func parseUnixTime(s string) time.Time {
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}
