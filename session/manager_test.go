package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/weftworks/weft/core"
)

func newMemoryManager(t *testing.T, cfg ManagerConfig) *MemoryManager {
	t.Helper()
	m := NewMemoryManager(cfg, nil)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMemoryManagerLifecycle(t *testing.T) {
	m := newMemoryManager(t, ManagerConfig{})
	ctx := context.Background()

	rec, err := m.Create(ctx, "u-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.ID == "" || rec.UserID != "u-1" || rec.MessageCount != 0 {
		t.Errorf("created record = %+v", rec)
	}

	got, err := m.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("Get returned %q, want %q", got.ID, rec.ID)
	}

	if _, err := m.Get(ctx, "nope"); !errors.Is(err, core.ErrSessionNotFound) {
		t.Errorf("Get missing = %v, want core.ErrSessionNotFound", err)
	}

	n, err := m.ActiveCount(ctx)
	if err != nil || n != 1 {
		t.Errorf("ActiveCount = %d, %v", n, err)
	}

	if err := m.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := m.Get(ctx, rec.ID); !errors.Is(err, core.ErrSessionNotFound) {
		t.Errorf("Get after Delete = %v", err)
	}
	if _, err := m.History(ctx, rec.ID, 0); !errors.Is(err, core.ErrSessionNotFound) {
		t.Errorf("History after Delete = %v", err)
	}
}

func TestMemoryManagerHistoryWindow(t *testing.T) {
	m := newMemoryManager(t, ManagerConfig{MaxMessages: 3})
	ctx := context.Background()

	rec, err := m.Create(ctx, "u-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for i := 1; i <= 5; i++ {
		msg := Message{Role: "user", Content: fmt.Sprintf("message %d", i)}
		if err := m.AddMessage(ctx, rec.ID, msg); err != nil {
			t.Fatalf("AddMessage %d failed: %v", i, err)
		}
	}

	history, err := m.History(ctx, rec.ID, 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("window holds %d messages, want 3", len(history))
	}
	if history[0].Content != "message 3" || history[2].Content != "message 5" {
		t.Errorf("window contents = %q .. %q", history[0].Content, history[2].Content)
	}
	for _, msg := range history {
		if msg.ID == "" || msg.SessionID != rec.ID || msg.Timestamp.IsZero() {
			t.Errorf("message not stamped: %+v", msg)
		}
	}

	// The counter tracks everything ever said, not just the window.
	got, err := m.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.MessageCount != 5 {
		t.Errorf("MessageCount = %d, want 5", got.MessageCount)
	}

	limited, err := m.History(ctx, rec.ID, 2)
	if err != nil {
		t.Fatalf("History with limit failed: %v", err)
	}
	if len(limited) != 2 || limited[0].Content != "message 4" {
		t.Errorf("limited history = %+v", limited)
	}

	if err := m.AddMessage(ctx, "nope", Message{Role: "user", Content: "x"}); !errors.Is(err, core.ErrSessionNotFound) {
		t.Errorf("AddMessage to missing session = %v", err)
	}
}

func TestMemoryManagerExpiry(t *testing.T) {
	m := newMemoryManager(t, ManagerConfig{
		TTL:             30 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	rec, err := m.Create(ctx, "u-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, err := m.Get(ctx, rec.ID)
		return errors.Is(err, core.ErrSessionNotFound)
	})
	waitFor(t, 2*time.Second, func() bool {
		n, err := m.ActiveCount(ctx)
		return err == nil && n == 0
	})
}

func TestMemoryManagerActivityExtendsTTL(t *testing.T) {
	m := newMemoryManager(t, ManagerConfig{
		TTL:             80 * time.Millisecond,
		CleanupInterval: time.Hour, // keep the sweeper out of this one
	})
	ctx := context.Background()

	rec, err := m.Create(ctx, "u-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Keep talking past the original deadline; each message renews the TTL.
	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		if err := m.AddMessage(ctx, rec.ID, Message{Role: "user", Content: "still here"}); err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
	}
	if _, err := m.Get(ctx, rec.ID); err != nil {
		t.Errorf("session expired despite activity: %v", err)
	}
}
