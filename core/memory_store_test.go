package core

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// Test Get operation
func TestMemoryStore_Get(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Getting a non-existent key returns empty without error
	value, err := store.Get(ctx, "non-existent")
	if err != nil {
		t.Errorf("Get() returned unexpected error: %v", err)
	}
	if value != "" {
		t.Errorf("Get() for non-existent key = %v, want empty string", value)
	}

	err = store.Set(ctx, "key1", "value1", 0)
	if err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	value, err = store.Get(ctx, "key1")
	if err != nil {
		t.Errorf("Get() returned unexpected error: %v", err)
	}
	if value != "value1" {
		t.Errorf("Get() = %v, want value1", value)
	}
}

// Test Set operation
func TestMemoryStore_Set(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tests := []struct {
		name  string
		key   string
		value string
		ttl   time.Duration
	}{
		{
			name:  "set simple value",
			key:   "key1",
			value: "value1",
			ttl:   0,
		},
		{
			name:  "set with TTL",
			key:   "key2",
			value: "value2",
			ttl:   time.Hour,
		},
		{
			name:  "overwrite existing",
			key:   "key1",
			value: "new_value",
			ttl:   0,
		},
		{
			name:  "empty value",
			key:   "empty_val",
			value: "",
			ttl:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Set(ctx, tt.key, tt.value, tt.ttl)
			if err != nil {
				t.Errorf("Set() error = %v", err)
			}

			gotValue, err := store.Get(ctx, tt.key)
			if err != nil {
				t.Errorf("Get() after Set() error = %v", err)
			}
			if gotValue != tt.value {
				t.Errorf("After Set(), Get() = %v, want %v", gotValue, tt.value)
			}
		})
	}
}

// Test Delete operation
func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Set(ctx, "key1", "value1", 0)
	_ = store.Set(ctx, "key2", "value2", 0)

	err := store.Delete(ctx, "key1")
	if err != nil {
		t.Errorf("Delete() error = %v", err)
	}

	value, _ := store.Get(ctx, "key1")
	if value != "" {
		t.Errorf("After Delete(), Get() = %v, want empty string", value)
	}

	value, _ = store.Get(ctx, "key2")
	if value != "value2" {
		t.Errorf("Get() = %v, want value2", value)
	}

	// Deleting a missing key is not an error
	if err := store.Delete(ctx, "non-existent"); err != nil {
		t.Errorf("Delete() non-existent key error = %v", err)
	}
}

// Test Exists operation including empty values
func TestMemoryStore_Exists(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	exists, err := store.Exists(ctx, "key1")
	if err != nil {
		t.Errorf("Exists() error = %v", err)
	}
	if exists {
		t.Error("Exists() = true for non-existent key, want false")
	}

	_ = store.Set(ctx, "key1", "value1", 0)
	exists, _ = store.Exists(ctx, "key1")
	if !exists {
		t.Error("Exists() = false for existing key, want true")
	}

	// Empty values still count as present
	_ = store.Set(ctx, "empty", "", 0)
	exists, _ = store.Exists(ctx, "empty")
	if !exists {
		t.Error("Exists() = false for key with empty value, want true")
	}

	_ = store.Delete(ctx, "key1")
	exists, _ = store.Exists(ctx, "key1")
	if exists {
		t.Error("Exists() = true for deleted key, want false")
	}
}

// Test TTL expiry
func TestMemoryStore_TTL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.Set(ctx, "key", "value", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	value, _ := store.Get(ctx, "key")
	if value != "value" {
		t.Errorf("Get() = %v, want value", value)
	}

	time.Sleep(80 * time.Millisecond)

	value, err = store.Get(ctx, "key")
	if err != nil {
		t.Errorf("Get() after expiry error = %v", err)
	}
	if value != "" {
		t.Errorf("Get() after expiry = %v, want empty string", value)
	}

	exists, _ := store.Exists(ctx, "key")
	if exists {
		t.Error("Exists() = true for expired key, want false")
	}
}

// Test concurrent access
func TestMemoryStore_Concurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func(idx int) {
			defer func() { done <- struct{}{} }()
			key := fmt.Sprintf("key%d", idx)
			for j := 0; j < 100; j++ {
				_ = store.Set(ctx, key, fmt.Sprintf("value%d", j), 0)
				_, _ = store.Get(ctx, key)
				_, _ = store.Exists(ctx, key)
			}
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	for i := 0; i < 10; i++ {
		value, _ := store.Get(ctx, fmt.Sprintf("key%d", i))
		if value != "value99" {
			t.Errorf("key%d = %v, want value99", i, value)
		}
	}
}

// Benchmark operations
func BenchmarkMemoryStore_Set(b *testing.B) {
	store := NewMemoryStore()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key%d", i)
		_ = store.Set(ctx, key, "value", 0)
	}
}

func BenchmarkMemoryStore_Get(b *testing.B) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Set(ctx, "key", "value", 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Get(ctx, "key")
	}
}
