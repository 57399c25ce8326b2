package session

import (
	"testing"
)

func TestScratchpadSetGet(t *testing.T) {
	pad := NewScratchpad(nil)

	if _, ok := pad.Get("missing"); ok {
		t.Error("Get on empty pad reported a value")
	}

	pad.Set("flight_options", []string{"UA857", "MU586"})
	v, ok := pad.Get("flight_options")
	if !ok {
		t.Fatal("Get missed a stored key")
	}
	if list, ok := v.([]string); !ok || len(list) != 2 {
		t.Errorf("stored value = %#v", v)
	}

	pad.Set("flight_options", "overwritten")
	if v, _ := pad.Get("flight_options"); v != "overwritten" {
		t.Errorf("overwrite kept the old value: %#v", v)
	}
}

func TestScratchpadSeed(t *testing.T) {
	pad := NewScratchpad(nil)
	pad.Seed(map[string]interface{}{
		"user_question": "book a flight",
		"budget":        850,
	})
	pad.Seed(map[string]interface{}{
		"user_question": "actually, two flights",
	})

	if v, _ := pad.Get("user_question"); v != "actually, two flights" {
		t.Errorf("re-seeded key = %#v", v)
	}
	if v, _ := pad.Get("budget"); v != 850 {
		t.Errorf("budget = %#v", v)
	}
	if pad.Len() != 2 {
		t.Errorf("Len = %d, want 2", pad.Len())
	}
}

func TestScratchpadSnapshotIsIndependent(t *testing.T) {
	pad := NewScratchpad(nil)
	pad.Set("a", 1)
	pad.Set("b", 2)

	snap := pad.Snapshot()
	if len(snap) != 2 || snap["a"] != 1 {
		t.Fatalf("snapshot = %#v", snap)
	}

	snap["a"] = 99
	delete(snap, "b")
	if v, _ := pad.Get("a"); v != 1 {
		t.Errorf("mutating the snapshot reached the pad: a = %#v", v)
	}
	if pad.Len() != 2 {
		t.Errorf("Len after snapshot mutation = %d", pad.Len())
	}
}
