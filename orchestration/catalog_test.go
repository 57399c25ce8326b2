package orchestration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/weftworks/weft/core"
)

func noopCapability() Capability {
	return NewCapability(nil, func(ctx context.Context, inputs map[string]interface{}) (Result, error) {
		return Result{}, nil
	})
}

func TestCatalog_Register(t *testing.T) {
	catalog := NewCatalog(nil)
	desc := NodeDescriptor{
		Name:        "flight_search",
		Description: "Search flights",
		Category:    CategorySearch,
		Capability:  noopCapability(),
	}
	if err := catalog.Register(desc); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, err := catalog.Get("flight_search")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.PermissionTier != TierNone {
		t.Errorf("empty tier should default to none, got %s", got.PermissionTier)
	}
	if !catalog.Has("flight_search") || catalog.Len() != 1 {
		t.Error("catalog should report the registered node")
	}
}

func TestCatalog_RegisterRejections(t *testing.T) {
	tests := []struct {
		name string
		desc NodeDescriptor
	}{
		{"uppercase name", NodeDescriptor{Name: "FlightSearch", Category: CategorySearch, Capability: noopCapability()}},
		{"leading digit", NodeDescriptor{Name: "1search", Category: CategorySearch, Capability: noopCapability()}},
		{"hyphenated name", NodeDescriptor{Name: "flight-search", Category: CategorySearch, Capability: noopCapability()}},
		{"unknown category", NodeDescriptor{Name: "search", Category: "sorcery", Capability: noopCapability()}},
		{"unknown tier", NodeDescriptor{Name: "search", Category: CategorySearch, PermissionTier: "extreme", Capability: noopCapability()}},
		{"nil capability", NodeDescriptor{Name: "search", Category: CategorySearch}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			catalog := NewCatalog(nil)
			err := catalog.Register(tt.desc)
			if err == nil {
				t.Fatal("Register accepted an invalid descriptor")
			}
			if KindOf(err) != KindInvalidDescriptor {
				t.Errorf("kind = %s, want %s", KindOf(err), KindInvalidDescriptor)
			}
		})
	}
}

func TestCatalog_RegisterDuplicate(t *testing.T) {
	catalog := NewCatalog(nil)
	desc := NodeDescriptor{Name: "search", Category: CategorySearch, Capability: noopCapability()}
	if err := catalog.Register(desc); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}

	err := catalog.Register(desc)
	if err == nil {
		t.Fatal("duplicate Register should fail")
	}
	if !errors.Is(err, core.ErrDuplicateNode) {
		t.Errorf("error %v should wrap ErrDuplicateNode", err)
	}
}

func TestCatalog_Listing(t *testing.T) {
	catalog := newTestCatalog(t)

	all := catalog.ListAll()
	if len(all) != catalog.Len() {
		t.Fatalf("ListAll returned %d nodes, catalog has %d", len(all), catalog.Len())
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Name >= all[i].Name {
			t.Fatalf("ListAll not name-ordered: %s before %s", all[i-1].Name, all[i].Name)
		}
	}

	searches := catalog.ListByCategory(CategorySearch)
	if len(searches) != 3 {
		t.Errorf("search category has %d nodes, want 3", len(searches))
	}
	for _, desc := range searches {
		if desc.Category != CategorySearch {
			t.Errorf("node %s has category %s", desc.Name, desc.Category)
		}
	}

	if _, err := catalog.Get("ghost"); !errors.Is(err, core.ErrNodeNotFound) {
		t.Errorf("Get(ghost) = %v, want ErrNodeNotFound", err)
	}
}

func TestCatalog_SummarizeForPlanner(t *testing.T) {
	catalog := newTestCatalog(t)
	summary := catalog.SummarizeForPlanner()

	for _, want := range []string{
		"- flight_search: Search for flight options",
		"inputs: from, to, date",
		"outputs: flight_options",
		"permission: sensitive",
		"permission: critical",
		"interactive: asks the user",
	} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q", want)
		}
	}
}

func TestCatalog_LoadCatalog(t *testing.T) {
	doc := `{
  "nodes": {
    "flight_search": {
      "description": "Search flights",
      "category": "search",
      "outputs": ["flight_options"]
    },
    "flight_booking": {
      "description": "Book a flight",
      "category": "booking",
      "permissionTier": "sensitive",
      "invoke": "flight_booking"
    }
  }
}`

	catalog := NewCatalog(nil)
	binder := NewBuiltins(nil, nil).Binder()
	if err := catalog.LoadCatalog(strings.NewReader(doc), binder); err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}
	if catalog.Len() != 2 {
		t.Errorf("loaded %d nodes, want 2", catalog.Len())
	}

	desc, err := catalog.Get("flight_booking")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if desc.PermissionTier != TierSensitive || desc.Capability == nil {
		t.Errorf("descriptor not fully loaded: %+v", desc)
	}
}

func TestCatalog_LoadCatalogRejections(t *testing.T) {
	binder := NewBuiltins(nil, nil).Binder()

	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `nodes: yaml?`},
		{"no nodes", `{"nodes": {}}`},
		{"key name mismatch", `{"nodes": {"a": {"name": "b", "category": "search"}}}`},
		{"unknown invoke target", `{"nodes": {"teleport": {"category": "utility"}}}`},
		{"invalid descriptor", `{"nodes": {"flight_search": {"category": "sorcery"}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			catalog := NewCatalog(nil)
			err := catalog.LoadCatalog(strings.NewReader(tt.doc), binder)
			if err == nil {
				t.Fatal("LoadCatalog accepted an invalid document")
			}
			if KindOf(err) != KindInvalidDescriptor {
				t.Errorf("kind = %s, want %s", KindOf(err), KindInvalidDescriptor)
			}
		})
	}
}

func TestCatalog_LoadCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	doc := `{"nodes": {"web_search": {"description": "Search the web", "category": "search"}}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}

	catalog := NewCatalog(nil)
	if err := catalog.LoadCatalogFile(path, NewBuiltins(nil, nil).Binder()); err != nil {
		t.Fatalf("LoadCatalogFile failed: %v", err)
	}
	if !catalog.Has("web_search") {
		t.Error("web_search not registered from file")
	}

	if err := catalog.LoadCatalogFile(filepath.Join(t.TempDir(), "missing.json"), nil); err == nil {
		t.Error("missing file should fail")
	}
}
