package orchestration

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/weftworks/weft/core"
)

// Category groups nodes for tagging and planner hints.
type Category string

const (
	CategorySearch         Category = "search"
	CategoryAnalysis       Category = "analysis"
	CategoryCommunication  Category = "communication"
	CategoryBooking        Category = "booking"
	CategoryPayment        Category = "payment"
	CategoryTransformation Category = "transformation"
	CategoryCreation       Category = "creation"
	CategoryUtility        Category = "utility"
)

var validCategories = map[Category]bool{
	CategorySearch: true, CategoryAnalysis: true, CategoryCommunication: true,
	CategoryBooking: true, CategoryPayment: true, CategoryTransformation: true,
	CategoryCreation: true, CategoryUtility: true,
}

// PermissionTier orders the permission UX for a node. Anything above
// TierNone makes the Executor gate the step on an approved permission
// request.
type PermissionTier string

const (
	TierNone      PermissionTier = "none"
	TierBasic     PermissionTier = "basic"
	TierSensitive PermissionTier = "sensitive"
	TierCritical  PermissionTier = "critical"
)

var validTiers = map[PermissionTier]bool{
	TierNone: true, TierBasic: true, TierSensitive: true, TierCritical: true,
}

// NodeDescriptor describes one invocable node: its identity, contract, and
// the capability adapter bound to it at load time.
type NodeDescriptor struct {
	Name                 string                   `json:"name"`
	Description          string                   `json:"description"`
	Category             Category                 `json:"category"`
	PermissionTier       PermissionTier           `json:"permissionTier"`
	Inputs               []string                 `json:"inputs,omitempty"`
	Outputs              []string                 `json:"outputs,omitempty"`
	Examples             []core.CapabilityExample `json:"examples,omitempty"`
	EstimatedCost        float64                  `json:"estimatedCost,omitempty"`
	EstimatedTimeSeconds float64                  `json:"estimatedTimeSeconds,omitempty"`

	// Interactive marks nodes that suspend execution on a user question
	// instead of running a capability directly.
	Interactive bool `json:"interactive,omitempty"`

	// Invoke names the registered capability this node binds to. Empty
	// means the node's own name.
	Invoke string `json:"invoke,omitempty"`

	// Capability is the bound adapter. Set by Register or by the catalog
	// loader through its binder.
	Capability Capability `json:"-"`
}

var nodeNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Catalog is the node registry. It is populated once at startup and
// read-only afterwards, so reads take no lock.
type Catalog struct {
	nodes  map[string]NodeDescriptor
	sorted []string

	logger core.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger core.Logger) *Catalog {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Catalog{
		nodes:  make(map[string]NodeDescriptor),
		logger: logger,
	}
}

// Register adds a node descriptor. Duplicate names, malformed names,
// unknown categories or tiers, and missing capabilities are all
// InvalidDescriptor failures; the caller treats those as startup-fatal.
func (c *Catalog) Register(desc NodeDescriptor) error {
	if !nodeNamePattern.MatchString(desc.Name) {
		return NewError("catalog.Register", KindInvalidDescriptor,
			fmt.Errorf("node name %q must match %s", desc.Name, nodeNamePattern))
	}
	if !validCategories[desc.Category] {
		return NewError("catalog.Register", KindInvalidDescriptor,
			fmt.Errorf("node %q has unknown category %q", desc.Name, desc.Category))
	}
	if desc.PermissionTier == "" {
		desc.PermissionTier = TierNone
	}
	if !validTiers[desc.PermissionTier] {
		return NewError("catalog.Register", KindInvalidDescriptor,
			fmt.Errorf("node %q has unknown permission tier %q", desc.Name, desc.PermissionTier))
	}
	if desc.Capability == nil {
		return NewError("catalog.Register", KindInvalidDescriptor,
			fmt.Errorf("node %q has no capability bound", desc.Name))
	}
	if _, exists := c.nodes[desc.Name]; exists {
		return NewError("catalog.Register", KindInvalidDescriptor,
			fmt.Errorf("node %q: %w", desc.Name, core.ErrDuplicateNode))
	}

	c.nodes[desc.Name] = desc
	c.sorted = append(c.sorted, desc.Name)
	sort.Strings(c.sorted)

	c.logger.Debug("Node registered", map[string]interface{}{
		"operation": "catalog_register",
		"node":      desc.Name,
		"category":  string(desc.Category),
		"tier":      string(desc.PermissionTier),
	})
	return nil
}

// Get returns the descriptor for a node name.
func (c *Catalog) Get(name string) (NodeDescriptor, error) {
	desc, ok := c.nodes[name]
	if !ok {
		return NodeDescriptor{}, fmt.Errorf("node %q: %w", name, core.ErrNodeNotFound)
	}
	return desc, nil
}

// Has reports whether a node is registered.
func (c *Catalog) Has(name string) bool {
	_, ok := c.nodes[name]
	return ok
}

// Len returns the number of registered nodes.
func (c *Catalog) Len() int {
	return len(c.nodes)
}

// ListAll returns every descriptor in ascending name order.
func (c *Catalog) ListAll() []NodeDescriptor {
	out := make([]NodeDescriptor, 0, len(c.sorted))
	for _, name := range c.sorted {
		out = append(out, c.nodes[name])
	}
	return out
}

// ListByCategory returns descriptors in the given category, name-ordered.
func (c *Catalog) ListByCategory(cat Category) []NodeDescriptor {
	var out []NodeDescriptor
	for _, name := range c.sorted {
		if desc := c.nodes[name]; desc.Category == cat {
			out = append(out, desc)
		}
	}
	return out
}

// SummarizeForPlanner renders the catalog as a compact listing the Designer
// embeds in its prompt: one block per node with the contract fields the
// planner needs and nothing else.
func (c *Catalog) SummarizeForPlanner() string {
	var b strings.Builder
	for _, name := range c.sorted {
		desc := c.nodes[name]
		fmt.Fprintf(&b, "- %s: %s\n", desc.Name, desc.Description)
		if len(desc.Inputs) > 0 {
			fmt.Fprintf(&b, "  inputs: %s\n", strings.Join(desc.Inputs, ", "))
		}
		if len(desc.Outputs) > 0 {
			fmt.Fprintf(&b, "  outputs: %s\n", strings.Join(desc.Outputs, ", "))
		}
		if desc.PermissionTier != TierNone {
			fmt.Fprintf(&b, "  permission: %s\n", desc.PermissionTier)
		}
		if desc.Interactive {
			b.WriteString("  interactive: asks the user and waits for their reply\n")
		}
	}
	return b.String()
}

// CapabilityBinder resolves an invoke target name to a capability adapter.
// The catalog loader fails hard when a binder cannot resolve a target.
type CapabilityBinder func(invoke string) (Capability, bool)

// catalogDocument is the on-disk registry format: one JSON object with a
// top-level "nodes" mapping of name to descriptor.
type catalogDocument struct {
	Nodes map[string]NodeDescriptor `json:"nodes"`
}

// LoadCatalogFile reads a registry document from disk and registers every
// node in it. Any invalid descriptor aborts the load.
func (c *Catalog) LoadCatalogFile(path string, binder CapabilityBinder) error {
	f, err := os.Open(path)
	if err != nil {
		return NewError("catalog.LoadFile", KindInvalidDescriptor,
			fmt.Errorf("open registry %s: %w", path, err))
	}
	defer f.Close()
	return c.LoadCatalog(f, binder)
}

// LoadCatalog parses a registry document and registers every node, binding
// each descriptor's invoke target through the binder. Nodes register in
// name order so failures are deterministic.
func (c *Catalog) LoadCatalog(r io.Reader, binder CapabilityBinder) error {
	var doc catalogDocument
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return NewError("catalog.Load", KindInvalidDescriptor,
			fmt.Errorf("parse registry document: %w", err))
	}
	if len(doc.Nodes) == 0 {
		return NewError("catalog.Load", KindInvalidDescriptor,
			fmt.Errorf("registry document has no nodes"))
	}

	names := make([]string, 0, len(doc.Nodes))
	for name := range doc.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		desc := doc.Nodes[name]
		if desc.Name == "" {
			desc.Name = name
		}
		if desc.Name != name {
			return NewError("catalog.Load", KindInvalidDescriptor,
				fmt.Errorf("registry key %q names descriptor %q", name, desc.Name))
		}

		invoke := desc.Invoke
		if invoke == "" {
			invoke = desc.Name
		}
		capability, ok := binder(invoke)
		if !ok {
			return NewError("catalog.Load", KindInvalidDescriptor,
				fmt.Errorf("node %q: no capability registered for invoke target %q", name, invoke))
		}
		desc.Capability = capability

		if err := c.Register(desc); err != nil {
			return err
		}
	}

	c.logger.Info("Node catalog loaded", map[string]interface{}{
		"operation": "catalog_load",
		"nodes":     len(doc.Nodes),
	})
	return nil
}
