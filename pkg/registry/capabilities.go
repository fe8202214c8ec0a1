// Package registry holds the two typed catalogs the kernel executes against:
// capabilities (planner-visible units of work) and tools (callable objects).
// The capability map is versioned; planners may only emit tasks referencing
// entries in the version they were shown.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/keelframework/keel/pkg/canonicalize"
	"github.com/keelframework/keel/pkg/contracts"
)

// RunContext is the task-facing view of a running execution. The runtime
// provides the concrete implementation; handlers and tools see only this.
type RunContext interface {
	Goal() contracts.Goal
	ContextPacket() contracts.ContextPacket
	// Output returns the recorded output of an already-executed task.
	Output(taskID string) (any, bool)
	// Outputs returns a copy of all task outputs recorded so far.
	Outputs() map[string]any
	// GetTool resolves a tool wrapped with ledger envelope emission.
	GetTool(name string) (Tool, error)
	// InternalValue reads from the task's internal context scope.
	InternalValue(key string) (any, bool)
	// Emit publishes an event to the run's stream sink.
	Emit(channel string, event any)
}

// Handler is a capability implementation body.
type Handler func(ctx context.Context, input map[string]any, rc RunContext) (map[string]any, error)

// Capability is a named, schema-bound unit of work a planner may target.
type Capability struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	SideEffects  bool           `json:"side_effects"`
	Signature    string         `json:"signature"`

	// Handler is the runtime implementation; it never serializes.
	Handler Handler `json:"-"`
}

// CapabilityRegistry is the versioned capability map. The version digest is
// recomputed on every registration.
type CapabilityRegistry struct {
	mu      sync.RWMutex
	caps    map[string]Capability
	version string
	schemas *schemaCache
}

// NewCapabilityRegistry creates an empty capability map.
func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{
		caps:    make(map[string]Capability),
		schemas: newSchemaCache(),
	}
}

// Register adds a capability. Names are unique per process.
func (r *CapabilityRegistry) Register(cap Capability) error {
	if cap.Name == "" {
		return fmt.Errorf("registry: capability with empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[cap.Name]; exists {
		return fmt.Errorf("registry: capability %q already registered", cap.Name)
	}
	sig, err := canonicalize.Digest(map[string]any{
		"name":          cap.Name,
		"input_schema":  cap.InputSchema,
		"output_schema": cap.OutputSchema,
		"side_effects":  cap.SideEffects,
	})
	if err != nil {
		return fmt.Errorf("registry: signature for %q: %w", cap.Name, err)
	}
	cap.Signature = sig
	r.caps[cap.Name] = cap
	return r.recomputeVersionLocked()
}

func (r *CapabilityRegistry) recomputeVersionLocked() error {
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := make([]map[string]string, 0, len(names))
	for _, name := range names {
		entries = append(entries, map[string]string{
			"name":      name,
			"signature": r.caps[name].Signature,
		})
	}
	version, err := canonicalize.Digest(entries)
	if err != nil {
		return fmt.Errorf("registry: version digest: %w", err)
	}
	r.version = version
	return nil
}

// Resolve returns the capability for name.
func (r *CapabilityRegistry) Resolve(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Has reports whether name is registered.
func (r *CapabilityRegistry) Has(name string) bool {
	_, ok := r.Resolve(name)
	return ok
}

// List returns all capabilities sorted by name.
func (r *CapabilityRegistry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// InputSchema returns the input schema for name.
func (r *CapabilityRegistry) InputSchema(name string) (map[string]any, bool) {
	c, ok := r.Resolve(name)
	if !ok {
		return nil, false
	}
	return c.InputSchema, true
}

// OutputSchema returns the output schema for name.
func (r *CapabilityRegistry) OutputSchema(name string) (map[string]any, bool) {
	c, ok := r.Resolve(name)
	if !ok {
		return nil, false
	}
	return c.OutputSchema, true
}

// Version returns the current capability map version digest.
func (r *CapabilityRegistry) Version() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// ValidateInput checks a task input document against the capability's input
// schema. Capabilities without an input schema accept anything.
func (r *CapabilityRegistry) ValidateInput(name string, input map[string]any) error {
	c, ok := r.Resolve(name)
	if !ok {
		return fmt.Errorf("registry: unknown capability %q", name)
	}
	if c.InputSchema == nil {
		return nil
	}
	return r.schemas.validate(name+"/input", c.InputSchema, input)
}

// ValidateOutput checks a task output against the capability's output schema.
func (r *CapabilityRegistry) ValidateOutput(name string, output map[string]any) error {
	c, ok := r.Resolve(name)
	if !ok {
		return fmt.Errorf("registry: unknown capability %q", name)
	}
	if c.OutputSchema == nil {
		return nil
	}
	return r.schemas.validate(name+"/output", c.OutputSchema, output)
}
