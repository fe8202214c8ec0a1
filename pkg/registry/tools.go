package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool is a callable object with optional I/O schemas. Side-effectful tools
// should honor idemKey so the envelope layer can deduplicate on resume.
type Tool interface {
	Name() string
	InputSchema() map[string]any
	OutputSchema() map[string]any
	SideEffects() bool
	Call(ctx context.Context, input map[string]any, idemKey string) (any, error)
}

// StreamingTool is the optional streaming variant. Events are pushed to sink
// as they occur; the final result is still returned from CallStream.
type StreamingTool interface {
	Tool
	CallStream(ctx context.Context, input map[string]any, idemKey string, sink func(event any)) (any, error)
}

// FuncTool adapts a plain function into a Tool.
type FuncTool struct {
	ToolName  string
	Input     map[string]any
	Output    map[string]any
	Effectful bool
	Fn        func(ctx context.Context, input map[string]any, idemKey string) (any, error)
}

func (t *FuncTool) Name() string                 { return t.ToolName }
func (t *FuncTool) InputSchema() map[string]any  { return t.Input }
func (t *FuncTool) OutputSchema() map[string]any { return t.Output }
func (t *FuncTool) SideEffects() bool            { return t.Effectful }

func (t *FuncTool) Call(ctx context.Context, input map[string]any, idemKey string) (any, error) {
	if t.Fn == nil {
		return nil, fmt.Errorf("registry: tool %q has no implementation", t.ToolName)
	}
	return t.Fn(ctx, input, idemKey)
}

// ToolRegistry maps unique tool names to callable tools.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas *schemaCache
}

// NewToolRegistry creates an empty tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: newSchemaCache(),
	}
}

// Register adds a tool. Names are unique per process.
func (r *ToolRegistry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("registry: tool with empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("registry: tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the tool for name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether name is registered.
func (r *ToolRegistry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns registered tool names, sorted.
func (r *ToolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateInput checks a call input against the tool's input schema, if any.
func (r *ToolRegistry) ValidateInput(name string, input map[string]any) error {
	t, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("registry: unknown tool %q", name)
	}
	schema := t.InputSchema()
	if schema == nil {
		return nil
	}
	return r.schemas.validate("tool/"+name+"/input", schema, input)
}
