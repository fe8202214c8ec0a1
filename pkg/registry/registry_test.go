package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func stringSchema(fields ...string) map[string]any {
	props := map[string]any{}
	for _, f := range fields {
		props[f] = map[string]any{"type": "string"}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   fields,
	}
}

func TestCapabilityRegisterResolve(t *testing.T) {
	r := NewCapabilityRegistry()
	require.NoError(t, r.Register(Capability{
		Name:        "fetch",
		InputSchema: stringSchema("url"),
		SideEffects: false,
	}))

	c, ok := r.Resolve("fetch")
	require.True(t, ok)
	require.NotEmpty(t, c.Signature)
	require.True(t, r.Has("fetch"))
	require.False(t, r.Has("nope"))

	schema, ok := r.InputSchema("fetch")
	require.True(t, ok)
	require.Equal(t, "object", schema["type"])
}

func TestCapabilityDuplicateRejected(t *testing.T) {
	r := NewCapabilityRegistry()
	require.NoError(t, r.Register(Capability{Name: "fetch"}))
	require.Error(t, r.Register(Capability{Name: "fetch"}))
}

func TestCapabilityVersionChangesWithMap(t *testing.T) {
	r := NewCapabilityRegistry()
	require.NoError(t, r.Register(Capability{Name: "a"}))
	v1 := r.Version()
	require.NotEmpty(t, v1)

	require.NoError(t, r.Register(Capability{Name: "b"}))
	v2 := r.Version()
	require.NotEqual(t, v1, v2)

	// A fresh registry with the same contents lands on the same version.
	other := NewCapabilityRegistry()
	require.NoError(t, other.Register(Capability{Name: "b"}))
	require.NoError(t, other.Register(Capability{Name: "a"}))
	require.Equal(t, v2, other.Version())
}

func TestCapabilityValidateInput(t *testing.T) {
	r := NewCapabilityRegistry()
	require.NoError(t, r.Register(Capability{
		Name:        "fetch",
		InputSchema: stringSchema("url"),
	}))

	require.NoError(t, r.ValidateInput("fetch", map[string]any{"url": "https://example.com"}))
	require.Error(t, r.ValidateInput("fetch", map[string]any{"url": 42}))
	require.Error(t, r.ValidateInput("fetch", map[string]any{}))
	require.Error(t, r.ValidateInput("unknown", nil))
}

func TestCapabilityListSorted(t *testing.T) {
	r := NewCapabilityRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(Capability{Name: name}))
	}
	list := r.List()
	require.Equal(t, []string{"alpha", "mid", "zeta"}, []string{list[0].Name, list[1].Name, list[2].Name})
}

func TestToolRegistry(t *testing.T) {
	r := NewToolRegistry()
	tool := &FuncTool{
		ToolName: "echo",
		Input:    stringSchema("text"),
		Fn: func(_ context.Context, input map[string]any, _ string) (any, error) {
			return input["text"], nil
		},
	}
	require.NoError(t, r.Register(tool))
	require.Error(t, r.Register(tool))

	got, ok := r.Get("echo")
	require.True(t, ok)
	out, err := got.Call(context.Background(), map[string]any{"text": "hi"}, "")
	require.NoError(t, err)
	require.Equal(t, "hi", out)

	require.NoError(t, r.ValidateInput("echo", map[string]any{"text": "hi"}))
	require.Error(t, r.ValidateInput("echo", map[string]any{"text": 1}))
	require.Equal(t, []string{"echo"}, r.List())
}
