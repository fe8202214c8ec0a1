package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keelframework/keel/pkg/registry"
)

// emptyModule is a hand-assembled WASM module exporting a no-op _start:
// header, type (func()->()), function, export "_start", and a body that
// immediately returns.
var emptyModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // \0asm version 1
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type section
	0x03, 0x02, 0x01, 0x00, // function section
	0x07, 0x0a, 0x01, 0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00, // export "_start"
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b, // code section
}

func newRunner(t *testing.T) *Runner {
	t.Helper()
	r, err := NewRunner(context.Background(), DefaultLimits())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func TestToolRunsAndRegisters(t *testing.T) {
	r := newRunner(t)
	tool, err := r.Tool(context.Background(), "noop", emptyModule,
		WithInputSchema(map[string]any{"type": "object"}),
		WithSideEffects(),
	)
	require.NoError(t, err)
	require.Equal(t, "noop", tool.Name())
	require.True(t, tool.SideEffects())

	tools := registry.NewToolRegistry()
	require.NoError(t, tools.Register(tool))
	require.NoError(t, tools.ValidateInput("noop", map[string]any{"x": 1}))

	out, err := tool.Call(context.Background(), map[string]any{"x": 1}, "idem-1")
	require.NoError(t, err)
	require.Nil(t, out) // no stdout from the no-op module
}

func TestToolRejectsInvalidModule(t *testing.T) {
	r := newRunner(t)
	_, err := r.Tool(context.Background(), "bad", []byte("not wasm"))
	require.ErrorContains(t, err, "compile module")
}

func TestDecodeOutput(t *testing.T) {
	require.Nil(t, decodeOutput(nil))
	require.Nil(t, decodeOutput([]byte("  \n")))
	require.Equal(t, map[string]any{"ok": true}, decodeOutput([]byte(`{"ok":true}`)))
	require.Equal(t, float64(42), decodeOutput([]byte("42")))
	require.Equal(t, "plain text", decodeOutput([]byte("plain text\n")))
}

func TestLimitErrorFormat(t *testing.T) {
	err := &LimitError{Code: ErrOutputExhausted, Message: "too big"}
	require.Equal(t, "SANDBOX_OUTPUT_EXHAUSTED: too big", err.Error())
}

func TestDefaultLimits(t *testing.T) {
	limits := DefaultLimits()
	require.Equal(t, int64(64<<20), limits.MemoryBytes)
	require.Equal(t, 10*time.Second, limits.CPUTime)
	require.Equal(t, 1<<20, limits.OutputBytes)
}

func TestIsMemoryError(t *testing.T) {
	require.False(t, isMemoryError(nil))
	require.False(t, isMemoryError(errors.New("trap: unreachable")))
	require.True(t, isMemoryError(errors.New("memory limit exceeded")))
	require.True(t, isMemoryError(errors.New("cannot grow memory past limit")))
}
