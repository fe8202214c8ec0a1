// Package sandbox runs WebAssembly tool implementations under strict
// confinement using wazero. Modules get no filesystem, no network, and no
// environment; input arrives as JSON on stdin and output leaves as JSON on
// stdout. Memory, CPU time, and output size are bounded.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/keelframework/keel/pkg/registry"
)

// Limits bounds one module execution.
type Limits struct {
	MemoryBytes int64
	CPUTime     time.Duration
	OutputBytes int
}

// DefaultLimits returns conservative execution bounds.
func DefaultLimits() Limits {
	return Limits{
		MemoryBytes: 64 << 20,
		CPUTime:     10 * time.Second,
		OutputBytes: 1 << 20,
	}
}

// Deterministic error codes for limit violations.
const (
	ErrTimeExhausted   = "SANDBOX_TIME_EXHAUSTED"
	ErrMemoryExhausted = "SANDBOX_MEMORY_EXHAUSTED"
	ErrOutputExhausted = "SANDBOX_OUTPUT_EXHAUSTED"
)

// LimitError is a typed error for sandbox limit violations.
type LimitError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Runner owns one wazero runtime and compiles modules into callable tools.
type Runner struct {
	runtime wazero.Runtime
	limits  Limits
}

// NewRunner creates a confined WebAssembly runtime. The memory limit applies
// to every module the runner compiles.
func NewRunner(ctx context.Context, limits Limits) (*Runner, error) {
	cfg := wazero.NewRuntimeConfig()
	if limits.MemoryBytes > 0 {
		// wazero counts memory in 64KB pages.
		pages := uint32(limits.MemoryBytes / 65536)
		if pages == 0 {
			pages = 1
		}
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("sandbox: instantiate WASI: %w", err)
	}
	return &Runner{runtime: r, limits: limits}, nil
}

// Tool compiles a WASM binary into a tool callable through the tool
// registry. The module is compiled once; each call instantiates it fresh.
func (r *Runner) Tool(ctx context.Context, name string, wasm []byte, opts ...ToolOption) (*Tool, error) {
	compiled, err := r.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile module %q: %w", name, err)
	}
	t := &Tool{runner: r, name: name, compiled: compiled}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Close releases the runtime and every compiled module.
func (r *Runner) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// ToolOption configures a sandboxed tool.
type ToolOption func(*Tool)

// WithInputSchema attaches a JSON schema validated by the tool registry.
func WithInputSchema(schema map[string]any) ToolOption {
	return func(t *Tool) { t.inputSchema = schema }
}

// WithOutputSchema attaches an output schema.
func WithOutputSchema(schema map[string]any) ToolOption {
	return func(t *Tool) { t.outputSchema = schema }
}

// WithSideEffects marks the tool as side-effectful so the envelope layer
// applies idempotency keys.
func WithSideEffects() ToolOption {
	return func(t *Tool) { t.sideEffects = true }
}

// Tool is a compiled WASM module exposed through the registry.Tool contract.
type Tool struct {
	runner       *Runner
	name         string
	compiled     wazero.CompiledModule
	inputSchema  map[string]any
	outputSchema map[string]any
	sideEffects  bool
}

var _ registry.Tool = (*Tool)(nil)

func (t *Tool) Name() string                 { return t.name }
func (t *Tool) InputSchema() map[string]any  { return t.inputSchema }
func (t *Tool) OutputSchema() map[string]any { return t.outputSchema }
func (t *Tool) SideEffects() bool            { return t.sideEffects }

// Call runs the module once: input as JSON on stdin, result parsed from
// stdout. The idemKey is exposed to the module via argv so deduplicating
// implementations can see it.
func (t *Tool) Call(ctx context.Context, input map[string]any, idemKey string) (any, error) {
	stdin, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("sandbox: encode input for %q: %w", t.name, err)
	}

	if t.runner.limits.CPUTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.runner.limits.CPUTime)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName(""). // anonymous: concurrent calls must not collide
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithArgs(t.name, idemKey)

	mod, err := t.runner.runtime.InstantiateModule(ctx, t.compiled, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &LimitError{
				Code:    ErrTimeExhausted,
				Message: fmt.Sprintf("tool %q exceeded the %s time limit", t.name, t.runner.limits.CPUTime),
			}
		}
		if isMemoryError(err) {
			return nil, &LimitError{
				Code:    ErrMemoryExhausted,
				Message: fmt.Sprintf("tool %q exceeded the %d byte memory limit", t.name, t.runner.limits.MemoryBytes),
			}
		}
		return nil, fmt.Errorf("sandbox: tool %q failed: %w", t.name, err)
	}
	_ = mod.Close(ctx)

	if max := t.runner.limits.OutputBytes; max > 0 && stdout.Len()+stderr.Len() > max {
		return nil, &LimitError{
			Code:    ErrOutputExhausted,
			Message: fmt.Sprintf("tool %q output %d bytes exceeds the %d byte limit", t.name, stdout.Len()+stderr.Len(), max),
		}
	}

	return decodeOutput(stdout.Bytes()), nil
}

// decodeOutput parses the module's stdout as JSON; non-JSON output is
// returned as a trimmed string so shell-style modules still work.
func decodeOutput(out []byte) any {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err == nil {
		return v
	}
	return string(trimmed)
}

// isMemoryError reports whether err looks like a wazero memory limit
// violation (wazero surfaces these as instantiation errors).
func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if !strings.Contains(msg, "memory") {
		return false
	}
	return strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded")
}
