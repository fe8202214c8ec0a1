// Package provider resolves retrieval directives emitted by the nucleus
// into concrete artifacts promoted into a task's internal scope. Directives
// use a prefix:payload convention; each prefix routes to a registered
// retrieval handler or tool. The shared context packet is never touched.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/keelframework/keel/pkg/ledger"
	"github.com/keelframework/keel/pkg/nucleus"
	"github.com/keelframework/keel/pkg/registry"
)

// RetrievalFunc fetches artifacts for one directive payload. The returned
// map is promoted into the task scope key by key.
type RetrievalFunc func(ctx context.Context, payload string) (map[string]any, error)

// Provider routes directives to retrieval handlers.
type Provider struct {
	mu       sync.RWMutex
	handlers map[string]RetrievalFunc
	ledger   *ledger.Ledger
	logger   *slog.Logger
}

// New creates a provider emitting CONTEXT_INTERNALIZED entries to lg.
func New(lg *ledger.Ledger, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		handlers: make(map[string]RetrievalFunc),
		ledger:   lg,
		logger:   logger,
	}
}

// WithLedger returns a provider sharing this provider's handlers but
// emitting CONTEXT_INTERNALIZED entries to lg. Used to bind a long-lived
// provider to a per-run ledger.
func (p *Provider) WithLedger(lg *ledger.Ledger) *Provider {
	p.mu.RLock()
	defer p.mu.RUnlock()
	clone := &Provider{
		handlers: make(map[string]RetrievalFunc, len(p.handlers)),
		ledger:   lg,
		logger:   p.logger,
	}
	for prefix, fn := range p.handlers {
		clone.handlers[prefix] = fn
	}
	return clone
}

// Register binds a directive prefix to a retrieval handler.
func (p *Provider) Register(prefix string, fn RetrievalFunc) error {
	if prefix == "" || strings.Contains(prefix, ":") {
		return fmt.Errorf("provider: invalid prefix %q", prefix)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.handlers[prefix]; exists {
		return fmt.Errorf("provider: prefix %q already registered", prefix)
	}
	p.handlers[prefix] = fn
	return nil
}

// RegisterTool routes a prefix to a retrieval tool from the tool registry.
// The payload is passed as the tool's "query" input; the tool result is
// promoted under the full directive key.
func (p *Provider) RegisterTool(prefix string, tool registry.Tool) error {
	return p.Register(prefix, func(ctx context.Context, payload string) (map[string]any, error) {
		out, err := tool.Call(ctx, map[string]any{"query": payload}, "")
		if err != nil {
			return nil, err
		}
		return map[string]any{prefix + ":" + payload: out}, nil
	})
}

// Prefixes returns the registered directive prefixes, sorted.
func (p *Provider) Prefixes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prefixes := make([]string, 0, len(p.handlers))
	for prefix := range p.handlers {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)
	return prefixes
}

// Fulfill resolves every directive and promotes the returned artifacts into
// scope. Each promotion emits a CONTEXT_INTERNALIZED entry. The first
// failing directive aborts with an error naming it.
func (p *Provider) Fulfill(ctx context.Context, directives []string, scope *nucleus.Scope) error {
	for _, directive := range directives {
		prefix, payload, ok := strings.Cut(directive, ":")
		if !ok || prefix == "" {
			return fmt.Errorf("provider: malformed directive %q (want prefix:payload)", directive)
		}
		p.mu.RLock()
		handler, found := p.handlers[prefix]
		p.mu.RUnlock()
		if !found {
			return fmt.Errorf("provider: no handler for directive prefix %q", prefix)
		}

		artifacts, err := handler(ctx, payload)
		if err != nil {
			p.appendLedger(map[string]any{
				"directive": directive,
				"status":    "failed",
				"error":     err.Error(),
			})
			return fmt.Errorf("provider: directive %q: %w", directive, err)
		}

		keys := make([]string, 0, len(artifacts))
		for key, value := range artifacts {
			scope.Put(key, value)
			keys = append(keys, key)
		}
		sort.Strings(keys)
		p.appendLedger(map[string]any{
			"directive": directive,
			"status":    "fulfilled",
			"keys":      keys,
		})
		p.logger.Debug("context internalized", "directive", directive, "keys", keys)
	}
	return nil
}

func (p *Provider) appendLedger(details map[string]any) {
	if p.ledger == nil {
		return
	}
	if _, err := p.ledger.Append(ledger.TypeContextInternalized, details); err != nil {
		p.logger.Warn("provider ledger append failed", "error", err)
	}
}
