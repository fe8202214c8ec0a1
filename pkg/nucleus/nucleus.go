// Package nucleus implements the per-task LLM-mediated controller: a
// preflight context check, a bounded tool-calling invoke loop, and a
// postcheck verdict. The nucleus enforces the token budget and the tool
// whitelist; grounding is a prompt convention, shape is enforced here.
package nucleus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/keelframework/keel/pkg/canonicalize"
	"github.com/keelframework/keel/pkg/contracts"
	"github.com/keelframework/keel/pkg/ledger"
	"github.com/keelframework/keel/pkg/llm"
)

// Hooks toggles the optional preflight/postcheck stages. Both default off;
// disabled hooks short-circuit to OK/COMPLETE.
type Hooks struct {
	Preflight bool `json:"preflight"`
	Postcheck bool `json:"postcheck"`
}

// Config bounds a nucleus invocation.
type Config struct {
	MaxContextTokens   int
	MaxQueryRounds     int
	MaxRetrievalRounds int
	Hooks              Hooks
	// AllowedTools, when non-empty, is the whitelist of task-declared tools
	// the model may see and call. The built-in context tools are always
	// available. Empty means unrestricted.
	AllowedTools []string
	Sampling     *llm.SamplingOptions
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxContextTokens:   32768,
		MaxQueryRounds:     3,
		MaxRetrievalRounds: 1,
	}
}

// budgetThreshold is the fraction of MaxContextTokens at which the nucleus
// forces a final answer.
const budgetThreshold = 0.85

// maxMalformedToolCalls bounds retries after unparseable tool arguments.
const maxMalformedToolCalls = 2

// Metrics reports what an invocation consumed. Rounds counts invoke-loop and
// summary inferences and stays within MaxQueryRounds; preflight and postcheck
// inferences are tallied separately as HookInferences.
type Metrics struct {
	Rounds                int  `json:"rounds"`
	HookInferences        int  `json:"hook_inferences"`
	EstimatedPromptTokens int  `json:"estimated_prompt_tokens"`
	BudgetExhausted       bool `json:"budget_exhausted"`
	RetrievalRoundsUsed   int  `json:"retrieval_rounds_used"`
}

// PreflightStatus is the preflight verdict.
type PreflightStatus string

const (
	PreflightOK           PreflightStatus = "OK"
	PreflightNeedsContext PreflightStatus = "NEEDS_CONTEXT"
)

// PreflightResult carries retrieval directives when context is insufficient.
type PreflightResult struct {
	Status     PreflightStatus
	Directives []string
}

// PostcheckStatus is the postcheck verdict.
type PostcheckStatus string

const (
	PostcheckComplete          PostcheckStatus = "COMPLETE"
	PostcheckNeedsCompensation PostcheckStatus = "NEEDS_COMPENSATION"
	PostcheckEscalate          PostcheckStatus = "ESCALATE"
)

// PostcheckResult carries the verdict and an optional reason.
type PostcheckResult struct {
	Status PostcheckStatus
	Reason string
}

// Retriever fulfills retrieval directives requested mid-invocation,
// promoting artifacts into the task scope.
type Retriever interface {
	Fulfill(ctx context.Context, directives []string, scope *Scope) error
}

// ToolDispatcher executes a task-declared tool call on behalf of the model.
type ToolDispatcher func(ctx context.Context, name string, args map[string]any) (any, error)

// Params assembles a nucleus for one task.
type Params struct {
	Client    llm.Client
	Config    Config
	Ledger    *ledger.Ledger
	Logger    *slog.Logger
	TaskID    string
	Scope     *Scope
	Facts     map[string]any
	Retriever Retriever
}

// Factory builds a nucleus per task. The runtime supplies task-specific
// params; the factory closes over the shared client and base config.
type Factory func(p Params) *Nucleus

// NewFactory returns a Factory that fills in the shared client, config, and
// logger unless the caller overrides them.
func NewFactory(client llm.Client, cfg Config, logger *slog.Logger) Factory {
	return func(p Params) *Nucleus {
		if p.Client == nil {
			p.Client = client
		}
		if p.Config.MaxQueryRounds == 0 && p.Config.MaxContextTokens == 0 {
			base := cfg
			base.AllowedTools = append(append([]string{}, cfg.AllowedTools...), p.Config.AllowedTools...)
			p.Config = base
		}
		if p.Logger == nil {
			p.Logger = logger
		}
		return New(p)
	}
}

// Nucleus is a single-task controller instance. Not safe for concurrent use;
// each task gets its own.
type Nucleus struct {
	client    llm.Client
	cfg       Config
	ledger    *ledger.Ledger
	logger    *slog.Logger
	taskID    string
	scope     *Scope
	facts     map[string]any
	retriever Retriever
	allowed   map[string]bool

	metrics    Metrics
	inferences int
}

// New creates a nucleus from params, applying defaults for absent fields.
func New(p Params) *Nucleus {
	cfg := p.Config
	if cfg.MaxQueryRounds <= 0 {
		cfg.MaxQueryRounds = DefaultConfig().MaxQueryRounds
	}
	if cfg.MaxRetrievalRounds <= 0 {
		cfg.MaxRetrievalRounds = DefaultConfig().MaxRetrievalRounds
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = DefaultConfig().MaxContextTokens
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Scope == nil {
		p.Scope = NewScope()
	}
	var allowed map[string]bool
	if len(cfg.AllowedTools) > 0 {
		allowed = make(map[string]bool, len(cfg.AllowedTools))
		for _, name := range cfg.AllowedTools {
			allowed[name] = true
		}
	}
	return &Nucleus{
		client:    p.Client,
		cfg:       cfg,
		ledger:    p.Ledger,
		logger:    p.Logger,
		taskID:    p.TaskID,
		scope:     p.Scope,
		facts:     p.Facts,
		retriever: p.Retriever,
		allowed:   allowed,
	}
}

// Metrics returns the accumulated invocation metrics.
func (n *Nucleus) Metrics() Metrics { return n.metrics }

// Scope returns the task's internal context scope.
func (n *Nucleus) Scope() *Scope { return n.scope }

// Preflight checks whether the task's available context is sufficient for
// its objective. Disabled hooks short-circuit to OK.
func (n *Nucleus) Preflight(ctx context.Context, task contracts.Task) (PreflightResult, error) {
	if !n.cfg.Hooks.Preflight {
		return PreflightResult{Status: PreflightOK}, nil
	}

	var sb strings.Builder
	sb.WriteString(n.grounding())
	sb.WriteString("PREFLIGHT\n")
	sb.WriteString("Decide whether the context keys above are sufficient for the objective.\n")
	fmt.Fprintf(&sb, "Objective: %s\n", task.Objective)
	for _, c := range task.SuccessCriteria {
		fmt.Fprintf(&sb, "Success criterion: %s\n", c)
	}
	sb.WriteString("Reply with JSON only: {\"status\":\"OK\"} or " +
		"{\"status\":\"NEEDS_CONTEXT\",\"directives\":[\"prefix:payload\", ...]}\n")

	resp, err := n.chat(ctx, "preflight", sb.String(), nil, nil)
	if err != nil {
		return PreflightResult{}, err
	}

	var parsed struct {
		Status     string   `json:"status"`
		Directives []string `json:"directives"`
	}
	if err := decodeJSONReply(resp.Content, &parsed); err != nil {
		// A bare OK is acceptable; anything else malformed fails closed.
		if strings.HasPrefix(strings.TrimSpace(resp.Content), "OK") {
			return PreflightResult{Status: PreflightOK}, nil
		}
		return PreflightResult{}, fmt.Errorf("nucleus: preflight reply unparseable: %w", err)
	}
	switch parsed.Status {
	case string(PreflightOK):
		return PreflightResult{Status: PreflightOK}, nil
	case string(PreflightNeedsContext):
		if len(parsed.Directives) == 0 {
			return PreflightResult{}, fmt.Errorf("nucleus: NEEDS_CONTEXT without directives")
		}
		return PreflightResult{Status: PreflightNeedsContext, Directives: parsed.Directives}, nil
	default:
		return PreflightResult{}, fmt.Errorf("nucleus: unknown preflight status %q", parsed.Status)
	}
}

// InvokeRequest is one bounded tool-calling invocation.
type InvokeRequest struct {
	Prompt   string
	Tools    []llm.ToolDefinition
	Dispatch ToolDispatcher
}

// InvokeResult is the terminal answer plus consumption metrics.
type InvokeResult struct {
	Output  string
	Metrics Metrics
}

// Invoke runs the bounded query loop: each round offers the context-tool
// set plus task-declared tools, dispatches any tool calls, and feeds results
// back. The loop ends on a terminal answer, round exhaustion, or budget
// exhaustion (which forces a final answer).
func (n *Nucleus) Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	messages := []llm.Message{
		{Role: "system", Content: n.grounding()},
		{Role: "user", Content: req.Prompt},
	}
	malformed := 0
	lastContent := ""

	for n.metrics.Rounds < n.cfg.MaxQueryRounds {
		forced := n.overBudget(messages)

		var tools []llm.ToolDefinition
		if forced {
			messages = append(messages, llm.Message{
				Role:    "user",
				Content: "Context budget reached. Provide your final answer now without calling tools.",
			})
			n.metrics.BudgetExhausted = true
		} else {
			tools = n.offeredTools(req.Tools)
		}

		resp, err := n.chatMessages(ctx, "invoke", messages, tools)
		if err != nil {
			return InvokeResult{}, err
		}
		lastContent = resp.Content

		if forced || len(resp.ToolCalls) == 0 {
			return InvokeResult{Output: resp.Content, Metrics: n.metrics}, nil
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: describeToolCalls(resp)})
		for _, call := range resp.ToolCalls {
			result, callErr := n.dispatchCall(ctx, call, req.Dispatch)
			if callErr != nil {
				malformed++
				n.appendLedger(ledger.TypeError, map[string]any{
					"task_id": n.taskID,
					"stage":   "NUCLEUS_TOOL_CALL",
					"tool":    call.Name,
					"message": callErr.Error(),
				})
				if malformed > maxMalformedToolCalls {
					return InvokeResult{}, fmt.Errorf("nucleus: tool call %q failed %d times: %w", call.Name, malformed, callErr)
				}
				messages = append(messages, llm.Message{
					Role:    "user",
					Content: fmt.Sprintf("Tool %q failed: %v. Correct the call or answer without it.", call.Name, callErr),
				})
				continue
			}
			resultJSON, _ := json.Marshal(result)
			messages = append(messages, llm.Message{
				Role:    "user",
				Content: fmt.Sprintf("Result of %s: %s", call.Name, resultJSON),
			})
		}
	}

	// Round budget exhausted without a terminal answer; the last content
	// stands as the output.
	return InvokeResult{Output: lastContent, Metrics: n.metrics}, nil
}

// Postcheck evaluates a task output against the task's success criteria.
// Disabled hooks short-circuit to COMPLETE.
func (n *Nucleus) Postcheck(ctx context.Context, task contracts.Task, output any) (PostcheckResult, error) {
	if !n.cfg.Hooks.Postcheck {
		return PostcheckResult{Status: PostcheckComplete}, nil
	}

	outputJSON, err := json.Marshal(output)
	if err != nil {
		return PostcheckResult{}, fmt.Errorf("nucleus: postcheck output marshal: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(n.grounding())
	sb.WriteString("POSTCHECK\n")
	fmt.Fprintf(&sb, "Objective: %s\n", task.Objective)
	for _, c := range task.SuccessCriteria {
		fmt.Fprintf(&sb, "Success criterion: %s\n", c)
	}
	fmt.Fprintf(&sb, "Task output: %s\n", outputJSON)
	sb.WriteString("Reply with JSON only: {\"status\":\"COMPLETE\"} or " +
		"{\"status\":\"NEEDS_COMPENSATION\",\"reason\":\"...\"} or {\"status\":\"ESCALATE\",\"reason\":\"...\"}\n")

	resp, err := n.chat(ctx, "postcheck", sb.String(), nil, nil)
	if err != nil {
		return PostcheckResult{}, err
	}

	var parsed struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := decodeJSONReply(resp.Content, &parsed); err != nil {
		return PostcheckResult{}, fmt.Errorf("nucleus: postcheck reply unparseable: %w", err)
	}
	switch PostcheckStatus(parsed.Status) {
	case PostcheckComplete, PostcheckNeedsCompensation, PostcheckEscalate:
		return PostcheckResult{Status: PostcheckStatus(parsed.Status), Reason: parsed.Reason}, nil
	default:
		return PostcheckResult{}, fmt.Errorf("nucleus: unknown postcheck status %q", parsed.Status)
	}
}

// Summarize runs a single tool-free inference, used for the goal summary
// and the planner's thinking stage.
func (n *Nucleus) Summarize(ctx context.Context, prompt string) (string, error) {
	resp, err := n.chat(ctx, "summary", n.grounding()+prompt, nil, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// grounding assembles the anti-hallucination preamble: the available context
// keys, the citation requirement, and the fabrication prohibition.
func (n *Nucleus) grounding() string {
	var sb strings.Builder
	sb.WriteString("GROUNDING RULES\nAvailable context keys:\n")
	keys := sortedKeys(n.facts)
	for _, k := range keys {
		fmt.Fprintf(&sb, "- facts.%s\n", k)
	}
	for _, k := range n.scope.Keys() {
		fmt.Fprintf(&sb, "- internal.%s\n", k)
	}
	if len(keys) == 0 && n.scope.Len() == 0 {
		sb.WriteString("- (none)\n")
	}
	sb.WriteString("VALIDATION RULES\nEvery factual claim must cite one of the keys above.\n")
	sb.WriteString("GROUNDING CONSTRAINT\nDo not fabricate values absent from the available keys; " +
		"use query_context or request_context_retrieval instead.\n\n")
	return sb.String()
}

func (n *Nucleus) offeredTools(taskTools []llm.ToolDefinition) []llm.ToolDefinition {
	tools := []llm.ToolDefinition{{
		Name:        "query_context",
		Description: "Read a value from the task's internal scope or the context packet facts.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"key": map[string]any{"type": "string"}},
			"required":   []any{"key"},
		},
	}}
	if n.retriever != nil && n.metrics.RetrievalRoundsUsed < n.cfg.MaxRetrievalRounds {
		tools = append(tools, llm.ToolDefinition{
			Name:        "request_context_retrieval",
			Description: "Request external retrieval of context artifacts by directive (prefix:payload).",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"directives": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []any{"directives"},
			},
		})
	}
	for _, t := range taskTools {
		if n.toolAllowed(t.Name) {
			tools = append(tools, t)
		}
	}
	return tools
}

// toolAllowed applies the whitelist to task-declared tools. A nil whitelist
// means the config declared no restriction.
func (n *Nucleus) toolAllowed(name string) bool {
	if n.allowed == nil {
		return true
	}
	return n.allowed[name]
}

func (n *Nucleus) dispatchCall(ctx context.Context, call llm.ToolCall, dispatch ToolDispatcher) (any, error) {
	switch call.Name {
	case "query_context":
		key, ok := call.Arguments["key"].(string)
		if !ok {
			return nil, fmt.Errorf("query_context requires a string key")
		}
		if v, found := n.scope.Get(strings.TrimPrefix(key, "internal.")); found {
			return v, nil
		}
		if v, found := n.facts[strings.TrimPrefix(key, "facts.")]; found {
			return v, nil
		}
		return nil, fmt.Errorf("key %q not present in scope or facts", key)
	case "request_context_retrieval":
		directives, err := directiveArgs(call.Arguments)
		if err != nil {
			return nil, err
		}
		if n.retriever == nil {
			return nil, fmt.Errorf("no context provider configured")
		}
		if n.metrics.RetrievalRoundsUsed >= n.cfg.MaxRetrievalRounds {
			return nil, fmt.Errorf("retrieval round budget exhausted")
		}
		if err := n.retriever.Fulfill(ctx, directives, n.scope); err != nil {
			return nil, err
		}
		n.metrics.RetrievalRoundsUsed++
		return map[string]any{"internalized": n.scope.Keys()}, nil
	default:
		if !n.toolAllowed(call.Name) {
			return nil, fmt.Errorf("tool %q is not in the allowed set", call.Name)
		}
		if dispatch == nil {
			return nil, fmt.Errorf("tool %q not available", call.Name)
		}
		return dispatch(ctx, call.Name, call.Arguments)
	}
}

func (n *Nucleus) overBudget(messages []llm.Message) bool {
	estimate := 0
	for _, m := range messages {
		estimate += EstimateTokens(m.Content)
	}
	projected := n.metrics.EstimatedPromptTokens + estimate
	return float64(projected) >= budgetThreshold*float64(n.cfg.MaxContextTokens)
}

func (n *Nucleus) chat(ctx context.Context, stage, prompt string, tools []llm.ToolDefinition, extra []llm.Message) (*llm.Response, error) {
	messages := append([]llm.Message{{Role: "user", Content: prompt}}, extra...)
	return n.chatMessages(ctx, stage, messages, tools)
}

func (n *Nucleus) chatMessages(ctx context.Context, stage string, messages []llm.Message, tools []llm.ToolDefinition) (*llm.Response, error) {
	promptText := joinMessages(messages)
	n.inferences++
	switch stage {
	case "preflight", "postcheck":
		n.metrics.HookInferences++
	default:
		n.metrics.Rounds++
	}
	n.metrics.EstimatedPromptTokens += EstimateTokens(promptText)

	resp, err := n.client.Chat(ctx, messages, tools, n.cfg.Sampling)
	if err != nil {
		return nil, fmt.Errorf("nucleus: %s inference: %w", stage, err)
	}

	n.appendLedger(ledger.TypeNucleusInference, map[string]any{
		"task_id":       n.taskID,
		"stage":         stage,
		"round":         n.inferences,
		"prompt_digest": canonicalize.DigestText(promptText),
		"reasoning":     resp.Content,
	})
	return resp, nil
}

func (n *Nucleus) appendLedger(t ledger.EntryType, details map[string]any) {
	if n.ledger == nil {
		return
	}
	if _, err := n.ledger.Append(t, details); err != nil {
		n.logger.Warn("nucleus ledger append failed", "type", string(t), "error", err)
	}
}
