package contracts

// EnvelopeMetadata carries timing and provenance for a tool invocation.
type EnvelopeMetadata struct {
	Timestamp   int64  `json:"timestamp"` // milliseconds since epoch
	InputDigest string `json:"input_digest"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
}

// EnvelopeError is the failure half of a tool-call envelope.
type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolCallEnvelope is the structured record of a single tool invocation.
// Envelopes are emitted as TOOL_CALL ledger details at stage start, then
// again at stage complete or error.
type ToolCallEnvelope struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Input    any              `json:"input"`
	Output   any              `json:"output,omitempty"`
	Error    *EnvelopeError   `json:"error,omitempty"`
	Metadata EnvelopeMetadata `json:"metadata"`
}

// RunMetrics accumulates per-run counters surfaced in checkpoints and results.
type RunMetrics struct {
	TasksExecuted         int     `json:"tasks_executed"`
	ToolCalls             int     `json:"tool_calls"`
	NucleusRounds         int     `json:"nucleus_rounds"`
	EstimatedPromptTokens int     `json:"estimated_prompt_tokens"`
	ElapsedSeconds        float64 `json:"elapsed_seconds"`
}
