package llm

import (
	"context"
	"fmt"
	"sync"
)

// Call records one Chat invocation observed by a ScriptedClient.
type Call struct {
	Messages []Message
	Tools    []ToolDefinition
}

// ScriptedClient replays a fixed sequence of responses. It is the test
// double for the gateway: each Chat call consumes the next scripted
// response and records what it was asked.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []*Response
	calls     []Call
}

// NewScriptedClient creates a client that will return the given responses
// in order.
func NewScriptedClient(responses ...*Response) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

// Chat pops the next scripted response.
func (c *ScriptedClient) Chat(_ context.Context, messages []Message, tools []ToolDefinition, _ *SamplingOptions) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Messages: messages, Tools: tools})
	if len(c.responses) == 0 {
		return nil, fmt.Errorf("llm: scripted client exhausted after %d calls", len(c.calls))
	}
	next := c.responses[0]
	c.responses = c.responses[1:]
	return next, nil
}

// Push appends further scripted responses.
func (c *ScriptedClient) Push(responses ...*Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, responses...)
}

// Calls returns the recorded invocations.
func (c *ScriptedClient) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}
