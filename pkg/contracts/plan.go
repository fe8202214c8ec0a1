// Package contracts defines the plan data model: goals, context packets,
// tasks, edges, and plans, together with their referential-integrity rules.
// Contracts are plain serializable structs; behavior lives in the runtime.
package contracts

import "fmt"

// Goal is the caller-supplied intent for a run. Immutable once a run starts.
type Goal struct {
	ID          string   `json:"id"`
	Intent      string   `json:"intent"`
	Constraints []string `json:"constraints,omitempty"`
}

// ContextPacket is the immutable facts+assumptions snapshot a plan is bound to.
// Its content-addressable reference (contextRef) is a digest over the
// canonicalized packet. Retrieved artifacts never mutate the packet; they are
// promoted into a per-task internal scope instead.
type ContextPacket struct {
	ID          string         `json:"id"`
	Version     string         `json:"version,omitempty"`
	Facts       map[string]any `json:"facts"`
	Assumptions []string       `json:"assumptions,omitempty"`
}

// OnError classifies edge failure routing.
type OnError string

const (
	OnErrorRetryable    OnError = "RETRYABLE"
	OnErrorFatal        OnError = "FATAL"
	OnErrorCompensation OnError = "COMPENSATION_REQUIRED"
)

// BackoffKind selects the retry delay curve.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exp"
)

// RetrySpec configures task-body retries.
type RetrySpec struct {
	Attempts int         `json:"attempts"`
	Backoff  BackoffKind `json:"backoff,omitempty"`
	BaseMs   int64       `json:"base_ms,omitempty"`
	Jitter   bool        `json:"jitter,omitempty"`
}

// ToolRef names a tool a task is allowed to call.
type ToolRef struct {
	Name string `json:"name"`
}

// Task is a single node in a plan DAG.
type Task struct {
	ID              string         `json:"id"`
	CapabilityRef   string         `json:"capability_ref"`
	Input           map[string]any `json:"input,omitempty"`
	Retry           *RetrySpec     `json:"retry,omitempty"`
	RetryPolicy     string         `json:"retry_policy,omitempty"`
	Verification    []string       `json:"verification,omitempty"`
	Tools           []ToolRef      `json:"tools,omitempty"`
	Title           string         `json:"title,omitempty"`
	Objective       string         `json:"objective,omitempty"`
	SuccessCriteria []string       `json:"success_criteria,omitempty"`
}

// ToolNames returns the declared tool names in plan order.
func (t Task) ToolNames() []string {
	names := make([]string, 0, len(t.Tools))
	for _, ref := range t.Tools {
		names = append(names, ref.Name)
	}
	return names
}

// Edge is a guarded dependency between two tasks.
type Edge struct {
	From    string  `json:"from"`
	To      string  `json:"to"`
	Guard   string  `json:"guard,omitempty"`
	OnError OnError `json:"on_error,omitempty"`
}

// Plan is a DAG of tasks bound to a context reference and a capability map
// version. Plans are exclusively owned by the run that selected them.
type Plan struct {
	ID                   string   `json:"id"`
	ContextRef           string   `json:"context_ref"`
	CapabilityMapVersion string   `json:"capability_map_version"`
	Tasks                []Task   `json:"tasks"`
	Edges                []Edge   `json:"edges,omitempty"`
	Alternatives         []string `json:"alternatives,omitempty"`
	Rationale            string   `json:"rationale,omitempty"`
}

// TaskByID returns the task with the given ID, if present.
func (p Plan) TaskByID(id string) (Task, bool) {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// IncomingEdges returns the edges terminating at taskID, in plan order.
func (p Plan) IncomingEdges(taskID string) []Edge {
	var in []Edge
	for _, e := range p.Edges {
		if e.To == taskID {
			in = append(in, e)
		}
	}
	return in
}

// TaskIDs returns the plan's task IDs in declaration order.
func (p Plan) TaskIDs() []string {
	ids := make([]string, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

// Validate enforces the plan's structural invariants: unique task IDs, a
// capability reference on every task, edge endpoints that exist, and
// acyclicity. Capability resolution against a registry is the runtime's job.
func (p Plan) Validate() error {
	if len(p.Tasks) == 0 {
		return fmt.Errorf("plan %s: no tasks", p.ID)
	}

	seen := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.ID == "" {
			return fmt.Errorf("plan %s: task with empty id", p.ID)
		}
		if seen[t.ID] {
			return fmt.Errorf("plan %s: duplicate task id %q", p.ID, t.ID)
		}
		if t.CapabilityRef == "" {
			return fmt.Errorf("plan %s: task %q has no capability_ref", p.ID, t.ID)
		}
		seen[t.ID] = true
	}

	indegree := make(map[string]int, len(p.Tasks))
	adjacency := make(map[string][]string, len(p.Tasks))
	for _, t := range p.Tasks {
		indegree[t.ID] = 0
	}
	for _, e := range p.Edges {
		if !seen[e.From] {
			return fmt.Errorf("plan %s: edge references unknown task %q", p.ID, e.From)
		}
		if !seen[e.To] {
			return fmt.Errorf("plan %s: edge references unknown task %q", p.ID, e.To)
		}
		adjacency[e.From] = append(adjacency[e.From], e.To)
		indegree[e.To]++
	}

	// Kahn's algorithm; anything left over sits on a cycle.
	queue := make([]string, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		if indegree[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adjacency[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(p.Tasks) {
		return fmt.Errorf("plan %s: task graph contains a cycle", p.ID)
	}
	return nil
}
