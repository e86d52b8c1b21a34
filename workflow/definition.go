package workflow

import (
	"time"

	"github.com/flowsmith/flowsmith/tools"
	"github.com/flowsmith/flowsmith/workflow/dsl"
)

// NodeType selects the behavior a node dispatches to.
type NodeType string

const (
	// NodeTypeAgent invokes an external agent with the node input.
	NodeTypeAgent NodeType = "agent"
	// NodeTypeTool delegates to the tool invocation pipeline.
	NodeTypeTool NodeType = "tool"
	// NodeTypeHybrid combines an agent and a tool set under a strategy.
	NodeTypeHybrid NodeType = "hybrid"
	// NodeTypeCondition evaluates a boolean expression.
	NodeTypeCondition NodeType = "condition"
	// NodeTypeLoop repeats a bounded iteration while a condition holds.
	NodeTypeLoop NodeType = "loop"
	// NodeTypeHumanInput suspends until a human responds or a timeout fires.
	NodeTypeHumanInput NodeType = "human_input"
	// NodeTypeTransformer applies a declared data transform.
	NodeTypeTransformer NodeType = "transformer"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeAgent, NodeTypeTool, NodeTypeHybrid, NodeTypeCondition,
		NodeTypeLoop, NodeTypeHumanInput, NodeTypeTransformer:
		return true
	}
	return false
}

// ErrorMode decides how a failed node affects the run.
type ErrorMode string

const (
	// ErrorModeStop aborts the run on the first failed node.
	ErrorModeStop ErrorMode = "stop"
	// ErrorModeContinue records the failure and keeps executing.
	ErrorModeContinue ErrorMode = "continue"
	// ErrorModeRetry retries the failing node per the retry policy first.
	ErrorModeRetry ErrorMode = "retry"
)

// Valid reports whether m is a known error mode. The empty mode is
// treated as stop at execution time.
func (m ErrorMode) Valid() bool {
	switch m {
	case ErrorModeStop, ErrorModeContinue, ErrorModeRetry, "":
		return true
	}
	return false
}

// TriggerType classifies how a run gets submitted.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
	TriggerEvent    TriggerType = "event"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerManual, TriggerSchedule, TriggerEvent:
		return true
	}
	return false
}

// Trigger describes one way a definition is launched. Triggers are
// definition metadata: the engine itself only ever sees submitted runs,
// firing schedules and routing events is the embedding service's job.
type Trigger struct {
	Type TriggerType `json:"type" yaml:"type"`
	// Schedule holds a cron expression for schedule triggers.
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	// Event names the event topic for event triggers.
	Event  string         `json:"event,omitempty" yaml:"event,omitempty"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// RetrySpec is the declarative form of a retry policy. Delays are
// expressed in milliseconds so definitions round-trip through JSON and
// YAML without duration-string parsing.
type RetrySpec struct {
	MaxRetries      int      `json:"max_retries" yaml:"max_retries"`
	Backoff         string   `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	BaseDelayMs     int      `json:"base_delay_ms,omitempty" yaml:"base_delay_ms,omitempty"`
	MaxDelayMs      int      `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	RetryableErrors []string `json:"retryable_errors,omitempty" yaml:"retryable_errors,omitempty"`
}

// Policy materializes the declarative settings into an executable retry
// policy. A nil receiver yields nil so callers fall through to their defaults.
func (r *RetrySpec) Policy() *tools.RetryPolicy {
	if r == nil {
		return nil
	}
	policy := tools.RetryPolicy{
		MaxRetries:     r.MaxRetries,
		Backoff:        tools.BackoffKind(r.Backoff),
		RetryableMatch: r.RetryableErrors,
	}
	if policy.Backoff != tools.BackoffLinear && policy.Backoff != tools.BackoffExponential {
		policy.Backoff = tools.BackoffExponential
	}
	if r.BaseDelayMs > 0 {
		policy.BaseDelay = time.Duration(r.BaseDelayMs) * time.Millisecond
	}
	if r.MaxDelayMs > 0 {
		policy.MaxDelay = time.Duration(r.MaxDelayMs) * time.Millisecond
	}
	return &policy
}

// Settings carries run-level execution settings.
type Settings struct {
	// TimeoutMs bounds the whole run; 0 falls back to the engine default.
	TimeoutMs int `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	// MaxConcurrency bounds parallel node starts within one readiness
	// wave; 0 means unbounded.
	MaxConcurrency int       `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
	ErrorMode      ErrorMode `json:"error_mode,omitempty" yaml:"error_mode,omitempty"`
	// Retry is the run-level retry policy used by the retry error mode.
	Retry *RetrySpec `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// Timeout returns the run timeout, 0 when unset.
func (s Settings) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Edge connects two nodes. A non-empty Condition gates the data flowing
// from Source to Target: the expression is evaluated against the source
// node's output and a false result excludes that output from the
// target's input.
type Edge struct {
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// OptionSpec is one choice offered on approval-style human input nodes.
type OptionSpec struct {
	ID      string `json:"id" yaml:"id"`
	Label   string `json:"label" yaml:"label"`
	Default bool   `json:"default,omitempty" yaml:"default,omitempty"`
}

// NodeConfig carries the per-type settings of a node. Only the fields
// relevant to the node's type are consulted; the validator enforces the
// required ones.
type NodeConfig struct {
	// AgentID targets agent and hybrid nodes.
	AgentID string `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	// ToolID targets tool nodes and the loop body.
	ToolID string `json:"tool_id,omitempty" yaml:"tool_id,omitempty"`
	// ToolIDs is the ordered tool set of hybrid nodes.
	ToolIDs []string `json:"tool_ids,omitempty" yaml:"tool_ids,omitempty"`
	// Strategy selects the hybrid composition; defaults to agent_first.
	Strategy HybridStrategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	// Rounds bounds the coordinated strategy's exchange count.
	Rounds int `json:"rounds,omitempty" yaml:"rounds,omitempty"`

	// Expression is the condition of condition nodes and the continue
	// test of loop nodes.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
	// MaxIterations caps loop nodes; 0 falls back to the default cap.
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`

	// Transform drives transformer nodes and may serve as a loop body.
	Transform *dsl.TransformSpec `json:"transform,omitempty" yaml:"transform,omitempty"`

	// Prompt through Assignee configure human input nodes.
	Prompt   string       `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Kind     string       `json:"kind,omitempty" yaml:"kind,omitempty"`
	Required bool         `json:"required,omitempty" yaml:"required,omitempty"`
	Options  []OptionSpec `json:"options,omitempty" yaml:"options,omitempty"`
	Assignee string       `json:"assignee,omitempty" yaml:"assignee,omitempty"`

	// Input is merged over the flowing input, static values winning.
	Input map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	// TimeoutMs bounds this node's execution; 0 inherits defaults.
	TimeoutMs int `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	// OnError overrides the run-level error mode for this node.
	OnError ErrorMode `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	// Retry overrides the run-level retry policy for this node.
	Retry *RetrySpec `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// Timeout returns the node timeout, 0 when unset.
func (c NodeConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Node is one unit of work in the graph.
type Node struct {
	ID     string     `json:"id" yaml:"id"`
	Type   NodeType   `json:"type" yaml:"type"`
	Name   string     `json:"name,omitempty" yaml:"name,omitempty"`
	Config NodeConfig `json:"config" yaml:"config"`
}

// Definition is an immutable workflow graph. It is validated before a
// run is admitted and never mutated by execution.
type Definition struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int            `json:"version,omitempty" yaml:"version,omitempty"`
	Nodes       []Node         `json:"nodes" yaml:"nodes"`
	Edges       []Edge         `json:"edges,omitempty" yaml:"edges,omitempty"`
	Triggers    []Trigger      `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Settings    Settings       `json:"settings,omitempty" yaml:"settings,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Node returns the node with the given id.
func (d *Definition) Node(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// ErrorMode returns the effective run-level error mode.
func (d *Definition) ErrorMode() ErrorMode {
	if d.Settings.ErrorMode == "" {
		return ErrorModeStop
	}
	return d.Settings.ErrorMode
}
