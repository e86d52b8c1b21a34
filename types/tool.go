package types

import "time"

// ToolType identifies which backend executes a tool.
type ToolType string

const (
	ToolTypeFunction  ToolType = "function"
	ToolTypeREST      ToolType = "rest"
	ToolTypeRetrieval ToolType = "retrieval"
	ToolTypeBrowser   ToolType = "browser"
	ToolTypeDatabase  ToolType = "database"
)

// Valid reports whether t is a known tool type.
func (t ToolType) Valid() bool {
	switch t {
	case ToolTypeFunction, ToolTypeREST, ToolTypeRetrieval, ToolTypeBrowser, ToolTypeDatabase:
		return true
	}
	return false
}

// ToolDefinition declares a callable tool: its backend type, activation
// state, input/output contracts, and per-tool limits.
type ToolDefinition struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Type         ToolType       `json:"type"`
	Active       bool           `json:"active"`
	InputSchema  *JSONSchema    `json:"input_schema,omitempty"`
	OutputSchema *JSONSchema    `json:"output_schema,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	RateLimit    float64        `json:"rate_limit,omitempty"`
	RateBurst    int            `json:"rate_burst,omitempty"`
	Timeout      time.Duration  `json:"timeout,omitempty"`
	// Version starts at 1 and increments on every registry update.
	Version int `json:"version,omitempty"`
}

// InvocationStatus is the terminal outcome of one tool call.
type InvocationStatus string

const (
	InvocationCompleted InvocationStatus = "completed"
	InvocationFailed    InvocationStatus = "failed"
	InvocationSkipped   InvocationStatus = "skipped"
)

// ToolInvocationRecord captures the outcome of a single tool call. The
// invoker fills it regardless of outcome and hands it to the configured
// sink for persistence.
type ToolInvocationRecord struct {
	ID         string           `json:"id"`
	ToolID     string           `json:"tool_id"`
	Input      any              `json:"input,omitempty"`
	Output     any              `json:"output,omitempty"`
	Error      string           `json:"error,omitempty"`
	Status     InvocationStatus `json:"status"`
	RetryCount int              `json:"retry_count"`
	Usage      ResourceUsage    `json:"usage"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Succeeded reports whether the invocation completed.
func (r *ToolInvocationRecord) Succeeded() bool {
	return r.Status == InvocationCompleted
}

// ResourceUsage accumulates resource counters for one unit of work.
type ResourceUsage struct {
	Duration     time.Duration `json:"duration"`
	MemoryBytes  uint64        `json:"memory_bytes,omitempty"`
	NetworkCalls int           `json:"network_calls,omitempty"`
	PayloadBytes int           `json:"payload_bytes,omitempty"`
	Tokens       int           `json:"tokens,omitempty"`
}

// Add merges another usage into this one.
func (u *ResourceUsage) Add(other ResourceUsage) {
	u.Duration += other.Duration
	if other.MemoryBytes > u.MemoryBytes {
		u.MemoryBytes = other.MemoryBytes
	}
	u.NetworkCalls += other.NetworkCalls
	u.PayloadBytes += other.PayloadBytes
	u.Tokens += other.Tokens
}

// CallScope carries the identifiers a call executes under. Tool backends
// and agent invokers receive it for attribution; the engine never
// interprets the user or organization values.
type CallScope struct {
	RunID          string `json:"run_id,omitempty"`
	NodeID         string `json:"node_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
}
