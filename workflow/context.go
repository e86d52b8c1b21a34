package workflow

import (
	"encoding/json"
	"runtime"
	"sync"
	"time"
)

// MemorySnapshot records process heap usage at one point of a run.
type MemorySnapshot struct {
	NodeID    string    `json:"node_id"`
	HeapBytes uint64    `json:"heap_bytes"`
	Timestamp time.Time `json:"timestamp"`
}

// PendingInput describes an outstanding human-input request of a run.
type PendingInput struct {
	NodeID      string    `json:"node_id"`
	Prompt      string    `json:"prompt"`
	Kind        string    `json:"kind,omitempty"`
	Required    bool      `json:"required"`
	Assignee    string    `json:"assignee,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// ExecutionContext is the mutable state threaded through one run:
// variables, node outputs, per-agent and per-tool last-known state, and
// outstanding human-input requests. It is owned by a single run, but
// parallel branches within that run mutate it concurrently, so all
// access goes through locked accessors.
type ExecutionContext struct {
	mu            sync.RWMutex
	variables     map[string]any
	nodeOutputs   map[string]any
	agentState    map[string]any
	toolState     map[string]any
	pendingInputs map[string]PendingInput
	memory        []MemorySnapshot
}

// NewExecutionContext creates an empty context.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{
		variables:     make(map[string]any),
		nodeOutputs:   make(map[string]any),
		agentState:    make(map[string]any),
		toolState:     make(map[string]any),
		pendingInputs: make(map[string]PendingInput),
	}
}

// SetVariable stores a run variable.
func (c *ExecutionContext) SetVariable(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[key] = value
}

// Variable reads a run variable.
func (c *ExecutionContext) Variable(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[key]
	return v, ok
}

// Variables returns a copy of all run variables.
func (c *ExecutionContext) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// SetNodeOutput stores a node's output.
func (c *ExecutionContext) SetNodeOutput(nodeID string, output any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodeOutputs[nodeID] = output
}

// NodeOutput reads a node's output.
func (c *ExecutionContext) NodeOutput(nodeID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.nodeOutputs[nodeID]
	return v, ok
}

// SetAgentState stores the last-known state of an agent.
func (c *ExecutionContext) SetAgentState(agentID string, state any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentState[agentID] = state
}

// AgentState reads the last-known state of an agent.
func (c *ExecutionContext) AgentState(agentID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.agentState[agentID]
	return v, ok
}

// SetToolState stores the last-known state of a tool.
func (c *ExecutionContext) SetToolState(toolID string, state any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolState[toolID] = state
}

// ToolState reads the last-known state of a tool.
func (c *ExecutionContext) ToolState(toolID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.toolState[toolID]
	return v, ok
}

// AddPendingInput registers an outstanding human-input request.
func (c *ExecutionContext) AddPendingInput(p PendingInput) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingInputs[p.NodeID] = p
}

// RemovePendingInput clears the request of a node.
func (c *ExecutionContext) RemovePendingInput(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pendingInputs, nodeID)
}

// PendingInputs returns all outstanding human-input requests.
func (c *ExecutionContext) PendingInputs() []PendingInput {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]PendingInput, 0, len(c.pendingInputs))
	for _, p := range c.pendingInputs {
		out = append(out, p)
	}
	return out
}

// SnapshotMemory records the current heap allocation against a node and
// returns it.
func (c *ExecutionContext) SnapshotMemory(nodeID string) uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory = append(c.memory, MemorySnapshot{
		NodeID:    nodeID,
		HeapBytes: ms.HeapAlloc,
		Timestamp: time.Now(),
	})
	return ms.HeapAlloc
}

// MemorySnapshots returns a copy of the recorded snapshots.
func (c *ExecutionContext) MemorySnapshots() []MemorySnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]MemorySnapshot, len(c.memory))
	copy(out, c.memory)
	return out
}

type executionContextDTO struct {
	Variables     map[string]any          `json:"variables,omitempty"`
	NodeOutputs   map[string]any          `json:"node_outputs,omitempty"`
	AgentState    map[string]any          `json:"agent_state,omitempty"`
	ToolState     map[string]any          `json:"tool_state,omitempty"`
	PendingInputs map[string]PendingInput `json:"pending_inputs,omitempty"`
	Memory        []MemorySnapshot        `json:"memory,omitempty"`
}

// MarshalJSON serializes the context under its lock.
func (c *ExecutionContext) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(executionContextDTO{
		Variables:     c.variables,
		NodeOutputs:   c.nodeOutputs,
		AgentState:    c.agentState,
		ToolState:     c.toolState,
		PendingInputs: c.pendingInputs,
		Memory:        c.memory,
	})
}

// UnmarshalJSON restores a serialized context.
func (c *ExecutionContext) UnmarshalJSON(data []byte) error {
	var dto executionContextDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables = dto.Variables
	c.nodeOutputs = dto.NodeOutputs
	c.agentState = dto.AgentState
	c.toolState = dto.ToolState
	c.pendingInputs = dto.PendingInputs
	c.memory = dto.Memory

	if c.variables == nil {
		c.variables = make(map[string]any)
	}
	if c.nodeOutputs == nil {
		c.nodeOutputs = make(map[string]any)
	}
	if c.agentState == nil {
		c.agentState = make(map[string]any)
	}
	if c.toolState == nil {
		c.toolState = make(map[string]any)
	}
	if c.pendingInputs == nil {
		c.pendingInputs = make(map[string]PendingInput)
	}
	return nil
}
