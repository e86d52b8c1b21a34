package types

// AgentRequest is the input contract for an external agent invocation.
type AgentRequest struct {
	AgentID   string         `json:"agent_id"`
	Input     any            `json:"input"`
	SessionID string         `json:"session_id,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
	Scope     CallScope      `json:"scope"`
}

// AgentResponse is what an external agent returns: free-form content,
// optional structured output, and token usage when the agent reports it.
type AgentResponse struct {
	Content string     `json:"content"`
	Output  any        `json:"output,omitempty"`
	Usage   TokenUsage `json:"usage"`
}

// TokenUsage counts tokens consumed by one agent call. Estimated marks
// counts derived locally rather than reported by the agent.
type TokenUsage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}
