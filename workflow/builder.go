package workflow

import (
	"time"

	"github.com/flowsmith/flowsmith/workflow/dsl"
)

// DefinitionBuilder assembles a definition fluently. The name doubles
// as the workflow id until WithID overrides it.
type DefinitionBuilder struct {
	def *Definition
}

// NewDefinitionBuilder starts a builder for a named workflow.
func NewDefinitionBuilder(name string) *DefinitionBuilder {
	return &DefinitionBuilder{
		def: &Definition{ID: name, Name: name, Version: 1},
	}
}

// WithID overrides the workflow id.
func (b *DefinitionBuilder) WithID(id string) *DefinitionBuilder {
	b.def.ID = id
	return b
}

// WithDescription sets the description.
func (b *DefinitionBuilder) WithDescription(description string) *DefinitionBuilder {
	b.def.Description = description
	return b
}

// WithVersion sets the definition version.
func (b *DefinitionBuilder) WithVersion(version int) *DefinitionBuilder {
	b.def.Version = version
	return b
}

// WithSettings replaces the execution settings.
func (b *DefinitionBuilder) WithSettings(settings Settings) *DefinitionBuilder {
	b.def.Settings = settings
	return b
}

// WithErrorMode sets the run-level error mode.
func (b *DefinitionBuilder) WithErrorMode(mode ErrorMode) *DefinitionBuilder {
	b.def.Settings.ErrorMode = mode
	return b
}

// WithTimeout sets the run timeout.
func (b *DefinitionBuilder) WithTimeout(timeout time.Duration) *DefinitionBuilder {
	b.def.Settings.TimeoutMs = int(timeout / time.Millisecond)
	return b
}

// WithMaxConcurrency bounds parallel node starts within one wave.
func (b *DefinitionBuilder) WithMaxConcurrency(n int) *DefinitionBuilder {
	b.def.Settings.MaxConcurrency = n
	return b
}

// WithRetry sets the run-level retry policy.
func (b *DefinitionBuilder) WithRetry(spec RetrySpec) *DefinitionBuilder {
	b.def.Settings.Retry = &spec
	return b
}

// WithTrigger appends a trigger.
func (b *DefinitionBuilder) WithTrigger(trigger Trigger) *DefinitionBuilder {
	b.def.Triggers = append(b.def.Triggers, trigger)
	return b
}

// WithMetadata sets one metadata entry.
func (b *DefinitionBuilder) WithMetadata(key string, value any) *DefinitionBuilder {
	if b.def.Metadata == nil {
		b.def.Metadata = make(map[string]any)
	}
	b.def.Metadata[key] = value
	return b
}

// AddNode appends a node and returns its builder.
func (b *DefinitionBuilder) AddNode(id string, nodeType NodeType) *NodeBuilder {
	b.def.Nodes = append(b.def.Nodes, Node{ID: id, Type: nodeType, Name: id})
	return &NodeBuilder{builder: b, index: len(b.def.Nodes) - 1}
}

// Edge connects two nodes.
func (b *DefinitionBuilder) Edge(source, target string) *DefinitionBuilder {
	b.def.Edges = append(b.def.Edges, Edge{Source: source, Target: target})
	return b
}

// EdgeIf connects two nodes behind a gating condition.
func (b *DefinitionBuilder) EdgeIf(source, target, condition string) *DefinitionBuilder {
	b.def.Edges = append(b.def.Edges, Edge{Source: source, Target: target, Condition: condition})
	return b
}

// Build validates the assembled definition and returns it.
func (b *DefinitionBuilder) Build() (*Definition, error) {
	if err := ValidateDefinition(b.def).Err(); err != nil {
		return nil, err
	}
	return b.def, nil
}

// NodeBuilder configures one node. Done returns to the definition
// builder.
type NodeBuilder struct {
	builder *DefinitionBuilder
	index   int
}

func (nb *NodeBuilder) node() *Node {
	return &nb.builder.def.Nodes[nb.index]
}

// WithName sets a display name.
func (nb *NodeBuilder) WithName(name string) *NodeBuilder {
	nb.node().Name = name
	return nb
}

// WithAgent targets an agent id.
func (nb *NodeBuilder) WithAgent(agentID string) *NodeBuilder {
	nb.node().Config.AgentID = agentID
	return nb
}

// WithTool targets a tool id.
func (nb *NodeBuilder) WithTool(toolID string) *NodeBuilder {
	nb.node().Config.ToolID = toolID
	return nb
}

// WithTools sets the ordered tool set of a hybrid node.
func (nb *NodeBuilder) WithTools(toolIDs ...string) *NodeBuilder {
	nb.node().Config.ToolIDs = toolIDs
	return nb
}

// WithStrategy selects the hybrid composition strategy.
func (nb *NodeBuilder) WithStrategy(strategy HybridStrategy) *NodeBuilder {
	nb.node().Config.Strategy = strategy
	return nb
}

// WithRounds bounds the coordinated strategy's exchanges.
func (nb *NodeBuilder) WithRounds(rounds int) *NodeBuilder {
	nb.node().Config.Rounds = rounds
	return nb
}

// WithExpression sets the condition or loop-continue expression.
func (nb *NodeBuilder) WithExpression(expression string) *NodeBuilder {
	nb.node().Config.Expression = expression
	return nb
}

// WithMaxIterations caps a loop node.
func (nb *NodeBuilder) WithMaxIterations(n int) *NodeBuilder {
	nb.node().Config.MaxIterations = n
	return nb
}

// WithTransform sets the declared transform.
func (nb *NodeBuilder) WithTransform(spec dsl.TransformSpec) *NodeBuilder {
	nb.node().Config.Transform = &spec
	return nb
}

// WithPrompt sets the human-input prompt.
func (nb *NodeBuilder) WithPrompt(prompt string) *NodeBuilder {
	nb.node().Config.Prompt = prompt
	return nb
}

// WithKind sets the human-input request kind.
func (nb *NodeBuilder) WithKind(kind string) *NodeBuilder {
	nb.node().Config.Kind = kind
	return nb
}

// WithRequired marks the human input as required.
func (nb *NodeBuilder) WithRequired(required bool) *NodeBuilder {
	nb.node().Config.Required = required
	return nb
}

// WithOptions offers approval choices.
func (nb *NodeBuilder) WithOptions(options ...OptionSpec) *NodeBuilder {
	nb.node().Config.Options = options
	return nb
}

// WithAssignee routes the human input to someone.
func (nb *NodeBuilder) WithAssignee(assignee string) *NodeBuilder {
	nb.node().Config.Assignee = assignee
	return nb
}

// WithInput sets static input merged over the flowing input.
func (nb *NodeBuilder) WithInput(input map[string]any) *NodeBuilder {
	nb.node().Config.Input = input
	return nb
}

// WithTimeout bounds this node's execution.
func (nb *NodeBuilder) WithTimeout(timeout time.Duration) *NodeBuilder {
	nb.node().Config.TimeoutMs = int(timeout / time.Millisecond)
	return nb
}

// WithOnError overrides the run-level error mode for this node.
func (nb *NodeBuilder) WithOnError(mode ErrorMode) *NodeBuilder {
	nb.node().Config.OnError = mode
	return nb
}

// WithNodeRetry overrides the run-level retry policy for this node.
func (nb *NodeBuilder) WithNodeRetry(spec RetrySpec) *NodeBuilder {
	nb.node().Config.Retry = &spec
	return nb
}

// Done returns to the definition builder.
func (nb *NodeBuilder) Done() *DefinitionBuilder {
	return nb.builder
}
