package workflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/flowsmith/flowsmith/types"
)

// RunStatus is the lifecycle state of one workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusPaused    RunStatus = "paused"
)

// Terminal reports whether the status is final. Paused runs can resume,
// so they are not terminal.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// NodeStatus is the lifecycle state of one node execution.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// Terminal reports whether the node status is final.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeStatusCompleted, NodeStatusFailed, NodeStatusSkipped:
		return true
	}
	return false
}

// Priority orders pending runs in the queue.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority. Empty defaults to normal.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical, "":
		return true
	}
	return false
}

// Weight maps the priority to its dequeue rank, higher first.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// NodeExecutionRecord is the per-node outcome within one run. It is
// created when the node becomes eligible and immutable once terminal.
type NodeExecutionRecord struct {
	NodeID     string              `json:"node_id"`
	NodeType   NodeType            `json:"node_type"`
	Status     NodeStatus          `json:"status"`
	Input      map[string]any      `json:"input,omitempty"`
	Output     any                 `json:"output,omitempty"`
	Error      string              `json:"error,omitempty"`
	RetryCount int                 `json:"retry_count,omitempty"`
	Usage      types.ResourceUsage `json:"usage"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}

// Terminal reports whether the record reached a final status.
func (r *NodeExecutionRecord) Terminal() bool {
	return r != nil && r.Status.Terminal()
}

// RunMetadata identifies who submitted the run and for whom.
type RunMetadata struct {
	Submitter    string         `json:"submitter,omitempty"`
	Organization string         `json:"organization,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Run is one execution instance of a workflow definition. It is mutated
// only by the coordinator; everybody else sees snapshots.
type Run struct {
	ID         string                          `json:"id"`
	WorkflowID string                          `json:"workflow_id"`
	Status     RunStatus                       `json:"status"`
	Priority   Priority                        `json:"priority"`
	Input      map[string]any                  `json:"input,omitempty"`
	Output     any                             `json:"output,omitempty"`
	Error      string                          `json:"error,omitempty"`
	Records    map[string]*NodeExecutionRecord `json:"records"`
	Context    *ExecutionContext               `json:"context,omitempty"`
	SessionID  string                          `json:"session_id,omitempty"`
	Metadata   RunMetadata                     `json:"metadata,omitempty"`
	CreatedAt  time.Time                       `json:"created_at"`
	StartedAt  time.Time                       `json:"started_at"`
	FinishedAt time.Time                       `json:"finished_at"`
}

// RunOptions configures run submission.
type RunOptions struct {
	Priority     Priority
	Timeout      time.Duration
	SessionID    string
	Submitter    string
	Organization string
	Metadata     map[string]any
}

// NewRun builds a pending run for the given definition id.
func NewRun(workflowID string, input map[string]any, opts RunOptions) *Run {
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	return &Run{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Status:     RunStatusPending,
		Priority:   priority,
		Input:      input,
		Records:    make(map[string]*NodeExecutionRecord),
		Context:    NewExecutionContext(),
		SessionID:  opts.SessionID,
		Metadata: RunMetadata{
			Submitter:    opts.Submitter,
			Organization: opts.Organization,
			Extra:        opts.Metadata,
		},
		CreatedAt: time.Now(),
	}
}

// Record returns the execution record for a node id.
func (r *Run) Record(nodeID string) (*NodeExecutionRecord, bool) {
	rec, ok := r.Records[nodeID]
	return rec, ok
}

// Scope builds the call scope handed to tools and agents for one node.
func (r *Run) Scope(nodeID string) types.CallScope {
	return types.CallScope{
		RunID:          r.ID,
		NodeID:         nodeID,
		SessionID:      r.SessionID,
		UserID:         r.Metadata.Submitter,
		OrganizationID: r.Metadata.Organization,
	}
}

// NodeErrors returns the error of every failed node, keyed by node id.
func (r *Run) NodeErrors() map[string]string {
	errs := make(map[string]string)
	for id, rec := range r.Records {
		if rec.Status == NodeStatusFailed {
			errs[id] = rec.Error
		}
	}
	return errs
}

// Duration is the wall-clock time between start and finish, 0 while the
// run has not finished.
func (r *Run) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// snapshot deep-copies the run for handing out to callers. The context
// reference is shared; its accessors are concurrency-safe.
func (r *Run) snapshot() *Run {
	dup := *r
	dup.Records = make(map[string]*NodeExecutionRecord, len(r.Records))
	for id, rec := range r.Records {
		recCopy := *rec
		dup.Records[id] = &recCopy
	}
	return &dup
}

// RunFilter narrows history queries.
type RunFilter struct {
	// Statuses keeps runs whose status is in the set; empty keeps all.
	Statuses []RunStatus
	// Since and Until bound the creation time, inclusive.
	Since time.Time
	Until time.Time
	// Limit and Offset page the result after sorting.
	Limit  int
	Offset int
	// Descending sorts newest-first when set.
	Descending bool
}

// Match reports whether the run passes the status and time bounds.
// Paging is the store's job.
func (f RunFilter) Match(run *Run) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if run.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && run.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && run.CreatedAt.After(f.Until) {
		return false
	}
	return true
}
