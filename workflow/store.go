package workflow

import (
	"context"
	"time"
)

// RunStore persists workflow runs. The coordinator writes through it at
// every status change, so a crash never loses a terminal state.
type RunStore interface {
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	// ListRuns queries the history of one workflow, newest ordering and
	// paging per the filter. An empty workflowID lists across workflows.
	ListRuns(ctx context.Context, workflowID string, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, runID string) error
	// CleanupTerminal deletes terminal runs that finished before the
	// retention window and returns how many were removed.
	CleanupTerminal(ctx context.Context, retention time.Duration) (int, error)
}

// DefinitionStore persists workflow definitions keyed by workflow id.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, workflowID string) (*Definition, error)
	ListDefinitions(ctx context.Context) ([]*Definition, error)
	DeleteDefinition(ctx context.Context, workflowID string) error
}
