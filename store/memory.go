// Package store provides the persistence implementations behind the
// workflow RunStore and DefinitionStore interfaces.
//
// Three backends are available:
//   - Memory: for development and tests (default)
//   - Redis: JSON documents with sorted-set indexes, for distributed deployments
//   - SQL: GORM-backed relational storage (postgres, mysql, sqlite)
//
// Every backend stores runs as serialized documents, so values read
// back carry JSON types (float64 numbers, map[string]any objects)
// regardless of what the engine handed in.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flowsmith/flowsmith/types"
	"github.com/flowsmith/flowsmith/workflow"
)

// Stats summarizes a run store's contents.
type Stats struct {
	Total    int                        `json:"total"`
	ByStatus map[workflow.RunStatus]int `json:"by_status"`
}

// MemoryRunStore keeps runs as JSON documents in process memory.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string][]byte
}

// NewMemoryRunStore creates an empty store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string][]byte)}
}

// SaveRun stores a serialized copy of the run.
func (s *MemoryRunStore) SaveRun(_ context.Context, run *workflow.Run) error {
	if run == nil || run.ID == "" {
		return types.NewError(types.ErrValidation, "run id is required")
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	s.mu.Lock()
	s.runs[run.ID] = data
	s.mu.Unlock()
	return nil
}

// GetRun returns a decoded copy of the stored run.
func (s *MemoryRunStore) GetRun(_ context.Context, runID string) (*workflow.Run, error) {
	s.mu.RLock()
	data, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "run %s not found", runID)
	}

	var run workflow.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run %s: %w", runID, err)
	}
	return &run, nil
}

// ListRuns returns runs for the workflow matching the filter. Empty
// workflowID lists across workflows.
func (s *MemoryRunStore) ListRuns(_ context.Context, workflowID string, filter workflow.RunFilter) ([]*workflow.Run, error) {
	s.mu.RLock()
	docs := make([][]byte, 0, len(s.runs))
	for _, data := range s.runs {
		docs = append(docs, data)
	}
	s.mu.RUnlock()

	runs := make([]*workflow.Run, 0, len(docs))
	for _, data := range docs {
		var run workflow.Run
		if err := json.Unmarshal(data, &run); err != nil {
			continue
		}
		if workflowID != "" && run.WorkflowID != workflowID {
			continue
		}
		if !filter.Match(&run) {
			continue
		}
		runs = append(runs, &run)
	}
	return orderAndPage(runs, filter), nil
}

// DeleteRun removes a run.
func (s *MemoryRunStore) DeleteRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return types.NewErrorf(types.ErrNotFound, "run %s not found", runID)
	}
	delete(s.runs, runID)
	return nil
}

// CleanupTerminal deletes terminal runs that finished before the
// retention window.
func (s *MemoryRunStore) CleanupTerminal(_ context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, data := range s.runs {
		var run workflow.Run
		if err := json.Unmarshal(data, &run); err != nil {
			continue
		}
		if expired(&run, cutoff) {
			delete(s.runs, id)
			count++
		}
	}
	return count, nil
}

// Stats counts stored runs by status.
func (s *MemoryRunStore) Stats(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{ByStatus: make(map[workflow.RunStatus]int)}
	for _, data := range s.runs {
		var run workflow.Run
		if err := json.Unmarshal(data, &run); err != nil {
			continue
		}
		stats.Total++
		stats.ByStatus[run.Status]++
	}
	return stats, nil
}

// MemoryDefinitionStore keeps workflow definitions in process memory.
type MemoryDefinitionStore struct {
	mu   sync.RWMutex
	defs map[string][]byte
}

// NewMemoryDefinitionStore creates an empty store.
func NewMemoryDefinitionStore() *MemoryDefinitionStore {
	return &MemoryDefinitionStore{defs: make(map[string][]byte)}
}

// SaveDefinition stores a serialized copy of the definition.
func (s *MemoryDefinitionStore) SaveDefinition(_ context.Context, def *workflow.Definition) error {
	if def == nil || def.ID == "" {
		return types.NewError(types.ErrValidation, "definition id is required")
	}
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	s.mu.Lock()
	s.defs[def.ID] = data
	s.mu.Unlock()
	return nil
}

// GetDefinition returns a decoded copy of the stored definition.
func (s *MemoryDefinitionStore) GetDefinition(_ context.Context, workflowID string) (*workflow.Definition, error) {
	s.mu.RLock()
	data, ok := s.defs[workflowID]
	s.mu.RUnlock()
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "workflow %s not found", workflowID)
	}

	var def workflow.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition %s: %w", workflowID, err)
	}
	return &def, nil
}

// ListDefinitions returns all stored definitions sorted by id.
func (s *MemoryDefinitionStore) ListDefinitions(_ context.Context) ([]*workflow.Definition, error) {
	s.mu.RLock()
	docs := make([][]byte, 0, len(s.defs))
	for _, data := range s.defs {
		docs = append(docs, data)
	}
	s.mu.RUnlock()

	defs := make([]*workflow.Definition, 0, len(docs))
	for _, data := range docs {
		var def workflow.Definition
		if err := json.Unmarshal(data, &def); err != nil {
			continue
		}
		defs = append(defs, &def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// DeleteDefinition removes a definition.
func (s *MemoryDefinitionStore) DeleteDefinition(_ context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[workflowID]; !ok {
		return types.NewErrorf(types.ErrNotFound, "workflow %s not found", workflowID)
	}
	delete(s.defs, workflowID)
	return nil
}

// orderAndPage sorts runs by creation time and applies offset/limit.
func orderAndPage(runs []*workflow.Run, filter workflow.RunFilter) []*workflow.Run {
	sort.Slice(runs, func(i, j int) bool {
		less := runs[i].CreatedAt.Before(runs[j].CreatedAt)
		if filter.Descending {
			return !less
		}
		return less
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(runs) {
			return []*workflow.Run{}
		}
		runs = runs[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(runs) {
		runs = runs[:filter.Limit]
	}
	return runs
}

// expired reports whether a terminal run finished before the cutoff.
// Runs without a finish timestamp fall back to their creation time.
func expired(run *workflow.Run, cutoff time.Time) bool {
	if !run.Status.Terminal() {
		return false
	}
	finished := run.FinishedAt
	if finished.IsZero() {
		finished = run.CreatedAt
	}
	return finished.Before(cutoff)
}

var (
	_ workflow.RunStore        = (*MemoryRunStore)(nil)
	_ workflow.DefinitionStore = (*MemoryDefinitionStore)(nil)
)
