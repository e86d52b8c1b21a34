package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowsmith/flowsmith/config"
	"github.com/flowsmith/flowsmith/types"
	"github.com/flowsmith/flowsmith/workflow"
)

// DefaultKeyPrefix namespaces all FlowSmith keys.
const DefaultKeyPrefix = "flowsmith:"

// NewRedisClient builds a client from the Redis config section and
// verifies connectivity.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// RedisRunStore persists runs as JSON values with sorted-set indexes
// per workflow and per status, scored by creation time.
type RedisRunStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisRunStore wraps an existing client. Empty prefix uses
// DefaultKeyPrefix.
func NewRedisRunStore(client *redis.Client, prefix string, logger *zap.Logger) *RedisRunStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRunStore{
		client: client,
		prefix: prefix + "run:",
		logger: logger.With(zap.String("component", "redis_run_store")),
	}
}

func (s *RedisRunStore) dataKey(runID string) string { return s.prefix + "data:" + runID }

func (s *RedisRunStore) allKey() string { return s.prefix + "all" }

func (s *RedisRunStore) workflowKey(workflowID string) string {
	return s.prefix + "wf:" + workflowID
}

func (s *RedisRunStore) statusKey(status workflow.RunStatus) string {
	return s.prefix + "status:" + string(status)
}

// SaveRun writes the run document and refreshes the indexes in one
// pipeline. A status change moves the id between status sets.
func (s *RedisRunStore) SaveRun(ctx context.Context, run *workflow.Run) error {
	if run == nil || run.ID == "" {
		return types.NewError(types.ErrValidation, "run id is required")
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	// old document tells us which status index to clean up
	old, _ := s.GetRun(ctx, run.ID)

	score := float64(run.CreatedAt.UnixNano())
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.dataKey(run.ID), data, 0)
	pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: run.ID})
	if run.WorkflowID != "" {
		pipe.ZAdd(ctx, s.workflowKey(run.WorkflowID), redis.Z{Score: score, Member: run.ID})
	}
	if old != nil && old.Status != run.Status {
		pipe.ZRem(ctx, s.statusKey(old.Status), run.ID)
	}
	pipe.ZAdd(ctx, s.statusKey(run.Status), redis.Z{Score: score, Member: run.ID})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads and decodes one run.
func (s *RedisRunStore) GetRun(ctx context.Context, runID string) (*workflow.Run, error) {
	data, err := s.client.Get(ctx, s.dataKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.NewErrorf(types.ErrNotFound, "run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	var run workflow.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run %s: %w", runID, err)
	}
	return &run, nil
}

// ListRuns walks the narrowest applicable index, decodes, filters, and
// pages.
func (s *RedisRunStore) ListRuns(ctx context.Context, workflowID string, filter workflow.RunFilter) ([]*workflow.Run, error) {
	var (
		ids []string
		err error
	)
	switch {
	case workflowID != "":
		ids, err = s.client.ZRange(ctx, s.workflowKey(workflowID), 0, -1).Result()
	case len(filter.Statuses) == 1:
		ids, err = s.client.ZRange(ctx, s.statusKey(filter.Statuses[0]), 0, -1).Result()
	default:
		ids, err = s.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	runs := make([]*workflow.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			continue
		}
		if workflowID != "" && run.WorkflowID != workflowID {
			continue
		}
		if !filter.Match(run) {
			continue
		}
		runs = append(runs, run)
	}
	return orderAndPage(runs, filter), nil
}

// DeleteRun removes the document and every index entry.
func (s *RedisRunStore) DeleteRun(ctx context.Context, runID string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.dataKey(runID))
	pipe.ZRem(ctx, s.allKey(), runID)
	pipe.ZRem(ctx, s.statusKey(run.Status), runID)
	if run.WorkflowID != "" {
		pipe.ZRem(ctx, s.workflowKey(run.WorkflowID), runID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	return nil
}

// CleanupTerminal walks the terminal status indexes and deletes runs
// finished before the retention window.
func (s *RedisRunStore) CleanupTerminal(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	terminal := []workflow.RunStatus{
		workflow.RunStatusCompleted,
		workflow.RunStatusFailed,
		workflow.RunStatusCancelled,
	}

	count := 0
	for _, status := range terminal {
		ids, err := s.client.ZRange(ctx, s.statusKey(status), 0, -1).Result()
		if err != nil {
			return count, fmt.Errorf("cleanup scan %s: %w", status, err)
		}
		for _, id := range ids {
			run, err := s.GetRun(ctx, id)
			if err != nil {
				// document gone, drop the stale index entry
				s.client.ZRem(ctx, s.statusKey(status), id)
				continue
			}
			if expired(run, cutoff) {
				if err := s.DeleteRun(ctx, id); err == nil {
					count++
				}
			}
		}
	}

	if count > 0 {
		s.logger.Info("terminal runs pruned", zap.Int("count", count))
	}
	return count, nil
}

// Stats counts runs per status from the index cardinalities.
func (s *RedisRunStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: make(map[workflow.RunStatus]int)}

	total, err := s.client.ZCard(ctx, s.allKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	stats.Total = int(total)

	statuses := []workflow.RunStatus{
		workflow.RunStatusPending,
		workflow.RunStatusRunning,
		workflow.RunStatusCompleted,
		workflow.RunStatusFailed,
		workflow.RunStatusCancelled,
		workflow.RunStatusPaused,
	}
	for _, status := range statuses {
		n, err := s.client.ZCard(ctx, s.statusKey(status)).Result()
		if err != nil {
			continue
		}
		if n > 0 {
			stats.ByStatus[status] = int(n)
		}
	}
	return stats, nil
}

// Close releases the underlying client.
func (s *RedisRunStore) Close() error {
	return s.client.Close()
}

// RedisDefinitionStore persists workflow definitions as JSON values
// with a single sorted-set index.
type RedisDefinitionStore struct {
	client *redis.Client
	prefix string
}

// NewRedisDefinitionStore wraps an existing client.
func NewRedisDefinitionStore(client *redis.Client, prefix string) *RedisDefinitionStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisDefinitionStore{client: client, prefix: prefix + "def:"}
}

func (s *RedisDefinitionStore) dataKey(id string) string { return s.prefix + "data:" + id }

func (s *RedisDefinitionStore) allKey() string { return s.prefix + "all" }

// SaveDefinition writes the definition document.
func (s *RedisDefinitionStore) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	if def == nil || def.ID == "" {
		return types.NewError(types.ErrValidation, "definition id is required")
	}
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.dataKey(def.ID), data, 0)
	pipe.ZAdd(ctx, s.allKey(), redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: def.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save definition %s: %w", def.ID, err)
	}
	return nil
}

// GetDefinition loads and decodes one definition.
func (s *RedisDefinitionStore) GetDefinition(ctx context.Context, workflowID string) (*workflow.Definition, error) {
	data, err := s.client.Get(ctx, s.dataKey(workflowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.NewErrorf(types.ErrNotFound, "workflow %s not found", workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load definition %s: %w", workflowID, err)
	}

	var def workflow.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition %s: %w", workflowID, err)
	}
	return &def, nil
}

// ListDefinitions returns all definitions in save order.
func (s *RedisDefinitionStore) ListDefinitions(ctx context.Context) ([]*workflow.Definition, error) {
	ids, err := s.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}

	defs := make([]*workflow.Definition, 0, len(ids))
	for _, id := range ids {
		def, err := s.GetDefinition(ctx, id)
		if err != nil {
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// DeleteDefinition removes the document and its index entry.
func (s *RedisDefinitionStore) DeleteDefinition(ctx context.Context, workflowID string) error {
	exists, err := s.client.Exists(ctx, s.dataKey(workflowID)).Result()
	if err != nil {
		return fmt.Errorf("delete definition %s: %w", workflowID, err)
	}
	if exists == 0 {
		return types.NewErrorf(types.ErrNotFound, "workflow %s not found", workflowID)
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.dataKey(workflowID))
	pipe.ZRem(ctx, s.allKey(), workflowID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete definition %s: %w", workflowID, err)
	}
	return nil
}

var (
	_ workflow.RunStore        = (*RedisRunStore)(nil)
	_ workflow.DefinitionStore = (*RedisDefinitionStore)(nil)
)
