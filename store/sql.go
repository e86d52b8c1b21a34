package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	glogger "gorm.io/gorm/logger"

	"github.com/flowsmith/flowsmith/config"
	"github.com/flowsmith/flowsmith/internal/database"
	"github.com/flowsmith/flowsmith/tools"
	"github.com/flowsmith/flowsmith/types"
	"github.com/flowsmith/flowsmith/workflow"
)

// txAttempts bounds transaction retries on transient failures such as
// deadlocks or SQLITE_BUSY.
const txAttempts = 3

// OpenDatabase opens a GORM handle for the configured driver and
// applies the pool settings. Supported drivers: postgres, mysql,
// sqlite (pure Go, Name is the file path or ":memory:").
func OpenDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
			cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port, cfg.SSLMode)
		dialector = postgres.Open(dsn)
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(cfg.Name)
	default:
		return nil, types.NewErrorf(types.ErrValidation, "unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// AutoMigrate creates the FlowSmith tables through GORM. Production
// deployments version the schema with internal/migration instead; this
// is for tests and throwaway databases.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&runRow{}, &nodeExecutionRow{}, &definitionRow{}, &toolInvocationRow{})
}

// runRow is the relational shape of a workflow run. Node records live
// in their own table.
type runRow struct {
	ID           string     `gorm:"primaryKey;size:64"`
	WorkflowID   string     `gorm:"size:128;index"`
	Status       string     `gorm:"size:16;index"`
	Priority     string     `gorm:"size:16"`
	SessionID    string     `gorm:"size:128"`
	Submitter    string     `gorm:"size:128"`
	Organization string     `gorm:"size:128"`
	Input        []byte     `gorm:"type:text"`
	Output       []byte     `gorm:"type:text"`
	Error        string     `gorm:"type:text"`
	Context      []byte     `gorm:"type:text"`
	Metadata     []byte     `gorm:"type:text"`
	CreatedAt    time.Time  `gorm:"index"`
	StartedAt    *time.Time
	FinishedAt   *time.Time
	UpdatedAt    time.Time
}

func (runRow) TableName() string { return "workflow_runs" }

type nodeExecutionRow struct {
	RunID      string     `gorm:"primaryKey;size:64;index"`
	NodeID     string     `gorm:"primaryKey;size:128"`
	NodeType   string     `gorm:"size:16"`
	Status     string     `gorm:"size:16"`
	Input      []byte     `gorm:"type:text"`
	Output     []byte     `gorm:"type:text"`
	Error      string     `gorm:"type:text"`
	RetryCount int
	Usage      []byte     `gorm:"type:text"`
	StartedAt  *time.Time
	FinishedAt *time.Time
}

func (nodeExecutionRow) TableName() string { return "node_executions" }

type definitionRow struct {
	ID        string    `gorm:"primaryKey;size:128"`
	Name      string    `gorm:"size:256"`
	Version   int
	Document  []byte    `gorm:"type:text"`
	UpdatedAt time.Time
}

func (definitionRow) TableName() string { return "workflow_definitions" }

type toolInvocationRow struct {
	ID         string     `gorm:"primaryKey;size:64"`
	ToolID     string     `gorm:"size:128;index"`
	Status     string     `gorm:"size:16"`
	Input      []byte     `gorm:"type:text"`
	Output     []byte     `gorm:"type:text"`
	Error      string     `gorm:"type:text"`
	RetryCount int
	Usage      []byte     `gorm:"type:text"`
	StartedAt  *time.Time
	FinishedAt *time.Time
}

func (toolInvocationRow) TableName() string { return "tool_invocations" }

// SQLRunStore persists runs relationally through GORM.
type SQLRunStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLRunStore wraps an open GORM handle.
func NewSQLRunStore(db *gorm.DB, logger *zap.Logger) *SQLRunStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLRunStore{
		db:     db,
		logger: logger.With(zap.String("component", "sql_run_store")),
	}
}

// SaveRun upserts the run row and its node execution rows in one
// transaction. Node rows are only ever added or updated, never pruned.
func (s *SQLRunStore) SaveRun(ctx context.Context, run *workflow.Run) error {
	if run == nil || run.ID == "" {
		return types.NewError(types.ErrValidation, "run id is required")
	}
	row, nodeRows, err := toRunRow(run)
	if err != nil {
		return err
	}

	return database.Transact(ctx, s.db, txAttempts, func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error; err != nil {
			return fmt.Errorf("save run %s: %w", run.ID, err)
		}
		for _, nr := range nodeRows {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(nr).Error; err != nil {
				return fmt.Errorf("save node record %s/%s: %w", run.ID, nr.NodeID, err)
			}
		}
		return nil
	})
}

// GetRun loads the run row plus its node rows.
func (s *SQLRunStore) GetRun(ctx context.Context, runID string) (*workflow.Run, error) {
	var row runRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrNotFound, "run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	var nodeRows []nodeExecutionRow
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Find(&nodeRows).Error; err != nil {
		return nil, fmt.Errorf("load node records %s: %w", runID, err)
	}
	return fromRunRow(&row, nodeRows)
}

// ListRuns filters in SQL and loads node rows with one IN query.
func (s *SQLRunStore) ListRuns(ctx context.Context, workflowID string, filter workflow.RunFilter) ([]*workflow.Run, error) {
	q := s.db.WithContext(ctx).Model(&runRow{})
	if workflowID != "" {
		q = q.Where("workflow_id = ?", workflowID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		q = q.Where("status IN ?", statuses)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		q = q.Where("created_at <= ?", filter.Until)
	}
	if filter.Descending {
		q = q.Order("created_at DESC")
	} else {
		q = q.Order("created_at ASC")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var rows []runRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	if len(rows) == 0 {
		return []*workflow.Run{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	var nodeRows []nodeExecutionRow
	if err := s.db.WithContext(ctx).Where("run_id IN ?", ids).Find(&nodeRows).Error; err != nil {
		return nil, fmt.Errorf("list node records: %w", err)
	}
	byRun := make(map[string][]nodeExecutionRow, len(rows))
	for _, nr := range nodeRows {
		byRun[nr.RunID] = append(byRun[nr.RunID], nr)
	}

	runs := make([]*workflow.Run, 0, len(rows))
	for i := range rows {
		run, err := fromRunRow(&rows[i], byRun[rows[i].ID])
		if err != nil {
			s.logger.Warn("skipping undecodable run",
				zap.String("run_id", rows[i].ID), zap.Error(err))
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// DeleteRun removes the run and its node rows.
func (s *SQLRunStore) DeleteRun(ctx context.Context, runID string) error {
	return database.Transact(ctx, s.db, txAttempts, func(tx *gorm.DB) error {
		res := tx.Delete(&runRow{}, "id = ?", runID)
		if res.Error != nil {
			return fmt.Errorf("delete run %s: %w", runID, res.Error)
		}
		if res.RowsAffected == 0 {
			return types.NewErrorf(types.ErrNotFound, "run %s not found", runID)
		}
		if err := tx.Delete(&nodeExecutionRow{}, "run_id = ?", runID).Error; err != nil {
			return fmt.Errorf("delete node records %s: %w", runID, err)
		}
		return nil
	})
}

// CleanupTerminal deletes terminal runs finished before the retention
// window, node rows included.
func (s *SQLRunStore) CleanupTerminal(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	terminal := []string{
		string(workflow.RunStatusCompleted),
		string(workflow.RunStatusFailed),
		string(workflow.RunStatusCancelled),
	}

	var ids []string
	err := s.db.WithContext(ctx).Model(&runRow{}).
		Where("status IN ? AND finished_at IS NOT NULL AND finished_at < ?", terminal, cutoff).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("cleanup scan: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	err = database.Transact(ctx, s.db, txAttempts, func(tx *gorm.DB) error {
		if err := tx.Delete(&nodeExecutionRow{}, "run_id IN ?", ids).Error; err != nil {
			return err
		}
		return tx.Delete(&runRow{}, "id IN ?", ids).Error
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup delete: %w", err)
	}

	s.logger.Info("terminal runs pruned", zap.Int("count", len(ids)))
	return len(ids), nil
}

// Stats counts runs grouped by status.
func (s *SQLRunStore) Stats(ctx context.Context) (*Stats, error) {
	type statusCount struct {
		Status string
		Count  int
	}
	var counts []statusCount
	err := s.db.WithContext(ctx).Model(&runRow{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Find(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	stats := &Stats{ByStatus: make(map[workflow.RunStatus]int)}
	for _, c := range counts {
		stats.Total += c.Count
		stats.ByStatus[workflow.RunStatus(c.Status)] = c.Count
	}
	return stats, nil
}

// SQLDefinitionStore persists definitions as versioned JSON documents.
type SQLDefinitionStore struct {
	db *gorm.DB
}

// NewSQLDefinitionStore wraps an open GORM handle.
func NewSQLDefinitionStore(db *gorm.DB) *SQLDefinitionStore {
	return &SQLDefinitionStore{db: db}
}

// SaveDefinition upserts the definition document.
func (s *SQLDefinitionStore) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	if def == nil || def.ID == "" {
		return types.NewError(types.ErrValidation, "definition id is required")
	}
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	row := &definitionRow{
		ID:        def.ID,
		Name:      def.Name,
		Version:   def.Version,
		Document:  doc,
		UpdatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error; err != nil {
		return fmt.Errorf("save definition %s: %w", def.ID, err)
	}
	return nil
}

// GetDefinition loads and decodes one definition.
func (s *SQLDefinitionStore) GetDefinition(ctx context.Context, workflowID string) (*workflow.Definition, error) {
	var row definitionRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", workflowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrNotFound, "workflow %s not found", workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load definition %s: %w", workflowID, err)
	}

	var def workflow.Definition
	if err := json.Unmarshal(row.Document, &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition %s: %w", workflowID, err)
	}
	return &def, nil
}

// ListDefinitions returns all definitions ordered by id.
func (s *SQLDefinitionStore) ListDefinitions(ctx context.Context) ([]*workflow.Definition, error) {
	var rows []definitionRow
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}

	defs := make([]*workflow.Definition, 0, len(rows))
	for _, row := range rows {
		var def workflow.Definition
		if err := json.Unmarshal(row.Document, &def); err != nil {
			continue
		}
		defs = append(defs, &def)
	}
	return defs, nil
}

// DeleteDefinition removes a definition.
func (s *SQLDefinitionStore) DeleteDefinition(ctx context.Context, workflowID string) error {
	res := s.db.WithContext(ctx).Delete(&definitionRow{}, "id = ?", workflowID)
	if res.Error != nil {
		return fmt.Errorf("delete definition %s: %w", workflowID, res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewErrorf(types.ErrNotFound, "workflow %s not found", workflowID)
	}
	return nil
}

// SQLInvocationSink archives tool invocation records. Hand it to the
// tool invoker's SetSink.
type SQLInvocationSink struct {
	db *gorm.DB
}

// NewSQLInvocationSink wraps an open GORM handle.
func NewSQLInvocationSink(db *gorm.DB) *SQLInvocationSink {
	return &SQLInvocationSink{db: db}
}

// SaveInvocation inserts one invocation record.
func (s *SQLInvocationSink) SaveInvocation(ctx context.Context, rec *types.ToolInvocationRecord) error {
	if rec == nil || rec.ID == "" {
		return types.NewError(types.ErrValidation, "invocation id is required")
	}
	input, err := json.Marshal(rec.Input)
	if err != nil {
		return fmt.Errorf("marshal invocation input: %w", err)
	}
	output, err := json.Marshal(rec.Output)
	if err != nil {
		return fmt.Errorf("marshal invocation output: %w", err)
	}
	usage, err := json.Marshal(rec.Usage)
	if err != nil {
		return fmt.Errorf("marshal invocation usage: %w", err)
	}

	row := &toolInvocationRow{
		ID:         rec.ID,
		ToolID:     rec.ToolID,
		Status:     string(rec.Status),
		Input:      input,
		Output:     output,
		Error:      rec.Error,
		RetryCount: rec.RetryCount,
		Usage:      usage,
		StartedAt:  timePtr(rec.StartedAt),
		FinishedAt: timePtr(rec.FinishedAt),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("save invocation %s: %w", rec.ID, err)
	}
	return nil
}

func toRunRow(run *workflow.Run) (*runRow, []*nodeExecutionRow, error) {
	input, err := json.Marshal(run.Input)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal run input: %w", err)
	}
	output, err := json.Marshal(run.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal run output: %w", err)
	}
	execCtx, err := json.Marshal(run.Context)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal run context: %w", err)
	}
	metadata, err := json.Marshal(run.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal run metadata: %w", err)
	}

	row := &runRow{
		ID:           run.ID,
		WorkflowID:   run.WorkflowID,
		Status:       string(run.Status),
		Priority:     string(run.Priority),
		SessionID:    run.SessionID,
		Submitter:    run.Metadata.Submitter,
		Organization: run.Metadata.Organization,
		Input:        input,
		Output:       output,
		Error:        run.Error,
		Context:      execCtx,
		Metadata:     metadata,
		CreatedAt:    run.CreatedAt,
		StartedAt:    timePtr(run.StartedAt),
		FinishedAt:   timePtr(run.FinishedAt),
		UpdatedAt:    time.Now(),
	}

	nodeRows := make([]*nodeExecutionRow, 0, len(run.Records))
	for _, rec := range run.Records {
		if rec == nil {
			continue
		}
		nr, err := toNodeRow(run.ID, rec)
		if err != nil {
			return nil, nil, err
		}
		nodeRows = append(nodeRows, nr)
	}
	return row, nodeRows, nil
}

func toNodeRow(runID string, rec *workflow.NodeExecutionRecord) (*nodeExecutionRow, error) {
	input, err := json.Marshal(rec.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal node input: %w", err)
	}
	output, err := json.Marshal(rec.Output)
	if err != nil {
		return nil, fmt.Errorf("marshal node output: %w", err)
	}
	usage, err := json.Marshal(rec.Usage)
	if err != nil {
		return nil, fmt.Errorf("marshal node usage: %w", err)
	}
	return &nodeExecutionRow{
		RunID:      runID,
		NodeID:     rec.NodeID,
		NodeType:   string(rec.NodeType),
		Status:     string(rec.Status),
		Input:      input,
		Output:     output,
		Error:      rec.Error,
		RetryCount: rec.RetryCount,
		Usage:      usage,
		StartedAt:  timePtr(rec.StartedAt),
		FinishedAt: timePtr(rec.FinishedAt),
	}, nil
}

func fromRunRow(row *runRow, nodeRows []nodeExecutionRow) (*workflow.Run, error) {
	run := &workflow.Run{
		ID:         row.ID,
		WorkflowID: row.WorkflowID,
		Status:     workflow.RunStatus(row.Status),
		Priority:   workflow.Priority(row.Priority),
		Error:      row.Error,
		SessionID:  row.SessionID,
		Records:    make(map[string]*workflow.NodeExecutionRecord, len(nodeRows)),
		CreatedAt:  row.CreatedAt,
		StartedAt:  timeVal(row.StartedAt),
		FinishedAt: timeVal(row.FinishedAt),
	}
	if len(row.Input) > 0 {
		if err := json.Unmarshal(row.Input, &run.Input); err != nil {
			return nil, fmt.Errorf("unmarshal run input: %w", err)
		}
	}
	if len(row.Output) > 0 {
		if err := json.Unmarshal(row.Output, &run.Output); err != nil {
			return nil, fmt.Errorf("unmarshal run output: %w", err)
		}
	}
	if len(row.Context) > 0 {
		run.Context = workflow.NewExecutionContext()
		if err := json.Unmarshal(row.Context, run.Context); err != nil {
			return nil, fmt.Errorf("unmarshal run context: %w", err)
		}
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &run.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal run metadata: %w", err)
		}
	}

	for i := range nodeRows {
		rec, err := fromNodeRow(&nodeRows[i])
		if err != nil {
			return nil, err
		}
		run.Records[rec.NodeID] = rec
	}
	return run, nil
}

func fromNodeRow(row *nodeExecutionRow) (*workflow.NodeExecutionRecord, error) {
	rec := &workflow.NodeExecutionRecord{
		NodeID:     row.NodeID,
		NodeType:   workflow.NodeType(row.NodeType),
		Status:     workflow.NodeStatus(row.Status),
		Error:      row.Error,
		RetryCount: row.RetryCount,
		StartedAt:  timeVal(row.StartedAt),
		FinishedAt: timeVal(row.FinishedAt),
	}
	if len(row.Input) > 0 {
		if err := json.Unmarshal(row.Input, &rec.Input); err != nil {
			return nil, fmt.Errorf("unmarshal node input: %w", err)
		}
	}
	if len(row.Output) > 0 {
		if err := json.Unmarshal(row.Output, &rec.Output); err != nil {
			return nil, fmt.Errorf("unmarshal node output: %w", err)
		}
	}
	if len(row.Usage) > 0 {
		if err := json.Unmarshal(row.Usage, &rec.Usage); err != nil {
			return nil, fmt.Errorf("unmarshal node usage: %w", err)
		}
	}
	return rec, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

var (
	_ workflow.RunStore        = (*SQLRunStore)(nil)
	_ workflow.DefinitionStore = (*SQLDefinitionStore)(nil)
	_ tools.InvocationSink     = (*SQLInvocationSink)(nil)
)
