package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/flowsmith/flowsmith/events"
	"github.com/flowsmith/flowsmith/hitl"
	"github.com/flowsmith/flowsmith/tools"
	"github.com/flowsmith/flowsmith/types"
)

// CoordinatorConfig tunes run admission and the background sweeps.
type CoordinatorConfig struct {
	// QueueCapacity bounds the submission queue; submits beyond it are
	// rejected with RATE_LIMIT.
	QueueCapacity int
	// MaxConcurrentRuns caps runs executing at the same time.
	MaxConcurrentRuns int64
	// DefaultRunTimeout applies when neither the submission nor the
	// definition sets one.
	DefaultRunTimeout time.Duration
	// BreakerSweepInterval paces the stale-breaker sweep.
	BreakerSweepInterval time.Duration
	// HistoryRetention prunes terminal runs older than this; 0 keeps
	// everything.
	HistoryRetention time.Duration
}

// DefaultCoordinatorConfig mirrors the engine config defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		QueueCapacity:        256,
		MaxConcurrentRuns:    16,
		DefaultRunTimeout:    10 * time.Minute,
		BreakerSweepInterval: time.Hour,
	}
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	def := DefaultCoordinatorConfig()
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = def.MaxConcurrentRuns
	}
	if c.DefaultRunTimeout <= 0 {
		c.DefaultRunTimeout = def.DefaultRunTimeout
	}
	if c.BreakerSweepInterval <= 0 {
		c.BreakerSweepInterval = def.BreakerSweepInterval
	}
	return c
}

// CoordinatorDeps wires the coordinator's collaborators. Definitions
// and Runs are required; the rest degrade to no-ops when nil.
type CoordinatorDeps struct {
	Definitions DefinitionStore
	Runs        RunStore
	Dispatcher  *Dispatcher
	Breakers    *tools.BreakerRegistry
	HumanInput  *hitl.Broker
	Bus         events.Bus
	Logger      *zap.Logger
}

// runtimeState pairs a live run with its compiled scheduler and the
// cooperative control flags. All run mutations go through mu.
type runtimeState struct {
	mu    sync.Mutex
	run   *Run
	def   *Definition
	sched *Scheduler

	// timeout is the per-submission override from RunOptions.
	timeout time.Duration

	cancelRequested atomic.Bool
	pauseRequested  atomic.Bool
}

func (s *runtimeState) snapshot() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run.snapshot()
}

// Coordinator owns run admission, priority dispatch, and the run
// lifecycle. A single loop serializes starts in priority order; once
// started, runs execute concurrently up to MaxConcurrentRuns.
type Coordinator struct {
	cfg        CoordinatorConfig
	defs       DefinitionStore
	runs       RunStore
	dispatcher *Dispatcher
	breakers   *tools.BreakerRegistry
	hitl       *hitl.Broker
	bus        events.Bus
	logger     *zap.Logger

	mu     sync.Mutex
	active map[string]*runtimeState
	queue  runQueue

	submitCh chan *Run
	kickCh   chan struct{}
	stopCh   chan struct{}
	sem      *semaphore.Weighted
	loops    errgroup.Group
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
	started    atomic.Bool
}

// NewCoordinator builds a coordinator. Call Start before submitting.
func NewCoordinator(cfg CoordinatorConfig, deps CoordinatorDeps) *Coordinator {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:        cfg,
		defs:       deps.Definitions,
		runs:       deps.Runs,
		dispatcher: deps.Dispatcher,
		breakers:   deps.Breakers,
		hitl:       deps.HumanInput,
		bus:        deps.Bus,
		logger:     logger.With(zap.String("component", "coordinator")),
		active:     make(map[string]*runtimeState),
		submitCh:   make(chan *Run, cfg.QueueCapacity),
		kickCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentRuns),
	}
}

// Start launches the dispatch loop and the background sweep.
func (c *Coordinator) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return types.NewError(types.ErrInvalidTransition, "coordinator already started")
	}
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	c.loops.Go(func() error {
		c.dispatchLoop()
		return nil
	})
	c.loops.Go(func() error {
		c.sweepLoop()
		return nil
	})
	c.logger.Info("coordinator started",
		zap.Int("queue_capacity", c.cfg.QueueCapacity),
		zap.Int64("max_concurrent_runs", c.cfg.MaxConcurrentRuns))
	return nil
}

// Stop drains the coordinator. In-flight runs get until ctx's deadline
// to finish; past it their contexts are cancelled and remaining nodes
// fail fast. Runs still queued stay Pending in the store.
func (c *Coordinator) Stop(ctx context.Context) error {
	if !c.started.CompareAndSwap(true, false) {
		return nil
	}
	close(c.stopCh)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("stop deadline reached, cancelling in-flight runs")
		c.rootCancel()
		<-done
	}
	c.rootCancel()
	_ = c.loops.Wait()
	c.logger.Info("coordinator stopped")
	return nil
}

// SubmitRun validates the workflow, persists a pending run, and queues
// it for dispatch. The returned id is immediately queryable via GetRun.
func (c *Coordinator) SubmitRun(ctx context.Context, workflowID string, input map[string]any, opts RunOptions) (string, error) {
	if !c.started.Load() {
		return "", types.NewError(types.ErrInvalidTransition, "coordinator is not started")
	}
	if opts.Priority != "" && !opts.Priority.Valid() {
		return "", types.NewErrorf(types.ErrValidation, "invalid priority %q", opts.Priority)
	}

	def, err := c.defs.GetDefinition(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if err := ValidateDefinition(def).Err(); err != nil {
		return "", err
	}
	sched, err := NewScheduler(def)
	if err != nil {
		return "", err
	}

	run := NewRun(workflowID, input, opts)
	if err := c.runs.SaveRun(ctx, run); err != nil {
		return "", fmt.Errorf("save run: %w", err)
	}

	state := &runtimeState{run: run, def: def, sched: sched, timeout: opts.Timeout}
	c.mu.Lock()
	c.active[run.ID] = state
	c.mu.Unlock()

	select {
	case c.submitCh <- run:
	default:
		c.mu.Lock()
		delete(c.active, run.ID)
		c.mu.Unlock()
		_ = c.runs.DeleteRun(ctx, run.ID)
		return "", types.NewError(types.ErrRateLimit, "run queue is full")
	}

	c.logger.Info("run submitted",
		zap.String("run_id", run.ID),
		zap.String("workflow_id", workflowID),
		zap.String("priority", string(run.Priority)))
	return run.ID, nil
}

// CancelRun cancels a queued run immediately or flags a running one to
// stop at its next node boundary. Outstanding human-input waits are
// released right away; in-flight node calls are left to finish.
func (c *Coordinator) CancelRun(ctx context.Context, runID string) error {
	c.mu.Lock()
	state := c.active[runID]
	var queued *Run
	if state != nil {
		queued = c.queue.remove(runID)
	}
	c.mu.Unlock()

	if state == nil {
		run, err := c.runs.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		return types.NewErrorf(types.ErrInvalidTransition, "run %s is already %s", runID, run.Status)
	}

	if queued != nil {
		state.mu.Lock()
		state.run.Status = RunStatusCancelled
		state.run.FinishedAt = time.Now()
		snap := state.run.snapshot()
		state.mu.Unlock()

		c.unregister(runID)
		c.persist(ctx, snap)
		c.publishRunCompleted(ctx, snap)
		c.logger.Info("queued run cancelled", zap.String("run_id", runID))
		return nil
	}

	// a paused run has nothing in flight, settle it here
	state.mu.Lock()
	if state.run.Status == RunStatusPaused {
		markRemainingSkipped(state)
		state.run.Status = RunStatusCancelled
		state.run.FinishedAt = time.Now()
		snap := state.run.snapshot()
		state.mu.Unlock()

		c.unregister(runID)
		c.persist(ctx, snap)
		c.publishRunCompleted(ctx, snap)
		c.logger.Info("paused run cancelled", zap.String("run_id", runID))
		return nil
	}
	state.mu.Unlock()

	state.cancelRequested.Store(true)
	released := 0
	if c.hitl != nil {
		released = c.hitl.CancelRun(ctx, runID)
	}
	c.logger.Info("cancel requested",
		zap.String("run_id", runID),
		zap.Int("released_inputs", released))
	return nil
}

// PauseRun flags a pending or running run to pause at its next node
// boundary. Nodes already in flight finish first.
func (c *Coordinator) PauseRun(ctx context.Context, runID string) error {
	c.mu.Lock()
	state := c.active[runID]
	c.mu.Unlock()

	if state == nil {
		run, err := c.runs.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		return types.NewErrorf(types.ErrInvalidTransition, "run %s is already %s", runID, run.Status)
	}

	state.mu.Lock()
	status := state.run.Status
	state.mu.Unlock()
	if status != RunStatusPending && status != RunStatusRunning {
		return types.NewErrorf(types.ErrInvalidTransition, "cannot pause run in status %s", status)
	}

	state.pauseRequested.Store(true)
	c.logger.Info("pause requested", zap.String("run_id", runID))
	return nil
}

// ResumeRun re-enqueues a paused run. Nodes holding a terminal record
// are not executed again.
func (c *Coordinator) ResumeRun(ctx context.Context, runID string) error {
	c.mu.Lock()
	state := c.active[runID]
	c.mu.Unlock()

	if state == nil {
		run, err := c.runs.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		return types.NewErrorf(types.ErrInvalidTransition, "run %s is %s, only paused runs resume", runID, run.Status)
	}

	state.mu.Lock()
	if state.run.Status != RunStatusPaused {
		status := state.run.Status
		state.mu.Unlock()
		return types.NewErrorf(types.ErrInvalidTransition, "run %s is %s, only paused runs resume", runID, status)
	}
	state.run.Status = RunStatusPending
	state.mu.Unlock()
	state.pauseRequested.Store(false)

	select {
	case c.submitCh <- state.run:
	default:
		state.mu.Lock()
		state.run.Status = RunStatusPaused
		state.mu.Unlock()
		return types.NewError(types.ErrRateLimit, "run queue is full")
	}

	c.logger.Info("run resume requested", zap.String("run_id", runID))
	return nil
}

// ProvideHumanInput resolves a pending human-input request. The value
// map is handed to the waiting node; "option", "comment", and
// "approved" keys additionally map onto the structured response.
func (c *Coordinator) ProvideHumanInput(ctx context.Context, runID, nodeID string, value map[string]any, responderID string) error {
	if c.hitl == nil {
		return types.NewError(types.ErrNotFound, "no human input broker configured")
	}

	resp := &hitl.Response{
		Input:     value,
		Approved:  true,
		Timestamp: time.Now(),
		UserID:    responderID,
	}
	if v, ok := value["approved"].(bool); ok {
		resp.Approved = v
	}
	if v, ok := value["option"].(string); ok {
		resp.OptionID = v
	}
	if v, ok := value["comment"].(string); ok {
		resp.Comment = v
	}

	if err := c.hitl.Resolve(ctx, runID, nodeID, resp); err != nil {
		return err
	}
	c.publishHumanInputResponse(ctx, runID, nodeID, value, responderID)
	return nil
}

// GetRun returns a point-in-time copy of the run.
func (c *Coordinator) GetRun(ctx context.Context, runID string) (*Run, error) {
	c.mu.Lock()
	state := c.active[runID]
	c.mu.Unlock()
	if state != nil {
		return state.snapshot(), nil
	}
	return c.runs.GetRun(ctx, runID)
}

// GetRunHistory lists stored runs for a workflow; empty workflowID
// lists across workflows.
func (c *Coordinator) GetRunHistory(ctx context.Context, workflowID string, filter RunFilter) ([]*Run, error) {
	return c.runs.ListRuns(ctx, workflowID, filter)
}

// QueueDepth reports runs waiting for a dispatch slot.
func (c *Coordinator) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

// ActiveRuns reports runs that are queued, executing, or paused.
func (c *Coordinator) ActiveRuns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *Coordinator) dispatchLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		case run := <-c.submitCh:
			c.mu.Lock()
			c.queue.enqueue(run)
			depth := c.queue.Len()
			c.mu.Unlock()
			c.logger.Debug("run queued",
				zap.String("run_id", run.ID),
				zap.Int("queue_depth", depth))
			c.launchReady()
		case <-c.kickCh:
			c.launchReady()
		}
	}
}

// launchReady starts queued runs in priority order while slots last.
func (c *Coordinator) launchReady() {
	for c.sem.TryAcquire(1) {
		c.mu.Lock()
		run := c.queue.dequeue()
		var state *runtimeState
		if run != nil {
			state = c.active[run.ID]
		}
		c.mu.Unlock()

		if run == nil {
			c.sem.Release(1)
			return
		}
		if state == nil {
			// cancelled while queued
			c.sem.Release(1)
			continue
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer c.sem.Release(1)
			defer c.kick()
			c.executeRun(c.rootCtx, state)
		}()
	}
}

func (c *Coordinator) kick() {
	select {
	case c.kickCh <- struct{}{}:
	default:
	}
}

// executeRun drives one run through eligibility waves until every node
// is terminal or a control flag stops it. Cancel and pause are checked
// between waves only, in-flight nodes always finish their attempt.
func (c *Coordinator) executeRun(ctx context.Context, state *runtimeState) {
	run, def, sched := state.run, state.def, state.sched
	bg := context.WithoutCancel(ctx)

	if state.cancelRequested.Load() {
		c.finalizeCancelled(bg, state)
		return
	}
	if state.pauseRequested.Load() {
		c.transitionPaused(bg, state)
		return
	}

	timeout := state.timeout
	if timeout <= 0 {
		timeout = def.Settings.Timeout()
	}
	if timeout <= 0 {
		timeout = c.cfg.DefaultRunTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	state.mu.Lock()
	run.Status = RunStatusRunning
	first := run.StartedAt.IsZero()
	if first {
		run.StartedAt = time.Now()
	}
	snap := run.snapshot()
	state.mu.Unlock()
	c.persist(bg, snap)

	if first {
		c.publishRunStarted(bg, snap)
		c.logger.Info("run started",
			zap.String("run_id", run.ID),
			zap.String("workflow_id", run.WorkflowID))
	} else {
		c.logger.Info("run resumed", zap.String("run_id", run.ID))
	}

	mode := def.ErrorMode()
	failed := false
	var failedNodes []string

	for {
		if state.cancelRequested.Load() {
			c.finalizeCancelled(bg, state)
			return
		}
		if state.pauseRequested.Load() {
			c.transitionPaused(bg, state)
			return
		}
		if err := runCtx.Err(); err != nil {
			c.finalizeExpired(bg, state, err, timeout)
			return
		}

		type launch struct {
			node  *Node
			input map[string]any
		}

		state.mu.Lock()
		eligible := sched.Eligible(run, mode)
		if len(eligible) == 0 {
			state.mu.Unlock()
			break
		}

		launches := make([]launch, 0, len(eligible))
		now := time.Now()
		for _, id := range eligible {
			node, ok := def.Node(id)
			if !ok {
				continue
			}
			input, ok := sched.InputFor(run, id)
			if !ok {
				// every completed predecessor was gated off by its edge
				run.Records[id] = &NodeExecutionRecord{
					NodeID:     id,
					NodeType:   node.Type,
					Status:     NodeStatusSkipped,
					StartedAt:  now,
					FinishedAt: now,
				}
				continue
			}
			run.Records[id] = &NodeExecutionRecord{
				NodeID:    id,
				NodeType:  node.Type,
				Status:    NodeStatusRunning,
				Input:     input,
				StartedAt: now,
			}
			launches = append(launches, launch{node: node, input: input})
		}
		snap = run.snapshot()
		state.mu.Unlock()
		c.persist(bg, snap)

		if len(launches) == 0 {
			continue
		}

		var g errgroup.Group
		if limit := def.Settings.MaxConcurrency; limit > 0 {
			g.SetLimit(limit)
		}
		results := make([]*NodeExecutionRecord, len(launches))
		for i, l := range launches {
			g.Go(func() error {
				results[i] = c.dispatcher.ExecuteNode(runCtx, run, def, l.node, l.input)
				return nil
			})
		}
		_ = g.Wait()

		state.mu.Lock()
		for _, rec := range results {
			if rec == nil {
				continue
			}
			run.Records[rec.NodeID] = rec
			if rec.Status == NodeStatusFailed {
				failed = true
				failedNodes = append(failedNodes, rec.NodeID)
			}
		}
		snap = run.snapshot()
		state.mu.Unlock()
		c.persist(bg, snap)

		if failed && mode != ErrorModeContinue {
			break
		}
	}

	c.finalize(bg, state, mode, failed, failedNodes)
}

func (c *Coordinator) finalize(ctx context.Context, state *runtimeState, mode ErrorMode, failed bool, failedNodes []string) {
	state.mu.Lock()
	markRemainingSkipped(state)
	run := state.run
	if failed && mode != ErrorModeContinue {
		run.Status = RunStatusFailed
		run.Error = fmt.Sprintf("%d node(s) failed: %s",
			len(failedNodes), strings.Join(failedNodes, ", "))
	} else {
		run.Status = RunStatusCompleted
		run.Output = collectRunOutput(run, state.sched)
	}
	run.FinishedAt = time.Now()
	snap := run.snapshot()
	state.mu.Unlock()

	c.unregister(run.ID)
	c.persist(ctx, snap)
	c.publishRunCompleted(ctx, snap)
	c.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(snap.Status)),
		zap.Duration("duration", snap.Duration()),
		zap.Int("failed_nodes", len(failedNodes)))
}

func (c *Coordinator) finalizeCancelled(ctx context.Context, state *runtimeState) {
	state.mu.Lock()
	markRemainingSkipped(state)
	state.run.Status = RunStatusCancelled
	state.run.FinishedAt = time.Now()
	snap := state.run.snapshot()
	state.mu.Unlock()

	c.unregister(snap.ID)
	c.persist(ctx, snap)
	c.publishRunCompleted(ctx, snap)
	c.logger.Info("run cancelled", zap.String("run_id", snap.ID))
}

// finalizeExpired settles a run whose context expired. Engine shutdown
// surfaces as cancellation, a deadline as run failure.
func (c *Coordinator) finalizeExpired(ctx context.Context, state *runtimeState, cause error, timeout time.Duration) {
	if errors.Is(cause, context.Canceled) {
		c.finalizeCancelled(ctx, state)
		return
	}

	state.mu.Lock()
	markRemainingSkipped(state)
	state.run.Status = RunStatusFailed
	state.run.Error = fmt.Sprintf("run exceeded timeout %s", timeout)
	state.run.FinishedAt = time.Now()
	snap := state.run.snapshot()
	state.mu.Unlock()

	c.unregister(snap.ID)
	c.persist(ctx, snap)
	c.publishRunCompleted(ctx, snap)
	c.logger.Warn("run timed out",
		zap.String("run_id", snap.ID),
		zap.Duration("timeout", timeout))
}

// transitionPaused parks the run. Its state stays registered so resume
// and cancel can still find it.
func (c *Coordinator) transitionPaused(ctx context.Context, state *runtimeState) {
	state.mu.Lock()
	state.run.Status = RunStatusPaused
	snap := state.run.snapshot()
	state.mu.Unlock()

	c.persist(ctx, snap)
	c.logger.Info("run paused", zap.String("run_id", snap.ID))
}

// markRemainingSkipped settles every node without a terminal record as
// Skipped. Callers hold state.mu and no wave may be in flight.
func markRemainingSkipped(state *runtimeState) {
	now := time.Now()
	for _, id := range state.sched.Unfinished(state.run) {
		var nodeType NodeType
		if node, ok := state.def.Node(id); ok {
			nodeType = node.Type
		}
		state.run.Records[id] = &NodeExecutionRecord{
			NodeID:     id,
			NodeType:   nodeType,
			Status:     NodeStatusSkipped,
			StartedAt:  now,
			FinishedAt: now,
		}
	}
}

// collectRunOutput shapes the run output from the completed exit
// nodes: a single exit passes through, several aggregate by node id.
func collectRunOutput(run *Run, sched *Scheduler) any {
	exits := sched.Exits()
	outputs := make(map[string]any, len(exits))
	for _, id := range exits {
		if rec := run.Records[id]; rec != nil && rec.Status == NodeStatusCompleted {
			outputs[id] = rec.Output
		}
	}
	if len(exits) == 1 && len(outputs) == 1 {
		return outputs[exits[0]]
	}
	if len(outputs) == 0 {
		return nil
	}
	return outputs
}

// sweepLoop periodically force-closes stale breakers and, when history
// retention is configured, prunes old terminal runs.
func (c *Coordinator) sweepLoop() {
	ticker := time.NewTicker(c.cfg.BreakerSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.breakers != nil {
				if n := c.breakers.SweepStale(); n > 0 {
					c.logger.Info("stale breakers closed", zap.Int("count", n))
				}
			}
			if c.cfg.HistoryRetention > 0 {
				n, err := c.runs.CleanupTerminal(c.rootCtx, c.cfg.HistoryRetention)
				if err != nil {
					c.logger.Warn("history cleanup failed", zap.Error(err))
				} else if n > 0 {
					c.logger.Info("old runs pruned", zap.Int("count", n))
				}
			}
		}
	}
}

func (c *Coordinator) persist(ctx context.Context, run *Run) {
	if err := c.runs.SaveRun(ctx, run); err != nil {
		c.logger.Error("persisting run failed",
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)),
			zap.Error(err))
	}
}

func (c *Coordinator) unregister(runID string) {
	c.mu.Lock()
	delete(c.active, runID)
	c.mu.Unlock()
}

func (c *Coordinator) publishRunStarted(ctx context.Context, run *Run) {
	if c.bus == nil {
		return
	}
	event := events.New(events.KindRunStarted, run.ID)
	event.WorkflowID = run.WorkflowID
	event.RunStatus = string(run.Status)
	_ = c.bus.Publish(ctx, event)
}

func (c *Coordinator) publishRunCompleted(ctx context.Context, run *Run) {
	if c.bus == nil {
		return
	}
	event := events.New(events.KindRunCompleted, run.ID)
	event.WorkflowID = run.WorkflowID
	event.RunStatus = string(run.Status)
	event.Error = run.Error
	event.Payload = map[string]any{"duration_ms": run.Duration().Milliseconds()}
	_ = c.bus.Publish(ctx, event)
}

func (c *Coordinator) publishHumanInputResponse(ctx context.Context, runID, nodeID string, value map[string]any, responderID string) {
	if c.bus == nil {
		return
	}
	event := events.New(events.KindHumanInputResponse, runID)
	event.NodeID = nodeID
	event.Payload = map[string]any{"value": value}
	if responderID != "" {
		event.Payload["responder"] = responderID
	}
	_ = c.bus.Publish(ctx, event)
}

// BreakerEventPublisher republishes circuit state transitions on the
// event bus. Hand one to tools.NewBreakerRegistry.
type BreakerEventPublisher struct {
	bus events.Bus
}

// NewBreakerEventPublisher creates the bridge.
func NewBreakerEventPublisher(bus events.Bus) *BreakerEventPublisher {
	return &BreakerEventPublisher{bus: bus}
}

// OnStateChange implements tools.BreakerEventHandler.
func (p *BreakerEventPublisher) OnStateChange(change tools.BreakerEvent) {
	if p.bus == nil {
		return
	}
	event := events.New(events.KindBreakerStateChanged, "")
	event.Payload = map[string]any{
		"tool_id":   change.ToolID,
		"old_state": change.OldState.String(),
		"new_state": change.NewState.String(),
		"reason":    change.Reason,
		"failures":  change.Failures,
	}
	_ = p.bus.Publish(context.Background(), event)
}
