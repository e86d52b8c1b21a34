// Package flowsmith assembles the workflow engine from configuration:
// stores, event bus, tool subsystem, human-input broker, dispatcher and
// coordinator, with optional Prometheus metrics and OTLP tracing.
//
// Usage:
//
//	eng, err := flowsmith.New()
//	eng, err := flowsmith.New(flowsmith.WithConfigFile("flowsmith.yaml"))
//	eng, err := flowsmith.New(flowsmith.WithConfig(cfg), flowsmith.WithRedis())
//
// By default the engine runs entirely in memory and dials nothing.
// WithRedis switches run storage and the event bus to Redis, WithDatabase
// switches run storage to SQL via GORM; both read their connection
// parameters from the config.
package flowsmith

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/flowsmith/flowsmith/agents"
	"github.com/flowsmith/flowsmith/config"
	"github.com/flowsmith/flowsmith/events"
	"github.com/flowsmith/flowsmith/hitl"
	"github.com/flowsmith/flowsmith/internal/metrics"
	"github.com/flowsmith/flowsmith/internal/telemetry"
	"github.com/flowsmith/flowsmith/internal/tlsutil"
	"github.com/flowsmith/flowsmith/store"
	"github.com/flowsmith/flowsmith/tools"
	"github.com/flowsmith/flowsmith/tools/openapi"
	"github.com/flowsmith/flowsmith/types"
	"github.com/flowsmith/flowsmith/workflow"
)

// Option configures the engine created by [New].
type Option func(*options)

type options struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	bus      events.Bus
	runs     workflow.RunStore
	defs     workflow.DefinitionStore
	useRedis bool
	useDB    bool

	retriever tools.Retriever
	browser   tools.BrowserDriver
	backends  []tools.Backend

	agents   map[string]agents.Invoker
	fallback agents.Invoker
}

// WithConfig sets a pre-built configuration, skipping the loader.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithConfigFile loads configuration from a YAML file with environment
// overrides on top.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithLogger sets a custom zap logger. Defaults to a logger built from
// the Log config section.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithBus sets a pre-built event bus. The engine will not close it.
func WithBus(bus events.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithRunStore sets a pre-built run store.
func WithRunStore(s workflow.RunStore) Option {
	return func(o *options) { o.runs = s }
}

// WithDefinitionStore sets a pre-built definition store.
func WithDefinitionStore(s workflow.DefinitionStore) Option {
	return func(o *options) { o.defs = s }
}

// WithRedis backs run storage, definition storage and the event bus with
// Redis, using the Redis config section. Explicit WithBus/WithRunStore/
// WithDefinitionStore options still win for their component.
func WithRedis() Option {
	return func(o *options) { o.useRedis = true }
}

// WithDatabase backs run and definition storage with SQL via GORM, using
// the Database config section. Tool invocation records are persisted to
// the same database.
func WithDatabase() Option {
	return func(o *options) { o.useDB = true }
}

// WithRetriever installs a retrieval backend for knowledge-base tools.
func WithRetriever(r tools.Retriever) Option {
	return func(o *options) { o.retriever = r }
}

// WithBrowserDriver replaces the default HTTP fetch driver behind
// browser tools.
func WithBrowserDriver(d tools.BrowserDriver) Option {
	return func(o *options) { o.browser = d }
}

// WithBackend registers an extra tool backend, replacing the built-in
// one for the same tool type.
func WithBackend(b tools.Backend) Option {
	return func(o *options) { o.backends = append(o.backends, b) }
}

// WithAgent registers an agent invoker under the given id.
func WithAgent(agentID string, inv agents.Invoker) Option {
	return func(o *options) {
		if o.agents == nil {
			o.agents = make(map[string]agents.Invoker)
		}
		o.agents[agentID] = inv
	}
}

// WithAgentFallback sets the invoker used for agent ids that have no
// dedicated registration.
func WithAgentFallback(inv agents.Invoker) Option {
	return func(o *options) { o.fallback = inv }
}

// Engine is the assembled workflow engine. Build with [New], then Start;
// all run operations go through the coordinator it owns.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	bus         events.Bus
	runs        workflow.RunStore
	defs        workflow.DefinitionStore
	httpClient  *http.Client
	registry    *tools.DefaultRegistry
	backends    *tools.BackendSet
	functions   *tools.FunctionBackend
	breakers    *tools.BreakerRegistry
	invoker     *tools.DefaultInvoker
	chains      tools.ChainExecutor
	broker      *hitl.Broker
	router      *agents.Router
	dispatcher  *workflow.Dispatcher
	coordinator *workflow.Coordinator

	collector  *metrics.Collector
	metricsSub string
	stopPoll   func()
	providers  *telemetry.Providers
	tracer     *telemetry.RunTracer
	tracerSub  string

	// Connections the engine opened itself and must close on Stop.
	redisClient *redis.Client
	db          *gorm.DB
	ownsBus     bool

	started atomic.Bool
	stopped atomic.Bool
}

// New assembles an engine. The zero-option call loads defaults, keeps
// everything in memory and registers function, REST and browser backends.
func New(opts ...Option) (*Engine, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	cfg := o.cfg
	if cfg == nil {
		loader := config.NewLoader()
		if o.configPath != "" {
			loader = loader.WithConfigPath(o.configPath)
		}
		var err error
		cfg, err = loader.Load()
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		logger = NewLogger(cfg.Log)
	}

	eng := &Engine{cfg: cfg, logger: logger}

	if err := eng.initConnections(o); err != nil {
		return nil, err
	}
	eng.initBus(o)
	eng.initStores(o)
	eng.initMetrics()
	eng.initTools(o)
	eng.initAgents(o)
	eng.initWorkflow()
	eng.initTelemetry()

	return eng, nil
}

// initConnections dials Redis and opens the database when the matching
// options asked for them.
func (e *Engine) initConnections(o *options) error {
	if o.useRedis {
		client, err := store.NewRedisClient(e.cfg.Redis)
		if err != nil {
			return err
		}
		e.redisClient = client
	}
	if o.useDB {
		db, err := store.OpenDatabase(e.cfg.Database)
		if err != nil {
			return err
		}
		if err := store.AutoMigrate(db); err != nil {
			return err
		}
		e.db = db
	}
	return nil
}

func (e *Engine) initBus(o *options) {
	if o.bus != nil {
		e.bus = o.bus
		return
	}
	e.ownsBus = true
	if e.redisClient != nil {
		bus, err := events.NewRedisBus(e.redisClient, "", e.logger)
		if err == nil {
			e.bus = bus
			return
		}
		e.logger.Warn("redis bus unavailable, falling back to memory bus", zap.Error(err))
	}
	e.bus = events.NewMemoryBus(e.logger)
}

func (e *Engine) initStores(o *options) {
	e.runs = o.runs
	e.defs = o.defs

	if e.runs == nil {
		switch {
		case e.db != nil:
			e.runs = store.NewSQLRunStore(e.db, e.logger)
		case e.redisClient != nil:
			e.runs = store.NewRedisRunStore(e.redisClient, "", e.logger)
		default:
			e.runs = store.NewMemoryRunStore()
		}
	}
	if e.defs == nil {
		switch {
		case e.db != nil:
			e.defs = store.NewSQLDefinitionStore(e.db)
		case e.redisClient != nil:
			e.defs = store.NewRedisDefinitionStore(e.redisClient, "")
		default:
			e.defs = store.NewMemoryDefinitionStore()
		}
	}
}

func (e *Engine) initMetrics() {
	if !e.cfg.Metrics.Enabled {
		return
	}
	e.collector = metrics.NewCollector(e.cfg.Metrics.Namespace, e.logger)
	e.metricsSub = e.collector.ObserveBus(e.bus)
}

func (e *Engine) initTools(o *options) {
	e.registry = tools.NewDefaultRegistry(e.logger)

	breakerCfg := tools.BreakerConfig{
		FailureThreshold: e.cfg.Tools.BreakerFailureThreshold,
		Cooldown:         e.cfg.Tools.BreakerCooldown,
		ForceCloseAfter:  e.cfg.Tools.BreakerForceCloseAfter,
	}
	e.breakers = tools.NewBreakerRegistry(breakerCfg, workflow.NewBreakerEventPublisher(e.bus), e.logger)

	// 对外 HTTP 出口共用一个加固客户端；超时由调用侧 context 控制
	e.httpClient = tlsutil.SecureHTTPClient(0)

	e.functions = tools.NewFunctionBackend(e.logger)
	browser := o.browser
	if browser == nil {
		browser = tools.NewHTTPBrowserDriver(e.httpClient)
	}
	e.backends = tools.NewBackendSet(
		e.functions,
		tools.NewRESTBackend(e.httpClient, e.logger),
		tools.NewBrowserBackend(browser, e.logger),
	)
	if o.retriever != nil {
		e.backends.Register(tools.NewRetrievalBackend(o.retriever, e.logger))
	}
	if e.db != nil {
		e.backends.Register(tools.NewDatabaseBackend(e.db, e.logger))
	}
	for _, b := range o.backends {
		e.backends.Register(b)
	}

	invokerCfg := tools.InvokerConfig{
		DefaultTimeout: e.cfg.Tools.DefaultTimeout,
		DefaultPolicy: &tools.RetryPolicy{
			MaxRetries: e.cfg.Tools.DefaultMaxRetries,
			Backoff:    tools.BackoffExponential,
			BaseDelay:  e.cfg.Tools.DefaultBaseDelay,
		},
	}
	e.invoker = tools.NewInvoker(e.registry, e.backends, e.breakers, invokerCfg, e.logger)

	var sink tools.InvocationSink
	if e.db != nil {
		sink = store.NewSQLInvocationSink(e.db)
	}
	if e.collector != nil {
		sink = metrics.NewInvocationObserver(e.collector, sink)
	}
	if sink != nil {
		e.invoker.SetSink(sink)
	}

	e.chains = tools.NewChainExecutor(e.invoker, e.logger)
}

func (e *Engine) initAgents(o *options) {
	e.router = agents.NewRouter(e.logger)
	for id, inv := range o.agents {
		e.router.Register(id, inv)
	}
	if o.fallback != nil {
		e.router.SetFallback(o.fallback)
	}
}

func (e *Engine) initWorkflow() {
	e.broker = hitl.NewBroker(nil, e.logger)

	e.dispatcher = workflow.NewDispatcher(workflow.DispatcherDeps{
		Tools:             e.invoker,
		Chains:            e.chains,
		Agents:            agents.WithUsageEstimation(e.router, nil),
		HumanInput:        e.broker,
		Bus:               e.bus,
		Logger:            e.logger,
		HumanInputTimeout: e.cfg.HumanInput.DefaultTimeout,
	})

	e.coordinator = workflow.NewCoordinator(workflow.CoordinatorConfig{
		QueueCapacity:        e.cfg.Engine.QueueCapacity,
		MaxConcurrentRuns:    e.cfg.Engine.MaxConcurrentRuns,
		DefaultRunTimeout:    e.cfg.Engine.DefaultRunTimeout,
		BreakerSweepInterval: e.cfg.Engine.BreakerSweepInterval,
		HistoryRetention:     e.cfg.Engine.HistoryRetention,
	}, workflow.CoordinatorDeps{
		Definitions: e.defs,
		Runs:        e.runs,
		Dispatcher:  e.dispatcher,
		Breakers:    e.breakers,
		HumanInput:  e.broker,
		Bus:         e.bus,
		Logger:      e.logger,
	})
}

func (e *Engine) initTelemetry() {
	if !e.cfg.Telemetry.Enabled {
		return
	}
	providers, err := telemetry.Init(e.cfg.Telemetry, e.logger)
	if err != nil {
		e.logger.Warn("failed to initialize telemetry", zap.Error(err))
		return
	}
	e.providers = providers
	e.tracer = telemetry.NewRunTracer(nil)
	e.tracerSub = e.tracer.ObserveBus(e.bus)
}

// Start launches the coordinator and the metrics poller. An engine is
// single-use: once stopped it cannot be started again.
func (e *Engine) Start() error {
	if e.stopped.Load() {
		return types.NewError(types.ErrInvalidTransition, "engine already stopped")
	}
	if !e.started.CompareAndSwap(false, true) {
		return types.NewError(types.ErrInvalidTransition, "engine already started")
	}
	if err := e.coordinator.Start(); err != nil {
		e.started.Store(false)
		return err
	}
	if e.collector != nil {
		e.stopPoll = e.collector.PollEngine(e.coordinator, 0)
	}
	e.logger.Info("engine started")
	return nil
}

// Stop drains the coordinator, then tears down observers, the bus and
// the connections the engine opened. In-flight runs get until ctx's
// deadline before they are cancelled. Stop on a never-started engine
// still releases its connections.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if e.started.Load() {
		err = e.coordinator.Stop(ctx)
	}

	if e.stopPoll != nil {
		e.stopPoll()
	}
	if e.metricsSub != "" {
		e.bus.Unsubscribe(e.metricsSub)
	}
	if e.tracerSub != "" {
		e.bus.Unsubscribe(e.tracerSub)
	}
	if e.tracer != nil {
		e.tracer.Close()
	}
	if e.ownsBus {
		if cerr := e.bus.Close(); cerr != nil {
			e.logger.Warn("event bus close failed", zap.Error(cerr))
		}
	}
	if e.providers != nil {
		if serr := e.providers.Shutdown(ctx); serr != nil {
			e.logger.Warn("telemetry shutdown failed", zap.Error(serr))
		}
	}
	if e.redisClient != nil {
		if cerr := e.redisClient.Close(); cerr != nil {
			e.logger.Warn("redis close failed", zap.Error(cerr))
		}
	}
	if e.db != nil {
		if sqlDB, derr := e.db.DB(); derr == nil {
			if cerr := sqlDB.Close(); cerr != nil {
				e.logger.Warn("database close failed", zap.Error(cerr))
			}
		}
	}

	e.logger.Info("engine stopped")
	return err
}

// RegisterWorkflow validates a definition and persists it. The workflow
// becomes submittable immediately.
func (e *Engine) RegisterWorkflow(ctx context.Context, def *workflow.Definition) error {
	if err := workflow.ValidateDefinition(def).Err(); err != nil {
		return err
	}
	return e.defs.SaveDefinition(ctx, def)
}

// RegisterTool adds a tool definition to the catalog. A zero RateLimit
// inherits the engine-wide default; a negative one disables limiting
// for this tool explicitly.
func (e *Engine) RegisterTool(def *types.ToolDefinition) error {
	if def != nil && def.RateLimit == 0 && e.cfg.Tools.DefaultRateLimit > 0 {
		d := *def
		d.RateLimit = e.cfg.Tools.DefaultRateLimit
		d.RateBurst = e.cfg.Tools.DefaultRateBurst
		return e.registry.Register(&d)
	}
	return e.registry.Register(def)
}

// RegisterFunction binds a Go function as a function-tool handler.
func (e *Engine) RegisterFunction(name string, fn tools.FunctionHandler) error {
	return e.functions.RegisterFunc(name, fn)
}

// ImportOpenAPITools loads an OpenAPI document from a URL or file and
// registers a REST tool for every operation it describes. It returns
// the registered definitions.
func (e *Engine) ImportOpenAPITools(ctx context.Context, source string, opts openapi.Options) ([]*types.ToolDefinition, error) {
	gen := openapi.NewGenerator(openapi.GeneratorConfig{Client: e.httpClient}, e.logger)
	doc, err := gen.LoadDocument(ctx, source)
	if err != nil {
		return nil, err
	}
	defs, err := gen.GenerateTools(doc, opts)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if err := e.RegisterTool(def); err != nil {
			return nil, fmt.Errorf("register tool %s: %w", def.ID, err)
		}
	}
	return defs, nil
}

// RegisterAgent routes the given agent id to an invoker.
func (e *Engine) RegisterAgent(agentID string, inv agents.Invoker) {
	e.router.Register(agentID, inv)
}

// SubmitRun queues a run of a registered workflow and returns its id.
func (e *Engine) SubmitRun(ctx context.Context, workflowID string, input map[string]any, opts workflow.RunOptions) (string, error) {
	return e.coordinator.SubmitRun(ctx, workflowID, input, opts)
}

// CancelRun cancels a queued or running run.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	return e.coordinator.CancelRun(ctx, runID)
}

// PauseRun requests a pause at the next node boundary.
func (e *Engine) PauseRun(ctx context.Context, runID string) error {
	return e.coordinator.PauseRun(ctx, runID)
}

// ResumeRun re-enqueues a paused run.
func (e *Engine) ResumeRun(ctx context.Context, runID string) error {
	return e.coordinator.ResumeRun(ctx, runID)
}

// ProvideHumanInput resolves a pending human-input request.
func (e *Engine) ProvideHumanInput(ctx context.Context, runID, nodeID string, value map[string]any, responderID string) error {
	return e.coordinator.ProvideHumanInput(ctx, runID, nodeID, value, responderID)
}

// GetRun returns a snapshot of one run.
func (e *Engine) GetRun(ctx context.Context, runID string) (*workflow.Run, error) {
	return e.coordinator.GetRun(ctx, runID)
}

// GetRunHistory lists runs of one workflow, filtered and paged.
func (e *Engine) GetRunHistory(ctx context.Context, workflowID string, filter workflow.RunFilter) ([]*workflow.Run, error) {
	return e.coordinator.GetRunHistory(ctx, workflowID, filter)
}

// AwaitRun blocks until the run reaches a terminal status or ctx is
// done, then returns the final snapshot. It watches run_completed
// events and falls back to polling, so a dropped event cannot strand
// the caller.
func (e *Engine) AwaitRun(ctx context.Context, runID string) (*workflow.Run, error) {
	done := make(chan struct{}, 1)
	sub := e.bus.Subscribe(events.KindRunCompleted, func(ev events.Event) {
		if ev.RunID == runID {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	defer e.bus.Unsubscribe(sub)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		run, err := e.coordinator.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-done:
		case <-ticker.C:
		}
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Logger returns the engine logger.
func (e *Engine) Logger() *zap.Logger { return e.logger }

// Bus returns the event bus for external subscribers.
func (e *Engine) Bus() events.Bus { return e.bus }

// HumanInput returns the human-input broker, for building approval UIs
// on top of the engine.
func (e *Engine) HumanInput() *hitl.Broker { return e.broker }

// Tools returns the tool invoker for direct invocations outside a run.
func (e *Engine) Tools() tools.Invoker { return e.invoker }

// ToolRegistry returns the tool catalog.
func (e *Engine) ToolRegistry() tools.Registry { return e.registry }

// Chains returns the chain executor.
func (e *Engine) Chains() tools.ChainExecutor { return e.chains }

// Agents returns the agent router.
func (e *Engine) Agents() *agents.Router { return e.router }

// Coordinator exposes the run coordinator for callers that need queue
// stats or lower-level control.
func (e *Engine) Coordinator() *workflow.Coordinator { return e.coordinator }

// Definitions returns the definition store.
func (e *Engine) Definitions() workflow.DefinitionStore { return e.defs }

// Runs returns the run store.
func (e *Engine) Runs() workflow.RunStore { return e.runs }
