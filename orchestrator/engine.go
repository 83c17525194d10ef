package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/taskflow/agent/dispatch"
	"github.com/BaSui01/taskflow/agent/registry"
	"github.com/BaSui01/taskflow/workflow"
	"github.com/BaSui01/taskflow/workflow/chain"
	"github.com/BaSui01/taskflow/workflow/persistence"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// ErrShuttingDown is returned for submissions after Shutdown started.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// Config tunes the engine.
type Config struct {
	// MaxConcurrentWorkflows bounds how many executions run at once; the rest queue by priority.
	MaxConcurrentWorkflows int
	// LevelCacheSize bounds the number of cached level plans.
	LevelCacheSize int
	// EventBuffer sizes the event bus when the engine creates its own.
	EventBuffer int
	// PersistTimeout bounds store writes made outside a run, such as cancelling a queued execution.
	PersistTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentWorkflows: 16,
		LevelCacheSize:         256,
		EventBuffer:            1024,
		PersistTimeout:         5 * time.Second,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.With(zap.String("component", "orchestrator"))
		}
	}
}

// WithTracer sets the tracer handed to the scheduler and the chain manager.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithEventBus publishes lifecycle events to bus. The caller keeps ownership of it.
func WithEventBus(bus *workflow.EventBus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.bus = bus
		}
	}
}

// WithSchedulerConfig overrides the scheduler configuration.
func WithSchedulerConfig(cfg workflow.SchedulerConfig) Option {
	return func(e *Engine) { e.schedCfg = cfg }
}

// WithStoreErrorHook is called whenever the scheduler gives up on a store write.
func WithStoreErrorHook(fn func(error)) Option {
	return func(e *Engine) { e.onStoreError = fn }
}

// SubmitRequest asks for one workflow execution.
type SubmitRequest struct {
	DefinitionID string                 `json:"definition_id"`
	Version      int                    `json:"version,omitempty"`
	Input        map[string]any         `json:"input,omitempty"`
	Policy       workflow.FailurePolicy `json:"failure_policy,omitempty"`
	Concurrency  int                    `json:"concurrency,omitempty"`
	Priority     workflow.Priority      `json:"priority,omitempty"`
	ChainID      string                 `json:"-"`
	ChainRunID   string                 `json:"-"`
}

func (r SubmitRequest) validate() error {
	switch {
	case r.DefinitionID == "":
		return &workflow.ValidationError{Reason: "definition_id is required"}
	case r.Policy != "" && !r.Policy.Valid():
		return &workflow.ValidationError{Reason: fmt.Sprintf("invalid failure_policy %q", r.Policy)}
	case r.Concurrency < 0:
		return &workflow.ValidationError{Reason: "concurrency must be >= 0"}
	case r.Version < 0:
		return &workflow.ValidationError{Reason: "version must be >= 0"}
	}
	switch r.Priority {
	case "", workflow.PriorityLow, workflow.PriorityMedium, workflow.PriorityHigh, workflow.PriorityUrgent:
		return nil
	}
	return &workflow.ValidationError{Reason: fmt.Sprintf("invalid priority %q", r.Priority)}
}

// ExecutionView is the persisted state of one execution.
type ExecutionView struct {
	Execution *workflow.WorkflowExecution `json:"execution"`
	Tasks     []*workflow.TaskExecution   `json:"tasks"`
}

// Stats is a point-in-time summary of the engine.
type Stats struct {
	RunningExecutions int            `json:"running_executions"`
	QueuedExecutions  int            `json:"queued_executions"`
	ActiveChains      int            `json:"active_chains"`
	MaxConcurrent     int            `json:"max_concurrent_workflows"`
	Agents            registry.Stats `json:"agents"`
	LevelCache        CacheStats     `json:"level_cache"`
	EventsDropped     uint64         `json:"events_dropped"`
}

// CacheStats reports level cache effectiveness.
type CacheStats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

// handle tracks one execution between Submit and its terminal state.
type handle struct {
	id        string
	exec      *workflow.WorkflowExecution
	cancel    context.CancelFunc
	started   bool
	cancelled bool
}

// Engine is the orchestration facade: it owns definitions, runs executions
// through the scheduler, and runs chains through the chain manager.
type Engine struct {
	cfg          Config
	schedCfg     workflow.SchedulerConfig
	store        persistence.Store
	registry     *registry.Registry
	dispatcher   *dispatch.Dispatcher
	levels       *workflow.LevelCache
	scheduler    *workflow.Scheduler
	chains       *chain.Manager
	bus          *workflow.EventBus
	ownBus       bool
	admit        *admission
	logger       *zap.Logger
	tracer       trace.Tracer
	onStoreError func(error)
	now          func() time.Time

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	runs      map[string]*handle
	chainRuns map[string]context.CancelFunc
}

// New wires an engine. The registry and dispatcher are shared with the caller,
// which stays responsible for starting the registry sweeper and closing the store.
func New(store persistence.Store, reg *registry.Registry, disp *dispatch.Dispatcher, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.MaxConcurrentWorkflows <= 0 {
		cfg.MaxConcurrentWorkflows = def.MaxConcurrentWorkflows
	}
	if cfg.LevelCacheSize <= 0 {
		cfg.LevelCacheSize = def.LevelCacheSize
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}

	e := &Engine{
		cfg:        cfg,
		schedCfg:   workflow.DefaultSchedulerConfig(),
		store:      store,
		registry:   reg,
		dispatcher: disp,
		levels:     workflow.NewLevelCache(cfg.LevelCacheSize),
		admit:      newAdmission(cfg.MaxConcurrentWorkflows),
		logger:     zap.NewNop(),
		tracer:     noop.NewTracerProvider().Tracer("taskflow/orchestrator"),
		now:        time.Now,
		runs:       make(map[string]*handle),
		chainRuns:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = workflow.NewEventBus(cfg.EventBuffer, e.logger)
		e.ownBus = true
	}
	e.base, e.stop = context.WithCancel(context.Background())

	schedOpts := []workflow.SchedulerOption{
		workflow.WithEvents(e.bus.Sink()),
		workflow.WithSchedulerLogger(e.logger),
		workflow.WithTracer(e.tracer),
	}
	if e.onStoreError != nil {
		schedOpts = append(schedOpts, workflow.WithStoreErrorHook(e.onStoreError))
	}
	e.scheduler = workflow.NewScheduler(disp, store, e.schedCfg, schedOpts...)
	e.chains = chain.NewManager(e,
		chain.WithLogger(e.logger),
		chain.WithEvents(e.bus.Sink()),
		chain.WithStore(store),
		chain.WithTracer(e.tracer),
	)
	return e
}

// EventBus returns the bus lifecycle events are published on.
func (e *Engine) EventBus() *workflow.EventBus { return e.bus }

// Registry returns the agent registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Store returns the backing store.
func (e *Engine) Store() persistence.Store { return e.store }

// ---- definitions ----

// SaveDefinition validates def and stores it as the next version of def.ID.
func (e *Engine) SaveDefinition(ctx context.Context, def *workflow.Definition) (*workflow.Definition, error) {
	if def == nil {
		return nil, &workflow.ValidationError{Reason: "definition is required"}
	}
	if _, err := workflow.BuildLevels(def); err != nil {
		return nil, err
	}
	stored, err := e.store.SaveDefinition(ctx, def)
	if err != nil {
		return nil, err
	}
	e.levels.Invalidate(stored.ID)
	e.logger.Info("definition saved",
		zap.String("workflow_id", stored.ID),
		zap.Int("version", stored.Version),
		zap.Int("nodes", len(stored.Nodes)),
	)
	return stored, nil
}

// GetDefinition returns one version of a definition; version 0 means latest.
func (e *Engine) GetDefinition(ctx context.Context, id string, version int) (*workflow.Definition, error) {
	return e.store.GetDefinition(ctx, id, version)
}

// ListDefinitions returns the latest version of every definition.
func (e *Engine) ListDefinitions(ctx context.Context) ([]*workflow.Definition, error) {
	return e.store.ListDefinitions(ctx)
}

// DeleteDefinition removes every version of a definition.
func (e *Engine) DeleteDefinition(ctx context.Context, id string) error {
	if err := e.store.DeleteDefinition(ctx, id); err != nil {
		return err
	}
	e.levels.Invalidate(id)
	e.logger.Info("definition deleted", zap.String("workflow_id", id))
	return nil
}

// Templates lists the built-in templates.
func (e *Engine) Templates() []workflow.Template {
	return workflow.Templates()
}

// InstantiateTemplate stores a new definition built from a template; an empty id uses the template name.
func (e *Engine) InstantiateTemplate(ctx context.Context, name, id string) (*workflow.Definition, error) {
	tpl, err := workflow.LookupTemplate(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", persistence.ErrNotFound, err)
	}
	return e.SaveDefinition(ctx, tpl.Instantiate(id))
}

// ---- executions ----

// Submit creates a pending execution and runs it in the background once a slot is free.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*workflow.WorkflowExecution, error) {
	if e.isClosed() {
		return nil, ErrShuttingDown
	}
	exec, def, levels, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(e.base)
	h, err := e.track(exec, cancel)
	if err != nil {
		cancel()
		e.abandon(exec, err.Error())
		return nil, err
	}
	snapshot := exec.Clone()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.untrack(h)
		defer cancel()
		if _, err := e.execute(runCtx, h, exec, def, levels); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("workflow execution ended with error",
				zap.String("execution_id", exec.ID),
				zap.Error(err),
			)
		}
	}()

	e.logger.Info("workflow submitted",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", def.ID),
		zap.Int("version", def.Version),
		zap.String("priority", string(exec.Priority)),
	)
	return snapshot, nil
}

// RunWorkflow runs one execution and blocks until it is terminal. It is the
// runner behind chains.
func (e *Engine) RunWorkflow(ctx context.Context, req chain.RunRequest) (*workflow.WorkflowResult, error) {
	if e.isClosed() {
		return nil, ErrShuttingDown
	}
	exec, def, levels, err := e.prepare(ctx, SubmitRequest{
		DefinitionID: req.WorkflowID,
		Version:      req.Version,
		Input:        req.Input,
		ChainID:      req.ChainID,
		ChainRunID:   req.ChainRunID,
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	h, err := e.track(exec, cancel)
	if err != nil {
		e.abandon(exec, err.Error())
		return nil, err
	}
	defer e.untrack(h)
	return e.execute(runCtx, h, exec, def, levels)
}

func (e *Engine) prepare(ctx context.Context, req SubmitRequest) (*workflow.WorkflowExecution, *workflow.Definition, []workflow.ExecutionLevel, error) {
	if err := req.validate(); err != nil {
		return nil, nil, nil, err
	}
	def, err := e.store.GetDefinition(ctx, req.DefinitionID, req.Version)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("definition %s: %w", req.DefinitionID, err)
	}
	levels, err := e.levels.Levels(def)
	if err != nil {
		return nil, nil, nil, err
	}

	priority := req.Priority
	if priority == "" {
		priority = workflow.PriorityMedium
	}
	policy := req.Policy
	if policy == "" {
		policy = def.Policy()
	}
	exec := &workflow.WorkflowExecution{
		ID:                uuid.NewString(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            workflow.ExecutionPending,
		FailurePolicy:     policy,
		Concurrency:       req.Concurrency,
		Priority:          priority,
		Input:             req.Input,
		ChainID:           req.ChainID,
		ChainRunID:        req.ChainRunID,
		CreatedAt:         e.now(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, nil, nil, fmt.Errorf("create execution: %w", err)
	}
	return exec, def, levels, nil
}

// execute waits for a slot and hands the execution to the scheduler.
func (e *Engine) execute(ctx context.Context, h *handle, exec *workflow.WorkflowExecution, def *workflow.Definition, levels []workflow.ExecutionLevel) (*workflow.WorkflowResult, error) {
	cancelled := func(err error) (*workflow.WorkflowResult, error) {
		return &workflow.WorkflowResult{
			ExecutionID: exec.ID,
			Status:      workflow.ExecutionCancelled,
			Error:       "cancelled before start",
		}, err
	}

	if err := e.admit.Acquire(ctx, exec.Priority); err != nil {
		if e.claimPending(h) {
			e.abandon(h.exec, "cancelled before start")
		}
		return cancelled(err)
	}
	defer e.admit.Release()

	e.mu.Lock()
	if h.cancelled {
		e.mu.Unlock()
		return cancelled(context.Canceled)
	}
	if err := ctx.Err(); err != nil {
		h.cancelled = true
		e.mu.Unlock()
		e.abandon(h.exec, "cancelled before start")
		return cancelled(err)
	}
	h.started = true
	e.mu.Unlock()

	return e.scheduler.Run(ctx, exec, def, levels, exec.Concurrency)
}

// Status returns the persisted execution and its tasks.
func (e *Engine) Status(ctx context.Context, id string) (*ExecutionView, error) {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := e.store.ListTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ExecutionView{Execution: exec, Tasks: tasks}, nil
}

// ListExecutions returns executions newest first.
func (e *Engine) ListExecutions(ctx context.Context, filter persistence.ExecutionFilter) ([]*workflow.WorkflowExecution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// Events returns the persisted event log of an execution.
func (e *Engine) Events(ctx context.Context, id string) ([]workflow.ExecutionEvent, error) {
	if _, err := e.store.GetExecution(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, id)
}

// Cancel stops an execution. A queued execution becomes cancelled right away;
// a running one is cancelled through its context and finishes asynchronously.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	h, ok := e.runs[id]
	if ok {
		switch {
		case h.cancelled:
			e.mu.Unlock()
			return fmt.Errorf("%w: %s is cancelled", workflow.ErrExecutionTerminal, id)
		case !h.started:
			h.cancelled = true
			h.cancel()
			e.mu.Unlock()
			e.abandon(h.exec, "cancelled before start")
			return nil
		default:
			h.cancelled = true
			h.cancel()
			e.mu.Unlock()
			e.logger.Info("cancelling execution", zap.String("execution_id", id))
			return nil
		}
	}
	e.mu.Unlock()

	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", workflow.ErrExecutionTerminal, id, exec.Status)
	}
	// no coordinator owns it, e.g. left over from a previous process
	e.abandon(exec, "cancelled without a running coordinator")
	return nil
}

// abandon moves a never-started execution to cancelled and persists it.
func (e *Engine) abandon(exec *workflow.WorkflowExecution, reason string) {
	now := e.now()
	if err := exec.SetStatus(workflow.ExecutionCancelled, now); err != nil {
		return
	}
	exec.Error = reason

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PersistTimeout)
	defer cancel()
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		e.logger.Error("failed to persist cancelled execution",
			zap.String("execution_id", exec.ID),
			zap.Error(err),
		)
	}
	e.bus.Publish(workflow.Event{
		Type:        workflow.EventWorkflowCompleted,
		ExecutionID: exec.ID,
		WorkflowID:  exec.DefinitionID,
		Status:      string(workflow.ExecutionCancelled),
		Error:       reason,
		Timestamp:   now,
	})
	e.logger.Info("execution cancelled before start", zap.String("execution_id", exec.ID))
}

func (e *Engine) track(exec *workflow.WorkflowExecution, cancel context.CancelFunc) (*handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrShuttingDown
	}
	h := &handle{id: exec.ID, exec: exec.Clone(), cancel: cancel}
	e.runs[exec.ID] = h
	return h, nil
}

func (e *Engine) untrack(h *handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runs[h.id] == h {
		delete(e.runs, h.id)
	}
}

// claimPending marks h cancelled if it never started; only one caller wins.
func (e *Engine) claimPending(h *handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h.started || h.cancelled {
		return false
	}
	h.cancelled = true
	return true
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// ---- chains ----

// SubmitChain checks c and runs it in the background. The returned record
// carries the chain execution ID to poll with ChainStatus.
func (e *Engine) SubmitChain(ctx context.Context, c *workflow.Chain, input map[string]any) (*workflow.ChainExecution, error) {
	if err := e.chains.Check(c); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(e.base)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return nil, ErrShuttingDown
	}
	e.chainRuns[id] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer func() {
			e.mu.Lock()
			delete(e.chainRuns, id)
			e.mu.Unlock()
		}()
		if _, err := e.chains.RunChainWithID(runCtx, id, c, input); err != nil {
			e.logger.Warn("chain ended with error",
				zap.String("chain_id", c.ID),
				zap.String("chain_execution_id", id),
				zap.Error(err),
			)
		}
	}()

	return &workflow.ChainExecution{
		ID:        id,
		ChainID:   c.ID,
		Status:    workflow.ChainRunning,
		Input:     input,
		CreatedAt: e.now(),
	}, nil
}

// RunChain runs c and blocks until it ends.
func (e *Engine) RunChain(ctx context.Context, c *workflow.Chain, input map[string]any) (*workflow.ChainExecution, error) {
	return e.chains.RunChain(ctx, c, input)
}

// ChainStatus returns a persisted chain execution.
func (e *Engine) ChainStatus(ctx context.Context, id string) (*workflow.ChainExecution, error) {
	return e.store.GetChainExecution(ctx, id)
}

// ListChains returns chain executions newest first.
func (e *Engine) ListChains(ctx context.Context, filter persistence.ChainFilter) ([]*workflow.ChainExecution, error) {
	return e.store.ListChainExecutions(ctx, filter)
}

// CancelChain stops a running chain; the current step is cancelled with it.
func (e *Engine) CancelChain(ctx context.Context, id string) error {
	e.mu.Lock()
	cancel, ok := e.chainRuns[id]
	e.mu.Unlock()
	if ok {
		cancel()
		return nil
	}
	exec, err := e.store.GetChainExecution(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: chain %s is %s", workflow.ErrExecutionTerminal, id, exec.Status)
}

// ---- agents and tasks ----

// RegisterAgent adds or replaces an agent.
func (e *Engine) RegisterAgent(ctx context.Context, a registry.Agent) error {
	return e.registry.Register(ctx, a)
}

// DeregisterAgent removes an agent.
func (e *Engine) DeregisterAgent(ctx context.Context, id string) error {
	return e.registry.Deregister(ctx, id)
}

// Heartbeat records a health report.
func (e *Engine) Heartbeat(ctx context.Context, id string, status registry.Status) error {
	return e.registry.Heartbeat(ctx, id, status)
}

// GetAgent returns one agent.
func (e *Engine) GetAgent(id string) (registry.Agent, error) {
	a, ok := e.registry.Get(id)
	if !ok {
		return registry.Agent{}, fmt.Errorf("%w: %s", registry.ErrAgentNotFound, id)
	}
	return a, nil
}

// ListAgents returns every registered agent.
func (e *Engine) ListAgents() []registry.Agent {
	return e.registry.List()
}

// RunTask dispatches a single task outside any workflow.
func (e *Engine) RunTask(ctx context.Context, req workflow.TaskRequest, retry workflow.RetryPolicy) (*dispatch.Result, error) {
	if req.TaskType == "" {
		return nil, &workflow.ValidationError{Reason: "task type is required"}
	}
	if req.ExecutionID == "" {
		req.ExecutionID = "task-" + uuid.NewString()
	}
	if req.NodeID == "" {
		req.NodeID = req.TaskType
	}
	return e.dispatcher.Dispatch(ctx, req, retry)
}

// ---- lifecycle ----

// Stats summarizes the engine.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	running := 0
	for _, h := range e.runs {
		if h.started && !h.cancelled {
			running++
		}
	}
	chains := len(e.chainRuns)
	e.mu.Unlock()

	hits, misses := e.levels.Stats()
	return Stats{
		RunningExecutions: running,
		QueuedExecutions:  e.admit.Depth(),
		ActiveChains:      chains,
		MaxConcurrent:     e.cfg.MaxConcurrentWorkflows,
		Agents:            e.registry.Stats(),
		LevelCache:        CacheStats{Entries: e.levels.Len(), Hits: hits, Misses: misses},
		EventsDropped:     e.bus.Dropped(),
	}
}

// Ping checks the store.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// Shutdown stops accepting work, cancels every execution and chain, and waits
// for them to persist their terminal state or for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, h := range e.runs {
		h.cancel()
	}
	for _, cancel := range e.chainRuns {
		cancel()
	}
	e.mu.Unlock()
	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if e.ownBus {
			e.bus.Close()
		}
		e.logger.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}
