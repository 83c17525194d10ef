package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/BaSui01/taskflow/agent/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutcomeKind classifies a single task attempt.
type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeTimeout   OutcomeKind = "timeout"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// TaskRequest is one attempt handed to the dispatcher.
type TaskRequest struct {
	ExecutionID string
	NodeID      string
	TaskType    string
	Params      map[string]any
	Timeout     time.Duration
	Attempt     int
}

// TaskOutcome is the result of one attempt.
type TaskOutcome struct {
	Kind      OutcomeKind
	Output    map[string]any
	AgentID   string
	Err       error
	Retryable bool
	Duration  time.Duration
}

// TaskDispatcher reserves agent capacity and runs single attempts.
// Reserve must not block; it fails with *registry.NoCapableAgentError.
type TaskDispatcher interface {
	Reserve(ctx context.Context, capability string) (*registry.Lease, error)
	Execute(ctx context.Context, lease *registry.Lease, req TaskRequest) TaskOutcome
}

// SchedulerConfig tunes the scheduler.
type SchedulerConfig struct {
	// DefaultConcurrency applies when neither the run nor the definition sets one.
	DefaultConcurrency int
	// DispatchRetryCeiling bounds how often a task may find no healthy capable agent.
	DispatchRetryCeiling int
	// DispatchBackoff spaces those retries.
	DispatchBackoff Backoff
	// AdmissionRecheck is how often saturated tasks retry admission without a local release.
	AdmissionRecheck time.Duration
	// StoreBackoff spaces retries of failed store writes.
	StoreBackoff Backoff
	// FinalizeTimeout bounds terminal writes made after the run context ends.
	FinalizeTimeout time.Duration
}

// DefaultSchedulerConfig returns production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		DefaultConcurrency:   10,
		DispatchRetryCeiling: 5,
		DispatchBackoff:      Backoff{Base: time.Second, Max: 30 * time.Second, Strategy: BackoffFullJitter},
		AdmissionRecheck:     200 * time.Millisecond,
		StoreBackoff:         Backoff{Base: 100 * time.Millisecond, Max: 10 * time.Second, Strategy: BackoffEqualJitter},
		FinalizeTimeout:      30 * time.Second,
	}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithEvents sets the channel lifecycle events are sent to.
func WithEvents(ch chan<- Event) SchedulerOption {
	return func(s *Scheduler) { s.events = ch }
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *zap.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With(zap.String("component", "scheduler"))
		}
	}
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) SchedulerOption {
	return func(s *Scheduler) { s.tracer = t }
}

// WithStoreErrorHook is called for every failed store write.
func WithStoreErrorHook(fn func(error)) SchedulerOption {
	return func(s *Scheduler) { s.onStoreError = fn }
}

// Scheduler runs workflow executions level by level under a concurrency ceiling.
type Scheduler struct {
	dispatcher   TaskDispatcher
	recorder     Recorder
	cfg          SchedulerConfig
	events       chan<- Event
	logger       *zap.Logger
	tracer       trace.Tracer
	onStoreError func(error)

	running atomic.Int64
}

// NewScheduler creates a scheduler.
func NewScheduler(dispatcher TaskDispatcher, recorder Recorder, cfg SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = def.DefaultConcurrency
	}
	if cfg.DispatchRetryCeiling <= 0 {
		cfg.DispatchRetryCeiling = def.DispatchRetryCeiling
	}
	if cfg.AdmissionRecheck <= 0 {
		cfg.AdmissionRecheck = def.AdmissionRecheck
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = def.FinalizeTimeout
	}
	// A zero Backoff never waits; retries would spin.
	if cfg.DispatchBackoff.Base <= 0 {
		cfg.DispatchBackoff = def.DispatchBackoff
	}
	if cfg.StoreBackoff.Base <= 0 {
		cfg.StoreBackoff = def.StoreBackoff
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	s := &Scheduler{
		dispatcher: dispatcher,
		recorder:   recorder,
		cfg:        cfg,
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("github.com/BaSui01/taskflow/workflow"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Running returns the number of tasks currently running across all executions.
func (s *Scheduler) Running() int64 {
	return s.running.Load()
}

// Run executes exec against def's levels and blocks until the execution is terminal.
// limit <= 0 falls back to the execution, then the definition, then the configured default.
// The returned error is non-nil only when terminal state could not be persisted.
func (s *Scheduler) Run(ctx context.Context, exec *WorkflowExecution, def *Definition, levels []ExecutionLevel, limit int) (*WorkflowResult, error) {
	if exec == nil || def == nil {
		return nil, fmt.Errorf("scheduler: execution and definition are required")
	}
	if len(levels) == 0 {
		return nil, &ValidationError{Reason: "no execution levels"}
	}

	limit = s.effectiveLimit(limit, exec, def)
	ctx, span := s.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("execution.id", exec.ID),
		attribute.String("workflow.id", def.ID),
		attribute.Int("workflow.version", def.Version),
		attribute.Int("scheduler.limit", limit),
	))
	defer span.End()

	r := newRun(s, ctx, exec, def, levels, limit)
	res, err := r.execute()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if res.Status != ExecutionCompleted {
		span.SetStatus(codes.Error, string(res.Status))
	}
	return res, err
}

func (s *Scheduler) effectiveLimit(limit int, exec *WorkflowExecution, def *Definition) int {
	switch {
	case limit > 0:
	case exec.Concurrency > 0:
		limit = exec.Concurrency
	case def.Concurrency > 0:
		limit = def.Concurrency
	default:
		limit = s.cfg.DefaultConcurrency
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

type workerResult struct {
	nodeID  string
	outcome TaskOutcome
}

// run is the single coordinator for one execution. Only its goroutine touches its fields.
type run struct {
	s      *Scheduler
	ctx    context.Context
	exec   *WorkflowExecution
	def    *Definition
	levels []ExecutionLevel
	limit  int
	policy FailurePolicy
	logger *zap.Logger
	j      *journal

	index   map[string]int
	nodes   map[string]TaskNode
	preds   map[string][]string
	tasks   map[string]*TaskExecution
	outputs map[string]map[string]any

	ready     []string
	running   int
	released  int
	halted    bool
	cancelled bool
	saturated bool

	cancels map[string]context.CancelFunc
	timers  map[string]*time.Timer
	results chan workerResult
	retryCh chan string
	started time.Time

	finalCtx    context.Context
	finalCancel context.CancelFunc
}

func newRun(s *Scheduler, ctx context.Context, exec *WorkflowExecution, def *Definition, levels []ExecutionLevel, limit int) *run {
	policy := exec.FailurePolicy
	if !policy.Valid() {
		policy = def.Policy()
	}
	nodes := make(map[string]TaskNode, len(def.Nodes))
	for _, n := range def.Nodes {
		nodes[n.ID] = n
	}
	logger := s.logger.With(zap.String("execution_id", exec.ID), zap.String("workflow_id", def.ID))
	return &run{
		s:       s,
		ctx:     ctx,
		exec:    exec,
		def:     def,
		levels:  levels,
		limit:   limit,
		policy:  policy,
		logger:  logger,
		j:       newJournal(s.recorder, exec.ID, s.cfg.StoreBackoff, logger, s.onStoreError),
		index:   def.NodeIndex(),
		nodes:   nodes,
		preds:   def.Predecessors(),
		tasks:   make(map[string]*TaskExecution, len(def.Nodes)),
		outputs: make(map[string]map[string]any),
		cancels: make(map[string]context.CancelFunc),
		timers:  make(map[string]*time.Timer),
		results: make(chan workerResult, len(def.Nodes)),
		retryCh: make(chan string, len(def.Nodes)),
	}
}

func (r *run) execute() (*WorkflowResult, error) {
	defer func() {
		if r.finalCancel != nil {
			r.finalCancel()
		}
	}()
	r.started = time.Now()
	r.exec.FailurePolicy = r.policy
	r.exec.Concurrency = r.limit
	if r.exec.Status == "" {
		r.exec.Status = ExecutionPending
	}
	if err := r.exec.SetStatus(ExecutionRunning, r.started); err != nil {
		return nil, err
	}
	if err := r.j.execution(r.ctx, r.exec); err != nil {
		return r.finish()
	}
	r.emit(Event{Type: EventWorkflowStarted, Status: string(ExecutionRunning)})

	r.logger.Info("starting workflow execution",
		zap.Int("levels", len(r.levels)),
		zap.Int("concurrency", r.limit),
		zap.String("policy", string(r.policy)),
	)

	r.releaseNext()

	var recheck *time.Ticker
	defer func() {
		if recheck != nil {
			recheck.Stop()
		}
	}()

	for {
		if r.ctx.Err() != nil {
			break
		}
		r.fill()
		r.advance()
		if r.finished() {
			break
		}

		var tick <-chan time.Time
		if r.saturated {
			if recheck == nil {
				recheck = time.NewTicker(r.s.cfg.AdmissionRecheck)
			}
			tick = recheck.C
		}

		select {
		case <-r.ctx.Done():
		case res := <-r.results:
			r.handleResult(res)
		case id := <-r.retryCh:
			r.handleRetryDue(id)
		case <-tick:
		}
	}

	if r.ctx.Err() != nil {
		r.cancel()
	}
	return r.finish()
}

// releaseNext creates the tasks of the next level. Under the continue policy, tasks whose
// dependencies did not all succeed are skipped right away, which can make the level
// terminal immediately; advance handles that.
func (r *run) releaseNext() {
	if r.released >= len(r.levels) || r.halted || r.cancelled {
		return
	}
	level := r.levels[r.released]
	r.released++

	r.emit(Event{Type: EventLevelStarted, Level: level.Index, Data: map[string]any{"nodes": level.Nodes}})
	r.logger.Debug("level released", zap.Int("level", level.Index), zap.Strings("nodes", level.Nodes))

	for _, id := range level.Nodes {
		node := r.nodes[id]
		t := &TaskExecution{
			ExecutionID: r.exec.ID,
			NodeID:      id,
			Level:       level.Index,
			Type:        node.Type,
			State:       TaskPending,
			UpdatedAt:   time.Now(),
		}
		r.tasks[id] = t

		if failedDep := r.unmetDependency(id); failedDep != "" {
			r.skip(t, ReasonUpstreamFailed, "dependency "+failedDep+" did not succeed")
			continue
		}
		r.transition(t, TaskReady)
		r.persistTask(t)
		r.enqueue(id)
	}
}

func (r *run) unmetDependency(id string) string {
	for _, p := range r.preds[id] {
		if t, ok := r.tasks[p]; !ok || t.State != TaskSucceeded {
			return p
		}
	}
	return ""
}

// advance releases further levels while the current one is fully terminal.
func (r *run) advance() {
	for !r.halted && !r.cancelled && r.released < len(r.levels) && r.levelTerminal(r.released-1) {
		r.releaseNext()
	}
}

func (r *run) levelTerminal(i int) bool {
	if i < 0 {
		return true
	}
	for _, id := range r.levels[i].Nodes {
		t, ok := r.tasks[id]
		if !ok || !t.State.IsTerminal() {
			return false
		}
	}
	return true
}

func (r *run) finished() bool {
	if r.running > 0 || len(r.ready) > 0 || len(r.timers) > 0 {
		return false
	}
	if r.halted || r.cancelled {
		return true
	}
	return r.released == len(r.levels) && r.levelTerminal(r.released-1)
}

// enqueue inserts into the ready queue keeping declaration order.
func (r *run) enqueue(id string) {
	pos := sort.Search(len(r.ready), func(i int) bool { return r.index[r.ready[i]] > r.index[id] })
	r.ready = append(r.ready, "")
	copy(r.ready[pos+1:], r.ready[pos:])
	r.ready[pos] = id
}

func (r *run) dequeue(i int) {
	r.ready = append(r.ready[:i], r.ready[i+1:]...)
}

// fill starts ready tasks in FIFO order while slots remain. A capability whose agents are
// all busy blocks every later task of that capability, so they start in declaration order.
func (r *run) fill() {
	r.saturated = false
	blocked := make(map[string]bool)

	i := 0
	for r.running < r.limit && i < len(r.ready) {
		if r.ctx.Err() != nil {
			return
		}
		id := r.ready[i]
		t := r.tasks[id]
		if blocked[t.Type] {
			i++
			continue
		}

		node := r.nodes[id]
		params, err := ResolveParams(id, node.Params, r.exec.Input, r.outputs)
		if err != nil {
			r.dequeue(i)
			r.failFinal(t, ReasonParamResolution, err)
			continue
		}

		lease, err := r.s.dispatcher.Reserve(r.ctx, t.Type)
		if err != nil {
			var nce *registry.NoCapableAgentError
			if errors.As(err, &nce) && nce.Saturated {
				blocked[t.Type] = true
				r.saturated = true
				i++
				continue
			}
			r.dequeue(i)
			r.dispatchUnavailable(t, err)
			continue
		}

		r.dequeue(i)
		r.start(t, lease, params)
	}
	for _, id := range r.ready {
		if blocked[r.tasks[id].Type] {
			r.saturated = true
			break
		}
	}
}

func (r *run) dispatchUnavailable(t *TaskExecution, err error) {
	t.DispatchRetries++
	t.LastError = err.Error()
	if t.DispatchRetries >= r.s.cfg.DispatchRetryCeiling {
		r.logger.Warn("no capable agent; giving up",
			zap.String("node_id", t.NodeID),
			zap.String("capability", t.Type),
			zap.Int("dispatch_retries", t.DispatchRetries),
		)
		r.failFinal(t, ReasonAgentUnavailable, err)
		return
	}
	delay := r.s.cfg.DispatchBackoff.Delay(t.DispatchRetries)
	r.transition(t, TaskRetryPending)
	r.persistTask(t)
	r.emit(Event{
		Type: EventTaskRetrying, NodeID: t.NodeID, TaskType: t.Type, Level: t.Level,
		Attempt: t.Attempts, Error: err.Error(), Duration: delay,
		Data: map[string]any{"reason": ReasonAgentUnavailable, "dispatch_retries": t.DispatchRetries},
	})
	r.scheduleRetry(t.NodeID, delay)
}

func (r *run) start(t *TaskExecution, lease *registry.Lease, params map[string]any) {
	node := r.nodes[t.NodeID]
	t.Attempts++
	t.AgentID = lease.AgentID()
	r.transition(t, TaskRunning)
	r.persistTask(t)
	r.emit(Event{Type: EventTaskStarted, NodeID: t.NodeID, TaskType: t.Type, Level: t.Level, Attempt: t.Attempts, AgentID: t.AgentID})

	req := TaskRequest{
		ExecutionID: r.exec.ID,
		NodeID:      t.NodeID,
		TaskType:    t.Type,
		Params:      params,
		Timeout:     r.def.TimeoutFor(node),
		Attempt:     t.Attempts,
	}

	taskCtx, cancel := context.WithCancel(r.ctx)
	r.cancels[t.NodeID] = cancel
	r.running++
	r.s.running.Add(1)

	go func() {
		out := r.s.dispatcher.Execute(taskCtx, lease, req)
		r.results <- workerResult{nodeID: req.NodeID, outcome: out}
	}()
}

func (r *run) handleResult(res workerResult) {
	r.running--
	r.s.running.Add(-1)
	if cancel, ok := r.cancels[res.nodeID]; ok {
		cancel()
		delete(r.cancels, res.nodeID)
	}

	t := r.tasks[res.nodeID]
	out := res.outcome
	if out.AgentID != "" {
		t.AgentID = out.AgentID
	}

	switch out.Kind {
	case OutcomeSucceeded:
		t.Output = out.Output
		t.LastError = ""
		r.outputs[t.NodeID] = out.Output
		r.transition(t, TaskSucceeded)
		r.persistTask(t)
		r.emit(Event{Type: EventTaskSucceeded, NodeID: t.NodeID, TaskType: t.Type, Level: t.Level, Attempt: t.Attempts, AgentID: t.AgentID, Duration: out.Duration})
		return

	case OutcomeCancelled:
		t.FailureReason = ReasonCancelled
		r.transition(t, TaskCancelled)
		r.persistTask(t)
		return
	}

	reason := ReasonAgentError
	if out.Kind == OutcomeTimeout {
		reason = ReasonTimeout
	}
	errMsg := "task failed"
	if out.Err != nil {
		errMsg = out.Err.Error()
	}
	t.LastError = errMsg
	r.transition(t, TaskFailed)
	r.persistTask(t)
	r.emit(Event{Type: EventTaskFailed, NodeID: t.NodeID, TaskType: t.Type, Level: t.Level, Attempt: t.Attempts, AgentID: t.AgentID, Error: errMsg, Duration: out.Duration, Data: map[string]any{"reason": reason}})

	retry := r.def.RetryFor(r.nodes[t.NodeID])
	if out.Retryable && t.Attempts < retry.MaxAttempts && !r.halted && !r.cancelled {
		delay := retry.Backoff(t.Attempts)
		r.transition(t, TaskRetryPending)
		r.persistTask(t)
		r.emit(Event{Type: EventTaskRetrying, NodeID: t.NodeID, TaskType: t.Type, Level: t.Level, Attempt: t.Attempts, Error: errMsg, Duration: delay, Data: map[string]any{"reason": reason}})
		r.logger.Debug("task scheduled for retry",
			zap.String("node_id", t.NodeID),
			zap.Int("attempt", t.Attempts),
			zap.Duration("backoff", delay),
		)
		r.scheduleRetry(t.NodeID, delay)
		return
	}
	r.failFinal(t, reason, out.Err)
}

func (r *run) scheduleRetry(id string, delay time.Duration) {
	r.timers[id] = time.AfterFunc(delay, func() {
		r.retryCh <- id
	})
}

func (r *run) handleRetryDue(id string) {
	delete(r.timers, id)
	t := r.tasks[id]
	if t.State != TaskRetryPending {
		return
	}
	if r.halted {
		r.skip(t, ReasonHalted, "workflow halted")
		return
	}
	r.transition(t, TaskReady)
	r.persistTask(t)
	r.enqueue(id)
}

// failFinal records a permanent failure; under halt it stops the run.
func (r *run) failFinal(t *TaskExecution, reason string, err error) {
	t.FailureReason = reason
	if err != nil {
		t.LastError = err.Error()
	}
	if t.State == TaskRunning {
		r.transition(t, TaskFailed)
	}
	r.transition(t, TaskFailedFinal)
	r.persistTask(t)
	r.emit(Event{Type: EventTaskFailed, NodeID: t.NodeID, TaskType: t.Type, Level: t.Level, Attempt: t.Attempts, AgentID: t.AgentID, Error: t.LastError, Status: string(TaskFailedFinal), Data: map[string]any{"reason": reason, "final": true}})
	r.logger.Warn("task failed permanently",
		zap.String("node_id", t.NodeID),
		zap.String("reason", reason),
		zap.Int("attempts", t.Attempts),
		zap.String("error", t.LastError),
	)
	if r.policy == FailurePolicyHalt {
		r.halt()
	}
}

func (r *run) halt() {
	if r.halted {
		return
	}
	r.halted = true
	for _, id := range r.ready {
		r.skip(r.tasks[id], ReasonHalted, "workflow halted")
	}
	r.ready = r.ready[:0]
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
		if t := r.tasks[id]; t.State == TaskRetryPending {
			r.skip(t, ReasonHalted, "workflow halted")
		}
	}
}

func (r *run) skip(t *TaskExecution, reason, msg string) {
	t.FailureReason = reason
	t.LastError = msg
	r.transition(t, TaskSkipped)
	r.persistTask(t)
	r.emit(Event{Type: EventTaskSkipped, NodeID: t.NodeID, TaskType: t.Type, Level: t.Level, Data: map[string]any{"reason": reason}})
}

// cancel marks every non-terminal task cancelled after waiting for in-flight workers.
func (r *run) cancel() {
	r.cancelled = true
	r.ctx = r.finalizeCtx()

	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
	for _, cancel := range r.cancels {
		cancel()
	}
	for r.running > 0 {
		r.handleResult(<-r.results)
	}
	for _, t := range r.sortedTasks() {
		if t.State.IsTerminal() {
			continue
		}
		t.FailureReason = ReasonCancelled
		if t.State == TaskFailed {
			r.transition(t, TaskFailedFinal)
		} else {
			r.transition(t, TaskCancelled)
		}
		r.persistTask(t)
	}
	r.ready = r.ready[:0]
	r.logger.Info("workflow execution cancelled")
}

func (r *run) finalizeCtx() context.Context {
	if r.finalCtx == nil {
		r.finalCtx, r.finalCancel = context.WithTimeout(context.WithoutCancel(r.ctx), r.s.cfg.FinalizeTimeout)
	}
	return r.finalCtx
}

func (r *run) finish() (*WorkflowResult, error) {
	if r.ctx.Err() != nil && !r.cancelled {
		r.cancel()
	}

	// Levels never released are recorded so status queries show every node.
	for i := r.released; i < len(r.levels); i++ {
		for _, id := range r.levels[i].Nodes {
			t := &TaskExecution{
				ExecutionID: r.exec.ID, NodeID: id, Level: i, Type: r.nodes[id].Type,
				State: TaskPending, UpdatedAt: time.Now(),
			}
			r.tasks[id] = t
			if r.cancelled {
				t.FailureReason = ReasonCancelled
				r.transition(t, TaskCancelled)
			} else {
				t.FailureReason = ReasonHalted
				t.LastError = "workflow halted"
				r.transition(t, TaskSkipped)
			}
			r.persistTask(t)
		}
	}

	tasks := r.sortedTasks()
	status := DeriveStatus(tasks, r.policy, r.cancelled)

	now := time.Now()
	r.exec.Outputs = r.outputs
	switch status {
	case ExecutionFailed, ExecutionCompleted:
		// Under continue a completed run still reports its first failed branch.
		r.exec.Error = r.failureSummary(tasks)
	case ExecutionCancelled:
		r.exec.Error = "execution cancelled"
	}
	_ = r.exec.SetStatus(status, now)

	result := &WorkflowResult{
		ExecutionID: r.exec.ID,
		Status:      status,
		Tasks:       tasks,
		Outputs:     r.outputs,
		Error:       r.exec.Error,
		Duration:    now.Sub(r.started),
	}

	ctx := r.ctx
	if ctx.Err() != nil {
		ctx = r.finalizeCtx()
	}
	r.emitCtx(ctx, Event{Type: EventWorkflowCompleted, Status: string(status), Error: r.exec.Error, Duration: result.Duration})
	if err := r.j.execution(ctx, r.exec); err != nil {
		r.logger.Error("failed to persist terminal execution state", zap.Error(err))
		return result, err
	}

	r.logger.Info("workflow execution finished",
		zap.String("status", string(status)),
		zap.Duration("duration", result.Duration),
		zap.Int("tasks", len(tasks)),
	)
	return result, nil
}

func (r *run) failureSummary(tasks []*TaskExecution) string {
	for _, t := range tasks {
		if t.State == TaskFailedFinal {
			return fmt.Sprintf("task %s failed (%s): %s", t.NodeID, t.FailureReason, t.LastError)
		}
	}
	return ""
}

func (r *run) sortedTasks() []*TaskExecution {
	out := make([]*TaskExecution, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return r.index[out[i].NodeID] < r.index[out[j].NodeID] })
	return out
}

func (r *run) transition(t *TaskExecution, to TaskState) {
	if err := t.Transition(to, time.Now()); err != nil {
		// The coordinator only requests legal transitions; reaching here is a bug.
		r.logger.Error("illegal task transition", zap.Error(err))
	}
}

func (r *run) persistTask(t *TaskExecution) {
	if err := r.j.task(r.ctx, t); err != nil {
		r.logger.Warn("task state not persisted", zap.String("node_id", t.NodeID), zap.Error(err))
	}
}

func (r *run) emit(ev Event) {
	r.emitCtx(r.ctx, ev)
}

func (r *run) emitCtx(ctx context.Context, ev Event) {
	ev.ExecutionID = r.exec.ID
	ev.WorkflowID = r.def.ID
	ev.ChainID = r.exec.ChainID
	ev.ChainRunID = r.exec.ChainRunID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	Emit(r.s.events, ev)
	if err := r.j.event(ctx, ev); err != nil {
		r.logger.Warn("event not persisted", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}
