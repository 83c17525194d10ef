package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/taskflow/agent/registry"
	"github.com/BaSui01/taskflow/workflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContainerController starts an agent's container before it receives work.
type ContainerController interface {
	EnsureRunning(ctx context.Context, agent registry.Agent) error
}

// Config tunes the dispatcher.
type Config struct {
	// DispatchRetryCeiling bounds consecutive "no healthy capable agent" outcomes in Dispatch.
	DispatchRetryCeiling int
	// DispatchBackoff spaces those retries.
	DispatchBackoff workflow.Backoff
	// AdmissionRecheck is the polling interval while all capable agents are saturated.
	AdmissionRecheck time.Duration
	// DefaultTimeout applies when a request carries none.
	DefaultTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DispatchRetryCeiling: 5,
		DispatchBackoff:      workflow.Backoff{Base: time.Second, Max: 30 * time.Second, Strategy: workflow.BackoffFullJitter},
		AdmissionRecheck:     200 * time.Millisecond,
		DefaultTimeout:       5 * time.Minute,
	}
}

// Observer is told about every finished attempt.
type Observer func(agentID, taskType string, kind workflow.OutcomeKind, d time.Duration)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger.With(zap.String("component", "dispatcher"))
		}
	}
}

// WithContainerController runs c.EnsureRunning before each attempt.
func WithContainerController(c ContainerController) Option {
	return func(d *Dispatcher) { d.containers = c }
}

// WithObserver registers an attempt observer.
func WithObserver(fn Observer) Option {
	return func(d *Dispatcher) { d.observer = fn }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// Dispatcher admits tasks onto agents and runs single attempts through executors.
type Dispatcher struct {
	reg        *registry.Registry
	executors  *ExecutorSet
	cfg        Config
	containers ContainerController
	observer   Observer
	logger     *zap.Logger
	tracer     trace.Tracer
}

// New creates a dispatcher.
func New(reg *registry.Registry, executors *ExecutorSet, cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.DispatchRetryCeiling <= 0 {
		cfg.DispatchRetryCeiling = def.DispatchRetryCeiling
	}
	if cfg.AdmissionRecheck <= 0 {
		cfg.AdmissionRecheck = def.AdmissionRecheck
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if executors == nil {
		executors = NewExecutorSet(nil)
	}
	d := &Dispatcher{
		reg:       reg,
		executors: executors,
		cfg:       cfg,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("github.com/BaSui01/taskflow/agent/dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Executors returns the executor set.
func (d *Dispatcher) Executors() *ExecutorSet {
	return d.executors
}

// Reserve takes one slot on the least-loaded healthy agent for capability without blocking.
func (d *Dispatcher) Reserve(ctx context.Context, capability string) (*registry.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.reg.Acquire(capability)
}

// Execute runs one attempt on the leased agent and always releases the lease.
func (d *Dispatcher) Execute(ctx context.Context, lease *registry.Lease, req workflow.TaskRequest) workflow.TaskOutcome {
	defer lease.Release()

	agent := lease.Agent()
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}

	ctx, span := d.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("execution.id", req.ExecutionID),
		attribute.String("task.node_id", req.NodeID),
		attribute.String("task.type", req.TaskType),
		attribute.String("agent.id", agent.ID),
		attribute.Int("task.attempt", req.Attempt),
	))
	defer span.End()

	start := time.Now()
	out := d.attempt(ctx, agent, req, timeout)
	out.AgentID = agent.ID
	out.Duration = time.Since(start)

	switch out.Kind {
	case workflow.OutcomeSucceeded:
		d.reg.MarkSuccess(agent.ID)
	case workflow.OutcomeTimeout:
		d.reg.MarkTimeout(agent.ID)
	}
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, string(out.Kind))
	}
	if d.observer != nil {
		d.observer(agent.ID, req.TaskType, out.Kind, out.Duration)
	}

	d.logger.Debug("task attempt finished",
		zap.String("execution_id", req.ExecutionID),
		zap.String("node_id", req.NodeID),
		zap.String("agent_id", agent.ID),
		zap.Int("attempt", req.Attempt),
		zap.String("outcome", string(out.Kind)),
		zap.Duration("duration", out.Duration),
	)
	return out
}

func (d *Dispatcher) attempt(ctx context.Context, agent registry.Agent, req workflow.TaskRequest, timeout time.Duration) workflow.TaskOutcome {
	exec := d.executors.Resolve(agent)
	if exec == nil {
		return workflow.TaskOutcome{
			Kind: workflow.OutcomeFailed,
			Err:  fmt.Errorf("no executor %q for agent %s", agent.Executor, agent.ID),
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if d.containers != nil {
		if err := d.containers.EnsureRunning(attemptCtx, agent); err != nil {
			return d.classify(ctx, attemptCtx, nil, fmt.Errorf("ensure container for agent %s: %w", agent.ID, err))
		}
	}

	output, err := exec.Execute(attemptCtx, agent, req)
	return d.classify(ctx, attemptCtx, output, err)
}

// classify maps an executor result onto an outcome. Parent cancellation wins over
// the attempt deadline so a cancelled run never marks the agent as timed out.
func (d *Dispatcher) classify(parent, attemptCtx context.Context, output map[string]any, err error) workflow.TaskOutcome {
	switch {
	case parent.Err() != nil:
		if err == nil {
			err = parent.Err()
		}
		return workflow.TaskOutcome{Kind: workflow.OutcomeCancelled, Err: err}
	case err == nil:
		if output == nil {
			output = map[string]any{}
		}
		return workflow.TaskOutcome{Kind: workflow.OutcomeSucceeded, Output: output}
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return workflow.TaskOutcome{Kind: workflow.OutcomeTimeout, Err: fmt.Errorf("task timed out: %w", err), Retryable: true}
	default:
		return workflow.TaskOutcome{Kind: workflow.OutcomeFailed, Err: err, Retryable: !IsPermanent(err)}
	}
}

// Result is the outcome of a standalone Dispatch.
type Result struct {
	NodeID          string               `json:"node_id"`
	TaskType        string               `json:"task_type"`
	State           workflow.TaskState   `json:"state"`
	FailureReason   string               `json:"failure_reason,omitempty"`
	AgentID         string               `json:"agent_id,omitempty"`
	Attempts        int                  `json:"attempts"`
	DispatchRetries int                  `json:"dispatch_retries"`
	Output          map[string]any       `json:"output,omitempty"`
	Error           string               `json:"error,omitempty"`
	Duration        time.Duration        `json:"duration"`
	LastOutcome     workflow.OutcomeKind `json:"last_outcome,omitempty"`
}

// FailedError is returned by Dispatch when the task ends failed_final.
type FailedError struct {
	Reason string
	Err    error
}

func (e *FailedError) Error() string {
	if e.Err == nil {
		return "task failed: " + e.Reason
	}
	return fmt.Sprintf("task failed (%s): %v", e.Reason, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

// Dispatch runs a task to completion outside any workflow: it waits out saturation,
// retries unavailability up to the ceiling, and retries execution failures per retry.
func (d *Dispatcher) Dispatch(ctx context.Context, req workflow.TaskRequest, retry workflow.RetryPolicy) (*Result, error) {
	if retry.MaxAttempts <= 0 {
		retry = workflow.DefaultRetryPolicy()
	}
	res := &Result{NodeID: req.NodeID, TaskType: req.TaskType}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	fail := func(reason string, err error) (*Result, error) {
		res.State = workflow.TaskFailedFinal
		res.FailureReason = reason
		if err != nil {
			res.Error = err.Error()
		}
		return res, &FailedError{Reason: reason, Err: err}
	}

	for {
		lease, err := d.Reserve(ctx, req.TaskType)
		if err != nil {
			var nce *registry.NoCapableAgentError
			if !errors.As(err, &nce) {
				return fail(workflow.ReasonCancelled, err)
			}
			delay := d.cfg.AdmissionRecheck
			if !nce.Saturated {
				res.DispatchRetries++
				if res.DispatchRetries >= d.cfg.DispatchRetryCeiling {
					d.logger.Warn("no capable agent; giving up",
						zap.String("capability", req.TaskType),
						zap.Int("dispatch_retries", res.DispatchRetries),
					)
					return fail(workflow.ReasonAgentUnavailable, err)
				}
				delay = d.cfg.DispatchBackoff.Delay(res.DispatchRetries)
			}
			if err := sleep(ctx, delay); err != nil {
				return fail(workflow.ReasonCancelled, err)
			}
			continue
		}

		res.Attempts++
		req.Attempt = res.Attempts
		out := d.Execute(ctx, lease, req)
		res.AgentID = out.AgentID
		res.LastOutcome = out.Kind

		switch out.Kind {
		case workflow.OutcomeSucceeded:
			res.State = workflow.TaskSucceeded
			res.Output = out.Output
			res.Error = ""
			return res, nil
		case workflow.OutcomeCancelled:
			res.State = workflow.TaskCancelled
			res.FailureReason = workflow.ReasonCancelled
			return res, out.Err
		}

		reason := workflow.ReasonAgentError
		if out.Kind == workflow.OutcomeTimeout {
			reason = workflow.ReasonTimeout
		}
		if !out.Retryable || res.Attempts >= retry.MaxAttempts {
			return fail(reason, out.Err)
		}
		res.Error = out.Err.Error()
		if err := sleep(ctx, retry.Backoff(res.Attempts)); err != nil {
			return fail(workflow.ReasonCancelled, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
