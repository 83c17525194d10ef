package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/taskflow/workflow"
	"github.com/BaSui01/taskflow/workflow/dsl"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// RunRequest asks the runner for one workflow execution.
type RunRequest struct {
	WorkflowID string
	Version    int
	Input      map[string]any
	ChainID    string
	// ChainRunID is the chain execution ID, stamped on the workflow's events.
	ChainRunID string
}

// WorkflowRunner runs a workflow to completion and returns its result.
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, req RunRequest) (*workflow.WorkflowResult, error)
}

// Store persists chain executions.
type Store interface {
	SaveChainExecution(ctx context.Context, exec *workflow.ChainExecution) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With(zap.String("component", "chain_manager"))
		}
	}
}

// WithEvents sets the event sink.
func WithEvents(ch chan<- workflow.Event) Option {
	return func(m *Manager) { m.events = ch }
}

// WithStore sets where chain executions are saved.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// Manager runs chains step by step through a WorkflowRunner.
type Manager struct {
	runner WorkflowRunner
	store  Store
	events chan<- workflow.Event
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewManager creates a chain manager.
func NewManager(runner WorkflowRunner, opts ...Option) *Manager {
	m := &Manager{
		runner: runner,
		logger: zap.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("taskflow/chain"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunChain runs every step in order. Conditions and mapping rules are checked
// before the first workflow starts. A false condition ends the chain
// skipped_by_condition without an error.
func (m *Manager) RunChain(ctx context.Context, c *workflow.Chain, input map[string]any) (*workflow.ChainExecution, error) {
	return m.RunChainWithID(ctx, uuid.NewString(), c, input)
}

// Check compiles conditions and checks mapping rules without running anything.
func (m *Manager) Check(c *workflow.Chain) error {
	_, err := m.compile(c)
	return err
}

func (m *Manager) compile(c *workflow.Chain) ([]*dsl.Predicate, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	preds, err := dsl.CompileChain(c)
	if err != nil {
		return nil, &workflow.ValidationError{Reason: err.Error()}
	}
	for i, step := range c.Steps {
		if err := checkMapping(i, step.Mapping); err != nil {
			return nil, err
		}
	}
	return preds, nil
}

// RunChainWithID is RunChain with a caller-chosen chain execution ID, so an
// asynchronous caller can hand the ID out before the first step runs.
func (m *Manager) RunChainWithID(ctx context.Context, id string, c *workflow.Chain, input map[string]any) (*workflow.ChainExecution, error) {
	preds, err := m.compile(c)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}

	ctx, span := m.tracer.Start(ctx, "chain.run", trace.WithAttributes(
		attribute.String("chain.id", c.ID),
		attribute.Int("chain.steps", len(c.Steps)),
	))
	defer span.End()

	exec := &workflow.ChainExecution{
		ID:        id,
		ChainID:   c.ID,
		Status:    workflow.ChainRunning,
		Input:     input,
		CreatedAt: m.now(),
	}
	logger := m.logger.With(zap.String("chain_id", c.ID), zap.String("chain_execution_id", exec.ID))
	logger.Info("chain started", zap.Int("steps", len(c.Steps)))
	m.save(ctx, exec, logger)

	// Step 0 sees the chain input as if a prior step had completed.
	vars := map[string]any{
		"status":       string(workflow.ExecutionCompleted),
		"outputs":      map[string]any{},
		"input":        copyMap(input),
		"execution_id": "",
	}

	for i, step := range c.Steps {
		if err := ctx.Err(); err != nil {
			return m.finish(ctx, exec, workflow.ChainCancelled, err.Error(), logger), err
		}

		ok, err := preds[i].Eval(vars)
		if err != nil {
			msg := fmt.Sprintf("step %d condition: %v", i, err)
			m.recordStep(ctx, exec, workflow.ChainStepResult{Index: i, WorkflowID: step.WorkflowID, Error: err.Error()}, logger)
			return m.finish(ctx, exec, workflow.ChainFailed, msg, logger), err
		}
		if !ok {
			m.recordStep(ctx, exec, workflow.ChainStepResult{Index: i, WorkflowID: step.WorkflowID, Skipped: true}, logger)
			return m.finish(ctx, exec, workflow.ChainSkippedByCondition, "", logger), nil
		}

		stepInput := input
		if len(step.Mapping) > 0 {
			stepInput, err = applyMapping(i, step.Mapping, vars)
			if err != nil {
				m.recordStep(ctx, exec, workflow.ChainStepResult{Index: i, WorkflowID: step.WorkflowID, Error: err.Error()}, logger)
				return m.finish(ctx, exec, workflow.ChainFailed, err.Error(), logger), err
			}
		}

		res, err := m.runner.RunWorkflow(ctx, RunRequest{
			WorkflowID: step.WorkflowID,
			Version:    step.WorkflowVersion,
			Input:      stepInput,
			ChainID:    c.ID,
			ChainRunID: exec.ID,
		})
		if err != nil {
			m.recordStep(ctx, exec, workflow.ChainStepResult{Index: i, WorkflowID: step.WorkflowID, Error: err.Error()}, logger)
			status := workflow.ChainFailed
			if errors.Is(err, context.Canceled) {
				status = workflow.ChainCancelled
			}
			return m.finish(ctx, exec, status, err.Error(), logger), err
		}

		m.recordStep(ctx, exec, workflow.ChainStepResult{
			Index:       i,
			WorkflowID:  step.WorkflowID,
			ExecutionID: res.ExecutionID,
			Status:      res.Status,
			Error:       res.Error,
		}, logger)
		exec.Output = outputsAsAny(res.Outputs)

		switch res.Status {
		case workflow.ExecutionCancelled:
			return m.finish(ctx, exec, workflow.ChainCancelled, res.Error, logger), nil
		case workflow.ExecutionFailed:
			if step.OnFailure != workflow.FailurePolicyContinue {
				return m.finish(ctx, exec, workflow.ChainFailed, fmt.Sprintf("step %d (%s) failed: %s", i, step.WorkflowID, res.Error), logger), nil
			}
			logger.Warn("chain step failed, continuing", zap.Int("step", i), zap.String("workflow_id", step.WorkflowID))
		}

		vars = map[string]any{
			"status":       string(res.Status),
			"outputs":      exec.Output,
			"input":        copyMap(input),
			"execution_id": res.ExecutionID,
		}
	}

	return m.finish(ctx, exec, workflow.ChainCompleted, "", logger), nil
}

func (m *Manager) recordStep(ctx context.Context, exec *workflow.ChainExecution, step workflow.ChainStepResult, logger *zap.Logger) {
	exec.Steps = append(exec.Steps, step)
	status := string(step.Status)
	if step.Skipped {
		status = string(workflow.ChainSkippedByCondition)
	}
	workflow.Emit(m.events, workflow.Event{
		Type:        workflow.EventChainStepCompleted,
		ExecutionID: step.ExecutionID,
		ChainID:     exec.ChainID,
		ChainRunID:  exec.ID,
		WorkflowID:  step.WorkflowID,
		Level:       step.Index,
		Status:      status,
		Error:       step.Error,
	})
	logger.Debug("chain step recorded",
		zap.Int("step", step.Index),
		zap.String("workflow_id", step.WorkflowID),
		zap.String("status", status))
	m.save(ctx, exec, logger)
}

func (m *Manager) finish(ctx context.Context, exec *workflow.ChainExecution, status workflow.ChainStatus, msg string, logger *zap.Logger) *workflow.ChainExecution {
	now := m.now()
	exec.Status = status
	exec.Error = msg
	exec.CompletedAt = &now

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attribute.String("chain.status", string(status)))
		if status == workflow.ChainFailed {
			span.SetStatus(codes.Error, msg)
		}
	}
	workflow.Emit(m.events, workflow.Event{
		Type:       workflow.EventChainCompleted,
		ChainID:    exec.ChainID,
		ChainRunID: exec.ID,
		Status:     string(status),
		Error:      msg,
		Data:       map[string]any{"steps": len(exec.Steps)},
	})
	logger.Info("chain finished", zap.String("status", string(status)), zap.Int("steps_run", len(exec.Steps)))
	m.save(context.WithoutCancel(ctx), exec, logger)
	return exec.Clone()
}

func (m *Manager) save(ctx context.Context, exec *workflow.ChainExecution, logger *zap.Logger) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveChainExecution(ctx, exec.Clone()); err != nil {
		logger.Warn("failed to save chain execution", zap.Error(err))
	}
}

// checkMapping rejects rules that can never produce an input.
func checkMapping(step int, rules []workflow.FieldMapping) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		switch {
		case r.To == "":
			return &workflow.DataMappingError{Step: step, Reason: "mapping target is empty"}
		case seen[r.To]:
			return &workflow.DataMappingError{Step: step, Field: r.To, Reason: "duplicate mapping target"}
		case r.From != "" && r.Value != nil:
			return &workflow.DataMappingError{Step: step, Field: r.To, Reason: "from and value are both set"}
		case r.From == "" && r.Value == nil:
			return &workflow.DataMappingError{Step: step, Field: r.To, Reason: "neither from nor value is set"}
		}
		if r.From != "" && !validPath(r.From) {
			return &workflow.DataMappingError{Step: step, Field: r.To, Reason: fmt.Sprintf("malformed path %q", r.From)}
		}
		seen[r.To] = true
	}
	return nil
}

func applyMapping(step int, rules []workflow.FieldMapping, vars map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(rules))
	for _, r := range rules {
		if r.From == "" {
			out[r.To] = r.Value
			continue
		}
		v, ok := lookup(vars, r.From)
		if !ok {
			if r.Optional {
				continue
			}
			return nil, &workflow.DataMappingError{Step: step, Field: r.To, Reason: fmt.Sprintf("path %q not found", r.From)}
		}
		out[r.To] = v
	}
	return out, nil
}

func validPath(p string) bool {
	if p == "" {
		return false
	}
	for _, part := range strings.Split(p, ".") {
		if part == "" {
			return false
		}
	}
	return true
}

func lookup(vars map[string]any, p string) (any, bool) {
	var cur any = vars
	for _, part := range strings.Split(p, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func outputsAsAny(outputs map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(outputs))
	for node, o := range outputs {
		out[node] = o
	}
	return out
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
