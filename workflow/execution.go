package workflow

import (
	"fmt"
	"time"
)

// TaskState is the lifecycle state of a TaskExecution.
type TaskState string

const (
	TaskPending      TaskState = "pending"
	TaskReady        TaskState = "ready"
	TaskRunning      TaskState = "running"
	TaskSucceeded    TaskState = "succeeded"
	TaskFailed       TaskState = "failed"
	TaskRetryPending TaskState = "retry_pending"
	TaskFailedFinal  TaskState = "failed_final"
	TaskSkipped      TaskState = "skipped"
	TaskCancelled    TaskState = "cancelled"
)

// IsTerminal reports whether no further transition can occur.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailedFinal, TaskSkipped, TaskCancelled:
		return true
	}
	return false
}

var taskTransitions = map[TaskState][]TaskState{
	TaskPending:      {TaskReady, TaskSkipped, TaskCancelled},
	TaskReady:        {TaskRunning, TaskRetryPending, TaskFailedFinal, TaskSkipped, TaskCancelled},
	TaskRunning:      {TaskSucceeded, TaskFailed, TaskCancelled},
	TaskFailed:       {TaskRetryPending, TaskFailedFinal},
	TaskRetryPending: {TaskReady, TaskSkipped, TaskCancelled},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to TaskState) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Failure reasons recorded on a TaskExecution.
const (
	ReasonAgentUnavailable = "agent_unavailable"
	ReasonTimeout          = "timeout"
	ReasonAgentError       = "agent_error"
	ReasonUpstreamFailed   = "upstream_failed"
	ReasonHalted           = "workflow_halted"
	ReasonCancelled        = "cancelled"
	ReasonParamResolution  = "param_resolution"
)

// TaskExecution is the runtime instance of a TaskNode within one run.
type TaskExecution struct {
	ExecutionID     string         `json:"execution_id"`
	NodeID          string         `json:"node_id"`
	Level           int            `json:"level"`
	Type            string         `json:"type"`
	State           TaskState      `json:"state"`
	Attempts        int            `json:"attempts"`
	DispatchRetries int            `json:"dispatch_retries"`
	AgentID         string         `json:"agent_id,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	QueuedAt        *time.Time     `json:"queued_at,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Transition moves the task to a new state, stamping timestamps.
func (t *TaskExecution) Transition(to TaskState, now time.Time) error {
	if !CanTransition(t.State, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, t.NodeID, t.State, to)
	}
	t.State = to
	t.UpdatedAt = now
	switch to {
	case TaskReady:
		if t.QueuedAt == nil {
			t.QueuedAt = &now
		}
	case TaskRunning:
		t.StartedAt = &now
	}
	if to.IsTerminal() {
		t.CompletedAt = &now
	}
	return nil
}

// Clone returns a copy safe to hand to another goroutine.
func (t *TaskExecution) Clone() *TaskExecution {
	cp := *t
	if t.Output != nil {
		cp.Output = make(map[string]any, len(t.Output))
		for k, v := range t.Output {
			cp.Output[k] = v
		}
	}
	return &cp
}

// ExecutionStatus is the status of a WorkflowExecution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the execution has finished.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// WorkflowExecution is the runtime instance of a Definition.
type WorkflowExecution struct {
	ID                string                    `json:"id"`
	DefinitionID      string                    `json:"definition_id"`
	DefinitionVersion int                       `json:"definition_version"`
	Status            ExecutionStatus           `json:"status"`
	FailurePolicy     FailurePolicy             `json:"failure_policy"`
	Concurrency       int                       `json:"concurrency"`
	Priority          Priority                  `json:"priority,omitempty"`
	Input             map[string]any            `json:"input,omitempty"`
	Outputs           map[string]map[string]any `json:"outputs,omitempty"`
	Error             string                    `json:"error,omitempty"`
	ChainID           string                    `json:"chain_id,omitempty"`
	ChainRunID        string                    `json:"chain_execution_id,omitempty"`
	CreatedAt         time.Time                 `json:"created_at"`
	StartedAt         *time.Time                `json:"started_at,omitempty"`
	CompletedAt       *time.Time                `json:"completed_at,omitempty"`
}

// SetStatus moves the execution forward; terminal executions are never mutated.
func (e *WorkflowExecution) SetStatus(status ExecutionStatus, now time.Time) error {
	if e.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrExecutionTerminal, e.ID, e.Status)
	}
	e.Status = status
	switch {
	case status == ExecutionRunning && e.StartedAt == nil:
		e.StartedAt = &now
	case status.IsTerminal():
		e.CompletedAt = &now
	}
	return nil
}

// Clone returns a copy; maps are copied one level deep.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	cp := *e
	if e.Input != nil {
		cp.Input = make(map[string]any, len(e.Input))
		for k, v := range e.Input {
			cp.Input[k] = v
		}
	}
	if e.Outputs != nil {
		cp.Outputs = make(map[string]map[string]any, len(e.Outputs))
		for k, v := range e.Outputs {
			cp.Outputs[k] = v
		}
	}
	return &cp
}

// DeriveStatus computes the workflow terminal status from task terminal states.
// Cancellation wins. A failed_final task fails the run under halt; under continue
// the run completes and the failed and skipped tasks keep their own records.
func DeriveStatus(tasks []*TaskExecution, policy FailurePolicy, cancelled bool) ExecutionStatus {
	if cancelled {
		return ExecutionCancelled
	}
	for _, t := range tasks {
		if t.State == TaskCancelled {
			return ExecutionCancelled
		}
	}
	if policy == FailurePolicyContinue {
		return ExecutionCompleted
	}
	for _, t := range tasks {
		if t.State == TaskFailedFinal {
			return ExecutionFailed
		}
	}
	return ExecutionCompleted
}

// WorkflowResult is what Scheduler.Run returns.
type WorkflowResult struct {
	ExecutionID string                    `json:"execution_id"`
	Status      ExecutionStatus           `json:"status"`
	Tasks       []*TaskExecution          `json:"tasks"`
	Outputs     map[string]map[string]any `json:"outputs,omitempty"`
	Error       string                    `json:"error,omitempty"`
	Duration    time.Duration             `json:"duration"`
}

// Task returns the execution of a node, if it was created.
func (r *WorkflowResult) Task(nodeID string) (*TaskExecution, bool) {
	for _, t := range r.Tasks {
		if t.NodeID == nodeID {
			return t, true
		}
	}
	return nil, false
}
