package workflow

import (
	"fmt"
	"time"
)

// Chain runs workflows one after another, gated by conditions.
type Chain struct {
	ID    string      `json:"id" yaml:"id"`
	Name  string      `json:"name,omitempty" yaml:"name,omitempty"`
	Steps []ChainStep `json:"steps" yaml:"steps"`
}

// ChainStep is one workflow in a chain.
type ChainStep struct {
	WorkflowID string `json:"workflow_id" yaml:"workflow_id"`
	// WorkflowVersion pins a definition version; 0 means latest.
	WorkflowVersion int `json:"workflow_version,omitempty" yaml:"workflow_version,omitempty"`
	// Condition is a predicate over the previous step's result; empty means always.
	Condition string         `json:"condition,omitempty" yaml:"condition,omitempty"`
	Mapping   []FieldMapping `json:"mapping,omitempty" yaml:"mapping,omitempty"`
	OnFailure FailurePolicy  `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
}

// FieldMapping builds one key of the next workflow's input.
// Exactly one of From (a dotted path into the previous result) or Value (a constant) is set.
type FieldMapping struct {
	To       string `json:"to" yaml:"to"`
	From     string `json:"from,omitempty" yaml:"from,omitempty"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Validate checks structure only; conditions are compiled by the chain manager.
func (c *Chain) Validate() error {
	if c == nil || len(c.Steps) == 0 {
		return &ValidationError{Reason: "chain has no steps"}
	}
	for i, s := range c.Steps {
		if s.WorkflowID == "" {
			return &ValidationError{Reason: fmt.Sprintf("chain step %d has no workflow_id", i)}
		}
		if s.OnFailure != "" && !s.OnFailure.Valid() {
			return &ValidationError{Reason: fmt.Sprintf("chain step %d has invalid on_failure %q", i, s.OnFailure)}
		}
	}
	return nil
}

// ChainStatus is the state of a chain execution.
type ChainStatus string

const (
	ChainRunning            ChainStatus = "running"
	ChainCompleted          ChainStatus = "completed"
	ChainFailed             ChainStatus = "failed"
	ChainSkippedByCondition ChainStatus = "skipped_by_condition"
	ChainCancelled          ChainStatus = "cancelled"
)

// IsTerminal reports whether the chain has finished.
func (s ChainStatus) IsTerminal() bool {
	return s != ChainRunning && s != ""
}

// ChainStepResult records one step of a chain execution.
type ChainStepResult struct {
	Index       int             `json:"index"`
	WorkflowID  string          `json:"workflow_id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Status      ExecutionStatus `json:"status,omitempty"`
	Skipped     bool            `json:"skipped,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ChainExecution is the runtime record of a chain.
type ChainExecution struct {
	ID          string            `json:"id"`
	ChainID     string            `json:"chain_id"`
	Status      ChainStatus       `json:"status"`
	Steps       []ChainStepResult `json:"steps"`
	Input       map[string]any    `json:"input,omitempty"`
	Output      map[string]any    `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a copy safe to persist while the chain keeps running.
func (c *ChainExecution) Clone() *ChainExecution {
	cp := *c
	cp.Steps = append([]ChainStepResult(nil), c.Steps...)
	return &cp
}
