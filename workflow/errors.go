package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports a structurally invalid definition.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid workflow definition: " + e.Reason
}

// DuplicateNodeError reports a node ID declared twice.
type DuplicateNodeError struct {
	NodeID string
}

func (e *DuplicateNodeError) Error() string {
	return fmt.Sprintf("duplicate node id: %s", e.NodeID)
}

// UnknownNodeReferenceError reports an edge naming a node that does not exist.
type UnknownNodeReferenceError struct {
	Edge   Dependency
	NodeID string
}

func (e *UnknownNodeReferenceError) Error() string {
	return fmt.Sprintf("edge %s references non-existent node: %s", e.Edge, e.NodeID)
}

// CycleDetectedError names the nodes of at least one cycle.
type CycleDetectedError struct {
	Nodes []string
}

func (e *CycleDetectedError) Error() string {
	if len(e.Nodes) == 0 {
		return "cycle detected"
	}
	path := append(append([]string{}, e.Nodes...), e.Nodes[0])
	return "cycle detected: " + strings.Join(path, " -> ")
}

// DataMappingError reports a chain mapping that cannot produce the next step's input.
type DataMappingError struct {
	Step   int
	Field  string
	Reason string
}

func (e *DataMappingError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("data mapping for step %d: %s", e.Step, e.Reason)
	}
	return fmt.Sprintf("data mapping for step %d field %q: %s", e.Step, e.Field, e.Reason)
}

// IsValidationError reports whether err is one of the definition or mapping validation errors.
// These are never retried.
func IsValidationError(err error) bool {
	var (
		ve  *ValidationError
		dn  *DuplicateNodeError
		unk *UnknownNodeReferenceError
		cyc *CycleDetectedError
		dm  *DataMappingError
	)
	return errors.As(err, &ve) || errors.As(err, &dn) || errors.As(err, &unk) ||
		errors.As(err, &cyc) || errors.As(err, &dm)
}

// ErrExecutionTerminal is returned when mutating a finished execution.
var ErrExecutionTerminal = errors.New("execution already terminal")

// ErrInvalidTransition is returned for a task state change the machine does not allow.
var ErrInvalidTransition = errors.New("invalid task state transition")
