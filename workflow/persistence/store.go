package persistence

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/BaSui01/taskflow/workflow"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeDatabase StoreType = "database"
	StoreTypeRedis    StoreType = "redis"
	StoreTypeMongo    StoreType = "mongo"
)

// ExecutionFilter narrows ListExecutions. Zero fields match everything.
type ExecutionFilter struct {
	Status       workflow.ExecutionStatus
	DefinitionID string
	ChainID      string
	// Limit caps the result; 0 means DefaultListLimit.
	Limit int
}

// ChainFilter narrows ListChainExecutions.
type ChainFilter struct {
	ChainID string
	Status  workflow.ChainStatus
	Limit   int
}

// DefaultListLimit bounds list queries that do not set a limit.
const DefaultListLimit = 100

func limitOrDefault(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	return n
}

// DefinitionStore keeps versioned workflow definitions.
type DefinitionStore interface {
	// SaveDefinition stores def as the next version of def.ID and returns the stored copy.
	SaveDefinition(ctx context.Context, def *workflow.Definition) (*workflow.Definition, error)
	// GetDefinition returns one version; version 0 means latest.
	GetDefinition(ctx context.Context, id string, version int) (*workflow.Definition, error)
	// ListDefinitions returns the latest version of every definition, by ID.
	ListDefinitions(ctx context.Context) ([]*workflow.Definition, error)
	// DeleteDefinition removes every version.
	DeleteDefinition(ctx context.Context, id string) error
}

// ExecutionStore keeps workflow executions, their tasks and event logs.
type ExecutionStore interface {
	workflow.Recorder

	CreateExecution(ctx context.Context, exec *workflow.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*workflow.WorkflowExecution, error)
	// ListExecutions returns newest first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*workflow.WorkflowExecution, error)
	// ListTasks returns tasks ordered by level, then node ID.
	ListTasks(ctx context.Context, executionID string) ([]*workflow.TaskExecution, error)
	// ListEvents returns the log ordered by sequence.
	ListEvents(ctx context.Context, executionID string) ([]workflow.ExecutionEvent, error)
}

// ChainStore keeps chain executions.
type ChainStore interface {
	SaveChainExecution(ctx context.Context, exec *workflow.ChainExecution) error
	GetChainExecution(ctx context.Context, id string) (*workflow.ChainExecution, error)
	// ListChainExecutions returns newest first.
	ListChainExecutions(ctx context.Context, filter ChainFilter) ([]*workflow.ChainExecution, error)
}

// Store is the full persistence surface of the orchestrator.
//
// AppendEvent must be idempotent on (ExecutionID, Sequence): appending an
// existing key is a no-op that returns nil.
type Store interface {
	DefinitionStore
	ExecutionStore
	ChainStore

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
	// Close closes the store and releases resources
	Close() error
}

func (f ExecutionFilter) match(e *workflow.WorkflowExecution) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.DefinitionID != "" && e.DefinitionID != f.DefinitionID {
		return false
	}
	if f.ChainID != "" && e.ChainID != f.ChainID {
		return false
	}
	return true
}

func (f ChainFilter) match(c *workflow.ChainExecution) bool {
	if f.ChainID != "" && c.ChainID != f.ChainID {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	return true
}

func validateDefinition(def *workflow.Definition) error {
	if def == nil || def.ID == "" {
		return ErrInvalidInput
	}
	return nil
}

// prepareVersion stamps the next version onto a private copy of def.
func prepareVersion(def *workflow.Definition, latest int, now time.Time) *workflow.Definition {
	cp := def.Clone()
	cp.Version = latest + 1
	cp.CreatedAt = now
	return cp
}

func sortTasks(tasks []*workflow.TaskExecution) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Level != tasks[j].Level {
			return tasks[i].Level < tasks[j].Level
		}
		return tasks[i].NodeID < tasks[j].NodeID
	})
}

func sortExecutions(execs []*workflow.WorkflowExecution) {
	sort.SliceStable(execs, func(i, j int) bool {
		if !execs[i].CreatedAt.Equal(execs[j].CreatedAt) {
			return execs[i].CreatedAt.After(execs[j].CreatedAt)
		}
		return execs[i].ID > execs[j].ID
	})
}

func sortChains(chains []*workflow.ChainExecution) {
	sort.SliceStable(chains, func(i, j int) bool {
		if !chains[i].CreatedAt.Equal(chains[j].CreatedAt) {
			return chains[i].CreatedAt.After(chains[j].CreatedAt)
		}
		return chains[i].ID > chains[j].ID
	})
}
