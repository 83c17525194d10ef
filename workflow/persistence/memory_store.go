package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/taskflow/workflow"
)

type eventKey struct {
	executionID string
	sequence    int64
}

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu          sync.RWMutex
	closed      bool
	definitions map[string][]*workflow.Definition // id -> versions, ascending
	executions  map[string]*workflow.WorkflowExecution
	tasks       map[string]map[string]*workflow.TaskExecution
	events      map[string][]workflow.ExecutionEvent
	eventKeys   map[eventKey]struct{}
	chains      map[string]*workflow.ChainExecution
	now         func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string][]*workflow.Definition),
		executions:  make(map[string]*workflow.WorkflowExecution),
		tasks:       make(map[string]map[string]*workflow.TaskExecution),
		events:      make(map[string][]workflow.ExecutionEvent),
		eventKeys:   make(map[eventKey]struct{}),
		chains:      make(map[string]*workflow.ChainExecution),
		now:         time.Now,
	}
}

// Close closes the store
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// =============================================================================
// Definitions
// =============================================================================

func (s *MemoryStore) SaveDefinition(ctx context.Context, def *workflow.Definition) (*workflow.Definition, error) {
	if err := validateDefinition(def); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	versions := s.definitions[def.ID]
	stored := prepareVersion(def, len(versions), s.now())
	s.definitions[def.ID] = append(versions, stored)
	return stored.Clone(), nil
}

func (s *MemoryStore) GetDefinition(ctx context.Context, id string, version int) (*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	versions := s.definitions[id]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	if version == 0 {
		return versions[len(versions)-1].Clone(), nil
	}
	if version < 0 || version > len(versions) {
		return nil, ErrNotFound
	}
	return versions[version-1].Clone(), nil
}

func (s *MemoryStore) ListDefinitions(ctx context.Context) ([]*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]*workflow.Definition, 0, len(s.definitions))
	for _, versions := range s.definitions {
		out = append(out, versions[len(versions)-1].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteDefinition(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.definitions[id]; !ok {
		return ErrNotFound
	}
	delete(s.definitions, id)
	return nil
}

// =============================================================================
// Executions
// =============================================================================

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *workflow.WorkflowExecution) error {
	if exec == nil || exec.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, exec *workflow.WorkflowExecution) error {
	if exec == nil || exec.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.executions[exec.ID]; !ok {
		return ErrNotFound
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return exec.Clone(), nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*workflow.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []*workflow.WorkflowExecution
	for _, exec := range s.executions {
		if filter.match(exec) {
			out = append(out, exec.Clone())
		}
	}
	sortExecutions(out)
	if limit := limitOrDefault(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveTask(ctx context.Context, task *workflow.TaskExecution) error {
	if task == nil || task.ExecutionID == "" || task.NodeID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	byNode, ok := s.tasks[task.ExecutionID]
	if !ok {
		byNode = make(map[string]*workflow.TaskExecution)
		s.tasks[task.ExecutionID] = byNode
	}
	byNode[task.NodeID] = task.Clone()
	return nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, executionID string) ([]*workflow.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*workflow.TaskExecution, 0, len(s.tasks[executionID]))
	for _, t := range s.tasks[executionID] {
		out = append(out, t.Clone())
	}
	sortTasks(out)
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, ev workflow.ExecutionEvent) error {
	if ev.ExecutionID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	key := eventKey{ev.ExecutionID, ev.Sequence}
	if _, dup := s.eventKeys[key]; dup {
		return nil
	}
	s.eventKeys[key] = struct{}{}
	s.events[ev.ExecutionID] = append(s.events[ev.ExecutionID], ev)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, executionID string) ([]workflow.ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := append([]workflow.ExecutionEvent(nil), s.events[executionID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// =============================================================================
// Chains
// =============================================================================

func (s *MemoryStore) SaveChainExecution(ctx context.Context, exec *workflow.ChainExecution) error {
	if exec == nil || exec.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.chains[exec.ID] = exec.Clone()
	return nil
}

func (s *MemoryStore) GetChainExecution(ctx context.Context, id string) (*workflow.ChainExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	c, ok := s.chains[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) ListChainExecutions(ctx context.Context, filter ChainFilter) ([]*workflow.ChainExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*workflow.ChainExecution
	for _, c := range s.chains {
		if filter.match(c) {
			out = append(out, c.Clone())
		}
	}
	sortChains(out)
	if limit := limitOrDefault(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
