package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/BaSui01/taskflow/internal/cache"
	"github.com/BaSui01/taskflow/workflow"
)

// RedisStore is a Redis-based implementation of Store, built on the cache
// manager. Records are JSON strings without expiry; sorted sets index them.
type RedisStore struct {
	cache     *cache.Manager
	keyPrefix string
	now       func() time.Time
}

// NewRedisStore creates a Redis store. keyPrefix defaults to "taskflow:".
func NewRedisStore(m *cache.Manager, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "taskflow:"
	}
	return &RedisStore{cache: m, keyPrefix: keyPrefix, now: time.Now}
}

// Close closes the underlying cache manager
func (s *RedisStore) Close() error { return s.cache.Close() }

// Ping checks if the store is healthy
func (s *RedisStore) Ping(ctx context.Context) error { return s.cache.Ping(ctx) }

func (s *RedisStore) defKey(id string, version int) string {
	return s.keyPrefix + "def:" + id + ":" + strconv.Itoa(version)
}
func (s *RedisStore) defSeqKey(id string) string { return s.keyPrefix + "def:" + id + ":seq" }
func (s *RedisStore) defIndexKey() string { return s.keyPrefix + "defs" }
func (s *RedisStore) execKey(id string) string { return s.keyPrefix + "exec:" + id }
func (s *RedisStore) execIndexKey() string { return s.keyPrefix + "execs" }
func (s *RedisStore) taskKey(execID string) string { return s.keyPrefix + "tasks:" + execID }
func (s *RedisStore) eventIndexKey(execID string) string { return s.keyPrefix + "events:" + execID }
func (s *RedisStore) chainKey(id string) string { return s.keyPrefix + "chain:" + id }
func (s *RedisStore) chainIndexKey() string { return s.keyPrefix + "chains" }

func (s *RedisStore) eventKey(execID string, seq int64) string {
	return s.keyPrefix + "event:" + execID + ":" + strconv.FormatInt(seq, 10)
}

func (s *RedisStore) get(ctx context.Context, key string, dest any) error {
	err := s.cache.GetJSON(ctx, key, dest)
	if cache.IsCacheMiss(err) {
		return ErrNotFound
	}
	return err
}

func (s *RedisStore) put(ctx context.Context, key string, v any) error {
	return s.cache.SetJSON(ctx, key, v, cache.NoExpiry)
}

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// =============================================================================
// Definitions
// =============================================================================

// SaveDefinition reserves the next version with INCR, so concurrent saves of
// one ID never collide.
func (s *RedisStore) SaveDefinition(ctx context.Context, def *workflow.Definition) (*workflow.Definition, error) {
	if err := validateDefinition(def); err != nil {
		return nil, err
	}
	next, err := s.cache.Incr(ctx, s.defSeqKey(def.ID))
	if err != nil {
		return nil, err
	}
	stored := prepareVersion(def, int(next)-1, s.now().UTC())
	if err := s.put(ctx, s.defKey(def.ID, stored.Version), stored); err != nil {
		return nil, err
	}
	if err := s.cache.ZAdd(ctx, s.defIndexKey(), 0, def.ID); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *RedisStore) GetDefinition(ctx context.Context, id string, version int) (*workflow.Definition, error) {
	if version <= 0 {
		latest, err := s.latestVersion(ctx, id)
		if err != nil {
			return nil, err
		}
		version = latest
	}
	var def workflow.Definition
	if err := s.get(ctx, s.defKey(id, version), &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *RedisStore) latestVersion(ctx context.Context, id string) (int, error) {
	raw, err := s.cache.Get(ctx, s.defSeqKey(id))
	if cache.IsCacheMiss(err) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

func (s *RedisStore) ListDefinitions(ctx context.Context) ([]*workflow.Definition, error) {
	ids, err := s.cache.ZRange(ctx, s.defIndexKey(), 0, -1, false)
	if err != nil {
		return nil, err
	}
	out := make([]*workflow.Definition, 0, len(ids))
	for _, id := range ids {
		def, err := s.GetDefinition(ctx, id, 0)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func (s *RedisStore) DeleteDefinition(ctx context.Context, id string) error {
	latest, err := s.latestVersion(ctx, id)
	if err != nil {
		return err
	}
	keys := []string{s.defSeqKey(id)}
	for v := 1; v <= latest; v++ {
		keys = append(keys, s.defKey(id, v))
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		return err
	}
	return s.cache.ZRem(ctx, s.defIndexKey(), id)
}

// =============================================================================
// Executions
// =============================================================================

func (s *RedisStore) CreateExecution(ctx context.Context, exec *workflow.WorkflowExecution) error {
	if exec == nil || exec.ID == "" {
		return ErrInvalidInput
	}
	if err := s.put(ctx, s.execKey(exec.ID), exec); err != nil {
		return err
	}
	return s.cache.ZAdd(ctx, s.execIndexKey(), score(exec.CreatedAt), exec.ID)
}

func (s *RedisStore) UpdateExecution(ctx context.Context, exec *workflow.WorkflowExecution) error {
	if exec == nil || exec.ID == "" {
		return ErrInvalidInput
	}
	n, err := s.cache.Exists(ctx, s.execKey(exec.ID))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return s.put(ctx, s.execKey(exec.ID), exec)
}

func (s *RedisStore) GetExecution(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	var exec workflow.WorkflowExecution
	if err := s.get(ctx, s.execKey(id), &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListExecutions walks the index newest first and filters client-side.
func (s *RedisStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*workflow.WorkflowExecution, error) {
	ids, err := s.cache.ZRange(ctx, s.execIndexKey(), 0, -1, true)
	if err != nil {
		return nil, err
	}
	limit := limitOrDefault(filter.Limit)
	var out []*workflow.WorkflowExecution
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.match(exec) {
			out = append(out, exec)
			if len(out) == limit {
				break
			}
		}
	}
	sortExecutions(out)
	return out, nil
}

func (s *RedisStore) SaveTask(ctx context.Context, task *workflow.TaskExecution) error {
	if task == nil || task.ExecutionID == "" || task.NodeID == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return s.cache.HSet(ctx, s.taskKey(task.ExecutionID), task.NodeID, string(data))
}

func (s *RedisStore) ListTasks(ctx context.Context, executionID string) ([]*workflow.TaskExecution, error) {
	fields, err := s.cache.HGetAll(ctx, s.taskKey(executionID))
	if err != nil {
		return nil, err
	}
	out := make([]*workflow.TaskExecution, 0, len(fields))
	for node, raw := range fields {
		var t workflow.TaskExecution
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode task %s/%s: %w", executionID, node, err)
		}
		out = append(out, &t)
	}
	sortTasks(out)
	return out, nil
}

// AppendEvent writes the event with SETNX on its (execution, sequence) key.
// The index add is repeated on duplicates so a half-finished append heals.
func (s *RedisStore) AppendEvent(ctx context.Context, ev workflow.ExecutionEvent) error {
	if ev.ExecutionID == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := s.cache.SetNX(ctx, s.eventKey(ev.ExecutionID, ev.Sequence), string(data), cache.NoExpiry); err != nil {
		return err
	}
	return s.cache.ZAdd(ctx, s.eventIndexKey(ev.ExecutionID), float64(ev.Sequence), strconv.FormatInt(ev.Sequence, 10))
}

func (s *RedisStore) ListEvents(ctx context.Context, executionID string) ([]workflow.ExecutionEvent, error) {
	seqs, err := s.cache.ZRange(ctx, s.eventIndexKey(executionID), 0, -1, false)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(seqs))
	for _, raw := range seqs {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, s.eventKey(executionID, seq))
	}
	vals, err := s.cache.MGet(ctx, keys...)
	if err != nil {
		return nil, err
	}
	out := make([]workflow.ExecutionEvent, 0, len(vals))
	for _, raw := range vals {
		if raw == "" {
			continue
		}
		var ev workflow.ExecutionEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// =============================================================================
// Chains
// =============================================================================

func (s *RedisStore) SaveChainExecution(ctx context.Context, exec *workflow.ChainExecution) error {
	if exec == nil || exec.ID == "" {
		return ErrInvalidInput
	}
	if err := s.put(ctx, s.chainKey(exec.ID), exec); err != nil {
		return err
	}
	return s.cache.ZAdd(ctx, s.chainIndexKey(), score(exec.CreatedAt), exec.ID)
}

func (s *RedisStore) GetChainExecution(ctx context.Context, id string) (*workflow.ChainExecution, error) {
	var exec workflow.ChainExecution
	if err := s.get(ctx, s.chainKey(id), &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *RedisStore) ListChainExecutions(ctx context.Context, filter ChainFilter) ([]*workflow.ChainExecution, error) {
	ids, err := s.cache.ZRange(ctx, s.chainIndexKey(), 0, -1, true)
	if err != nil {
		return nil, err
	}
	limit := limitOrDefault(filter.Limit)
	var out []*workflow.ChainExecution
	for _, id := range ids {
		c, err := s.GetChainExecution(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.match(c) {
			out = append(out, c)
			if len(out) == limit {
				break
			}
		}
	}
	sortChains(out)
	return out, nil
}
