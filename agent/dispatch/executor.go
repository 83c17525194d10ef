package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/taskflow/agent/registry"
	"github.com/BaSui01/taskflow/internal/tlsutil"
	"github.com/BaSui01/taskflow/workflow"
)

// Executor performs one task attempt on an agent.
//
// Delivery is at-least-once: a timed-out attempt may still complete on the agent
// while the scheduler retries it elsewhere. Implementations must therefore tolerate
// re-delivery of the same (ExecutionID, NodeID), for example by deduplicating on it.
//
// A returned error is retried by default; wrap it with Permanent to stop retries.
type Executor interface {
	Execute(ctx context.Context, agent registry.Agent, req workflow.TaskRequest) (map[string]any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, agent registry.Agent, req workflow.TaskRequest) (map[string]any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, agent registry.Agent, req workflow.TaskRequest) (map[string]any, error) {
	return f(ctx, agent, req)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ExecutorSet routes agents to executors by their Executor key.
type ExecutorSet struct {
	mu        sync.RWMutex
	executors map[string]Executor
	fallback  Executor
}

// NewExecutorSet creates a set whose fallback serves agents with an unknown or empty key.
func NewExecutorSet(fallback Executor) *ExecutorSet {
	return &ExecutorSet{executors: make(map[string]Executor), fallback: fallback}
}

// Register binds key to exec.
func (s *ExecutorSet) Register(key string, exec Executor) {
	s.mu.Lock()
	s.executors[key] = exec
	s.mu.Unlock()
}

// Resolve returns the executor for agent, or nil when none applies.
func (s *ExecutorSet) Resolve(agent registry.Agent) Executor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if exec, ok := s.executors[agent.Executor]; ok && agent.Executor != "" {
		return exec
	}
	return s.fallback
}

// Keys returns the registered keys.
func (s *ExecutorSet) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.executors))
	for k := range s.executors {
		keys = append(keys, k)
	}
	return keys
}

// HTTPExecutor POSTs the task to the agent's Endpoint as JSON.
type HTTPExecutor struct {
	client *http.Client
	path   string
	apiKey string
}

// HTTPExecutorOption configures an HTTPExecutor.
type HTTPExecutorOption func(*HTTPExecutor)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) HTTPExecutorOption {
	return func(e *HTTPExecutor) { e.client = c }
}

// WithTaskPath sets the path appended to the agent endpoint. Default "/tasks".
func WithTaskPath(path string) HTTPExecutorOption {
	return func(e *HTTPExecutor) { e.path = path }
}

// WithAgentAPIKey sends an X-API-Key header.
func WithAgentAPIKey(key string) HTTPExecutorOption {
	return func(e *HTTPExecutor) { e.apiKey = key }
}

// NewHTTPExecutor creates an HTTPExecutor.
func NewHTTPExecutor(opts ...HTTPExecutorOption) *HTTPExecutor {
	e := &HTTPExecutor{
		client: tlsutil.AgentHTTPClient(5 * time.Minute),
		path:   "/tasks",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type httpTaskRequest struct {
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	TaskType    string         `json:"task_type"`
	Params      map[string]any `json:"params"`
	Attempt     int            `json:"attempt"`
	TimeoutMs   int64          `json:"timeout_ms,omitempty"`
}

type httpTaskResponse struct {
	Output map[string]any `json:"output"`
	Error  string         `json:"error,omitempty"`
}

// Execute implements Executor. Transport errors and 5xx responses are retryable;
// other non-2xx responses and an error field in the body are permanent.
func (e *HTTPExecutor) Execute(ctx context.Context, agent registry.Agent, req workflow.TaskRequest) (map[string]any, error) {
	if agent.Endpoint == "" {
		return nil, Permanent(fmt.Errorf("agent %s has no endpoint", agent.ID))
	}
	body, err := json.Marshal(httpTaskRequest{
		ExecutionID: req.ExecutionID,
		NodeID:      req.NodeID,
		TaskType:    req.TaskType,
		Params:      req.Params,
		Attempt:     req.Attempt,
		TimeoutMs:   req.Timeout.Milliseconds(),
	})
	if err != nil {
		return nil, Permanent(fmt.Errorf("encode task: %w", err))
	}

	url := strings.TrimRight(agent.Endpoint, "/") + e.path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.ExecutionID+"/"+req.NodeID)
	if e.apiKey != "" {
		httpReq.Header.Set("X-API-Key", e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call agent %s: %w", agent.ID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read agent %s response: %w", agent.ID, err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("agent %s returned %d: %s", agent.ID, resp.StatusCode, truncate(raw))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, Permanent(fmt.Errorf("agent %s returned %d: %s", agent.ID, resp.StatusCode, truncate(raw)))
	}

	var out httpTaskResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, Permanent(fmt.Errorf("decode agent %s response: %w", agent.ID, err))
		}
	}
	if out.Error != "" {
		return nil, Permanent(fmt.Errorf("agent %s: %s", agent.ID, out.Error))
	}
	if out.Output == nil {
		out.Output = map[string]any{}
	}
	return out.Output, nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
