package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/taskflow/agent/registry"
	"github.com/BaSui01/taskflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		DispatchRetryCeiling: 3,
		DispatchBackoff:      workflow.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, Strategy: workflow.BackoffFixed},
		AdmissionRecheck:     time.Millisecond,
		DefaultTimeout:       time.Second,
	}
}

func newRegistry(t *testing.T, agents ...registry.Agent) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.DefaultConfig())
	for _, a := range agents {
		require.NoError(t, reg.Register(context.Background(), a))
	}
	return reg
}

func fastRetry(max int) workflow.RetryPolicy {
	return workflow.RetryPolicy{MaxAttempts: max, BaseDelayMs: 1, MaxDelayMs: 2, Strategy: workflow.BackoffFixed}
}

func TestExecute_SuccessReleasesLease(t *testing.T) {
	reg := newRegistry(t, registry.Agent{ID: "a1", Capabilities: []string{"scrape"}, Capacity: 1})
	exec := ExecutorFunc(func(ctx context.Context, a registry.Agent, req workflow.TaskRequest) (map[string]any, error) {
		return map[string]any{"url": req.Params["url"], "agent": a.ID}, nil
	})
	d := New(reg, NewExecutorSet(exec), testConfig())

	lease, err := d.Reserve(context.Background(), "scrape")
	require.NoError(t, err)
	a, _ := reg.Get("a1")
	assert.Equal(t, 1, a.Load)

	out := d.Execute(context.Background(), lease, workflow.TaskRequest{NodeID: "n", TaskType: "scrape", Params: map[string]any{"url": "x"}})
	assert.Equal(t, workflow.OutcomeSucceeded, out.Kind)
	assert.Equal(t, "a1", out.AgentID)
	assert.Equal(t, "x", out.Output["url"])

	a, _ = reg.Get("a1")
	assert.Equal(t, 0, a.Load)
}

func TestExecute_TimeoutDegradesAgent(t *testing.T) {
	reg := newRegistry(t, registry.Agent{ID: "slow", Capabilities: []string{"scrape"}, Capacity: 2})
	exec := ExecutorFunc(func(ctx context.Context, _ registry.Agent, _ workflow.TaskRequest) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d := New(reg, NewExecutorSet(exec), testConfig())

	lease, err := d.Reserve(context.Background(), "scrape")
	require.NoError(t, err)
	out := d.Execute(context.Background(), lease, workflow.TaskRequest{NodeID: "n", TaskType: "scrape", Timeout: 10 * time.Millisecond})

	assert.Equal(t, workflow.OutcomeTimeout, out.Kind)
	assert.True(t, out.Retryable)
	a, _ := reg.Get("slow")
	assert.Equal(t, registry.StatusDegraded, a.Status)
	assert.Equal(t, 0, a.Load)
}

func TestExecute_ParentCancelIsNotTimeout(t *testing.T) {
	reg := newRegistry(t, registry.Agent{ID: "a1", Capabilities: []string{"scrape"}, Capacity: 1})
	started := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, _ registry.Agent, _ workflow.TaskRequest) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d := New(reg, NewExecutorSet(exec), testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	lease, err := d.Reserve(ctx, "scrape")
	require.NoError(t, err)
	go func() {
		<-started
		cancel()
	}()
	out := d.Execute(ctx, lease, workflow.TaskRequest{NodeID: "n", TaskType: "scrape"})

	assert.Equal(t, workflow.OutcomeCancelled, out.Kind)
	a, _ := reg.Get("a1")
	assert.Equal(t, registry.StatusHealthy, a.Status)
}

func TestExecute_PermanentErrorNotRetryable(t *testing.T) {
	reg := newRegistry(t, registry.Agent{ID: "a1", Capabilities: []string{"scrape"}, Capacity: 1})
	exec := ExecutorFunc(func(context.Context, registry.Agent, workflow.TaskRequest) (map[string]any, error) {
		return nil, Permanent(errors.New("bad selector"))
	})
	d := New(reg, NewExecutorSet(exec), testConfig())

	lease, err := d.Reserve(context.Background(), "scrape")
	require.NoError(t, err)
	out := d.Execute(context.Background(), lease, workflow.TaskRequest{NodeID: "n", TaskType: "scrape"})
	assert.Equal(t, workflow.OutcomeFailed, out.Kind)
	assert.False(t, out.Retryable)
}

func TestExecutorSet_ResolveByKey(t *testing.T) {
	fallback := ExecutorFunc(func(context.Context, registry.Agent, workflow.TaskRequest) (map[string]any, error) {
		return map[string]any{"via": "fallback"}, nil
	})
	special := ExecutorFunc(func(context.Context, registry.Agent, workflow.TaskRequest) (map[string]any, error) {
		return map[string]any{"via": "special"}, nil
	})
	set := NewExecutorSet(fallback)
	set.Register("special", special)

	out, err := set.Resolve(registry.Agent{Executor: "special"}).Execute(context.Background(), registry.Agent{}, workflow.TaskRequest{})
	require.NoError(t, err)
	assert.Equal(t, "special", out["via"])

	out, err = set.Resolve(registry.Agent{Executor: "unknown"}).Execute(context.Background(), registry.Agent{}, workflow.TaskRequest{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", out["via"])
	assert.Equal(t, []string{"special"}, set.Keys())
}

func TestDispatch_RetriesThenSucceeds(t *testing.T) {
	reg := newRegistry(t, registry.Agent{ID: "a1", Capabilities: []string{"parse"}, Capacity: 1})
	var calls atomic.Int32
	exec := ExecutorFunc(func(context.Context, registry.Agent, workflow.TaskRequest) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("flaky")
		}
		return map[string]any{"ok": true}, nil
	})
	d := New(reg, NewExecutorSet(exec), testConfig())

	res, err := d.Dispatch(context.Background(), workflow.TaskRequest{NodeID: "adhoc", TaskType: "parse"}, fastRetry(3))
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskSucceeded, res.State)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatch_ExhaustsAttempts(t *testing.T) {
	reg := newRegistry(t, registry.Agent{ID: "a1", Capabilities: []string{"parse"}, Capacity: 1})
	var calls atomic.Int32
	exec := ExecutorFunc(func(context.Context, registry.Agent, workflow.TaskRequest) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	})
	d := New(reg, NewExecutorSet(exec), testConfig())

	res, err := d.Dispatch(context.Background(), workflow.TaskRequest{TaskType: "parse"}, fastRetry(2))
	var fe *FailedError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, workflow.ReasonAgentError, fe.Reason)
	assert.Equal(t, workflow.TaskFailedFinal, res.State)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatch_AgentUnavailableAfterCeiling(t *testing.T) {
	reg := newRegistry(t)
	d := New(reg, NewExecutorSet(nil), testConfig())

	res, err := d.Dispatch(context.Background(), workflow.TaskRequest{TaskType: "render"}, fastRetry(3))
	var fe *FailedError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, workflow.ReasonAgentUnavailable, fe.Reason)
	assert.Equal(t, 3, res.DispatchRetries)
	assert.Equal(t, 0, res.Attempts)

	var nce *registry.NoCapableAgentError
	assert.ErrorAs(t, err, &nce)
}

func TestDispatch_WaitsOutSaturation(t *testing.T) {
	reg := newRegistry(t, registry.Agent{ID: "a1", Capabilities: []string{"parse"}, Capacity: 1})
	exec := ExecutorFunc(func(context.Context, registry.Agent, workflow.TaskRequest) (map[string]any, error) {
		return map[string]any{}, nil
	})
	d := New(reg, NewExecutorSet(exec), testConfig())

	held, err := reg.Acquire("parse")
	require.NoError(t, err)
	time.AfterFunc(20*time.Millisecond, held.Release)

	res, err := d.Dispatch(context.Background(), workflow.TaskRequest{TaskType: "parse"}, fastRetry(1))
	require.NoError(t, err)
	assert.Equal(t, 0, res.DispatchRetries, "saturation does not count toward the ceiling")
}

type recordingContainers struct{ started []string }

func (c *recordingContainers) EnsureRunning(_ context.Context, a registry.Agent) error {
	c.started = append(c.started, a.ID)
	return nil
}

func TestExecute_EnsuresContainer(t *testing.T) {
	reg := newRegistry(t, registry.Agent{ID: "a1", Capabilities: []string{"parse"}, Capacity: 1})
	cc := &recordingContainers{}
	exec := ExecutorFunc(func(context.Context, registry.Agent, workflow.TaskRequest) (map[string]any, error) {
		return nil, nil
	})
	d := New(reg, NewExecutorSet(exec), testConfig(), WithContainerController(cc))

	lease, err := d.Reserve(context.Background(), "parse")
	require.NoError(t, err)
	out := d.Execute(context.Background(), lease, workflow.TaskRequest{TaskType: "parse"})
	assert.Equal(t, workflow.OutcomeSucceeded, out.Kind)
	assert.NotNil(t, out.Output)
	assert.Equal(t, []string{"a1"}, cc.started)
}

func TestHTTPExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks", r.URL.Path)
		assert.Equal(t, "exec-1/extract", r.Header.Get("Idempotency-Key"))
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch body["task_type"] {
		case "ok":
			_ = json.NewEncoder(w).Encode(map[string]any{"output": map[string]any{"price": 9.5}})
		case "bad":
			w.WriteHeader(http.StatusBadRequest)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	e := NewHTTPExecutor()
	agent := registry.Agent{ID: "remote", Endpoint: srv.URL}
	req := workflow.TaskRequest{ExecutionID: "exec-1", NodeID: "extract"}

	req.TaskType = "ok"
	out, err := e.Execute(context.Background(), agent, req)
	require.NoError(t, err)
	assert.Equal(t, 9.5, out["price"])

	req.TaskType = "bad"
	_, err = e.Execute(context.Background(), agent, req)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	req.TaskType = "flaky"
	_, err = e.Execute(context.Background(), agent, req)
	require.Error(t, err)
	assert.False(t, IsPermanent(err))

	_, err = e.Execute(context.Background(), registry.Agent{ID: "no-endpoint"}, req)
	assert.True(t, IsPermanent(err))
}
