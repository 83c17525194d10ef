package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/taskflow/agent/dispatch"
	"github.com/BaSui01/taskflow/agent/registry"
	"github.com/BaSui01/taskflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRecorder keeps the latest task snapshots and the full event log.
type memRecorder struct {
	mu        sync.Mutex
	tasks     map[string]*workflow.TaskExecution
	events    []workflow.ExecutionEvent
	execs     []*workflow.WorkflowExecution
	failTasks int
}

func newMemRecorder() *memRecorder {
	return &memRecorder{tasks: make(map[string]*workflow.TaskExecution)}
}

func (r *memRecorder) UpdateExecution(_ context.Context, e *workflow.WorkflowExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs = append(r.execs, e.Clone())
	return nil
}

func (r *memRecorder) SaveTask(_ context.Context, t *workflow.TaskExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failTasks > 0 {
		r.failTasks--
		return errors.New("store unavailable")
	}
	r.tasks[t.NodeID] = t.Clone()
	return nil
}

func (r *memRecorder) AppendEvent(_ context.Context, ev workflow.ExecutionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *memRecorder) lastExecution() (*workflow.WorkflowExecution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.execs) == 0 {
		return nil, false
	}
	return r.execs[len(r.execs)-1], true
}

func (r *memRecorder) task(id string) *workflow.TaskExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[id]
}

// gauge tracks how many executor calls overlap.
type gauge struct {
	cur, max atomic.Int64
}

func (g *gauge) enter() {
	n := g.cur.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (g *gauge) leave() { g.cur.Add(-1) }

type harness struct {
	reg    *registry.Registry
	sched  *workflow.Scheduler
	rec    *memRecorder
	events chan workflow.Event
}

func schedulerConfig() workflow.SchedulerConfig {
	ms := time.Millisecond
	return workflow.SchedulerConfig{
		DefaultConcurrency:   10,
		DispatchRetryCeiling: 3,
		DispatchBackoff:      workflow.Backoff{Base: ms, Max: 2 * ms, Strategy: workflow.BackoffFixed},
		AdmissionRecheck:     5 * ms,
		StoreBackoff:         workflow.Backoff{Base: ms, Max: 2 * ms, Strategy: workflow.BackoffFixed},
		FinalizeTimeout:      time.Second,
	}
}

func newHarness(t *testing.T, exec dispatch.Executor, agents ...registry.Agent) *harness {
	t.Helper()
	reg := registry.New(registry.DefaultConfig())
	for _, a := range agents {
		require.NoError(t, reg.Register(context.Background(), a))
	}
	d := dispatch.New(reg, dispatch.NewExecutorSet(exec), dispatch.Config{DefaultTimeout: 5 * time.Second})
	rec := newMemRecorder()
	events := make(chan workflow.Event, 1024)
	return &harness{
		reg:    reg,
		sched:  workflow.NewScheduler(d, rec, schedulerConfig(), workflow.WithEvents(events)),
		rec:    rec,
		events: events,
	}
}

func (h *harness) run(t *testing.T, ctx context.Context, def *workflow.Definition, input map[string]any, limit int) *workflow.WorkflowResult {
	t.Helper()
	levels, err := workflow.BuildLevels(def)
	require.NoError(t, err)
	exec := &workflow.WorkflowExecution{ID: "exec-" + def.ID, DefinitionID: def.ID, Input: input}
	res, err := h.sched.Run(ctx, exec, def, levels, limit)
	require.NoError(t, err)
	return res
}

func (h *harness) drain() []workflow.Event {
	var out []workflow.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func startedOrder(events []workflow.Event) []string {
	var ids []string
	for _, ev := range events {
		if ev.Type == workflow.EventTaskStarted {
			ids = append(ids, ev.NodeID)
		}
	}
	return ids
}

func taskState(t *testing.T, res *workflow.WorkflowResult, id string) *workflow.TaskExecution {
	t.Helper()
	task, ok := res.Task(id)
	require.True(t, ok, "task %s missing", id)
	return task
}

func fastRetry(max int) workflow.RetryPolicy {
	return workflow.RetryPolicy{MaxAttempts: max, BaseDelayMs: 1, MaxDelayMs: 2, Strategy: workflow.BackoffFixed}
}

func agent(id string, capacity int, caps ...string) registry.Agent {
	return registry.Agent{ID: id, Capabilities: caps, Capacity: capacity}
}

func TestScheduler_Diamond(t *testing.T) {
	var g gauge
	exec := dispatch.ExecutorFunc(func(ctx context.Context, _ registry.Agent, req workflow.TaskRequest) (map[string]any, error) {
		g.enter()
		defer g.leave()
		time.Sleep(15 * time.Millisecond)
		switch req.NodeID {
		case "A":
			return map[string]any{"value": 1}, nil
		case "B":
			return map[string]any{"value": req.Params["in"].(int) + 10}, nil
		case "C":
			return map[string]any{"value": req.Params["in"].(int) + 100}, nil
		default:
			return map[string]any{"sum": req.Params["b"].(int) + req.Params["c"].(int)}, nil
		}
	})
	h := newHarness(t, exec, agent("w1", 4, "step"))

	def := workflow.NewDAGBuilder("diamond").
		AddNode("A", "step").Done().
		AddNode("B", "step").WithParam("in", "${A.value}").DependsOn("A").Done().
		AddNode("C", "step").WithParam("in", "${A.value}").DependsOn("A").Done().
		AddNode("D", "step").WithParams(map[string]any{"b": "${B.value}", "c": "${C.value}"}).DependsOn("B", "C").Done().
		MustBuild()

	res := h.run(t, context.Background(), def, nil, 4)
	require.Equal(t, workflow.ExecutionCompleted, res.Status)
	assert.Equal(t, 112, res.Outputs["D"]["sum"])
	assert.Equal(t, int64(2), g.max.Load(), "B and C overlap, nothing else does")

	order := startedOrder(h.drain())
	require.Len(t, order, 4)
	assert.Equal(t, "A", order[0])
	assert.ElementsMatch(t, []string{"B", "C"}, order[1:3])
	assert.Equal(t, "D", order[3])
}

func TestScheduler_ConcurrencyCeiling(t *testing.T) {
	var g gauge
	exec := dispatch.ExecutorFunc(func(context.Context, registry.Agent, workflow.TaskRequest) (map[string]any, error) {
		g.enter()
		defer g.leave()
		time.Sleep(10 * time.Millisecond)
		return map[string]any{}, nil
	})
	h := newHarness(t, exec, agent("big", 100, "t"))

	b := workflow.NewDAGBuilder("wide")
	for i := 0; i < 12; i++ {
		b.AddNode(fmt.Sprintf("n%02d", i), "t")
	}
	res := h.run(t, context.Background(), b.MustBuild(), nil, 3)

	require.Equal(t, workflow.ExecutionCompleted, res.Status)
	assert.Equal(t, int64(3), g.max.Load())
	assert.Equal(t, int64(0), h.sched.Running())

	order := startedOrder(h.drain())
	want := make([]string, 12)
	for i := range want {
		want[i] = fmt.Sprintf("n%02d", i)
	}
	assert.Equal(t, want, order, "ready queue is FIFO by declaration")
}

func TestScheduler_AgentOverloadKeepsFIFO(t *testing.T) {
	var g gauge
	exec := dispatch.ExecutorFunc(func(context.Context, registry.Agent, workflow.TaskRequest) (map[string]any, error) {
		g.enter()
		defer g.leave()
		time.Sleep(10 * time.Millisecond)
		return map[string]any{}, nil
	})
	h := newHarness(t, exec, agent("only", 2, "scrape"))

	def := workflow.NewDAGBuilder("overload").
		AddNode("t1", "scrape").Done().
		AddNode("t2", "scrape").Done().
		AddNode("t3", "scrape").Done().
		AddNode("t4", "scrape").Done().
		AddNode("t5", "scrape").Done().
		MustBuild()

	res := h.run(t, context.Background(), def, nil, 10)
	require.Equal(t, workflow.ExecutionCompleted, res.Status)
	assert.LessOrEqual(t, g.max.Load(), int64(2))

	assert.Equal(t, []string{"t1", "t2", "t3", "t4", "t5"}, startedOrder(h.drain()))
	for _, task := range res.Tasks {
		assert.Equal(t, 1, task.Attempts)
		assert.Equal(t, 0, task.DispatchRetries, "saturation is not unavailability")
	}
	a, _ := h.reg.Get("only")
	assert.Equal(t, 0, a.Load)
}

func TestScheduler_RetryAccounting(t *testing.T) {
	var flakyCalls, brokenCalls atomic.Int32
	exec := dispatch.ExecutorFunc(func(_ context.Context, _ registry.Agent, req workflow.TaskRequest) (map[string]any, error) {
		switch req.NodeID {
		case "flaky":
			if flakyCalls.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return map[string]any{"ok": true}, nil
		default:
			brokenCalls.Add(1)
			return nil, errors.New("always")
		}
	})
	h := newHarness(t, exec, agent("w", 4, "t"))

	def := workflow.NewDAGBuilder("retries").
		WithFailurePolicy(workflow.FailurePolicyContinue).
		AddNode("flaky", "t").WithRetry(fastRetry(3)).Done().
		AddNode("broken", "t").WithRetry(fastRetry(2)).Done().
		MustBuild()

	res := h.run(t, context.Background(), def, nil, 0)
	assert.Equal(t, workflow.ExecutionCompleted, res.Status)
	assert.Contains(t, res.Error, "task broken failed")

	flaky := taskState(t, res, "flaky")
	assert.Equal(t, workflow.TaskSucceeded, flaky.State)
	assert.Equal(t, 3, flaky.Attempts)
	assert.Equal(t, int32(3), flakyCalls.Load())

	broken := taskState(t, res, "broken")
	assert.Equal(t, workflow.TaskFailedFinal, broken.State)
	assert.Equal(t, workflow.ReasonAgentError, broken.FailureReason)
	assert.Equal(t, 2, broken.Attempts)
	assert.Equal(t, int32(2), brokenCalls.Load())

	var retrying int
	for _, ev := range h.drain() {
		if ev.Type == workflow.EventTaskRetrying {
			retrying++
		}
	}
	assert.Equal(t, 3, retrying)
}

func TestScheduler_PermanentErrorSkipsRetries(t *testing.T) {
	var calls atomic.Int32
	exec := dispatch.ExecutorFunc(func(context.Context, registry.Agent, workflow.TaskRequest) (map[string]any, error) {
		calls.Add(1)
		return nil, dispatch.Permanent(errors.New("invalid selector"))
	})
	h := newHarness(t, exec, agent("w", 1, "t"))
	def := workflow.NewDAGBuilder("perm").AddNode("a", "t").WithRetry(fastRetry(5)).Done().MustBuild()

	res := h.run(t, context.Background(), def, nil, 0)
	assert.Equal(t, workflow.ExecutionFailed, res.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestScheduler_HaltOnFailure(t *testing.T) {
	var calls sync.Map
	exec := dispatch.ExecutorFunc(func(_ context.Context, _ registry.Agent, req workflow.TaskRequest) (map[string]any, error) {
		calls.Store(req.NodeID, true)
		if req.NodeID == "A" {
			return nil, errors.New("navigation failed")
		}
		return map[string]any{}, nil
	})
	h := newHarness(t, exec, agent("w", 2, "t"))

	def := workflow.NewDAGBuilder("chain").
		AddNode("A", "t").WithRetry(fastRetry(1)).Done().
		AddNode("B", "t").DependsOn("A").Done().
		AddNode("C", "t").DependsOn("B").Done().
		MustBuild()

	res := h.run(t, context.Background(), def, nil, 0)
	require.Equal(t, workflow.ExecutionFailed, res.Status)
	assert.Contains(t, res.Error, "A")

	assert.Equal(t, workflow.TaskFailedFinal, taskState(t, res, "A").State)
	for _, id := range []string{"B", "C"} {
		task := taskState(t, res, id)
		assert.Equal(t, workflow.TaskSkipped, task.State)
		assert.Equal(t, workflow.ReasonHalted, task.FailureReason)
		_, called := calls.Load(id)
		assert.False(t, called, "%s must never run", id)
	}

	// status queries see every node through the recorder
	require.NotNil(t, h.rec.task("C"))
	assert.Equal(t, workflow.TaskSkipped, h.rec.task("C").State)
}

func TestScheduler_HaltLetsRunningSiblingsFinish(t *testing.T) {
	exec := dispatch.ExecutorFunc(func(_ context.Context, _ registry.Agent, req workflow.TaskRequest) (map[string]any, error) {
		switch req.NodeID {
		case "fail":
			return nil, errors.New("boom")
		case "slow":
			time.Sleep(40 * time.Millisecond)
		}
		return map[string]any{}, nil
	})
	h := newHarness(t, exec, agent("w", 1, "fast"), agent("s", 1, "slow"))

	def := workflow.NewDAGBuilder("siblings").
		AddNode("slow", "slow").Done().
		AddNode("fail", "fast").WithRetry(fastRetry(1)).Done().
		AddNode("queued", "slow").Done().
		AddNode("next", "fast").DependsOn("slow").Done().
		MustBuild()

	res := h.run(t, context.Background(), def, nil, 0)
	require.Equal(t, workflow.ExecutionFailed, res.Status)
	assert.Equal(t, workflow.TaskSucceeded, taskState(t, res, "slow").State)
	assert.Equal(t, workflow.TaskFailedFinal, taskState(t, res, "fail").State)
	assert.Equal(t, workflow.TaskSkipped, taskState(t, res, "queued").State, "ready sibling never started")
	assert.Equal(t, workflow.TaskSkipped, taskState(t, res, "next").State)
}

func TestScheduler_ContinuePolicy(t *testing.T) {
	exec := dispatch.ExecutorFunc(func(_ context.Context, _ registry.Agent, req workflow.TaskRequest) (map[string]any, error) {
		if req.NodeID == "A" {
			return nil, errors.New("boom")
		}
		return map[string]any{"node": req.NodeID}, nil
	})
	h := newHarness(t, exec, agent("w", 4, "t"))

	def := workflow.NewDAGBuilder("continue").
		WithFailurePolicy(workflow.FailurePolicyContinue).
		WithDefaultRetry(fastRetry(1)).
		AddNode("A", "t").Done().
		AddNode("X", "t").Done().
		AddNode("B", "t").DependsOn("A").Done().
		AddNode("Y", "t").DependsOn("X").Done().
		AddNode("C", "t").DependsOn("B", "Y").Done().
		MustBuild()

	res := h.run(t, context.Background(), def, nil, 0)
	require.Equal(t, workflow.ExecutionCompleted, res.Status, "independent branches finished under continue")
	assert.Contains(t, res.Error, "task A failed")

	stored, ok := h.rec.lastExecution()
	require.True(t, ok)
	assert.Equal(t, workflow.ExecutionCompleted, stored.Status)

	assert.Equal(t, workflow.TaskFailedFinal, taskState(t, res, "A").State)
	assert.Equal(t, workflow.TaskSucceeded, taskState(t, res, "X").State)
	assert.Equal(t, workflow.TaskSucceeded, taskState(t, res, "Y").State)
	for _, id := range []string{"B", "C"} {
		task := taskState(t, res, id)
		assert.Equal(t, workflow.TaskSkipped, task.State)
		assert.Equal(t, workflow.ReasonUpstreamFailed, task.FailureReason)
	}
}

func TestScheduler_AgentUnavailableCeiling(t *testing.T) {
	exec := dispatch.ExecutorFunc(func(context.Context, registry.Agent, workflow.TaskRequest) (map[string]any, error) {
		return map[string]any{}, nil
	})
	h := newHarness(t, exec, agent("w", 1, "scrape"))

	def := workflow.NewDAGBuilder("missing").
		AddNode("render", "render").Done().
		MustBuild()

	res := h.run(t, context.Background(), def, nil, 0)
	require.Equal(t, workflow.ExecutionFailed, res.Status)
	task := taskState(t, res, "render")
	assert.Equal(t, workflow.TaskFailedFinal, task.State)
	assert.Equal(t, workflow.ReasonAgentUnavailable, task.FailureReason)
	assert.Equal(t, 3, task.DispatchRetries)
	assert.Equal(t, 0, task.Attempts)
}

func TestScheduler_AgentRecoversBeforeCeiling(t *testing.T) {
	exec := dispatch.ExecutorFunc(func(context.Context, registry.Agent, workflow.TaskRequest) (map[string]any, error) {
		return map[string]any{}, nil
	})
	h := newHarness(t, exec)
	cfg := schedulerConfig()
	cfg.DispatchRetryCeiling = 50
	cfg.DispatchBackoff = workflow.Backoff{Base: 5 * time.Millisecond, Max: 5 * time.Millisecond, Strategy: workflow.BackoffFixed}
	d := dispatch.New(h.reg, dispatch.NewExecutorSet(exec), dispatch.Config{})
	sched := workflow.NewScheduler(d, h.rec, cfg)

	time.AfterFunc(20*time.Millisecond, func() {
		_ = h.reg.Register(context.Background(), agent("late", 1, "render"))
	})

	def := workflow.NewDAGBuilder("late").AddNode("r", "render").Done().MustBuild()
	levels, err := workflow.BuildLevels(def)
	require.NoError(t, err)
	res, err := sched.Run(context.Background(), &workflow.WorkflowExecution{ID: "e-late"}, def, levels, 0)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionCompleted, res.Status)
	task := taskState(t, res, "r")
	assert.Greater(t, task.DispatchRetries, 0)
	assert.Equal(t, "late", task.AgentID)
}

func TestScheduler_Cancellation(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	exec := dispatch.ExecutorFunc(func(ctx context.Context, _ registry.Agent, _ workflow.TaskRequest) (map[string]any, error) {
		started.Done()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, exec, agent("w", 4, "t"))

	def := workflow.NewDAGBuilder("cancel").
		AddNode("a", "t").Done().
		AddNode("b", "t").Done().
		AddNode("after", "t").DependsOn("a", "b").Done().
		MustBuild()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		started.Wait()
		cancel()
	}()

	res := h.run(t, ctx, def, nil, 0)
	require.Equal(t, workflow.ExecutionCancelled, res.Status)
	for _, id := range []string{"a", "b", "after"} {
		assert.Equal(t, workflow.TaskCancelled, taskState(t, res, id).State, id)
	}
	a, _ := h.reg.Get("w")
	assert.Equal(t, 0, a.Load, "leases released on cancel")
	assert.Equal(t, workflow.TaskCancelled, h.rec.task("after").State)
}

func TestScheduler_StoreOutagePausesAndRecovers(t *testing.T) {
	exec := dispatch.ExecutorFunc(func(context.Context, registry.Agent, workflow.TaskRequest) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	reg := registry.New(registry.DefaultConfig())
	require.NoError(t, reg.Register(context.Background(), agent("w", 2, "t")))
	d := dispatch.New(reg, dispatch.NewExecutorSet(exec), dispatch.Config{})
	rec := newMemRecorder()
	rec.failTasks = 4

	var storeErrors atomic.Int32
	sched := workflow.NewScheduler(d, rec, schedulerConfig(), workflow.WithStoreErrorHook(func(error) { storeErrors.Add(1) }))

	def := workflow.NewDAGBuilder("outage").
		AddNode("a", "t").Done().
		AddNode("b", "t").DependsOn("a").Done().
		MustBuild()
	levels, err := workflow.BuildLevels(def)
	require.NoError(t, err)

	res, err := sched.Run(context.Background(), &workflow.WorkflowExecution{ID: "e-out"}, def, levels, 0)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionCompleted, res.Status)
	assert.Equal(t, int32(4), storeErrors.Load())
	assert.Equal(t, workflow.TaskSucceeded, rec.task("a").State)
	assert.Equal(t, workflow.TaskSucceeded, rec.task("b").State)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, ev := range rec.events {
		assert.Equal(t, int64(i+1), ev.Sequence, "event sequence is dense")
		assert.Equal(t, "e-out", ev.ExecutionID)
	}
	last := rec.execs[len(rec.execs)-1]
	assert.Equal(t, workflow.ExecutionCompleted, last.Status)
}

func TestScheduler_ZeroConfigStillPausesOnStoreOutage(t *testing.T) {
	exec := dispatch.ExecutorFunc(func(context.Context, registry.Agent, workflow.TaskRequest) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	reg := registry.New(registry.DefaultConfig())
	require.NoError(t, reg.Register(context.Background(), agent("w", 1, "t")))
	d := dispatch.New(reg, dispatch.NewExecutorSet(exec), dispatch.Config{})
	rec := newMemRecorder()
	rec.failTasks = 1

	var storeErrors atomic.Int32
	sched := workflow.NewScheduler(d, rec, workflow.SchedulerConfig{DefaultConcurrency: 1},
		workflow.WithStoreErrorHook(func(error) { storeErrors.Add(1) }))

	def := workflow.NewDAGBuilder("zero-config").AddNode("a", "t").Done().MustBuild()
	levels, err := workflow.BuildLevels(def)
	require.NoError(t, err)

	start := time.Now()
	res, err := sched.Run(context.Background(), &workflow.WorkflowExecution{ID: "e-zero"}, def, levels, 0)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionCompleted, res.Status)
	assert.Equal(t, int32(1), storeErrors.Load(), "one failed write, then recovery")
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "default store backoff applies")
}

func TestScheduler_ParamResolutionFailure(t *testing.T) {
	exec := dispatch.ExecutorFunc(func(context.Context, registry.Agent, workflow.TaskRequest) (map[string]any, error) {
		return map[string]any{}, nil
	})
	h := newHarness(t, exec, agent("w", 1, "t"))
	def := workflow.NewDAGBuilder("params").
		AddNode("a", "t").Done().
		AddNode("b", "t").WithParam("x", "${a.missing}").DependsOn("a").Done().
		MustBuild()

	res := h.run(t, context.Background(), def, nil, 0)
	assert.Equal(t, workflow.ExecutionFailed, res.Status)
	b := taskState(t, res, "b")
	assert.Equal(t, workflow.ReasonParamResolution, b.FailureReason)
	assert.Equal(t, 0, b.Attempts)
}

func TestScheduler_InputReachesTasks(t *testing.T) {
	exec := dispatch.ExecutorFunc(func(_ context.Context, _ registry.Agent, req workflow.TaskRequest) (map[string]any, error) {
		return map[string]any{"url": req.Params["url"]}, nil
	})
	h := newHarness(t, exec, agent("w", 1, "navigate"))
	def := workflow.NewDAGBuilder("input").
		AddNode("nav", "navigate").WithParam("url", "$input.url").Done().
		MustBuild()

	res := h.run(t, context.Background(), def, map[string]any{"url": "https://example.com"}, 0)
	require.Equal(t, workflow.ExecutionCompleted, res.Status)
	assert.Equal(t, "https://example.com", res.Outputs["nav"]["url"])

	types := map[workflow.EventType]int{}
	for _, ev := range h.drain() {
		types[ev.Type]++
		assert.Equal(t, "exec-input", ev.ExecutionID)
	}
	assert.Equal(t, 1, types[workflow.EventWorkflowStarted])
	assert.Equal(t, 1, types[workflow.EventLevelStarted])
	assert.Equal(t, 1, types[workflow.EventTaskStarted])
	assert.Equal(t, 1, types[workflow.EventTaskSucceeded])
	assert.Equal(t, 1, types[workflow.EventWorkflowCompleted])
}

func TestScheduler_EventsCarryChainExecution(t *testing.T) {
	exec := dispatch.ExecutorFunc(func(context.Context, registry.Agent, workflow.TaskRequest) (map[string]any, error) {
		return map[string]any{}, nil
	})
	h := newHarness(t, exec, agent("w", 1, "t"))
	def := workflow.NewDAGBuilder("step").AddNode("a", "t").Done().MustBuild()
	levels, err := workflow.BuildLevels(def)
	require.NoError(t, err)

	run := &workflow.WorkflowExecution{ID: "exec-step", DefinitionID: def.ID, ChainID: "pipeline", ChainRunID: "chain-run-1"}
	res, err := h.sched.Run(context.Background(), run, def, levels, 0)
	require.NoError(t, err)
	require.Equal(t, workflow.ExecutionCompleted, res.Status)

	events := h.drain()
	require.NotEmpty(t, events)
	for _, ev := range events {
		assert.Equal(t, "pipeline", ev.ChainID, ev.Type)
		assert.Equal(t, "chain-run-1", ev.ChainRunID, ev.Type)
	}
}
