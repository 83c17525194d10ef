// =============================================================================
// 📋 测试数据工厂
// =============================================================================
// 预置工作流定义与 Agent，以及基于内存存储的真实引擎
// =============================================================================
package fixtures

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BaSui01/taskflow/agent/dispatch"
	"github.com/BaSui01/taskflow/agent/registry"
	"github.com/BaSui01/taskflow/orchestrator"
	"github.com/BaSui01/taskflow/testutil/mocks"
	"github.com/BaSui01/taskflow/workflow"
	"github.com/BaSui01/taskflow/workflow/persistence"
)

// FastBackoff 测试用的毫秒级退避
var FastBackoff = workflow.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, Strategy: workflow.BackoffFixed}

// =============================================================================
// 🧱 工作流定义
// =============================================================================

// LinearWorkflow fetch -> parse -> store
func LinearWorkflow(id string) *workflow.Definition {
	return workflow.NewDAGBuilder(id).
		AddNode("fetch", "fetch").Done().
		AddNode("parse", "parse").DependsOn("fetch").Done().
		AddNode("store", "store").DependsOn("parse").Done().
		MustBuild()
}

// DiamondWorkflow a -> (b, c) -> d
func DiamondWorkflow(id string) *workflow.Definition {
	return workflow.NewDAGBuilder(id).
		AddNode("a", "work").Done().
		AddNode("b", "work").DependsOn("a").Done().
		AddNode("c", "work").DependsOn("a").Done().
		AddNode("d", "work").DependsOn("b", "c").Done().
		MustBuild()
}

// PriceComparisonWorkflow 两个站点并行抓取后比较
func PriceComparisonWorkflow(id string) *workflow.Definition {
	return workflow.NewDAGBuilder(id).
		WithName("price comparison").
		AddNode("fetch_a", "fetch").WithParam("site", "a").Done().
		AddNode("fetch_b", "fetch").WithParam("site", "b").Done().
		AddNode("compare", "compare").DependsOn("fetch_a", "fetch_b").Done().
		MustBuild()
}

// =============================================================================
// 🤖 Agent
// =============================================================================

// Agent 返回一个在线 Agent 快照
func Agent(id string, capacity int, capabilities ...string) registry.Agent {
	if len(capabilities) == 0 {
		capabilities = []string{"work"}
	}
	return registry.Agent{ID: id, Capabilities: capabilities, Capacity: capacity}
}

// RegisterAgent 通过引擎注册容量为 4 的 Agent
func RegisterAgent(t *testing.T, e *orchestrator.Engine, id string, capabilities ...string) {
	t.Helper()
	require.NoError(t, e.RegisterAgent(context.Background(), Agent(id, 4, capabilities...)))
}

// =============================================================================
// ⚙️ 引擎
// =============================================================================

// NewEngine 构建使用内存存储的引擎，exec 为空时使用 MockExecutor。
// 退避与准入检查间隔缩短到毫秒级，测试结束时自动关闭。
func NewEngine(t *testing.T, exec dispatch.Executor, opts ...orchestrator.Option) *orchestrator.Engine {
	t.Helper()
	if exec == nil {
		exec = mocks.NewMockExecutor()
	}
	reg := registry.New(registry.DefaultConfig())
	disp := dispatch.New(reg, dispatch.NewExecutorSet(exec), dispatch.Config{
		DispatchRetryCeiling: 1,
		DispatchBackoff:      FastBackoff,
		AdmissionRecheck:     time.Millisecond,
		DefaultTimeout:       5 * time.Second,
	})
	sched := workflow.DefaultSchedulerConfig()
	sched.AdmissionRecheck = time.Millisecond
	sched.DispatchBackoff = FastBackoff

	opts = append([]orchestrator.Option{orchestrator.WithSchedulerConfig(sched)}, opts...)
	e := orchestrator.New(persistence.NewMemoryStore(), reg, disp, orchestrator.DefaultConfig(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}
