// =============================================================================
// 🎭 Mock Executor
// =============================================================================
// 可按任务类型配置结果、错误与延迟，记录每次调用
//
// 使用方法:
//
//	exec := mocks.NewMockExecutor().
//	    WithOutput("fetch", map[string]any{"price": 10}).
//	    WithFailures("compare", 2, errors.New("flaky"))
// =============================================================================
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/taskflow/agent/dispatch"
	"github.com/BaSui01/taskflow/agent/registry"
	"github.com/BaSui01/taskflow/workflow"
)

// Call 记录一次 Execute 调用
type Call struct {
	AgentID string
	Request workflow.TaskRequest
	At      time.Time
}

// MockExecutor 实现 dispatch.Executor
type MockExecutor struct {
	mu sync.Mutex

	outputs  map[string]map[string]any
	errs     map[string]error
	failures map[string]int
	delays   map[string]time.Duration
	block    map[string]chan struct{}

	calls []Call
}

var _ dispatch.Executor = (*MockExecutor)(nil)

// NewMockExecutor 默认对每个任务返回 {"node": <id>, "agent": <id>}
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		outputs:  make(map[string]map[string]any),
		errs:     make(map[string]error),
		failures: make(map[string]int),
		delays:   make(map[string]time.Duration),
		block:    make(map[string]chan struct{}),
	}
}

// =============================================================================
// 🔧 Builder
// =============================================================================

// WithOutput 设置 taskType 的返回值
func (m *MockExecutor) WithOutput(taskType string, output map[string]any) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[taskType] = output
	return m
}

// WithError 让 taskType 的每次调用都失败
func (m *MockExecutor) WithError(taskType string, err error) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[taskType] = err
	return m
}

// WithFailures 让 taskType 的前 n 次调用返回 err，之后成功
func (m *MockExecutor) WithFailures(taskType string, n int, err error) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[taskType] = n
	m.errs[taskType] = err
	return m
}

// WithDelay 在返回前等待 d，期间响应 ctx 取消
func (m *MockExecutor) WithDelay(taskType string, d time.Duration) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[taskType] = d
	return m
}

// WithBlock 让 taskType 阻塞直到 Release 或 ctx 取消
func (m *MockExecutor) WithBlock(taskType string) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block[taskType] = make(chan struct{})
	return m
}

// Release 放行被 WithBlock 阻塞的调用
func (m *MockExecutor) Release(taskType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.block[taskType]; ok {
		close(ch)
		delete(m.block, taskType)
	}
}

// =============================================================================
// 🎯 Executor
// =============================================================================

// Execute 实现 dispatch.Executor
func (m *MockExecutor) Execute(ctx context.Context, agent registry.Agent, req workflow.TaskRequest) (map[string]any, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{AgentID: agent.ID, Request: req, At: time.Now()})
	delay := m.delays[req.TaskType]
	block := m.block[req.TaskType]
	err := m.errs[req.TaskType]
	if remaining, limited := m.failures[req.TaskType]; limited {
		if remaining > 0 {
			m.failures[req.TaskType] = remaining - 1
		} else {
			err = nil
		}
	}
	output, hasOutput := m.outputs[req.TaskType]
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, err
	}
	if hasOutput {
		return output, nil
	}
	return map[string]any{"node": req.NodeID, "agent": agent.ID}, nil
}

// =============================================================================
// 📊 调用记录
// =============================================================================

// Calls 返回调用记录副本
func (m *MockExecutor) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount 返回 taskType 的调用次数，空字符串统计全部
func (m *MockExecutor) CallCount(taskType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if taskType == "" {
		return len(m.calls)
	}
	n := 0
	for _, c := range m.calls {
		if c.Request.TaskType == taskType {
			n++
		}
	}
	return n
}

// Reset 清空调用记录
func (m *MockExecutor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
