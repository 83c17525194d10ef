package api

import (
	"time"

	"github.com/BaSui01/taskflow/agent/registry"
	"github.com/BaSui01/taskflow/workflow"
)

// =============================================================================
// 通用响应信封
// =============================================================================

// Response 统一 API 响应结构
// @Description 统一响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"`
}

// =============================================================================
// 工作流与执行
// =============================================================================

// SubmitExecutionRequest 提交工作流执行请求
// @Description 提交一次工作流运行
type SubmitExecutionRequest struct {
	// 定义版本，0 表示最新
	Version int `json:"version,omitempty" example:"0"`
	// 工作流输入
	Input map[string]any `json:"input,omitempty"`
	// 失败策略：halt 或 continue
	FailurePolicy workflow.FailurePolicy `json:"failure_policy,omitempty" example:"halt"`
	// 并发上限，0 表示使用定义或默认值
	Concurrency int `json:"concurrency,omitempty" example:"4"`
	// 排队优先级：low, medium, high, urgent
	Priority workflow.Priority `json:"priority,omitempty" example:"medium"`
}

// LevelsResponse 计算出的执行层级
type LevelsResponse struct {
	DefinitionID string                    `json:"definition_id"`
	Version      int                       `json:"version"`
	Levels       []workflow.ExecutionLevel `json:"levels"`
}

// InstantiateTemplateRequest 从模板创建定义
type InstantiateTemplateRequest struct {
	// 新定义 ID，为空时使用模板名
	ID string `json:"id,omitempty" example:"nightly-prices"`
}

// CancelResponse 取消结果
type CancelResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

// =============================================================================
// Agent
// =============================================================================

// RegisterAgentRequest 注册 Agent 请求
// @Description 注册或更新一个外部 Agent
type RegisterAgentRequest struct {
	ID           string            `json:"id" example:"browser-1" binding:"required"`
	Name         string            `json:"name,omitempty"`
	Capabilities []string          `json:"capabilities" binding:"required"`
	Capacity     int               `json:"capacity" example:"4" binding:"required"`
	Endpoint     string            `json:"endpoint,omitempty" example:"http://browser-1:9000"`
	Executor     string            `json:"executor,omitempty"`
	Status       registry.Status   `json:"status,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ToAgent 转换为注册表快照
func (r RegisterAgentRequest) ToAgent() registry.Agent {
	return registry.Agent{
		ID:           r.ID,
		Name:         r.Name,
		Capabilities: r.Capabilities,
		Capacity:     r.Capacity,
		Endpoint:     r.Endpoint,
		Executor:     r.Executor,
		Reported:     r.Status,
		Metadata:     r.Metadata,
	}
}

// HeartbeatRequest 心跳请求，Status 为空视为 healthy
type HeartbeatRequest struct {
	Status registry.Status `json:"status,omitempty" example:"healthy"`
}

// =============================================================================
// 单任务与链
// =============================================================================

// RunTaskRequest 单次任务分发请求
// @Description 不经工作流直接分发一个任务
type RunTaskRequest struct {
	TaskType    string                `json:"task_type" example:"navigate" binding:"required"`
	Params      map[string]any        `json:"params,omitempty"`
	TimeoutMs   int64                 `json:"timeout_ms,omitempty" example:"30000"`
	Retry       *workflow.RetryPolicy `json:"retry,omitempty"`
	ExecutionID string                `json:"execution_id,omitempty"`
}

// SubmitChainRequest 提交工作流链
// @Description 按顺序运行多个工作流
type SubmitChainRequest struct {
	Chain workflow.Chain `json:"chain"`
	Input map[string]any `json:"input,omitempty"`
	// Wait 为 true 时同步等待链结束
	Wait bool `json:"wait,omitempty"`
}
