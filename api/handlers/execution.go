package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/BaSui01/taskflow/api"
	"github.com/BaSui01/taskflow/orchestrator"
	"github.com/BaSui01/taskflow/types"
	"github.com/BaSui01/taskflow/workflow"
	"github.com/BaSui01/taskflow/workflow/persistence"
	"go.uber.org/zap"
)

// =============================================================================
// ▶️ 执行查询与控制 Handler
// =============================================================================

// ExecutionService 执行查询、取消与统计
type ExecutionService interface {
	Status(ctx context.Context, id string) (*orchestrator.ExecutionView, error)
	ListExecutions(ctx context.Context, filter persistence.ExecutionFilter) ([]*workflow.WorkflowExecution, error)
	Events(ctx context.Context, id string) ([]workflow.ExecutionEvent, error)
	Cancel(ctx context.Context, id string) error
	Stats() orchestrator.Stats
}

// ExecutionHandler 执行处理器
type ExecutionHandler struct {
	executions ExecutionService
	logger     *zap.Logger
}

// NewExecutionHandler 创建执行处理器
func NewExecutionHandler(executions ExecutionService, logger *zap.Logger) *ExecutionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutionHandler{executions: executions, logger: logger}
}

// HandleList 列出执行，支持 ?status=&workflow_id=&chain_id=&limit=
// @Summary 列出执行
// @Tags execution
// @Produce json
// @Param status query string false "执行状态"
// @Param workflow_id query string false "定义 ID"
// @Param limit query int false "返回条数"
// @Success 200 {object} Response{data=[]workflow.WorkflowExecution}
// @Security ApiKeyAuth
// @Router /api/v1/executions [get]
func (h *ExecutionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.ExecutionFilter{
		Status:       workflow.ExecutionStatus(q.Get("status")),
		DefinitionID: q.Get("workflow_id"),
		ChainID:      q.Get("chain_id"),
	}
	limit, ok := parseLimit(w, r, h.logger)
	if !ok {
		return
	}
	filter.Limit = limit

	execs, err := h.executions.ListExecutions(r.Context(), filter)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	if execs == nil {
		execs = []*workflow.WorkflowExecution{}
	}
	WriteSuccess(w, execs)
}

// HandleStatus 返回执行及其全部任务的持久化状态
// @Summary 执行状态
// @Tags execution
// @Param id path string true "执行 ID"
// @Success 200 {object} Response{data=orchestrator.ExecutionView}
// @Failure 404 {object} Response "不存在"
// @Security ApiKeyAuth
// @Router /api/v1/executions/{id} [get]
func (h *ExecutionHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.executions.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, view)
}

// HandleEvents 返回持久化的事件日志，按序号升序
// @Summary 执行事件
// @Tags execution
// @Param id path string true "执行 ID"
// @Success 200 {object} Response{data=[]workflow.ExecutionEvent}
// @Security ApiKeyAuth
// @Router /api/v1/executions/{id}/events [get]
func (h *ExecutionHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.executions.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	if events == nil {
		events = []workflow.ExecutionEvent{}
	}
	WriteSuccess(w, events)
}

// HandleCancel 取消执行；已结束的执行返回 409
// @Summary 取消执行
// @Tags execution
// @Param id path string true "执行 ID"
// @Success 202 {object} Response{data=api.CancelResponse}
// @Failure 404 {object} Response "不存在"
// @Failure 409 {object} Response "已结束"
// @Security ApiKeyAuth
// @Router /api/v1/executions/{id}/cancel [post]
func (h *ExecutionHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.executions.Cancel(r.Context(), id); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	h.logger.Info("execution cancel requested", zap.String("execution_id", id))
	WriteSuccessStatus(w, http.StatusAccepted, api.CancelResponse{ID: id, Cancelled: true})
}

// HandleStats 引擎运行统计
// @Summary 引擎统计
// @Tags execution
// @Success 200 {object} Response{data=orchestrator.Stats}
// @Security ApiKeyAuth
// @Router /api/v1/stats [get]
func (h *ExecutionHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.executions.Stats())
}

func parseLimit(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		WriteError(w, types.NewInvalidRequestError("limit must be a non-negative integer"), logger)
		return 0, false
	}
	return n, true
}
