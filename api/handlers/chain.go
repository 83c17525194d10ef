package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/BaSui01/taskflow/agent/dispatch"
	"github.com/BaSui01/taskflow/api"
	"github.com/BaSui01/taskflow/types"
	"github.com/BaSui01/taskflow/workflow"
	"github.com/BaSui01/taskflow/workflow/persistence"
	"go.uber.org/zap"
)

// =============================================================================
// 🔗 工作流链与单任务 Handler
// =============================================================================

// ChainService 链与单任务分发所需的引擎能力
type ChainService interface {
	SubmitChain(ctx context.Context, c *workflow.Chain, input map[string]any) (*workflow.ChainExecution, error)
	RunChain(ctx context.Context, c *workflow.Chain, input map[string]any) (*workflow.ChainExecution, error)
	ChainStatus(ctx context.Context, id string) (*workflow.ChainExecution, error)
	ListChains(ctx context.Context, filter persistence.ChainFilter) ([]*workflow.ChainExecution, error)
	CancelChain(ctx context.Context, id string) error
	RunTask(ctx context.Context, req workflow.TaskRequest, retry workflow.RetryPolicy) (*dispatch.Result, error)
}

// ChainHandler 链处理器
type ChainHandler struct {
	chains ChainService
	logger *zap.Logger
}

// NewChainHandler 创建链处理器
func NewChainHandler(chains ChainService, logger *zap.Logger) *ChainHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChainHandler{chains: chains, logger: logger}
}

// HandleSubmitChain 提交链；wait=true 时同步返回终态
// @Summary 提交工作流链
// @Tags chain
// @Accept json
// @Param request body api.SubmitChainRequest true "链定义与输入"
// @Success 202 {object} Response{data=workflow.ChainExecution}
// @Failure 400 {object} Response "链或条件无效"
// @Security ApiKeyAuth
// @Router /api/v1/chains [post]
func (h *ChainHandler) HandleSubmitChain(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitChainRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if req.Wait {
		exec, err := h.chains.RunChain(r.Context(), &req.Chain, req.Input)
		if exec != nil {
			WriteSuccess(w, exec)
			return
		}
		WriteDomainError(w, err, h.logger)
		return
	}

	exec, err := h.chains.SubmitChain(r.Context(), &req.Chain, req.Input)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	w.Header().Set("Location", "/api/v1/chains/"+exec.ID)
	WriteSuccessStatus(w, http.StatusAccepted, exec)
}

// HandleListChains 列出链执行，支持 ?chain_id=&status=&limit=
// @Summary 列出链执行
// @Tags chain
// @Success 200 {object} Response{data=[]workflow.ChainExecution}
// @Security ApiKeyAuth
// @Router /api/v1/chains [get]
func (h *ChainHandler) HandleListChains(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, h.logger)
	if !ok {
		return
	}
	q := r.URL.Query()
	list, err := h.chains.ListChains(r.Context(), persistence.ChainFilter{
		ChainID: q.Get("chain_id"),
		Status:  workflow.ChainStatus(q.Get("status")),
		Limit:   limit,
	})
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	if list == nil {
		list = []*workflow.ChainExecution{}
	}
	WriteSuccess(w, list)
}

// HandleChainStatus 链执行状态
// @Summary 链执行状态
// @Tags chain
// @Param id path string true "链执行 ID"
// @Success 200 {object} Response{data=workflow.ChainExecution}
// @Failure 404 {object} Response "不存在"
// @Security ApiKeyAuth
// @Router /api/v1/chains/{id} [get]
func (h *ChainHandler) HandleChainStatus(w http.ResponseWriter, r *http.Request) {
	exec, err := h.chains.ChainStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, exec)
}

// HandleCancelChain 取消运行中的链
// @Summary 取消链
// @Tags chain
// @Param id path string true "链执行 ID"
// @Success 202 {object} Response{data=api.CancelResponse}
// @Failure 409 {object} Response "已结束"
// @Security ApiKeyAuth
// @Router /api/v1/chains/{id}/cancel [post]
func (h *ChainHandler) HandleCancelChain(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.chains.CancelChain(r.Context(), id); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccessStatus(w, http.StatusAccepted, api.CancelResponse{ID: id, Cancelled: true})
}

// HandleRunTask 直接分发单个任务并等待结果
// @Summary 单任务分发
// @Tags task
// @Accept json
// @Param request body api.RunTaskRequest true "任务"
// @Success 200 {object} Response{data=dispatch.Result}
// @Failure 503 {object} Response "无可用 Agent"
// @Security ApiKeyAuth
// @Router /api/v1/tasks/run [post]
func (h *ChainHandler) HandleRunTask(w http.ResponseWriter, r *http.Request) {
	var req api.RunTaskRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.TaskType == "" {
		WriteError(w, types.NewInvalidRequestError("task_type is required"), h.logger)
		return
	}

	var retry workflow.RetryPolicy
	if req.Retry != nil {
		retry = *req.Retry
	}
	res, err := h.chains.RunTask(r.Context(), workflow.TaskRequest{
		ExecutionID: req.ExecutionID,
		TaskType:    req.TaskType,
		Params:      req.Params,
		Timeout:     time.Duration(req.TimeoutMs) * time.Millisecond,
	}, retry)
	if err != nil {
		apiErr := ToAPIError(err)
		if res != nil {
			// 失败时仍返回分发明细
			WriteJSON(w, statusFor(apiErr), Response{
				Success:   false,
				Data:      res,
				Error:     &ErrorInfo{Code: string(apiErr.Code), Message: apiErr.Message, Retryable: apiErr.Retryable},
				Timestamp: time.Now(),
			})
			return
		}
		WriteError(w, apiErr, h.logger)
		return
	}
	WriteSuccess(w, res)
}

func statusFor(err *types.Error) int {
	if err.HTTPStatus != 0 {
		return err.HTTPStatus
	}
	return mapErrorCodeToHTTPStatus(err.Code)
}
