package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/BaSui01/taskflow/api"
	"github.com/BaSui01/taskflow/orchestrator"
	"github.com/BaSui01/taskflow/types"
	"github.com/BaSui01/taskflow/workflow"
	"go.uber.org/zap"
)

// =============================================================================
// 🧩 工作流定义 Handler
// =============================================================================

// WorkflowService 工作流定义与提交所需的引擎能力
type WorkflowService interface {
	SaveDefinition(ctx context.Context, def *workflow.Definition) (*workflow.Definition, error)
	GetDefinition(ctx context.Context, id string, version int) (*workflow.Definition, error)
	ListDefinitions(ctx context.Context) ([]*workflow.Definition, error)
	DeleteDefinition(ctx context.Context, id string) error
	Templates() []workflow.Template
	InstantiateTemplate(ctx context.Context, name, id string) (*workflow.Definition, error)
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*workflow.WorkflowExecution, error)
}

// WorkflowHandler 工作流定义处理器
type WorkflowHandler struct {
	workflows WorkflowService
	logger    *zap.Logger
}

// NewWorkflowHandler 创建工作流定义处理器
func NewWorkflowHandler(workflows WorkflowService, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{workflows: workflows, logger: logger}
}

// HandleSaveDefinition 保存新版本定义，请求体可为 YAML 或 JSON
// @Summary 保存工作流定义
// @Tags workflow
// @Accept json,application/x-yaml
// @Produce json
// @Success 201 {object} Response{data=workflow.Definition} "已保存的定义"
// @Failure 400 {object} Response "定义无效（环、未知节点等）"
// @Security ApiKeyAuth
// @Router /api/v1/workflows [post]
func (h *WorkflowHandler) HandleSaveDefinition(w http.ResponseWriter, r *http.Request) {
	data, ok := ReadBody(w, r, h.logger)
	if !ok {
		return
	}
	def, err := workflow.ParseDefinition(data, workflow.DetectFormat(r.Header.Get("Content-Type"), data))
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	if def.ID == "" {
		WriteError(w, types.NewInvalidRequestError("id is required"), h.logger)
		return
	}

	saved, err := h.workflows.SaveDefinition(r.Context(), def)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	h.logger.Info("workflow definition saved",
		zap.String("workflow_id", saved.ID),
		zap.Int("version", saved.Version),
		zap.Int("nodes", len(saved.Nodes)),
	)
	WriteSuccessStatus(w, http.StatusCreated, saved)
}

// HandleListDefinitions 列出每个定义的最新版本
// @Summary 列出工作流定义
// @Tags workflow
// @Produce json
// @Success 200 {object} Response{data=[]workflow.Definition}
// @Security ApiKeyAuth
// @Router /api/v1/workflows [get]
func (h *WorkflowHandler) HandleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.workflows.ListDefinitions(r.Context())
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	if defs == nil {
		defs = []*workflow.Definition{}
	}
	WriteSuccess(w, defs)
}

// HandleGetDefinition 获取定义；?version= 指定版本，?format=yaml 返回 YAML
// @Summary 获取工作流定义
// @Tags workflow
// @Produce json,application/x-yaml
// @Param id path string true "定义 ID"
// @Param version query int false "版本，缺省为最新"
// @Param format query string false "json 或 yaml"
// @Success 200 {object} Response{data=workflow.Definition}
// @Failure 404 {object} Response "不存在"
// @Security ApiKeyAuth
// @Router /api/v1/workflows/{id} [get]
func (h *WorkflowHandler) HandleGetDefinition(w http.ResponseWriter, r *http.Request) {
	def, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("format") == "yaml" {
		out, err := def.ToYAML()
		if err != nil {
			WriteDomainError(w, err, h.logger)
			return
		}
		w.Header().Set("Content-Type", "application/x-yaml; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out)
		return
	}
	WriteSuccess(w, def)
}

// HandleDeleteDefinition 删除定义的全部版本
// @Summary 删除工作流定义
// @Tags workflow
// @Param id path string true "定义 ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response "不存在"
// @Security ApiKeyAuth
// @Router /api/v1/workflows/{id} [delete]
func (h *WorkflowHandler) HandleDeleteDefinition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.workflows.DeleteDefinition(r.Context(), id); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"id": id})
}

// HandleLevels 返回定义的执行层级
// @Summary 计算执行层级
// @Tags workflow
// @Param id path string true "定义 ID"
// @Param version query int false "版本"
// @Success 200 {object} Response{data=api.LevelsResponse}
// @Security ApiKeyAuth
// @Router /api/v1/workflows/{id}/levels [get]
func (h *WorkflowHandler) HandleLevels(w http.ResponseWriter, r *http.Request) {
	def, ok := h.lookup(w, r)
	if !ok {
		return
	}
	levels, err := workflow.BuildLevels(def)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.LevelsResponse{
		DefinitionID: def.ID,
		Version:      def.Version,
		Levels:       levels,
	})
}

// HandleSubmit 提交一次运行，立即返回 pending 状态的执行记录
// @Summary 提交工作流执行
// @Tags workflow
// @Accept json
// @Param id path string true "定义 ID"
// @Param request body api.SubmitExecutionRequest false "运行参数"
// @Success 202 {object} Response{data=workflow.WorkflowExecution}
// @Failure 400 {object} Response "参数无效"
// @Failure 404 {object} Response "定义不存在"
// @Security ApiKeyAuth
// @Router /api/v1/workflows/{id}/executions [post]
func (h *WorkflowHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitExecutionRequest
	if r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}

	exec, err := h.workflows.Submit(r.Context(), orchestrator.SubmitRequest{
		DefinitionID: r.PathValue("id"),
		Version:      req.Version,
		Input:        req.Input,
		Policy:       req.FailurePolicy,
		Concurrency:  req.Concurrency,
		Priority:     req.Priority,
	})
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	w.Header().Set("Location", "/api/v1/executions/"+exec.ID)
	WriteSuccessStatus(w, http.StatusAccepted, exec)
}

// HandleListTemplates 列出内置模板
// @Summary 列出模板
// @Tags workflow
// @Success 200 {object} Response{data=[]workflow.Template}
// @Router /api/v1/templates [get]
func (h *WorkflowHandler) HandleListTemplates(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.workflows.Templates())
}

// HandleInstantiateTemplate 将模板保存为新的定义
// @Summary 从模板创建定义
// @Tags workflow
// @Param name path string true "模板名"
// @Param request body api.InstantiateTemplateRequest false "新定义 ID"
// @Success 201 {object} Response{data=workflow.Definition}
// @Failure 404 {object} Response "模板不存在"
// @Security ApiKeyAuth
// @Router /api/v1/templates/{name} [post]
func (h *WorkflowHandler) HandleInstantiateTemplate(w http.ResponseWriter, r *http.Request) {
	var req api.InstantiateTemplateRequest
	if r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}
	name := r.PathValue("name")
	id := req.ID
	if id == "" {
		id = name
	}

	def, err := h.workflows.InstantiateTemplate(r.Context(), name, id)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccessStatus(w, http.StatusCreated, def)
}

func (h *WorkflowHandler) lookup(w http.ResponseWriter, r *http.Request) (*workflow.Definition, bool) {
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteError(w, types.NewInvalidRequestError("version must be a non-negative integer"), h.logger)
			return nil, false
		}
		version = n
	}
	def, err := h.workflows.GetDefinition(r.Context(), r.PathValue("id"), version)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return nil, false
	}
	return def, true
}
