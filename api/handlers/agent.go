package handlers

import (
	"context"
	"net/http"
	"sort"

	"github.com/BaSui01/taskflow/agent/registry"
	"github.com/BaSui01/taskflow/api"
	"github.com/BaSui01/taskflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// Agent Management Handler
// =============================================================================

// AgentService is the slice of the engine the agent endpoints need.
type AgentService interface {
	RegisterAgent(ctx context.Context, a registry.Agent) error
	DeregisterAgent(ctx context.Context, id string) error
	Heartbeat(ctx context.Context, id string, status registry.Status) error
	GetAgent(id string) (registry.Agent, error)
	ListAgents() []registry.Agent
}

// AgentHandler Agent management handler
type AgentHandler struct {
	agents AgentService
	logger *zap.Logger
}

// NewAgentHandler creates an Agent handler
func NewAgentHandler(agents AgentService, logger *zap.Logger) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{agents: agents, logger: logger}
}

// =============================================================================
// HTTP Handlers
// =============================================================================

// HandleListAgents lists all registered agents with their effective health
// @Summary List agents
// @Tags agent
// @Produce json
// @Success 200 {object} Response{data=[]registry.Agent} "Agent list"
// @Security ApiKeyAuth
// @Router /api/v1/agents [get]
func (h *AgentHandler) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.agents.ListAgents()
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	WriteSuccess(w, agents)
}

// HandleGetAgent gets a single agent
// @Summary Get agent
// @Tags agent
// @Produce json
// @Param id path string true "Agent ID"
// @Success 200 {object} Response{data=registry.Agent} "Agent"
// @Failure 404 {object} Response "Agent not found"
// @Security ApiKeyAuth
// @Router /api/v1/agents/{id} [get]
func (h *AgentHandler) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if agentID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "agent ID is required", h.logger)
		return
	}

	a, err := h.agents.GetAgent(agentID)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, a)
}

// HandleRegisterAgent registers or updates an agent
// @Summary Register agent
// @Tags agent
// @Accept json
// @Produce json
// @Param request body api.RegisterAgentRequest true "Agent"
// @Success 201 {object} Response{data=registry.Agent} "Registered"
// @Failure 400 {object} Response "Invalid request"
// @Security ApiKeyAuth
// @Router /api/v1/agents [post]
func (h *AgentHandler) HandleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterAgentRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	switch {
	case req.ID == "":
		WriteError(w, types.NewInvalidRequestError("id is required"), h.logger)
		return
	case len(req.Capabilities) == 0:
		WriteError(w, types.NewInvalidRequestError("at least one capability is required"), h.logger)
		return
	case req.Capacity <= 0:
		WriteError(w, types.NewInvalidRequestError("capacity must be positive"), h.logger)
		return
	case req.Status != "" && !req.Status.Valid():
		WriteError(w, types.NewInvalidRequestError("invalid status"), h.logger)
		return
	}

	if err := h.agents.RegisterAgent(r.Context(), req.ToAgent()); err != nil {
		WriteError(w, types.NewInvalidRequestError(err.Error()).WithCause(err), h.logger)
		return
	}

	a, err := h.agents.GetAgent(req.ID)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccessStatus(w, http.StatusCreated, a)
}

// HandleDeregisterAgent removes an agent
// @Summary Deregister agent
// @Tags agent
// @Param id path string true "Agent ID"
// @Success 200 {object} Response "Removed"
// @Failure 404 {object} Response "Agent not found"
// @Security ApiKeyAuth
// @Router /api/v1/agents/{id} [delete]
func (h *AgentHandler) HandleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if err := h.agents.DeregisterAgent(r.Context(), agentID); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"id": agentID})
}

// HandleHeartbeat records agent liveness
// @Summary Agent heartbeat
// @Tags agent
// @Accept json
// @Param id path string true "Agent ID"
// @Param request body api.HeartbeatRequest false "Reported status"
// @Success 200 {object} Response{data=registry.Agent} "Updated agent"
// @Failure 404 {object} Response "Agent not found"
// @Security ApiKeyAuth
// @Router /api/v1/agents/{id}/heartbeat [post]
func (h *AgentHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	var req api.HeartbeatRequest
	if r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}
	if req.Status != "" && !req.Status.Valid() {
		WriteError(w, types.NewInvalidRequestError("invalid status"), h.logger)
		return
	}

	if err := h.agents.Heartbeat(r.Context(), agentID, req.Status); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	a, err := h.agents.GetAgent(agentID)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, a)
}
