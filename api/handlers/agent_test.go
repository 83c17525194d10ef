package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BaSui01/taskflow/agent/registry"
	"github.com/BaSui01/taskflow/api"
	"github.com/BaSui01/taskflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 AgentHandler 测试
// =============================================================================

func TestAgentHandler_HandleListAgents(t *testing.T) {
	e := newTestEngine(t, nil)
	registerWorker(t, e, "b")
	registerWorker(t, e, "a")
	handler := NewAgentHandler(e, zap.NewNop())

	w := serve("GET /api/v1/agents", handler.HandleListAgents, jsonRequest(t, http.MethodGet, "/api/v1/agents", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var agents []registry.Agent
	resp := decodeData(t, w, &agents)
	assert.True(t, resp.Success)
	require.Len(t, agents, 2)
	assert.Equal(t, "a", agents[0].ID)
	assert.Equal(t, "b", agents[1].ID)
}

func TestAgentHandler_HandleListAgents_Empty(t *testing.T) {
	handler := NewAgentHandler(newTestEngine(t, nil), nil)

	w := serve("GET /api/v1/agents", handler.HandleListAgents, jsonRequest(t, http.MethodGet, "/api/v1/agents", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"data":[]`)
}

func TestAgentHandler_HandleGetAgent(t *testing.T) {
	e := newTestEngine(t, nil)
	registerWorker(t, e, "worker-1", "scrape")
	handler := NewAgentHandler(e, zap.NewNop())

	w := serve("GET /api/v1/agents/{id}", handler.HandleGetAgent, jsonRequest(t, http.MethodGet, "/api/v1/agents/worker-1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var a registry.Agent
	decodeData(t, w, &a)
	assert.Equal(t, "worker-1", a.ID)
	assert.Equal(t, []string{"scrape"}, a.Capabilities)
	assert.Equal(t, registry.StatusHealthy, a.Status)
}

func TestAgentHandler_HandleGetAgent_NotFound(t *testing.T) {
	handler := NewAgentHandler(newTestEngine(t, nil), zap.NewNop())

	w := serve("GET /api/v1/agents/{id}", handler.HandleGetAgent, jsonRequest(t, http.MethodGet, "/api/v1/agents/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	resp := decodeData(t, w, nil)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrNotFound), resp.Error.Code)
}

func TestAgentHandler_HandleRegisterAgent(t *testing.T) {
	e := newTestEngine(t, nil)
	handler := NewAgentHandler(e, zap.NewNop())

	req := api.RegisterAgentRequest{ID: "w1", Name: "Worker", Capabilities: []string{"work", "scrape"}, Capacity: 3}
	w := serve("POST /api/v1/agents", handler.HandleRegisterAgent, jsonRequest(t, http.MethodPost, "/api/v1/agents", req))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var a registry.Agent
	decodeData(t, w, &a)
	assert.Equal(t, "w1", a.ID)
	assert.Equal(t, 3, a.Capacity)

	_, err := e.GetAgent("w1")
	assert.NoError(t, err)
}

func TestAgentHandler_HandleRegisterAgent_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing id", body: `{"capabilities":["work"],"capacity":1}`},
		{name: "no capabilities", body: `{"id":"w","capacity":1}`},
		{name: "zero capacity", body: `{"id":"w","capabilities":["work"]}`},
		{name: "bad status", body: `{"id":"w","capabilities":["work"],"capacity":1,"status":"sleepy"}`},
		{name: "unknown field", body: `{"id":"w","capabilities":["work"],"capacity":1,"gpu":true}`},
		{name: "malformed", body: `{"id":`},
	}

	handler := NewAgentHandler(newTestEngine(t, nil), zap.NewNop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/v1/agents", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", "application/json")

			w := serve("POST /api/v1/agents", handler.HandleRegisterAgent, r)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestAgentHandler_HandleHeartbeat(t *testing.T) {
	e := newTestEngine(t, nil)
	registerWorker(t, e, "w1")
	handler := NewAgentHandler(e, zap.NewNop())

	w := serve("POST /api/v1/agents/{id}/heartbeat", handler.HandleHeartbeat,
		jsonRequest(t, http.MethodPost, "/api/v1/agents/w1/heartbeat", api.HeartbeatRequest{Status: registry.StatusDegraded}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var a registry.Agent
	decodeData(t, w, &a)
	assert.Equal(t, registry.StatusDegraded, a.Status)

	// 无请求体也是合法心跳
	w = serve("POST /api/v1/agents/{id}/heartbeat", handler.HandleHeartbeat,
		jsonRequest(t, http.MethodPost, "/api/v1/agents/w1/heartbeat", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve("POST /api/v1/agents/{id}/heartbeat", handler.HandleHeartbeat,
		jsonRequest(t, http.MethodPost, "/api/v1/agents/ghost/heartbeat", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAgentHandler_HandleDeregisterAgent(t *testing.T) {
	e := newTestEngine(t, nil)
	registerWorker(t, e, "w1")
	handler := NewAgentHandler(e, zap.NewNop())

	w := serve("DELETE /api/v1/agents/{id}", handler.HandleDeregisterAgent,
		jsonRequest(t, http.MethodDelete, "/api/v1/agents/w1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	_, err := e.GetAgent("w1")
	assert.Error(t, err)

	w = serve("DELETE /api/v1/agents/{id}", handler.HandleDeregisterAgent,
		jsonRequest(t, http.MethodDelete, "/api/v1/agents/w1", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
