package main

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/api/handlers"
	"github.com/BaSui01/taskflow/config"
	"github.com/BaSui01/taskflow/orchestrator"
)

// publicPaths 不需要鉴权
var publicPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version"}

type routeDeps struct {
	engine    *orchestrator.Engine
	health    *handlers.HealthHandler
	events    *handlers.EventStreamHandler
	configAPI *config.ConfigAPIHandler
	logger    *zap.Logger
}

// newRouter 注册控制 API 的全部路由
func newRouter(d routeDeps) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", d.health.HandleHealth)
	mux.HandleFunc("GET /healthz", d.health.HandleHealthz)
	mux.HandleFunc("GET /ready", d.health.HandleReady)
	mux.HandleFunc("GET /readyz", d.health.HandleReady)
	mux.HandleFunc("GET /version", d.health.HandleVersion(Version, BuildTime, GitCommit))

	wf := handlers.NewWorkflowHandler(d.engine, d.logger)
	mux.HandleFunc("POST /api/v1/workflows", wf.HandleSaveDefinition)
	mux.HandleFunc("GET /api/v1/workflows", wf.HandleListDefinitions)
	mux.HandleFunc("GET /api/v1/workflows/{id}", wf.HandleGetDefinition)
	mux.HandleFunc("DELETE /api/v1/workflows/{id}", wf.HandleDeleteDefinition)
	mux.HandleFunc("GET /api/v1/workflows/{id}/levels", wf.HandleLevels)
	mux.HandleFunc("POST /api/v1/workflows/{id}/executions", wf.HandleSubmit)
	mux.HandleFunc("GET /api/v1/templates", wf.HandleListTemplates)
	mux.HandleFunc("POST /api/v1/templates/{name}", wf.HandleInstantiateTemplate)

	ex := handlers.NewExecutionHandler(d.engine, d.logger)
	mux.HandleFunc("GET /api/v1/executions", ex.HandleList)
	mux.HandleFunc("GET /api/v1/executions/{id}", ex.HandleStatus)
	mux.HandleFunc("GET /api/v1/executions/{id}/events", ex.HandleEvents)
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel", ex.HandleCancel)
	mux.HandleFunc("GET /api/v1/stats", ex.HandleStats)

	ag := handlers.NewAgentHandler(d.engine, d.logger)
	mux.HandleFunc("GET /api/v1/agents", ag.HandleListAgents)
	mux.HandleFunc("POST /api/v1/agents", ag.HandleRegisterAgent)
	mux.HandleFunc("GET /api/v1/agents/{id}", ag.HandleGetAgent)
	mux.HandleFunc("DELETE /api/v1/agents/{id}", ag.HandleDeregisterAgent)
	mux.HandleFunc("POST /api/v1/agents/{id}/heartbeat", ag.HandleHeartbeat)

	ch := handlers.NewChainHandler(d.engine, d.logger)
	mux.HandleFunc("POST /api/v1/chains", ch.HandleSubmitChain)
	mux.HandleFunc("GET /api/v1/chains", ch.HandleListChains)
	mux.HandleFunc("GET /api/v1/chains/{id}", ch.HandleChainStatus)
	mux.HandleFunc("POST /api/v1/chains/{id}/cancel", ch.HandleCancelChain)
	mux.HandleFunc("POST /api/v1/tasks/run", ch.HandleRunTask)

	if d.events != nil {
		mux.HandleFunc("GET /api/v1/events/ws", d.events.HandleStream)
	}
	if d.configAPI != nil {
		d.configAPI.RegisterRoutes(mux)
	}
	return mux
}
