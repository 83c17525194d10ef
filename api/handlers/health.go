package handlers

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusDraining  = "draining"

	defaultCheckTimeout = 2 * time.Second
)

// HealthCheck 健康检查接口
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthHandler 存活与就绪探针。
// 就绪检查并发执行，每项有独立超时；非关键依赖失败只降级不摘流量。
type HealthHandler struct {
	logger  *zap.Logger
	started time.Time

	mu     sync.RWMutex
	checks []registeredCheck

	draining atomic.Bool
}

type registeredCheck struct {
	check    HealthCheck
	timeout  time.Duration
	critical bool
}

// CheckOption 调整单项检查
type CheckOption func(*registeredCheck)

// WithCheckTimeout 单项检查超时，默认 2s
func WithCheckTimeout(d time.Duration) CheckOption {
	return func(c *registeredCheck) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NonCritical 失败时整体状态为 degraded，仍返回 200
func NonCritical() CheckOption {
	return func(c *registeredCheck) { c.critical = false }
}

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status   string `json:"status"` // "pass", "fail"
	Critical bool   `json:"critical"`
	Message  string `json:"message,omitempty"`
	Latency  string `json:"latency,omitempty"`
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:  logger,
		started: time.Now(),
	}
}

// RegisterCheck 注册就绪检查，默认为关键检查
func (h *HealthHandler) RegisterCheck(check HealthCheck, opts ...CheckOption) {
	rc := registeredCheck{check: check, timeout: defaultCheckTimeout, critical: true}
	for _, opt := range opts {
		opt(&rc)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, rc)
}

// SetDraining 进入排空状态后 /ready 固定返回 503，存活探针不受影响
func (h *HealthHandler) SetDraining(draining bool) {
	if h.draining.Swap(draining) != draining {
		h.logger.Info("readiness changed", zap.Bool("draining", draining))
	}
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleHealth 处理 /health 与 /healthz（存活探针，不触达依赖）
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Truncate(time.Second).String(),
	})
}

// HandleHealthz Kubernetes 风格别名
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	h.HandleHealth(w, r)
}

// HandleReady 处理 /ready 与 /readyz
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{Timestamp: time.Now()}
	if h.draining.Load() {
		status.Status = StatusDraining
		WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}

	status.Checks = h.runChecks(r.Context())
	status.Status = aggregate(status.Checks)

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, status)
}

func (h *HealthHandler) runChecks(ctx context.Context) map[string]CheckResult {
	h.mu.RLock()
	checks := append([]registeredCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	// 单项失败不取消其它检查，所以不用 WithContext
	var g errgroup.Group
	for i, rc := range checks {
		g.Go(func() error {
			results[i] = h.runCheck(ctx, rc)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]CheckResult, len(checks))
	for i, rc := range checks {
		out[rc.check.Name()] = results[i]
	}
	return out
}

func (h *HealthHandler) runCheck(ctx context.Context, rc registeredCheck) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	start := time.Now()
	err := rc.check.Check(ctx)
	latency := time.Since(start)

	result := CheckResult{Status: "pass", Critical: rc.critical, Latency: latency.String()}
	if err != nil {
		result.Status = "fail"
		result.Message = err.Error()
		h.logger.Warn("readiness check failed",
			zap.String("check", rc.check.Name()),
			zap.Bool("critical", rc.critical),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
	}
	return result
}

func aggregate(results map[string]CheckResult) string {
	status := StatusHealthy
	for _, r := range results {
		if r.Status == "pass" {
			continue
		}
		if r.Critical {
			return StatusUnhealthy
		}
		status = StatusDegraded
	}
	return status
}

// HandleVersion 处理 /version 请求
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	info := map[string]string{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
		"go_version": runtime.Version(),
	}
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, info)
	}
}

// =============================================================================
// 🔧 函数式检查
// =============================================================================

// CheckFunc 把 Ping 之类的函数包装为 HealthCheck
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewCheck 创建函数式检查
func NewCheck(name string, fn func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

func (c *CheckFunc) Name() string { return c.name }

func (c *CheckFunc) Check(ctx context.Context) error { return c.fn(ctx) }
