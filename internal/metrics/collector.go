package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	taskBuckets     = []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}
	workflowBuckets = []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900}
	sizeBuckets     = prometheus.ExponentialBuckets(100, 10, 8)
)

// Collector 持有 TaskFlow 的全部 Prometheus 指标。每个 Collector 使用独立的
// Registry，附带 Go 运行时与进程指标，通过 Handler 暴露。
type Collector struct {
	reg    *prometheus.Registry
	logger *zap.Logger

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	httpRequestSize  *prometheus.HistogramVec
	httpResponseSize *prometheus.HistogramVec

	workflowsTotal    *prometheus.CounterVec
	workflowDuration  *prometheus.HistogramVec
	workflowsRunning  prometheus.Gauge
	workflowsQueued   prometheus.Gauge
	chainsTotal       *prometheus.CounterVec
	eventsDropped     prometheus.Gauge
	storeWriteFailure *prometheus.CounterVec

	tasksTotal            *prometheus.CounterVec
	taskDuration          *prometheus.HistogramVec
	taskRetries           *prometheus.CounterVec
	agentStateTransitions *prometheus.CounterVec
	agentUtilization      prometheus.Gauge

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec
}

// NewCollector 在新的 Registry 上注册所有指标，名称统一加 namespace 前缀
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := factory{promauto.With(reg), namespace}

	c := &Collector{
		reg:    reg,
		logger: logger.With(zap.String("component", "metrics")),

		httpRequests:     f.counter("http_requests_total", "HTTP requests by route pattern and status class", "method", "path", "status"),
		httpDuration:     f.histogram("http_request_duration_seconds", "HTTP request latency", prometheus.DefBuckets, "method", "path"),
		httpRequestSize:  f.histogram("http_request_size_bytes", "HTTP request body size", sizeBuckets, "method", "path"),
		httpResponseSize: f.histogram("http_response_size_bytes", "HTTP response body size", sizeBuckets, "method", "path"),

		workflowsTotal:    f.counter("workflow_executions_total", "Finished workflow executions", "workflow_id", "status"),
		workflowDuration:  f.histogram("workflow_execution_duration_seconds", "Workflow execution wall time", workflowBuckets, "workflow_id"),
		workflowsRunning:  f.gauge("workflow_executions_running", "Workflow executions holding a slot"),
		workflowsQueued:   f.gauge("workflow_executions_queued", "Workflow executions waiting for a slot"),
		chainsTotal:       f.counter("chain_executions_total", "Finished chain executions", "chain_id", "status"),
		eventsDropped:     f.gauge("events_dropped", "Lifecycle events the event bus dropped for slow subscribers"),
		storeWriteFailure: f.counter("store_write_failures_total", "Store writes the scheduler gave up on", "store"),

		tasksTotal:            f.counter("task_attempts_total", "Finished task attempts", "task_type", "outcome"),
		taskDuration:          f.histogram("task_attempt_duration_seconds", "Task attempt latency", taskBuckets, "task_type"),
		taskRetries:           f.counter("task_retries_total", "Scheduled task retries", "task_type"),
		agentStateTransitions: f.counter("agent_state_transitions_total", "Agent health state changes", "agent_id", "from_state", "to_state"),
		agentUtilization:      f.gauge("agent_utilization_ratio", "Total agent load over total capacity"),

		cacheHits:   f.counter("cache_hits_total", "Cache hits", "cache_type"),
		cacheMisses: f.counter("cache_misses_total", "Cache misses", "cache_type"),

		dbConnectionsOpen: f.gaugeVec("db_connections_open", "Open connections per backend", "database"),
		dbConnectionsIdle: f.gaugeVec("db_connections_idle", "Idle connections per backend", "database"),
		dbQueryDuration:   f.histogram("db_query_duration_seconds", "Query latency by statement kind", prometheus.DefBuckets, "database", "operation"),
	}

	c.logger.Debug("metrics registered", zap.String("namespace", namespace))
	return c
}

// factory 给 promauto 补上统一的 namespace
type factory struct {
	promauto.Factory
	ns string
}

func (f factory) counter(name, help string, labels ...string) *prometheus.CounterVec {
	return f.NewCounterVec(prometheus.CounterOpts{Namespace: f.ns, Name: name, Help: help}, labels)
}

func (f factory) gauge(name, help string) prometheus.Gauge {
	return f.NewGauge(prometheus.GaugeOpts{Namespace: f.ns, Name: name, Help: help})
}

func (f factory) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return f.NewGaugeVec(prometheus.GaugeOpts{Namespace: f.ns, Name: name, Help: help}, labels)
}

func (f factory) histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: f.ns, Name: name, Help: help, Buckets: buckets}, labels)
}

// Handler 以 Prometheus 文本格式暴露本 Collector 的 Registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{
		Registry: c.reg,
		ErrorLog: zap.NewStdLog(c.logger),
	})
}

// Gatherer 供测试与自定义导出读取指标
func (c *Collector) Gatherer() prometheus.Gatherer { return c.reg }

// RecordHTTPRequest path 应为路由模式而不是原始 URL
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequests.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// RecordWorkflow 记录一次结束的工作流执行，未启动即结束的执行不计耗时
func (c *Collector) RecordWorkflow(workflowID, status string, duration time.Duration) {
	c.workflowsTotal.WithLabelValues(workflowID, status).Inc()
	if duration > 0 {
		c.workflowDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
	}
}

func (c *Collector) RecordChain(chainID, status string) {
	c.chainsTotal.WithLabelValues(chainID, status).Inc()
}

// SetEngineGauges 刷新引擎快照类指标
func (c *Collector) SetEngineGauges(running, queued int, agentUtilization float64, eventsDropped uint64) {
	c.workflowsRunning.Set(float64(running))
	c.workflowsQueued.Set(float64(queued))
	c.agentUtilization.Set(agentUtilization)
	c.eventsDropped.Set(float64(eventsDropped))
}

func (c *Collector) RecordStoreFailure(store string) {
	c.storeWriteFailure.WithLabelValues(store).Inc()
}

// RecordTaskAttempt outcome 取 succeeded 或失败原因
func (c *Collector) RecordTaskAttempt(taskType, outcome string, duration time.Duration) {
	c.tasksTotal.WithLabelValues(taskType, outcome).Inc()
	if duration > 0 {
		c.taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
	}
}

func (c *Collector) RecordTaskRetry(taskType string) {
	c.taskRetries.WithLabelValues(taskType).Inc()
}

func (c *Collector) RecordAgentStateTransition(agentID, fromState, toState string) {
	c.agentStateTransitions.WithLabelValues(agentID, fromState, toState).Inc()
}

// RecordCacheLookups 累加命中与未命中，调用方按周期传入增量；零增量不创建序列
func (c *Collector) RecordCacheLookups(cacheType string, hits, misses uint64) {
	if hits > 0 {
		c.cacheHits.WithLabelValues(cacheType).Add(float64(hits))
	}
	if misses > 0 {
		c.cacheMisses.WithLabelValues(cacheType).Add(float64(misses))
	}
}

func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// statusClass 把状态码折叠为 2xx/3xx/4xx/5xx，控制标签基数
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return string(rune('0'+code/100)) + "xx"
}
