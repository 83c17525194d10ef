// Package telemetry 初始化 OpenTelemetry 追踪与指标导出。
// 调度器与链管理器通过 Providers.Tracer 取得 tracer。
// ObserveEngine 把引擎快照注册为异步 gauge（meter "taskflow/engine"）。
// 禁用时 Tracer 与 Meter 回落到全局 noop。
package telemetry
