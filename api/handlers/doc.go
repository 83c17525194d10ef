// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 TaskFlow 控制面 HTTP API 的请求处理器实现。

# 概述

handlers 包实现了工作流定义、执行、链、Agent 注册与事件流等端点。
每个 Handler 只依赖一个小接口（WorkflowService、ExecutionService 等），
由 orchestrator.Engine 统一实现，测试中可直接使用内存引擎。

# 核心类型

  - WorkflowHandler    定义的保存（YAML/JSON）、版本查询、层级计算、提交执行、模板
  - ExecutionHandler   执行状态、事件日志、取消、列表与引擎统计
  - ChainHandler       链提交（同步或异步）、链状态与取消、单任务分发
  - AgentHandler       Agent 注册、注销、心跳与查询
  - EventStreamHandler WebSocket 生命周期事件推送，支持按执行与类型过滤
  - HealthHandler      服务健康检查（/health, /healthz, /ready）

# 错误映射

领域错误经 ToAPIError 转为 types.Error，再按 ErrorCode 映射 HTTP 状态码：
定义无效 400，不存在 404，执行已结束 409，任务失败 422，
无可用 Agent 或服务关闭 503，超时 504。
*/
package handlers
