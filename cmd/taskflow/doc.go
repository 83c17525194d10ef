// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 TaskFlow 服务端程序入口。

# 概述

cmd/taskflow 启动控制 API、WebSocket 事件流、健康检查与 Prometheus 指标，
并提供数据库迁移、健康探测与版本查询子命令。

# 组件装配

Server 按配置打开持久化后端（memory、database、redis、mongo），
构建 Agent 注册表、任务分发器与编排引擎，再把事件总线接到日志、
指标与可选的 NATS 发布者上。日志级别与限流参数支持热重载，
其余字段修改后需要重启。

# 中间件

请求依次经过 Recovery、RequestID、Tracing、Metrics、SecurityHeaders、
CORS、限流与鉴权。指标与 span 使用 ServeMux 匹配到的路由模式命名。
*/
package main
