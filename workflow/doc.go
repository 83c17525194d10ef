// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供工作流定义、DAG 分层与并行调度。

# 概述

一个 Definition 由节点（TaskNode）和依赖边（Dependency）组成。BuildLevels
使用 Kahn 算法把节点分层：同一层的节点互不依赖，层内保持声明顺序。
带环或引用不存在节点的定义在校验阶段被拒绝，运行期从不做环检测。

# 核心类型

  - Definition / TaskNode / Dependency — 不可变的版本化工作流定义
  - DAGBuilder                         — Fluent API 构建定义
  - LevelCache                         — 按 ID@Version 缓存分层结果
  - Scheduler                          — 逐层释放任务，受并发上限约束
  - TaskDispatcher                     — 调度器与 agent 派发之间的接口
  - Recorder                           — 持久化执行、任务与事件日志
  - EventBus                           — 事件扇出，慢订阅者丢弃事件
  - Chain / ChainExecution             — 按条件串联多个工作流

# 调度语义

  - 第 k+1 层只有在第 k 层全部到达终态后才开始
  - 同一能力的任务按入队顺序派发，agent 满载时任务留在队列中
  - 失败策略 halt 停止释放后续层，continue 只跳过失败任务的下游
  - 持久化失败时调度器暂停并重试，恢复后继续

相关子包：dsl 负责 YAML/JSON 解析与条件谓词，chain 负责链式执行。
*/
package workflow
