// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package registry 维护可执行任务的 Agent 的实时视图。

# 概述

Registry 只记录外部托管的 Agent：能力标签、容量、负载与健康状态。
所有变更都只加单个 Agent 的锁，不存在全局写锁：

  - Agent 存放在 sync.Map 中，每个条目自带互斥锁
  - 能力索引按能力标签分片，每个分片独立的读写锁
  - Acquire 在选中 Agent 的锁内完成检查与自增，不会超过容量

# 健康状态

  - healthy：心跳正常且未处于冷却
  - degraded：Agent 自报降级，或超时后处于冷却窗口
  - unreachable：超过 HeartbeatTimeout 未收到心跳

冷却由每个 Agent 的熔断器控制：超时打开，冷却结束转入半开并限量探测，
探测成功后关闭。
*/
package registry
