// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 汇集 TaskFlow 的 Prometheus 指标。

Collector 在自己的 Registry 上注册全部指标（另含 Go 运行时与进程指标），
Handler 返回对应的 /metrics 处理器，因此同一进程里可以并存多个 Collector。

指标分组：

  - HTTP：按方法、路由模式和状态类别计数，并记录耗时与报文大小。
    path 标签取 ServeMux 的路由模式，路径参数不会产生新序列。
  - 工作流与链：结束计数、执行耗时、运行中与排队中的执行数、
    事件总线丢弃数、存储写入失败数。
  - 任务与 Agent：尝试计数与耗时（outcome 为 succeeded 或失败原因）、
    重试次数、Agent 健康状态转换、整体负载率。
  - 缓存与数据库：层级缓存命中率、连接池连接数、按语句类型的查询耗时。

Collector.Consume 订阅事件总线，把生命周期事件折算为上述指标。
*/
package metrics
