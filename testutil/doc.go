// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 TaskFlow 测试的共享工具和辅助函数。

# 概述

testutil 为 API、命令行与集成测试提供统一的测试基础设施，
避免各包重复构建引擎、执行器与样例数据。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步辅助: WaitFor / WaitForChannel / CollectEvents
  - 数据工具: MustJSON / MustParseJSON / AssertJSONEqual

# 子包

  - testutil/mocks: MockExecutor，可按任务类型注入结果、错误、延迟，
    并记录每次调用
  - testutil/fixtures: 样例工作流定义、Agent 与使用内存存储的真实引擎

# 使用示例

	exec := mocks.NewMockExecutor().WithError("compare", errors.New("boom"))
	engine := fixtures.NewEngine(t, exec)
	fixtures.RegisterAgent(t, engine, "worker-1", "fetch", "compare")
*/
package testutil
