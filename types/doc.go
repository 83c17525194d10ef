// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 TaskFlow 引擎的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 workflow、agent、
orchestrator、api 等上层模块提供统一的错误契约与上下文传播工具。

# 核心类型

  - Error / ErrorCode：结构化错误体系，含 HTTP 状态码与 Retryable 标记
  - 编排错误码：INVALID_DEFINITION、DATA_MAPPING、AGENT_UNAVAILABLE 等

# 主要能力

  - Context 传播：WithTraceID / WithExecutionID / WithChainID
  - 错误工具链：AsError / IsErrorCode / IsRetryable / GetErrorCode
*/
package types
