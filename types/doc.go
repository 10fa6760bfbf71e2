// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 agentorch 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 workflow、engine、
orchestrator 等上层模块提供统一的错误契约，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable、RetryAfter、Backend 标记

# 主要能力

  - 错误工具链：AsError / IsErrorCode / IsRetryable / GetErrorCode
  - 错误分类：Classify 将未归类错误映射为 BACKEND_ERROR / BACKEND_TIMEOUT / CANCELLED
  - 默认可重试性：ErrorCode.DefaultRetryable
*/
package types
