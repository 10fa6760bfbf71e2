// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 agentorch HTTP API 的请求处理器实现。

# 概述

handlers 包实现工作流管理、工作流执行、单次执行、熔断器管理、
运行历史查询与健康检查端点。所有 Handler 均遵循标准 net/http 接口，
路径参数通过 Go 1.22 ServeMux 的 r.PathValue 读取。

# 核心类型

  - WorkflowHandler  — 工作流 CRUD、同步/异步执行、取消、websocket 事件流
  - ExecutionHandler — 单次执行、引擎状态、熔断器列表与重置
  - RunHandler       — 运行历史（需启用数据库）
  - HealthHandler    — /healthz 存活探针与带依赖检查的 /health
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记

# 错误映射

WriteError 将 types.Error 的错误码映射为 HTTP 状态码：校验类错误为 400，
环依赖为 422，工作流不存在为 404，限流为 429，熔断与后端不可用为 503，
后端超时为 504。非 types.Error 的错误一律按 500 返回且不暴露原文。
*/
package handlers
