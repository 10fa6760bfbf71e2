// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 agentorch 服务端程序入口。

# 概述

cmd/agentorch 装配执行适配器（并发闸门、重试、熔断、结果缓存）、
工作流编排器与可选的运行记录存储，并通过 HTTP API 暴露。
同一二进制也可以在本进程内直接执行一个工作流定义。

# 核心类型

  - App        — 按配置装配的组件集合，Close 逆序释放
  - Server     — 路由、中间件链与 internal/server.Manager 生命周期
  - Middleware — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、run、validate、migrate（up/down/version）、health、version
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    Metrics、RequestLogger、CORS、APIKeyAuth、JWTAuth、RateLimiter
  - 结果缓存 journal：memory、file、redis、mongo（cache.store）
  - 运行记录：database.enabled 时写入 postgres/mysql/sqlite，并开放 /v1/runs
  - 指标：/metrics 使用独立的 Prometheus Registry
  - 优雅关闭：SIGINT/SIGTERM → 关闭 HTTP → 取消运行 → 关闭连接 → 刷新追踪
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
