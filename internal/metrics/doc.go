// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的执行引擎指标采集能力。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制。所有指标按 namespace 隔离；Record* 方法对 nil 接收者
安全，未启用指标时调用方无需判空。

# 主要能力

  - 执行指标：按 backend/execution_type/outcome 统计执行次数、耗时与尝试次数，
    按错误码统计重试次数。
  - 缓存指标：命中与未命中计数。
  - 熔断器指标：状态 Gauge 与拒绝计数。
  - 并发闸门指标：持有许可数与等待数。
  - 工作流与 HTTP 指标：运行结果、耗时、请求计数。
*/
package metrics
