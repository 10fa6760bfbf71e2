// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供任务图（Task Graph）模型与依赖排序。

# 概述

Workflow 是一组带依赖声明的 Task，独占其所有 Task。排序采用就绪集
迭代：每一轮选出依赖已全部完成的任务作为一个批次（批内保持插入顺序），
若剩余任务非空而就绪集为空，则返回 CycleError。环检测发生在排序时，
因此通过 AddDependency 事后引入的回边同样会被拒绝。

# 核心类型

  - Task / TaskSpec     — 任务及其创建参数
  - Workflow            — 任务集合，维护插入顺序与运行状态
  - Registry            — 按 ID 管理 Workflow 的注册表
  - Definition          — YAML 工作流定义（两遍构建，允许前向引用）
  - CycleError          — 不可调度任务列表，错误码 CYCLE_DETECTED

# 主要能力

  - Order / ReadyBatches：确定性拓扑排序，无副作用
  - Validate：仅做可排序性检查
*/
package workflow
