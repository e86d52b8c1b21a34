// Copyright (c) FlowSmith Authors.
// Licensed under the MIT License.

/*
Package tools 提供工具执行子系统：可重试、带熔断、可编排的工具调用。

# 概述

tools 包实现了 FlowSmith 的工具调用管线。每次调用经过熔断检查、
定义解析、输入 Schema 校验、按工具类型分发到后端（函数、REST、
检索、浏览器、数据库）、输出 Schema 校验（仅告警），并无条件记录
资源用量、熔断状态与滚动性能指标。

# 核心接口与类型

  - Registry          — 工具定义注册表（激活状态、每工具限流）
  - Backend           — 后端调用契约（按 ToolType 分发）
  - Invoker           — 单次工具调用管线 Execute(ctx, toolID, input, scope)
  - ChainExecutor     — 工具链编排（sequential / parallel / conditional）
  - CircuitBreaker    — 熔断器（closed / open / half_open，含定时巡检）
  - RetryPolicy       — 重试策略（linear / exponential 退避，错误消息匹配）
  - PerfTracker       — 滚动性能统计（平均耗时、成功率）
*/
package tools
