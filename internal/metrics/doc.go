// Copyright (c) FlowSmith Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的引擎指标采集能力，覆盖
运行、节点、工具、人工输入与熔断器五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。
  - InvocationObserver：实现 tools.InvocationSink，把工具调用
    记录转换为指标后级联到下游持久化接收器。

# 主要能力

  - 运行指标：启动/结束计数、运行耗时，按 workflow_id/status 分组。
  - 节点指标：执行计数、执行耗时、重试计数，按 node_type/status 分组。
  - 工具指标：调用计数与耗时，按 tool_id/status 分组。
  - 人工输入指标：请求与响应计数，按 outcome 分组。
  - 熔断器指标：状态 Gauge 与状态转换计数，按 tool_id 分组。
  - 调度器水位：队列深度与活跃运行数 Gauge，经 PollEngine 周期采样。

# 接入方式

事件驱动的指标经 Collector.ObserveBus 订阅事件总线自动采集；
工具调用指标经 InvocationObserver 挂在调用器的记录接收器链上；
调度器水位经 Collector.PollEngine 周期拉取。
*/
package metrics
