// Copyright (c) FlowSmith Authors.
// Licensed under the MIT License.

/*
Package workflow 提供混合工作流的编排与执行引擎。

# 概述

workflow 包实现了 FlowSmith 的工作流系统：工作流定义为有向无环图，
调度器按依赖序推进，协调器以优先级队列接收运行请求并驱动完整的运行
生命周期。节点类型覆盖 Agent、工具、混合（Agent+工具协同）、条件、
循环、人工输入与数据变换。

# 核心接口与类型

  - Definition / Node / Edge   — 不可变的工作流定义（JSON / YAML 序列化）
  - DefinitionBuilder          — Fluent API 构建定义（Build 时校验）
  - ValidateDefinition         — 环检测、孤立节点告警与按类型的配置校验
  - Scheduler                  — 依赖优先的拓扑排序与波次就绪判定
  - Run / NodeExecutionRecord  — 运行与节点级执行记录
  - ExecutionContext           — 运行内共享状态（变量、节点输出、挂起输入）
  - Dispatcher                 — 按节点类型分发执行，产出终态记录
  - Coordinator                — 运行准入、优先级派发与生命周期管理
  - RunStore / DefinitionStore — 可插拔持久化接口

# 主要能力

  - 节点类型：agent、tool、hybrid、condition、loop、human_input、transformer
  - 混合策略：agent_first / tool_first / parallel / coordinated
  - 错误策略：stop / continue / retry（线性与指数退避）
  - 人工输入：审批、自由输入与评审，超时按必填性跳过或失败
  - 协作控制：协同取消与暂停（节点边界生效），暂停恢复幂等
  - 事件发布：运行与节点生命周期、人工输入请求/响应、熔断状态变化
*/
package workflow
