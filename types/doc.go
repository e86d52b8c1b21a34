// Copyright (c) FlowSmith Authors.
// Licensed under the MIT License.

/*
Package types 提供 FlowSmith 引擎的全局共享类型定义。

# 概述

types 是引擎最底层的公共包，不依赖任何内部包，为 workflow、tools、
agents、hitl、events、store 等上层模块提供统一的类型契约。所有跨包
共享的结构体、枚举和错误码均定义于此，以避免循环依赖。

# 核心类型

  - Error / ErrorCode  — 结构化错误体系，含 Retryable 标记与错误链
  - JSONSchema         — JSON Schema 定义、构建器与值校验（Validate）
  - ToolDefinition     — 工具定义（类型、激活状态、输入/输出 Schema、限流）
  - ToolInvocationRecord — 单次工具调用结果（状态、重试次数、资源用量）
  - ResourceUsage      — 资源用量计数（耗时、内存、网络调用、负载大小）
  - CallScope          — 调用归属标识（运行、节点、会话、用户、组织）
  - AgentRequest / AgentResponse — Agent 调用契约与 Token 用量
*/
package types
