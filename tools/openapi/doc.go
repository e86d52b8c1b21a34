// Copyright (c) FlowSmith Authors.
// Licensed under the MIT License.

/*
包 openapi 从 OpenAPI 3.x 文档批量导入 REST 工具定义。

# 概述

本包解析 OpenAPI 文档（JSON 或 YAML，来源可为 URL 或本地文件），
将每个 Operation 转换为可直接注册进工具注册表的 ToolDefinition：
类型为 REST，端点保留 {param} 占位符由 REST 后端在调用时填充，
参数与请求体属性合并为输入 JSON Schema。

# 核心类型

  - Generator：生成器，负责文档加载（带缓存）与工具生成。
  - Document / PathItem / Operation / Parameter / RequestBody：
    OpenAPI 文档结构映射，Schema 字段直接复用 types.JSONSchema。
  - Options：生成选项（BaseURL 覆盖、Tag 过滤、ID 前缀、超时）。

# 主要能力

  - 双格式解析：YAML 经 JSON 归一化后与 JSON 共用同一套结构标签。
  - 确定性输出：路径排序、方法按固定顺序遍历，生成结果可复现。
  - 请求体平铺：application/json 请求体的对象属性并入输入 Schema，
    与 REST 后端"整个输入作为请求体"的约定一致；仅当请求体必填时
    其内部必填字段才提升为顶层必填。
  - 安全传输：未注入自定义客户端时使用 tlsutil.SecureHTTPClient。
*/
package openapi
