// Copyright (c) FlowSmith Authors.
// Licensed under the MIT License.

/*
Package main 是 FlowSmith 的命令行入口，提供工作流执行与定义校验能力。

# 概述

flowsmith 命令将引擎装配为一个短生命周期进程：加载配置、构建
Engine、注册工作流与工具、提交运行并等待终态，最后优雅关停。
存储后端可在 memory、redis、database 之间切换，对应引擎的
WithRedis / WithDatabase 选项。

# 子命令

  - run：加载工作流定义文件，提交一次运行并等待结果。支持
    -input 注入运行输入、-tools 批量注册工具定义、-store 选择
    存储后端、-timeout 控制等待时长。按 Ctrl+C 会取消运行。
  - validate：解析并校验工作流定义，打印全部错误与告警。定义
    无效时以退出码 1 结束，便于接入 CI。
  - version：显示版本、构建时间与 Git 提交号（ldflags 注入）。

# 主要能力

  - 运行结果展示：终态、各节点状态与耗时（按启动顺序排序）、
    输出文档的 JSON 渲染。
  - 信号处理：SIGINT/SIGTERM 触发运行取消与引擎关停，挂起的
    事件与日志在退出前落地。
  - 工具文件注册：-tools 指定的 JSON 文件内的 REST、浏览器、
    检索类工具定义在引擎启动前批量注册。
  - OpenAPI 导入：-openapi 从文档（URL 或本地文件）为每个
    operation 生成 REST 工具并注册。

数据库迁移由独立的 flowsmith-migrate 命令承载，本命令不链接
迁移驱动。
*/
package main
