// Copyright (c) FlowSmith Authors.
// Licensed under the MIT License.

/*
包 migration 管理 FlowSmith 的数据库 Schema 版本，基于 golang-migrate，
覆盖 PostgreSQL、MySQL 与 SQLite 三种方言。

# 概述

迁移脚本按方言目录通过 embed.FS 编译进二进制，由 golang-migrate
引擎驱动版本化变更。内嵌的 Schema 与 store 包的 GORM 模型保持一致：
workflow_runs、node_executions、workflow_definitions 与
tool_invocations 四张表。操作集覆盖正向迁移、回滚、按步执行、
跳转与强制版本号。

SQLite 走纯 Go 驱动（modernc）。该驱动与 store 包的 glebarez 驱动
注册同名 "sqlite"，二者不能链接进同一个二进制，因此迁移操作由
独立的 flowsmith-migrate 命令承载，不进引擎进程。

# 接口与类型

  - Migrator：操作集接口（Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close）。
  - SchemaMigrator：Migrator 的默认实现，封装 golang-migrate 实例
    与数据库连接管理。
  - Config：迁移配置，包含数据库类型、连接 URL 与迁移表名。
  - DatabaseType：方言枚举，取值 postgres、mysql、sqlite。
  - MigrationStatus / MigrationInfo：单条状态与全局摘要。
  - CLI：终端输出层，把 Migrator 的结果渲染成表格与摘要。

# 能力

  - 多数据库支持：方言差异集中在一张 dialect 表里，内嵌 SQL
    文件按方言目录组织。
  - 工厂函数：NewMigratorFromDatabaseConfig / NewMigratorFromURL
    支持从引擎配置或连接串直接创建迁移器。
  - CLI 集成：RunUp/RunDown/RunStatus/RunInfo 等命令由 CLI 类型
    承载，面向终端输出。
  - 辅助工具：ParseDatabaseType 归一化驱动名，BuildDatabaseURL
    按方言拼接连接串。
*/
package migration
