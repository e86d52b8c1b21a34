// Copyright (c) FlowSmith Authors.
// Licensed under the MIT License.

/*
包 database 提供 GORM 事务的瞬态故障重试。

# 概述

运行与节点记录的持久化在高并发下会碰到死锁、序列化冲突与连接
抖动。本包把这类故障的识别与指数退避重试收敛到一个入口，SQL
存储层的多行写入统一经由 Transact 执行。

# 主要能力

  - Transact：在事务中执行回调，瞬态故障按 100ms 起步的指数退避
    重试，ctx 取消立即中止。非瞬态错误原样返回，调用方的哨兵
    错误匹配不受影响。
  - Retryable：瞬态故障判定，覆盖死锁、PostgreSQL 序列化失败
    （SQLSTATE 40001）、SQLite 写锁竞争、连接类故障与锁超时。
*/
package database
