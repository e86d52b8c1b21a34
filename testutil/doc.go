// Copyright (c) FlowSmith Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 FlowSmith 测试的共享基础设施。

# 概述

多个包的测试需要在同一条 Publish 调用栈内观察事件流：生产实现
MemoryBus 在独立 goroutine 上分发处理器，顺序断言会出现竞争。
本包的 CaptureBus 以同步分发消除等待，并记录全部已发布事件供
断言检查。

# 核心能力

  - CaptureBus: 同步 events.Bus 实现，Publish 即时分发给匹配的
    订阅者（含 KindAll），并按发布顺序记录事件
  - 查询接口: Events / Kinds / ByKind / Has / Reset，
    用于事件序列与载荷断言

# 使用示例

	bus := testutil.NewCaptureBus()
	collector.ObserveBus(bus)
	bus.Publish(ctx, events.New(events.KindRunStarted, "run-1"))
	require.Equal(t, []events.Kind{events.KindRunStarted}, bus.Kinds())
*/
package testutil
