// Package telemetry 负责 OpenTelemetry SDK 的装配，
// 为 FlowSmith 提供集中式的 TracerProvider 和 MeterProvider 配置，
// 并通过 RunTracer 把运行与节点生命周期事件镜像为链路 Span。
// 遥测关闭时全部退化为 noop，不建立任何外部连接。
package telemetry
