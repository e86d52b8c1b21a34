// Package hitl 提供工作流运行中的人工输入能力。
//
// 运行到达人工输入节点时挂起，等待外部响应、超时或取消。
// 响应按 (runID, nodeID) 键路由到等待中的节点，支持审批、
// 补充输入与审阅三类请求。
package hitl
