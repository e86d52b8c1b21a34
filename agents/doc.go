// Package agents 定义外部智能体的调用契约：
// 按 agent id 路由的 Invoker、自由文本输出中的工具计划解析，
// 以及智能体未上报用量时的 token 估算。
package agents
