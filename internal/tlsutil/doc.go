// Package tlsutil 提供统一的出站 TLS 配置。
// REST 工具、浏览器工具与 OpenAPI 文档抓取共用同一个加固客户端
// （TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
