// Package mcp 实现 Model Context Protocol 的服务端：JSON-RPC 2.0 消息编解码、
// 方法分派以及两种 HTTP 传输。
//
// Dispatcher 将 initialize、tools/list、tools/call 等方法映射到 OpenAPI
// 工具目录，上游失败以 isError 工具结果返回，协议错误以 JSON-RPC error 返回。
//
// SSETransport 维护长连接会话：GET 建立事件流并下发 endpoint 事件，
// 随后的 POST 仅确认受理（202），响应按受理顺序经事件流送达。
// HTTPTransport 为无状态的一问一答，慢调用可选先提交响应头再以空白分块保活。
package mcp
