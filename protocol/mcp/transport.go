package mcp

import (
	"context"
	"net/http"
)

// Transport 是对外暴露 Dispatcher 的传输层。
// SSE 与无状态 HTTP 两种实现共享同一个 Dispatcher，不各自实现分发逻辑。
type Transport interface {
	// Name 传输名称，用于日志与指标标签
	Name() string
	// Mount 在 mux 上注册路由
	Mount(mux *http.ServeMux)
	// Close 停止后台任务并释放连接，在 HTTP 服务器关闭前调用
	Close(ctx context.Context) error
}

// 传输名称
const (
	TransportNameSSE  = "sse"
	TransportNameHTTP = "http"
)

// ContextCapture 描述从入站请求中捕获哪些头与查询参数。
type ContextCapture struct {
	HeaderNames []string
	QueryNames  []string
}

// defaultMaxMessageBytes 单条入站 JSON-RPC 消息上限
const defaultMaxMessageBytes = 4 << 20
