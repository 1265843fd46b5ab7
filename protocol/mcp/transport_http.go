package mcp

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/mcpbridge/api/handlers"
	"github.com/BaSui01/mcpbridge/internal/ctxkeys"
	"github.com/BaSui01/mcpbridge/types"
)

// HTTPConfig 无状态传输配置
type HTTPConfig struct {
	RPCPath    string
	HealthPath string
	// ChunkAfter tools/call 超过该时长仍未完成时，先提交响应头并以空白分块保活；0 关闭
	ChunkAfter      time.Duration
	MaxMessageBytes int64
	Capture         ContextCapture
	Version         string
}

// HTTPTransport 无状态传输：一次请求一个 JSON-RPC 对象，同步返回一个 JSON-RPC 对象。
type HTTPTransport struct {
	config  HTTPConfig
	handler Handler
	health  *handlers.HealthHandler
	logger  *zap.Logger
}

// NewHTTPTransport 创建无状态传输
func NewHTTPTransport(config HTTPConfig, handler Handler, logger *zap.Logger) *HTTPTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RPCPath == "" {
		config.RPCPath = "/mcp"
	}
	if config.HealthPath == "" {
		config.HealthPath = "/mcp/health"
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = defaultMaxMessageBytes
	}
	return &HTTPTransport{
		config:  config,
		handler: handler,
		health:  handlers.NewHealthHandler(config.Version, logger),
		logger:  logger.With(zap.String("component", "mcp_http")),
	}
}

// Name 实现 Transport
func (t *HTTPTransport) Name() string { return TransportNameHTTP }

// Mount 实现 Transport
func (t *HTTPTransport) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST "+t.config.RPCPath, t.handleRPC)
	mux.HandleFunc("GET "+t.config.HealthPath, t.health.HandleHealth)
}

// Close 实现 Transport。无后台任务，进行中的请求由 HTTP 服务器优雅关闭负责。
func (t *HTTPTransport) Close(context.Context) error { return nil }

func (t *HTTPTransport) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.config.MaxMessageBytes))
	if err != nil {
		writeBodyError(w, err, t.logger)
		return
	}

	rc := types.CaptureRequestContext(r, t.config.Capture.HeaderNames, t.config.Capture.QueryNames)
	ctx := ctxkeys.WithTransport(r.Context(), TransportNameHTTP)

	req, errResp := ParseRequest(body)
	if errResp != nil || t.config.ChunkAfter <= 0 || req.Method != MethodToolsCall || req.IsNotification() {
		out, ok := t.handler.HandleRaw(ctx, body, rc)
		t.writeResponse(w, out, ok)
		return
	}

	type outcome struct{ data []byte }
	done := make(chan outcome, 1)
	go func() {
		resp := t.handler.Handle(ctx, req, rc)
		data, err := Encode(resp)
		if err != nil {
			t.logger.Error("failed to encode response", zap.Error(err))
			data, _ = Encode(NewErrorResponse(req.ID, ErrorCodeInternalError, "failed to encode response",
				ErrorData{Code: types.ErrInternalError}))
		}
		done <- outcome{data: data}
	}()

	timer := time.NewTimer(t.config.ChunkAfter)
	defer timer.Stop()

	select {
	case res := <-done:
		t.writeResponse(w, res.data, true)
		return
	case <-r.Context().Done():
		return
	case <-timer.C:
	}

	// 调用仍在进行：提交 200 头，用空白分块保持连接，最后写入唯一的 JSON 对象
	ctrl := http.NewResponseController(w)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if err := ctrl.Flush(); err != nil {
		t.logger.Debug("chunked delivery unavailable", zap.Error(err))
	}

	ticker := time.NewTicker(t.config.ChunkAfter)
	defer ticker.Stop()
	for {
		select {
		case res := <-done:
			if _, err := w.Write(res.data); err != nil {
				t.logger.Debug("client went away before response", zap.Error(err))
			}
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, " "); err != nil {
				return
			}
			_ = ctrl.Flush()
		}
	}
}

func (t *HTTPTransport) writeResponse(w http.ResponseWriter, data []byte, ok bool) {
	if !ok {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		t.logger.Debug("failed to write response", zap.Error(err))
	}
}
