package mcp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/mcpbridge/api/handlers"
	"github.com/BaSui01/mcpbridge/internal/ctxkeys"
	"github.com/BaSui01/mcpbridge/types"
)

// Handler 是传输层所需的分发能力，由 *Dispatcher 实现。
type Handler interface {
	Handle(ctx context.Context, req *Request, rc types.RequestContext) *Response
	HandleRaw(ctx context.Context, data []byte, rc types.RequestContext) ([]byte, bool)
}

// SSEConfig 流式传输配置
type SSEConfig struct {
	SSEPath     string
	MessagePath string
	// KeepaliveInterval 注释行心跳间隔，同时用于探测断开的连接；0 关闭
	KeepaliveInterval time.Duration
	// WriteTimeout 单次事件写入期限；0 不设置
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	Capture         ContextCapture
}

// SSETransport 流式传输：GET 建立事件流，POST 侧通道提交请求，
// 响应以 message 事件异步回到同一会话。
type SSETransport struct {
	config   SSEConfig
	handler  Handler
	registry *Registry
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewSSETransport creates the streaming transport and starts the idle reaper.
func NewSSETransport(config SSEConfig, handler Handler, registry *Registry, logger *zap.Logger) *SSETransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SSEPath == "" {
		config.SSEPath = "/sse"
	}
	if config.MessagePath == "" {
		config.MessagePath = "/messages/"
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = defaultMaxMessageBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &SSETransport{
		config:   config,
		handler:  handler,
		registry: registry,
		logger:   logger.With(zap.String("component", "mcp_sse")),
		cancel:   cancel,
	}
	go registry.Run(ctx)
	return t
}

// Name 实现 Transport
func (t *SSETransport) Name() string { return TransportNameSSE }

// Mount 实现 Transport
func (t *SSETransport) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET "+t.config.SSEPath, t.handleStream)
	mux.HandleFunc("POST "+t.config.MessagePath, t.handleMessage)
}

// Close stops the reaper and closes every session, which ends their streams.
func (t *SSETransport) Close(context.Context) error {
	t.cancel()
	t.registry.CloseAll(CloseReasonShutdown)
	return nil
}

// =============================================================================
// 📡 事件流
// =============================================================================

func (t *SSETransport) handleStream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	session := t.registry.Create(types.CaptureRequestContext(r,
		t.config.Capture.HeaderNames, t.config.Capture.QueryNames))
	id := session.ID()
	logger := t.logger.With(zap.String("session_id", id))

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	endpoint := t.config.MessagePath + "?session_id=" + id
	if err := t.writeEvent(w, rc, "endpoint", []byte(endpoint)); err != nil {
		logger.Warn("failed to send endpoint event", zap.Error(err))
		t.registry.Close(id, CloseReasonWriteError)
		return
	}
	session.MarkOpen()
	logger.Info("sse session opened", zap.String("remote_addr", r.RemoteAddr))

	var keepalive <-chan time.Time
	if t.config.KeepaliveInterval > 0 {
		ticker := time.NewTicker(t.config.KeepaliveInterval)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			t.registry.Close(id, CloseReasonDisconnect)
			logger.Info("sse session closed by client")
			return
		case <-session.Done():
			logger.Info("sse session closed by server")
			return
		case event := <-session.Events():
			if err := t.writeEvent(w, rc, "message", event); err != nil {
				logger.Warn("failed to write event", zap.Error(err))
				t.registry.Close(id, CloseReasonWriteError)
				return
			}
		case <-keepalive:
			if err := t.write(w, rc, []byte(": keepalive\n\n")); err != nil {
				logger.Debug("keepalive failed", zap.Error(err))
				t.registry.Close(id, CloseReasonWriteError)
				return
			}
		}
	}
}

func (t *SSETransport) writeEvent(w io.Writer, rc *http.ResponseController, event string, data []byte) error {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(event)
	buf.WriteByte('\n')
	for line := range bytes.SplitSeq(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return t.write(w, rc, buf.Bytes())
}

func (t *SSETransport) write(w io.Writer, rc *http.ResponseController, p []byte) error {
	if t.config.WriteTimeout > 0 {
		// 不支持写期限的 ResponseWriter 直接忽略
		_ = rc.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}
	if _, err := w.Write(p); err != nil {
		return err
	}
	return rc.Flush()
}

// =============================================================================
// 📮 侧通道
// =============================================================================

func (t *SSETransport) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		handlers.WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "session_id is required", t.logger)
		return
	}
	if _, err := uuid.Parse(id); err != nil {
		handlers.WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "session_id is not a valid id", t.logger)
		return
	}

	session, err := t.registry.Get(id)
	if err != nil {
		handlers.WriteError(w, types.WrapError(err), t.logger)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.config.MaxMessageBytes))
	if err != nil {
		writeBodyError(w, err, t.logger)
		return
	}

	// 连接断开不应中断进行中的调用；结果在会话关闭后丢弃
	ctx := context.WithoutCancel(r.Context())
	ctx = ctxkeys.WithSessionID(ctx, id)
	ctx = ctxkeys.WithTransport(ctx, TransportNameSSE)
	rc := session.Context()

	job := func() {
		out, ok := t.handler.HandleRaw(ctx, body, rc)
		if !ok {
			return
		}
		if err := t.registry.Enqueue(id, out); err != nil {
			t.logger.Debug("response discarded",
				zap.String("session_id", id),
				zap.String("reason", string(types.GetErrorCode(err))),
			)
		}
	}

	if err := t.registry.Submit(r.Context(), id, job); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			t.logger.Debug("client gave up while session queue was full", zap.String("session_id", id))
			return
		}
		handlers.WriteError(w, types.WrapError(err), t.logger)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Accepted")
}

func writeBodyError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		handlers.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, types.ErrInvalidRequest, "message too large", logger)
		return
	}
	handlers.WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "failed to read message", logger)
}
