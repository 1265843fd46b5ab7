package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/BaSui01/mcpbridge/internal/ctxkeys"
	"github.com/BaSui01/mcpbridge/internal/metrics"
	"github.com/BaSui01/mcpbridge/internal/telemetry"
	"github.com/BaSui01/mcpbridge/tools/openapi"
	"github.com/BaSui01/mcpbridge/types"
)

// ToolCaller 执行一次工具调用。*openapi.Invoker 是生产实现。
type ToolCaller interface {
	Call(ctx context.Context, d *openapi.ToolDescriptor, args map[string]any, rc types.RequestContext) (*openapi.ToolResult, error)
}

// DispatcherConfig 分发器配置
type DispatcherConfig struct {
	ServerName    string
	ServerVersion string
	Instructions  string
	// ValidateArguments 在调用上游前按 inputSchema 校验 tools/call 参数
	ValidateArguments bool
}

// Dispatcher 将 JSON-RPC 请求路由到对应处理方法。两个传输层共享同一实例。
// 工具表在构造后只读，Handle 可并发调用。
type Dispatcher struct {
	catalog *openapi.Catalog
	caller  ToolCaller
	config  DispatcherConfig
	tools   []Tool
	schemas map[string]*gojsonschema.Schema
	metrics *metrics.Collector
	logger  *zap.Logger
}

type handlerFunc func(ctx context.Context, req *Request, rc types.RequestContext) (any, error)

// NewDispatcher builds the dispatcher and precompiles one argument schema per tool.
func NewDispatcher(catalog *openapi.Catalog, caller ToolCaller, config DispatcherConfig, m *metrics.Collector, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ServerName == "" {
		config.ServerName = "mcpbridge"
	}
	if config.ServerVersion == "" {
		config.ServerVersion = telemetry.BuildVersion()
	}

	d := &Dispatcher{
		catalog: catalog,
		caller:  caller,
		config:  config,
		schemas: make(map[string]*gojsonschema.Schema),
		metrics: m,
		logger:  logger.With(zap.String("component", "mcp_dispatcher")),
	}

	descriptors := catalog.List()
	d.tools = make([]Tool, 0, len(descriptors))
	for _, desc := range descriptors {
		d.tools = append(d.tools, Tool{
			Name:        desc.Name,
			Description: desc.Description,
			InputSchema: desc.InputSchema,
		})
		if !config.ValidateArguments {
			continue
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(desc.InputSchema))
		if err != nil {
			// 仍然可以调用，只是跳过 schema 校验
			d.logger.Warn("input schema does not compile, argument validation disabled for tool",
				zap.String("tool", desc.Name),
				zap.Error(err),
			)
			continue
		}
		d.schemas[desc.Name] = schema
	}
	return d
}

// HandleRaw decodes one JSON-RPC message, dispatches it and encodes the
// response. ok is false when nothing must be sent back (notifications).
func (d *Dispatcher) HandleRaw(ctx context.Context, data []byte, rc types.RequestContext) ([]byte, bool) {
	req, errResp := ParseRequest(data)
	var resp *Response
	if errResp != nil {
		d.metrics.RecordRPC(ctxkeys.Transport(ctx), "invalid", errorOutcome(errResp), 0)
		resp = errResp
	} else {
		resp = d.Handle(ctx, req, rc)
	}
	if resp == nil {
		return nil, false
	}

	out, err := Encode(resp)
	if err != nil {
		d.logger.Error("failed to encode response", zap.Error(err))
		out, _ = Encode(NewErrorResponse(resp.ID, ErrorCodeInternalError, "failed to encode response",
			ErrorData{Code: types.ErrInternalError}))
	}
	return out, true
}

// Handle dispatches a parsed request. It returns nil for notifications.
func (d *Dispatcher) Handle(ctx context.Context, req *Request, rc types.RequestContext) (resp *Response) {
	start := time.Now()
	transport := ctxkeys.Transport(ctx)

	ctx, span := telemetry.StartRPCSpan(ctx, req.Method)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			d.requestLogger(ctx).Error("panic while handling request",
				zap.String("method", req.Method),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			span.SetStatus(codes.Error, "panic")
			resp = NewErrorResponse(req.ID, ErrorCodeInternalError, "internal error",
				ErrorData{Code: types.ErrInternalError})
			if req.IsNotification() {
				resp = nil
			}
		}
		d.metrics.RecordRPC(transport, metricMethod(req.Method), errorOutcome(resp), time.Since(start))
	}()

	handler := d.route(req.Method)
	if handler == nil {
		if req.IsNotification() {
			d.logger.Debug("ignoring notification", zap.String("method", req.Method))
			return nil
		}
		return NewErrorResponse(req.ID, ErrorCodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method),
			ErrorData{Code: types.ErrMethodNotFound})
	}

	result, err := handler(ctx, req, rc)
	if req.IsNotification() {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, types.GetErrorCode(err).Kind())
		return ErrorResponseFrom(req.ID, err)
	}
	return NewResult(req.ID, result)
}

func (d *Dispatcher) route(method string) handlerFunc {
	switch method {
	case MethodInitialize:
		return d.handleInitialize
	case MethodToolsList:
		return d.handleToolsList
	case MethodToolsCall:
		return d.handleToolsCall
	case MethodResourcesList:
		return func(context.Context, *Request, types.RequestContext) (any, error) {
			return map[string][]any{"resources": {}}, nil
		}
	case MethodPromptsList:
		return func(context.Context, *Request, types.RequestContext) (any, error) {
			return map[string][]any{"prompts": {}}, nil
		}
	default:
		return nil
	}
}

// Tools returns the tool list in its external shape.
func (d *Dispatcher) Tools() []Tool {
	out := make([]Tool, len(d.tools))
	copy(out, d.tools)
	return out
}

func (d *Dispatcher) handleInitialize(_ context.Context, req *Request, _ types.RequestContext) (any, error) {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, types.NewError(types.ErrInvalidParams, "initialize params must be an object").WithCause(err)
		}
	}
	return &InitializeResult{
		ProtocolVersion: negotiateVersion(params.ProtocolVersion),
		Capabilities:    ServerCapabilities{Tools: ToolsCapability{ListChanged: false}},
		ServerInfo: Implementation{
			Name:    d.config.ServerName,
			Version: d.config.ServerVersion,
		},
		Instructions: d.config.Instructions,
	}, nil
}

func (d *Dispatcher) handleToolsList(context.Context, *Request, types.RequestContext) (any, error) {
	return &ListToolsResult{Tools: d.tools}, nil
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req *Request, rc types.RequestContext) (any, error) {
	var params callToolParams
	if len(req.Params) == 0 || req.Params[0] != '{' {
		return nil, types.NewError(types.ErrInvalidParams, "tools/call params must be an object")
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, types.NewError(types.ErrInvalidParams, "tools/call params are malformed").WithCause(err)
	}
	if params.Name == "" {
		return nil, types.NewError(types.ErrInvalidParams, "params.name is required")
	}
	if len(params.Arguments) == 0 || bytes.Equal(params.Arguments, []byte("null")) {
		return nil, types.NewError(types.ErrInvalidParams, "params.arguments is required")
	}

	args, err := decodeArguments(params.Arguments)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidParams, "params.arguments must be an object").WithCause(err)
	}

	desc, ok := d.catalog.Lookup(params.Name)
	if !ok {
		return nil, types.Errorf(types.ErrToolNotFound, "tool not found: %s", params.Name).
			WithData(map[string]string{"tool": params.Name})
	}

	if missing := desc.MissingRequired(args); len(missing) > 0 {
		return nil, types.Errorf(types.ErrInvalidParams, "missing required arguments: %v", missing).
			WithData(map[string]any{"missing": missing})
	}
	if err := d.validate(desc.Name, args); err != nil {
		return nil, err
	}

	result, err := d.caller.Call(ctx, desc, args, rc)
	if err != nil {
		return d.toolError(ctx, desc, err)
	}

	out := &CallToolResult{Content: []Content{{Type: "text", Text: result.Text()}}}
	if obj, ok := result.Body.(map[string]any); ok && result.IsJSON {
		out.StructuredContent = obj
	}
	return out, nil
}

// requestLogger 附加传输、会话与请求 ID，便于按会话追踪一次调用
func (d *Dispatcher) requestLogger(ctx context.Context) *zap.Logger {
	fields := []zap.Field{zap.String("transport", ctxkeys.Transport(ctx))}
	if id, ok := ctxkeys.SessionID(ctx); ok {
		fields = append(fields, zap.String("session_id", id))
	}
	if id, ok := ctxkeys.RequestID(ctx); ok {
		fields = append(fields, zap.String("request_id", id))
	}
	return d.logger.With(fields...)
}

// toolError turns upstream failures into an isError result; anything else
// stays an RPC error.
func (d *Dispatcher) toolError(ctx context.Context, desc *openapi.ToolDescriptor, err error) (any, error) {
	log := d.requestLogger(ctx).With(zap.String("tool", desc.Name))
	e, ok := types.AsError(err)
	if !ok || !e.Code.IsUpstream() {
		if ok && (e.Code == types.ErrInvalidParams || e.Code == types.ErrToolNotFound) {
			return nil, err
		}
		log.Error("tool call failed unexpectedly", zap.Error(err))
		return nil, types.NewError(types.ErrInternalError, "tool call failed").WithCause(err)
	}

	failure := ToolFailure{Kind: e.Code.Kind(), Status: e.HTTPStatus}
	if up, ok := e.Data.(openapi.UpstreamFailure); ok {
		failure.Status = up.Status
		failure.Body = up.Body
	}
	log.Info("upstream call failed",
		zap.String("kind", failure.Kind),
		zap.Int("status", failure.Status),
	)

	text := e.Message
	if body := renderBody(failure.Body); body != "" {
		text += "\n\n" + body
	}
	return &CallToolResult{
		Content:           []Content{{Type: "text", Text: text}},
		StructuredContent: map[string]any{"error": failure},
		IsError:           true,
	}, nil
}

func (d *Dispatcher) validate(tool string, args map[string]any) error {
	schema, ok := d.schemas[tool]
	if !ok {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return types.NewError(types.ErrInvalidParams, "arguments could not be validated").WithCause(err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, len(result.Errors()))
	for i, re := range result.Errors() {
		problems[i] = re.String()
	}
	return types.Errorf(types.ErrInvalidParams, "invalid arguments for %s", tool).
		WithData(map[string]any{"errors": problems})
}

// decodeArguments keeps numbers as json.Number so large integers survive.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, err
	}
	if args == nil {
		return nil, fmt.Errorf("arguments must be an object")
	}
	return args, nil
}

func renderBody(body any) string {
	switch b := body.(type) {
	case nil:
		return ""
	case string:
		return b
	default:
		out, err := json.MarshalIndent(b, "", "  ")
		if err != nil {
			return fmt.Sprint(b)
		}
		return string(out)
	}
}

// metricMethod bounds label cardinality for arbitrary method names.
func metricMethod(method string) string {
	switch method {
	case MethodInitialize, MethodToolsList, MethodToolsCall, MethodResourcesList, MethodPromptsList:
		return method
	default:
		return "other"
	}
}

func errorOutcome(resp *Response) string {
	switch {
	case resp == nil:
		return "notification"
	case resp.Error != nil:
		if data, ok := resp.Error.Data.(ErrorData); ok {
			return data.Code.Kind()
		}
		return "error"
	default:
		if r, ok := resp.Result.(*CallToolResult); ok && r.IsError {
			return "tool_error"
		}
		return "success"
	}
}
