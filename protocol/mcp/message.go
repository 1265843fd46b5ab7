package mcp

import (
	"bytes"
	"encoding/json"
	"slices"

	"github.com/BaSui01/mcpbridge/internal/pool"
	"github.com/BaSui01/mcpbridge/types"
)

// JSONRPCVersion 协议信封版本
const JSONRPCVersion = "2.0"

// JSON-RPC 2.0 错误码
const (
	ErrorCodeParseError     = -32700
	ErrorCodeInvalidRequest = -32600
	ErrorCodeMethodNotFound = -32601
	ErrorCodeInvalidParams  = -32602
	ErrorCodeInternalError  = -32603
)

// MCP 方法名
const (
	MethodInitialize    = "initialize"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
	MethodPromptsList   = "prompts/list"
)

// LatestProtocolVersion 是协商失败时返回的版本
const LatestProtocolVersion = "2025-06-18"

// SupportedProtocolVersions 按发布时间排序
var SupportedProtocolVersions = []string{"2024-11-05", "2025-03-26", LatestProtocolVersion}

// negotiateVersion echoes a supported requested version, otherwise the latest.
func negotiateVersion(requested string) string {
	if slices.Contains(SupportedProtocolVersions, requested) {
		return requested
	}
	return LatestProtocolVersion
}

// =============================================================================
// 📨 信封
// =============================================================================

// Request 入站 JSON-RPC 请求。ID 保留原始字节，以便响应逐字节回显。
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response 出站 JSON-RPC 响应。ID 为 nil 时编码为 null。
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError JSON-RPC 错误对象
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ErrorData is attached to every RPC error produced from a *types.Error so
// that callers can tell ToolNotFound apart from other -32602 errors.
type ErrorData struct {
	Code    types.ErrorCode `json:"code"`
	Details any             `json:"details,omitempty"`
}

// NewResult 创建成功响应
func NewResult(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Result: result}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(id json.RawMessage, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}

// rpcCode maps protocol error codes to JSON-RPC numeric codes.
func rpcCode(code types.ErrorCode) int {
	switch code {
	case types.ErrParse:
		return ErrorCodeParseError
	case types.ErrInvalidRequest:
		return ErrorCodeInvalidRequest
	case types.ErrMethodNotFound:
		return ErrorCodeMethodNotFound
	case types.ErrInvalidParams, types.ErrToolNotFound:
		return ErrorCodeInvalidParams
	default:
		return ErrorCodeInternalError
	}
}

// ErrorResponseFrom converts err into an RPC error response.
func ErrorResponseFrom(id json.RawMessage, err error) *Response {
	e, ok := types.AsError(err)
	if !ok {
		return NewErrorResponse(id, ErrorCodeInternalError, "internal error",
			ErrorData{Code: types.ErrInternalError})
	}
	return NewErrorResponse(id, rpcCode(e.Code), e.Message, ErrorData{Code: e.Code, Details: e.Data})
}

// =============================================================================
// 🔧 编解码
// =============================================================================

// Encode marshals v without HTML escaping and without a trailing newline,
// so string ids containing <, > or & come back exactly as sent.
func Encode(v any) ([]byte, error) {
	return pool.EncodeJSON(v)
}

// ParseRequest decodes one JSON-RPC request object. On failure it returns the
// error response to send back (id null unless the id itself was readable).
func ParseRequest(data []byte) (*Request, *Response) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || !json.Valid(data) {
		return nil, NewErrorResponse(nil, ErrorCodeParseError, "parse error",
			ErrorData{Code: types.ErrParse})
	}
	if data[0] != '{' {
		return nil, invalidRequest(nil, "request must be a single JSON object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, invalidRequest(nil, "request must be a single JSON object")
	}

	req := &Request{}
	if raw, ok := fields["id"]; ok {
		if !validID(raw) {
			return nil, invalidRequest(nil, "id must be a string, number or null")
		}
		req.ID = raw
	}
	if raw, ok := fields["jsonrpc"]; !ok || json.Unmarshal(raw, &req.JSONRPC) != nil || req.JSONRPC != JSONRPCVersion {
		return nil, invalidRequest(req.ID, `jsonrpc must be "2.0"`)
	}
	if raw, ok := fields["method"]; !ok || json.Unmarshal(raw, &req.Method) != nil || req.Method == "" {
		return nil, invalidRequest(req.ID, "method must be a non-empty string")
	}
	if raw, ok := fields["params"]; ok && !bytes.Equal(raw, []byte("null")) {
		req.Params = raw
	}
	return req, nil
}

func invalidRequest(id json.RawMessage, msg string) *Response {
	return NewErrorResponse(id, ErrorCodeInvalidRequest, msg, ErrorData{Code: types.ErrInvalidRequest})
}

func validID(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	switch c := raw[0]; {
	case c == '"', c == '-', c >= '0' && c <= '9':
		return true
	default:
		return bytes.Equal(raw, []byte("null"))
	}
}

// =============================================================================
// 📋 结果类型
// =============================================================================

// Implementation 描述服务端身份
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolsCapability tools 能力声明
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ServerCapabilities 服务端能力。resources 与 prompts 仅为空集合占位。
type ServerCapabilities struct {
	Tools     ToolsCapability `json:"tools"`
	Resources struct{}        `json:"resources"`
	Prompts   struct{}        `json:"prompts"`
}

// InitializeResult initialize 结果
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// Tool 是 tools/list 中的外部工具形状
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ListToolsResult tools/list 结果
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// Content 文本内容块
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolResult tools/call 结果。上游失败同样以结果返回，IsError 为 true。
type CallToolResult struct {
	Content           []Content `json:"content"`
	StructuredContent any       `json:"structuredContent,omitempty"`
	IsError           bool      `json:"isError"`
}

// ToolFailure is the structuredContent.error payload of a failed call.
type ToolFailure struct {
	Kind   string `json:"kind"`
	Status int    `json:"status,omitempty"`
	Body   any    `json:"body,omitempty"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      Implementation `json:"clientInfo"`
}
