package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/BaSui01/mcpbridge/internal/ctxkeys"
	"github.com/BaSui01/mcpbridge/internal/metrics"
	"github.com/BaSui01/mcpbridge/tools/openapi"
	"github.com/BaSui01/mcpbridge/types"
)

func (e *testEnv) raw(t *testing.T, msg string) string {
	t.Helper()
	ctx := ctxkeys.WithTransport(context.Background(), TransportNameHTTP)
	out, ok := e.dispatcher.HandleRaw(ctx, []byte(msg), types.RequestContext{})
	require.True(t, ok, "expected a response for %s", msg)
	return string(out)
}

func (e *testEnv) decoded(t *testing.T, msg string) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(e.raw(t, msg)), &resp))
	return resp
}

func rpcErrorOf(t *testing.T, resp map[string]any) (float64, string) {
	t.Helper()
	require.Contains(t, resp, "error", "response: %v", resp)
	errObj := resp["error"].(map[string]any)
	code := ""
	if data, ok := errObj["data"].(map[string]any); ok {
		code, _ = data["code"].(string)
	}
	return errObj["code"].(float64), code
}

// =============================================================================
// 🧪 initialize
// =============================================================================

func TestDispatcher_Initialize(t *testing.T) {
	env := newTestEnv(t, DispatcherConfig{})

	out := env.raw(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`)
	assert.JSONEq(t, `{
		"jsonrpc":"2.0","id":1,
		"result":{
			"protocolVersion":"2024-11-05",
			"capabilities":{"tools":{"listChanged":false},"resources":{},"prompts":{}},
			"serverInfo":{"name":"Online Boutique Products","version":"test"}
		}
	}`, out)

	// no side effects: repeated calls answer identically
	again := env.raw(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`)
	assert.Equal(t, out, again)
	assert.Empty(t, env.caller.Calls())
}

func TestDispatcher_InitializeVersionNegotiation(t *testing.T) {
	env := newTestEnv(t, DispatcherConfig{})

	tests := []struct {
		params string
		want   string
	}{
		{`{"protocolVersion":"2025-03-26"}`, "2025-03-26"},
		{`{"protocolVersion":"2025-06-18"}`, "2025-06-18"},
		{`{"protocolVersion":"1999-01-01"}`, LatestProtocolVersion},
		{`{}`, LatestProtocolVersion},
	}
	for _, tt := range tests {
		t.Run(tt.params, func(t *testing.T) {
			resp := env.decoded(t, `{"jsonrpc":"2.0","id":"x","method":"initialize","params":`+tt.params+`}`)
			result := resp["result"].(map[string]any)
			assert.Equal(t, tt.want, result["protocolVersion"])
		})
	}

	resp := env.decoded(t, `{"jsonrpc":"2.0","id":"x","method":"initialize"}`)
	assert.Equal(t, LatestProtocolVersion, resp["result"].(map[string]any)["protocolVersion"])

	resp = env.decoded(t, `{"jsonrpc":"2.0","id":"x","method":"initialize","params":[1]}`)
	code, _ := rpcErrorOf(t, resp)
	assert.Equal(t, float64(ErrorCodeInvalidParams), code)
}

// =============================================================================
// 🧪 tools/list 与 tools/call
// =============================================================================

func TestDispatcher_ToolsList(t *testing.T) {
	env := newTestEnv(t, DispatcherConfig{})

	var resp struct {
		Result ListToolsResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(env.raw(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)), &resp))

	tools := resp.Result.Tools
	require.Len(t, tools, 2)
	assert.Equal(t, "GetProducts", tools[0].Name)
	assert.Equal(t, "GetProductDetails", tools[1].Name)
	assert.Equal(t, "object", tools[1].InputSchema["type"])
	assert.Equal(t, []any{"productId"}, tools[1].InputSchema["required"])
	assert.NotContains(t, tools[0].InputSchema, "required")

	assert.Len(t, env.dispatcher.Tools(), 2)
}

func TestDispatcher_ToolsCallSuccess(t *testing.T) {
	env := newTestEnv(t, DispatcherConfig{ValidateArguments: true})
	env.caller.fn = func(_ context.Context, d *openapi.ToolDescriptor, args map[string]any) (*openapi.ToolResult, error) {
		return &openapi.ToolResult{
			Status:      200,
			ContentType: "application/json",
			Body:        map[string]any{"id": args["productId"], "name": "Sunglasses"},
			IsJSON:      true,
		}, nil
	}

	resp := env.decoded(t, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"GetProductDetails","arguments":{"productId":"OLJCESPC7Z"}}}`)
	require.NotContains(t, resp, "error")

	calls := env.caller.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "GetProductDetails", calls[0].Tool)
	assert.Equal(t, map[string]any{"productId": "OLJCESPC7Z"}, calls[0].Args)

	result := resp["result"].(map[string]any)
	assert.Equal(t, false, result["isError"])
	assert.Equal(t, map[string]any{"id": "OLJCESPC7Z", "name": "Sunglasses"}, result["structuredContent"])
	content := result["content"].([]any)
	require.Len(t, content, 1)
	block := content[0].(map[string]any)
	assert.Equal(t, "text", block["type"])
	assert.JSONEq(t, `{"id":"OLJCESPC7Z","name":"Sunglasses"}`, block["text"].(string))

	assert.Equal(t, float64(1), metricValue(t, env.registry, "mcpbridge_rpc_requests_total",
		map[string]string{"transport": "http", "method": "tools/call", "outcome": "success"}))
}

func TestDispatcher_ToolsCallTextBody(t *testing.T) {
	env := newTestEnv(t, DispatcherConfig{})
	env.caller.fn = func(context.Context, *openapi.ToolDescriptor, map[string]any) (*openapi.ToolResult, error) {
		return &openapi.ToolResult{Status: 200, ContentType: "text/plain", Body: "pong"}, nil
	}

	resp := env.decoded(t, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"GetProducts","arguments":{}}}`)
	result := resp["result"].(map[string]any)
	assert.NotContains(t, result, "structuredContent")
	assert.Equal(t, "pong", result["content"].([]any)[0].(map[string]any)["text"])
}

func TestDispatcher_ToolsCallProtocolErrors(t *testing.T) {
	tests := []struct {
		name     string
		params   string
		wantRPC  int
		wantCode types.ErrorCode
	}{
		{"unknown tool", `{"name":"DeleteEverything","arguments":{}}`, ErrorCodeInvalidParams, types.ErrToolNotFound},
		{"missing required argument", `{"name":"GetProductDetails","arguments":{}}`, ErrorCodeInvalidParams, types.ErrInvalidParams},
		{"null required argument", `{"name":"GetProductDetails","arguments":{"productId":null}}`, ErrorCodeInvalidParams, types.ErrInvalidParams},
		{"missing arguments", `{"name":"GetProducts"}`, ErrorCodeInvalidParams, types.ErrInvalidParams},
		{"null arguments", `{"name":"GetProducts","arguments":null}`, ErrorCodeInvalidParams, types.ErrInvalidParams},
		{"arguments not an object", `{"name":"GetProducts","arguments":[1]}`, ErrorCodeInvalidParams, types.ErrInvalidParams},
		{"missing name", `{"arguments":{}}`, ErrorCodeInvalidParams, types.ErrInvalidParams},
		{"params not an object", `"GetProducts"`, ErrorCodeInvalidParams, types.ErrInvalidParams},
		{"schema violation", `{"name":"GetProductDetails","arguments":{"productId":42}}`, ErrorCodeInvalidParams, types.ErrInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, DispatcherConfig{ValidateArguments: true})
			resp := env.decoded(t, `{"jsonrpc":"2.0","id":9,"method":"tools/call","params":`+tt.params+`}`)
			code, dataCode := rpcErrorOf(t, resp)
			assert.Equal(t, float64(tt.wantRPC), code)
			assert.Equal(t, string(tt.wantCode), dataCode)
			assert.Equal(t, float64(9), resp["id"])
			assert.Empty(t, env.caller.Calls(), "no upstream call on protocol errors")
		})
	}
}

func TestDispatcher_SchemaValidationCanBeDisabled(t *testing.T) {
	env := newTestEnv(t, DispatcherConfig{ValidateArguments: false})

	resp := env.decoded(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"GetProductDetails","arguments":{"productId":42}}}`)
	require.NotContains(t, resp, "error")
	require.Len(t, env.caller.Calls(), 1)
	assert.Equal(t, json.Number("42"), env.caller.Calls()[0].Args["productId"])
}

func TestDispatcher_UpstreamFailuresAreToolResults(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   string
		wantStatus float64
	}{
		{
			name: "http 404",
			err: types.NewError(types.ErrUpstreamHTTP, "upstream returned HTTP 404").
				WithHTTPStatus(http.StatusNotFound).
				WithData(openapi.UpstreamFailure{Kind: "UpstreamHTTPError", Status: 404, Body: map[string]any{"error": "no such product"}}),
			wantKind:   "UpstreamHTTPError",
			wantStatus: 404,
		},
		{
			name:     "timeout",
			err:      types.NewError(types.ErrUpstreamTimeout, "upstream did not respond within 1s").WithData(openapi.UpstreamFailure{Kind: "UpstreamTimeout"}),
			wantKind: "UpstreamTimeout",
		},
		{
			name:     "unreachable",
			err:      types.NewError(types.ErrUpstreamUnreachable, "upstream unreachable").WithData(openapi.UpstreamFailure{Kind: "UpstreamUnreachable"}),
			wantKind: "UpstreamUnreachable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, DispatcherConfig{})
			env.caller.fn = func(context.Context, *openapi.ToolDescriptor, map[string]any) (*openapi.ToolResult, error) {
				return nil, tt.err
			}

			resp := env.decoded(t, `{"jsonrpc":"2.0","id":"call-1","method":"tools/call","params":{"name":"GetProductDetails","arguments":{"productId":"nope"}}}`)
			require.NotContains(t, resp, "error", "upstream failures never surface as RPC errors")
			assert.Equal(t, "call-1", resp["id"])

			result := resp["result"].(map[string]any)
			assert.Equal(t, true, result["isError"])
			failure := result["structuredContent"].(map[string]any)["error"].(map[string]any)
			assert.Equal(t, tt.wantKind, failure["kind"])
			if tt.wantStatus != 0 {
				assert.Equal(t, tt.wantStatus, failure["status"])
			} else {
				assert.NotContains(t, failure, "status")
			}
			text := result["content"].([]any)[0].(map[string]any)["text"].(string)
			assert.NotEmpty(t, text)

			assert.Equal(t, float64(1), metricValue(t, env.registry, "mcpbridge_rpc_requests_total",
				map[string]string{"method": "tools/call", "outcome": "tool_error"}))
		})
	}
}

func TestDispatcher_UpstreamBodyInFailureText(t *testing.T) {
	env := newTestEnv(t, DispatcherConfig{})
	env.caller.fn = func(context.Context, *openapi.ToolDescriptor, map[string]any) (*openapi.ToolResult, error) {
		return nil, types.NewError(types.ErrUpstreamHTTP, "upstream returned HTTP 500").
			WithData(openapi.UpstreamFailure{Kind: "UpstreamHTTPError", Status: 500, Body: "database on fire"})
	}

	resp := env.decoded(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"GetProducts","arguments":{}}}`)
	text := resp["result"].(map[string]any)["content"].([]any)[0].(map[string]any)["text"].(string)
	assert.Equal(t, "upstream returned HTTP 500\n\ndatabase on fire", text)
}

func TestDispatcher_InvokerParamErrorIsRPCError(t *testing.T) {
	env := newTestEnv(t, DispatcherConfig{})
	env.caller.fn = func(context.Context, *openapi.ToolDescriptor, map[string]any) (*openapi.ToolResult, error) {
		return nil, types.NewError(types.ErrInvalidParams, "unresolved path parameters: [productId]")
	}

	resp := env.decoded(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"GetProductDetails","arguments":{"productId":""}}}`)
	code, dataCode := rpcErrorOf(t, resp)
	assert.Equal(t, float64(ErrorCodeInvalidParams), code)
	assert.Equal(t, string(types.ErrInvalidParams), dataCode)
}

func TestDispatcher_UnexpectedCallerErrorIsInternal(t *testing.T) {
	env := newTestEnv(t, DispatcherConfig{})
	env.caller.fn = func(context.Context, *openapi.ToolDescriptor, map[string]any) (*openapi.ToolResult, error) {
		return nil, errors.New("something odd")
	}

	resp := env.decoded(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"GetProducts","arguments":{}}}`)
	code, _ := rpcErrorOf(t, resp)
	assert.Equal(t, float64(ErrorCodeInternalError), code)
}

func TestDispatcher_LogsCarrySessionAndRequestID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector("mcpbridge", reg, zap.NewNop())
	caller := &fakeCaller{fn: func(context.Context, *openapi.ToolDescriptor, map[string]any) (*openapi.ToolResult, error) {
		return nil, types.NewError(types.ErrUpstreamHTTP, "upstream returned HTTP 502").
			WithHTTPStatus(http.StatusBadGateway).
			WithData(openapi.UpstreamFailure{Kind: "UpstreamHTTPError", Status: 502})
	}}
	d := NewDispatcher(productsCatalog(t), caller, DispatcherConfig{ServerVersion: "test"}, m, zap.New(core))

	ctx := ctxkeys.WithTransport(context.Background(), TransportNameSSE)
	ctx = ctxkeys.WithSessionID(ctx, "sess-42")
	ctx = ctxkeys.WithRequestID(ctx, "req-7")
	_, ok := d.HandleRaw(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"GetProducts","arguments":{}}}`), types.RequestContext{})
	require.True(t, ok)

	entries := logs.FilterMessage("upstream call failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "sess-42", fields["session_id"])
	assert.Equal(t, "req-7", fields["request_id"])
	assert.Equal(t, TransportNameSSE, fields["transport"])
	assert.Equal(t, "GetProducts", fields["tool"])
	assert.Equal(t, int64(502), fields["status"])
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	env := newTestEnv(t, DispatcherConfig{})
	env.caller.fn = func(context.Context, *openapi.ToolDescriptor, map[string]any) (*openapi.ToolResult, error) {
		panic("kaboom")
	}

	resp := env.decoded(t, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"GetProducts","arguments":{}}}`)
	code, dataCode := rpcErrorOf(t, resp)
	assert.Equal(t, float64(ErrorCodeInternalError), code)
	assert.Equal(t, string(types.ErrInternalError), dataCode)
	assert.Equal(t, float64(5), resp["id"])

	// the dispatcher keeps serving
	resp = env.decoded(t, `{"jsonrpc":"2.0","id":6,"method":"tools/list"}`)
	assert.Contains(t, resp, "result")
}

// =============================================================================
// 🧪 其他方法与信封
// =============================================================================

func TestDispatcher_EmptyCollections(t *testing.T) {
	env := newTestEnv(t, DispatcherConfig{})

	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"result":{"resources":[]}}`,
		env.raw(t, `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`))
	assert.Equal(t, `{"jsonrpc":"2.0","id":2,"result":{"prompts":[]}}`,
		env.raw(t, `{"jsonrpc":"2.0","id":2,"method":"prompts/list","params":{"cursor":"abc"}}`))
}

func TestDispatcher_MethodNotFound(t *testing.T) {
	env := newTestEnv(t, DispatcherConfig{})

	resp := env.decoded(t, `{"jsonrpc":"2.0","id":1,"method":"resources/read"}`)
	code, dataCode := rpcErrorOf(t, resp)
	assert.Equal(t, float64(ErrorCodeMethodNotFound), code)
	assert.Equal(t, string(types.ErrMethodNotFound), dataCode)

	assert.Equal(t, float64(1), metricValue(t, env.registry, "mcpbridge_rpc_requests_total",
		map[string]string{"method": "other", "outcome": "MethodNotFound"}))
}

func TestDispatcher_ParseError(t *testing.T) {
	env := newTestEnv(t, DispatcherConfig{})

	for _, msg := range []string{`{"jsonrpc":"2.0","id":1,`, ``, `   `, `not json`} {
		assert.Equal(t,
			`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse error","data":{"code":"PARSE_ERROR"}}}`,
			env.raw(t, msg), "input %q", msg)
	}
}

func TestDispatcher_InvalidRequest(t *testing.T) {
	env := newTestEnv(t, DispatcherConfig{})

	tests := []struct {
		name   string
		msg    string
		wantID any
	}{
		{"missing jsonrpc", `{"id":1,"method":"tools/list"}`, float64(1)},
		{"wrong jsonrpc", `{"jsonrpc":"1.0","id":1,"method":"tools/list"}`, float64(1)},
		{"missing method", `{"jsonrpc":"2.0","id":"a"}`, "a"},
		{"empty method", `{"jsonrpc":"2.0","id":"a","method":""}`, "a"},
		{"method not a string", `{"jsonrpc":"2.0","id":"a","method":7}`, "a"},
		{"batch", `[{"jsonrpc":"2.0","id":1,"method":"tools/list"}]`, nil},
		{"scalar", `42`, nil},
		{"object id", `{"jsonrpc":"2.0","id":{"x":1},"method":"tools/list"}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.decoded(t, tt.msg)
			code, dataCode := rpcErrorOf(t, resp)
			assert.Equal(t, float64(ErrorCodeInvalidRequest), code)
			assert.Equal(t, string(types.ErrInvalidRequest), dataCode)
			assert.Equal(t, tt.wantID, resp["id"])
		})
	}
	assert.Empty(t, env.caller.Calls())
}

func TestDispatcher_EchoesIDByteForByte(t *testing.T) {
	env := newTestEnv(t, DispatcherConfig{})

	for _, id := range []string{`7`, `-3`, `1.50`, `1e3`, `"abc"`, `"a<b>&c"`, `"<"`, `"ü"`, `null`} {
		out := env.raw(t, `{"jsonrpc":"2.0","id":`+id+`,"method":"tools/list"}`)
		assert.Contains(t, out, `"id":`+id+`,`, "id %s", id)
	}
}

func TestDispatcher_Notifications(t *testing.T) {
	env := newTestEnv(t, DispatcherConfig{})
	ctx := context.Background()

	for _, msg := range []string{
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":1}}`,
		`{"jsonrpc":"2.0","method":"tools/list"}`,
	} {
		out, ok := env.dispatcher.HandleRaw(ctx, []byte(msg), types.RequestContext{})
		assert.False(t, ok, msg)
		assert.Nil(t, out)
	}

	// a notification-style tools/call still runs, its result is simply not sent
	_, ok := env.dispatcher.HandleRaw(ctx,
		[]byte(`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"GetProducts","arguments":{}}}`), types.RequestContext{})
	assert.False(t, ok)
	assert.Len(t, env.caller.Calls(), 1)
}

func TestDispatcher_PassesRequestContext(t *testing.T) {
	env := newTestEnv(t, DispatcherConfig{})
	rc := types.NewRequestContext(http.Header{"Authorization": {"Bearer t"}}, nil)

	_, ok := env.dispatcher.HandleRaw(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"GetProducts","arguments":{}}}`), rc)
	require.True(t, ok)

	calls := env.caller.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Bearer t", calls[0].RC.Header("Authorization"))
}

func TestNegotiateVersion(t *testing.T) {
	for _, v := range SupportedProtocolVersions {
		assert.Equal(t, v, negotiateVersion(v))
	}
	assert.Equal(t, LatestProtocolVersion, negotiateVersion(""))
	assert.Equal(t, LatestProtocolVersion, negotiateVersion("2030-01-01"))
}
