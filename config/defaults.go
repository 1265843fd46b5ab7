// =============================================================================
// 📦 mcpbridge 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		OpenAPI:   DefaultOpenAPIConfig(),
		Upstream:  DefaultUpstreamConfig(),
		MCP:       DefaultMCPConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0, // SSE 连接不能有整体写超时
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxConnections:  0,
		RateLimitRPS:    0,
		RateLimitBurst:  0,
	}
}

// DefaultOpenAPIConfig 返回默认 OpenAPI 配置
func DefaultOpenAPIConfig() OpenAPIConfig {
	return OpenAPIConfig{
		SpecPath: "openapi.yaml",
	}
}

// DefaultUpstreamConfig 返回默认上游配置
func DefaultUpstreamConfig() UpstreamConfig {
	return UpstreamConfig{
		Timeout:            30 * time.Second,
		ForwardHeaders:     []string{"Authorization", "X-API-Key"},
		ForwardQueryParams: []string{"apikey"},
		MaxResponseBytes:   10 << 20,
	}
}

// DefaultMCPConfig 返回默认 MCP 配置
func DefaultMCPConfig() MCPConfig {
	return MCPConfig{
		Transports:         []string{TransportSSE, TransportHTTP},
		SSEPath:            "/sse",
		MessagePath:        "/messages/",
		RPCPath:            "/mcp",
		HealthPath:         "/mcp/health",
		SessionIdleTimeout: 30 * time.Minute,
		SessionQueueSize:   256,
		KeepaliveInterval:  15 * time.Second,
		ChunkAfter:         2 * time.Second,
		ValidateArguments:  true,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "mcpbridge",
		SampleRate:   1.0,
	}
}
