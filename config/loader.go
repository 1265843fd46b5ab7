// =============================================================================
// 📦 mcpbridge 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("mcpbridge.yaml").
//	    WithEnvPrefix("MCPBRIDGE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 mcpbridge 的完整配置结构
type Config struct {
	// Server HTTP 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// OpenAPI 文档与工具生成配置
	OpenAPI OpenAPIConfig `yaml:"openapi" env:"OPENAPI"`

	// Upstream 上游 REST 服务配置
	Upstream UpstreamConfig `yaml:"upstream" env:"UPSTREAM"`

	// MCP 协议与传输配置
	MCP MCPConfig `yaml:"mcp" env:"MCP"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// 监听地址
	Host string `yaml:"host" env:"HOST"`
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口，0 表示不启动独立 metrics 服务
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时；SSE 长连接要求为 0
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 空闲连接超时
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 最大并发连接数，0 表示不限制
	MaxConnections int `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	// 每 IP 限流速率，0 表示关闭
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// CORS 允许的来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// OpenAPIConfig OpenAPI 文档配置
type OpenAPIConfig struct {
	// 文档路径或 http(s) URL
	SpecPath string `yaml:"spec_path" env:"SPEC_PATH"`
	// 是否执行完整的 OpenAPI 校验
	StrictValidation bool `yaml:"strict_validation" env:"STRICT_VALIDATION"`
	// 是否允许引用外部文档
	AllowExternalRefs bool `yaml:"allow_external_refs" env:"ALLOW_EXTERNAL_REFS"`
	// 仅生成带这些 tag 的工具
	IncludeTags []string `yaml:"include_tags" env:"INCLUDE_TAGS"`
	// 排除带这些 tag 的工具
	ExcludeTags []string `yaml:"exclude_tags" env:"EXCLUDE_TAGS"`
	// 工具名前缀
	ToolPrefix string `yaml:"tool_prefix" env:"TOOL_PREFIX"`
}

// UpstreamConfig 上游服务配置
type UpstreamConfig struct {
	// 基础 URL，为空时使用文档 servers[0].url
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 单次上游调用超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 转发给上游的调用方请求头白名单
	ForwardHeaders []string `yaml:"forward_headers" env:"FORWARD_HEADERS"`
	// 转发给上游的调用方查询参数白名单
	ForwardQueryParams []string `yaml:"forward_query_params" env:"FORWARD_QUERY_PARAMS"`
	// 上游响应体读取上限（字节）
	MaxResponseBytes int64 `yaml:"max_response_bytes" env:"MAX_RESPONSE_BYTES"`
}

// MCPConfig MCP 协议配置
type MCPConfig struct {
	// serverInfo.name，为空时使用文档 info.title
	ServerName string `yaml:"server_name" env:"SERVER_NAME"`
	// 启用的传输：sse, http
	Transports []string `yaml:"transports" env:"TRANSPORTS"`
	// 流式连接端点
	SSEPath string `yaml:"sse_path" env:"SSE_PATH"`
	// 流式 side-channel 消息端点
	MessagePath string `yaml:"message_path" env:"MESSAGE_PATH"`
	// 无状态 JSON-RPC 端点
	RPCPath string `yaml:"rpc_path" env:"RPC_PATH"`
	// 存活探针端点
	HealthPath string `yaml:"health_path" env:"HEALTH_PATH"`
	// 会话空闲超时
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout" env:"SESSION_IDLE_TIMEOUT"`
	// 每个会话的出站事件队列容量
	SessionQueueSize int `yaml:"session_queue_size" env:"SESSION_QUEUE_SIZE"`
	// SSE 心跳间隔
	KeepaliveInterval time.Duration `yaml:"keepalive_interval" env:"KEEPALIVE_INTERVAL"`
	// 无状态传输中长耗时 tools/call 切换为分块响应的阈值，0 表示关闭
	ChunkAfter time.Duration `yaml:"chunk_after" env:"CHUNK_AFTER"`
	// 是否按 inputSchema 校验 tools/call 参数
	ValidateArguments bool `yaml:"validate_arguments" env:"VALIDATE_ARGUMENTS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "MCPBRIDGE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// time.Duration 使用 ParseDuration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片，空项被忽略
		if field.Type().Elem().Kind() == reflect.String {
			var parts []string
			for _, p := range strings.Split(value, ",") {
				if p = strings.TrimSpace(p); p != "" {
					parts = append(parts, p)
				}
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置，汇总所有错误
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		errs = append(errs, "metrics port must differ from HTTP port")
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, "max_connections must not be negative")
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, "rate_limit_rps must not be negative")
	}

	if strings.TrimSpace(c.OpenAPI.SpecPath) == "" {
		errs = append(errs, "openapi.spec_path is required")
	}

	if c.Upstream.BaseURL != "" {
		if u, err := url.Parse(c.Upstream.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, "upstream.base_url must be an absolute URL")
		}
	}
	if c.Upstream.Timeout <= 0 {
		errs = append(errs, "upstream.timeout must be positive")
	}
	if c.Upstream.MaxResponseBytes <= 0 {
		errs = append(errs, "upstream.max_response_bytes must be positive")
	}

	if len(c.MCP.Transports) == 0 {
		errs = append(errs, "at least one transport must be enabled")
	}
	for _, tr := range c.MCP.Transports {
		if tr != TransportSSE && tr != TransportHTTP {
			errs = append(errs, fmt.Sprintf("unknown transport %q", tr))
		}
	}
	for name, p := range map[string]string{
		"sse_path": c.MCP.SSEPath, "message_path": c.MCP.MessagePath,
		"rpc_path": c.MCP.RPCPath, "health_path": c.MCP.HealthPath,
	} {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Sprintf("mcp.%s must begin with /", name))
		}
	}
	if c.MCP.SessionQueueSize <= 0 {
		errs = append(errs, "mcp.session_queue_size must be positive")
	}
	if c.MCP.ChunkAfter < 0 {
		errs = append(errs, "mcp.chunk_after must not be negative")
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		// map 迭代顺序不固定，排序后输出保证错误信息稳定
		sort.Strings(errs)
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Transport names accepted in mcp.transports.
const (
	TransportSSE  = "sse"
	TransportHTTP = "http"
)

// HasTransport reports whether the named transport is enabled.
func (c *MCPConfig) HasTransport(name string) bool {
	for _, t := range c.Transports {
		if t == name {
			return true
		}
	}
	return false
}

// Addr 返回 HTTP 监听地址 host:port
func (s *ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.HTTPPort))
}

// MetricsAddr 返回 metrics 监听地址 host:port
func (s *ServerConfig) MetricsAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.MetricsPort))
}
