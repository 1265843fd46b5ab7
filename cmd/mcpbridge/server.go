package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/mcpbridge/api/handlers"
	"github.com/BaSui01/mcpbridge/config"
	"github.com/BaSui01/mcpbridge/internal/metrics"
	"github.com/BaSui01/mcpbridge/internal/server"
	"github.com/BaSui01/mcpbridge/internal/telemetry"
	"github.com/BaSui01/mcpbridge/internal/tlsutil"
	"github.com/BaSui01/mcpbridge/protocol/mcp"
	"github.com/BaSui01/mcpbridge/tools/openapi"
	"github.com/BaSui01/mcpbridge/types"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 mcpbridge 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 指标
	promRegistry     *prometheus.Registry
	metricsCollector *metrics.Collector

	// 工具与协议
	spec       *openapi.Spec
	catalog    *openapi.Catalog
	dispatcher *mcp.Dispatcher
	sessions   *mcp.Registry
	transports []mcp.Transport

	healthHandler *handlers.HealthHandler
	otelProviders *telemetry.Providers

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc

	handler http.Handler
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Build 加载文档并组装处理链，不监听端口
func (s *Server) Build(ctx context.Context) error {
	if s.handler != nil {
		return nil
	}

	// 1. 遥测（失败不阻塞启动）
	providers, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.otelProviders = providers

	// 2. 指标收集器
	s.promRegistry = prometheus.NewRegistry()
	s.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metricsCollector = metrics.NewCollector("mcpbridge", s.promRegistry, s.logger)

	// 3. 文档 → 工具目录
	spec, catalog, err := loadCatalog(ctx, s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("failed to load OpenAPI document: %w", err)
	}
	s.spec, s.catalog = spec, catalog

	baseURL, err := resolveBaseURL(s.cfg.Upstream.BaseURL, spec)
	if err != nil {
		return err
	}

	// 4. 协议层
	invoker := openapi.NewInvoker(openapi.InvokerConfig{
		BaseURL:          baseURL,
		Timeout:          s.cfg.Upstream.Timeout,
		MaxResponseBytes: s.cfg.Upstream.MaxResponseBytes,
		UserAgent:        "mcpbridge/" + Version,
	}, tlsutil.NewClient(tlsutil.ClientOptions{}), s.metricsCollector, s.logger)

	serverName := s.cfg.MCP.ServerName
	if serverName == "" {
		serverName = spec.Title
	}
	s.dispatcher = mcp.NewDispatcher(catalog, invoker, mcp.DispatcherConfig{
		ServerName:        serverName,
		ServerVersion:     Version,
		ValidateArguments: s.cfg.MCP.ValidateArguments,
	}, s.metricsCollector, s.logger)

	s.initTransports()

	// 5. HTTP 处理链
	s.handler = s.buildHandler()

	s.logger.Info("Tool catalog ready",
		zap.String("spec", spec.Source),
		zap.String("title", spec.Title),
		zap.Int("tools", catalog.Len()),
		zap.String("upstream", baseURL),
		zap.Strings("transports", s.cfg.MCP.Transports),
	)
	return nil
}

// Start 启动所有服务
func (s *Server) Start(ctx context.Context) error {
	if err := s.Build(ctx); err != nil {
		return err
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		_ = s.Shutdown(context.Background())
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("addr", s.httpManager.Addr()),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// Handler 返回组装好的 HTTP 处理链，须先调用 Build
func (s *Server) Handler() http.Handler {
	return s.handler
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initTransports() {
	mcfg := s.cfg.MCP
	capture := mcp.ContextCapture{
		HeaderNames: s.cfg.Upstream.ForwardHeaders,
		QueryNames:  s.cfg.Upstream.ForwardQueryParams,
	}

	if mcfg.HasTransport(config.TransportSSE) {
		s.sessions = mcp.NewRegistry(mcp.RegistryConfig{
			QueueSize:   mcfg.SessionQueueSize,
			IdleTimeout: mcfg.SessionIdleTimeout,
		}, s.metricsCollector, s.logger)
		s.transports = append(s.transports, mcp.NewSSETransport(mcp.SSEConfig{
			SSEPath:           mcfg.SSEPath,
			MessagePath:       mcfg.MessagePath,
			KeepaliveInterval: mcfg.KeepaliveInterval,
			Capture:           capture,
		}, s.dispatcher, s.sessions, s.logger))
	}

	if mcfg.HasTransport(config.TransportHTTP) {
		s.transports = append(s.transports, mcp.NewHTTPTransport(mcp.HTTPConfig{
			RPCPath:    mcfg.RPCPath,
			HealthPath: mcfg.HealthPath,
			ChunkAfter: mcfg.ChunkAfter,
			Capture:    capture,
			Version:    Version,
		}, s.dispatcher, s.logger))
	}
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()

	for _, t := range s.transports {
		t.Mount(mux)
		s.logger.Info("transport mounted", zap.String("transport", t.Name()))
	}

	// ========================================
	// 健康检查端点
	// ========================================
	s.healthHandler = handlers.NewHealthHandler(Version, s.logger)
	s.healthHandler.RegisterCheck(handlers.NewFuncCheck("tool_catalog", func(context.Context) error {
		if s.catalog == nil || s.catalog.Len() == 0 {
			return types.NewError(types.ErrSpecValidation, "no tools synthesized")
		}
		return nil
	}))
	if !s.cfg.MCP.HasTransport(config.TransportHTTP) {
		// 无状态传输未启用时仍提供存活探针
		mux.HandleFunc("GET "+s.cfg.MCP.HealthPath, s.healthHandler.HandleHealth)
	}
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion)

	// ========================================
	// 构建中间件链
	// ========================================
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		rateLimiterCtx, cancel := context.WithCancel(context.Background())
		s.rateLimiterCancel = cancel
		burst := s.cfg.Server.RateLimitBurst
		if burst <= 0 {
			burst = int(s.cfg.Server.RateLimitRPS) + 1
		}
		middlewares = append(middlewares, RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, burst, s.logger))
	}
	return Chain(mux, middlewares...)
}

// resolveBaseURL 选择上游基础 URL：显式配置优先，其次文档 servers[0]。
// 相对的 servers URL 以文档自身的 URL 为基准解析。
func resolveBaseURL(configured string, spec *openapi.Spec) (string, error) {
	if configured != "" {
		return strings.TrimRight(configured, "/"), nil
	}
	declared := spec.DefaultServerURL()
	if declared == "" {
		return "", types.NewError(types.ErrSpecValidation,
			"no upstream base URL: set upstream.base_url or declare servers in the document")
	}
	ref, err := url.Parse(declared)
	if err != nil {
		return "", types.Errorf(types.ErrSpecValidation, "invalid server url %q", declared).WithCause(err)
	}
	if ref.IsAbs() {
		return declared, nil
	}
	src, err := url.Parse(spec.Source)
	if err != nil || (src.Scheme != "http" && src.Scheme != "https") {
		return "", types.Errorf(types.ErrSpecValidation,
			"server url %q is relative; set upstream.base_url", declared)
	}
	return strings.TrimRight(src.ResolveReference(ref).String(), "/"), nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer() error {
	sc := s.cfg.Server
	s.httpManager = server.NewManager(s.handler, server.Config{
		Name:            "mcp",
		Addr:            sc.Addr(),
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		IdleTimeout:     sc.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		MaxConnections:  sc.MaxConnections,
		ShutdownTimeout: sc.ShutdownTimeout,
	}, s.logger)

	return s.httpManager.Start()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	sc := s.cfg.Server
	if sc.MetricsPort == 0 {
		s.logger.Info("Metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(s.logger.Named("promhttp")),
	}))

	s.metricsManager = server.NewManager(mux, server.Config{
		Name:            "metrics",
		Addr:            sc.MetricsAddr(),
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.ReadTimeout,
		ShutdownTimeout: sc.ShutdownTimeout,
	}, s.logger)

	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Run 阻塞直到 ctx 结束或任一服务器异常退出，随后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if s.httpManager != nil {
		g.Go(func() error { return s.httpManager.Wait(gctx) })
	}
	if s.metricsManager != nil {
		g.Go(func() error { return s.metricsManager.Wait(gctx) })
	}
	runErr := g.Wait()

	s.logger.Info("Starting graceful shutdown...")
	return errors.Join(runErr, s.Shutdown(context.WithoutCancel(ctx)))
}

// Shutdown 优雅关闭所有服务。先关闭传输层结束 SSE 长连接，
// 否则 http.Server.Shutdown 会一直等到超时。
func (s *Server) Shutdown(ctx context.Context) error {
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	var errs []error

	// 1. 传输层
	tg, tctx := errgroup.WithContext(ctx)
	for _, t := range s.transports {
		tg.Go(func() error {
			if err := t.Close(tctx); err != nil {
				return fmt.Errorf("close %s transport: %w", t.Name(), err)
			}
			return nil
		})
	}
	if err := tg.Wait(); err != nil {
		errs = append(errs, err)
	}

	// 2. HTTP 与 Metrics 服务器
	var sg errgroup.Group
	for _, m := range []*server.Manager{s.httpManager, s.metricsManager} {
		if m == nil {
			continue
		}
		sg.Go(func() error { return m.Shutdown(ctx) })
	}
	if err := sg.Wait(); err != nil {
		errs = append(errs, err)
	}

	// 3. 遥测
	if err := s.otelProviders.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("Shutdown finished with errors", zap.Error(err))
		return err
	}
	s.logger.Info("Graceful shutdown completed")
	return nil
}
