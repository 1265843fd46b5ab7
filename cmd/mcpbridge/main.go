// =============================================================================
// mcpbridge 主入口
// =============================================================================
// 将 OpenAPI 文档中的每个操作暴露为 MCP 工具
//
// 使用方法:
//
//	mcpbridge serve --spec openapi.yaml           # 启动服务
//	mcpbridge serve --config mcpbridge.yaml       # 指定配置文件
//	mcpbridge tools --spec openapi.yaml           # 打印生成的工具集合（不启动服务）
//	mcpbridge version                             # 显示版本信息
//	mcpbridge health --addr http://localhost:8080 # 健康检查
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/mcpbridge/config"
	"github.com/BaSui01/mcpbridge/internal/tlsutil"
	"github.com/BaSui01/mcpbridge/tools/openapi"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cliOptions 命令行参数，加载配置后覆盖对应字段
type cliOptions struct {
	configPath string
	specPath   string
	baseURL    string
	host       string
	port       int
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "mcpbridge",
		Short:         "Expose an OpenAPI-described REST service as MCP tools",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file (YAML)")

	root.AddCommand(
		newServeCmd(opts),
		newToolsCmd(opts),
		newVersionCmd(),
		newHealthCmd(),
	)
	return root
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func newServeCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the MCP server.

The server will:
- Load the OpenAPI document and synthesize one tool per operation
- Serve the streaming transport (GET /sse + POST /messages/) and the
  stateless transport (POST /mcp) as configured
- Expose Prometheus metrics on the metrics port

Press Ctrl+C to gracefully shutdown.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	addSpecFlags(cmd, opts)
	cmd.Flags().StringVar(&opts.host, "host", "", "Listen host (overrides server.host)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "Listen port (overrides server.http_port)")
	return cmd
}

func addSpecFlags(cmd *cobra.Command, opts *cliOptions) {
	cmd.Flags().StringVar(&opts.specPath, "spec", "", "OpenAPI document path or URL (overrides openapi.spec_path)")
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "", "Upstream base URL (overrides upstream.base_url)")
}

func runServe(ctx context.Context, opts *cliOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting mcpbridge",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := NewServer(cfg, logger)
	if err := srv.Start(ctx); err != nil {
		logger.Error("Failed to start server", zap.Error(err))
		return err
	}

	err = srv.Run(ctx)
	logger.Info("mcpbridge stopped")
	return err
}

// loadConfig 加载配置：默认值 → YAML → 环境变量 → 命令行参数
func loadConfig(opts *cliOptions) (*config.Config, error) {
	loader := config.NewLoader()
	if opts.configPath != "" {
		loader = loader.WithConfigPath(opts.configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if opts.specPath != "" {
		cfg.OpenAPI.SpecPath = opts.specPath
	}
	if opts.baseURL != "" {
		cfg.Upstream.BaseURL = opts.baseURL
	}
	if opts.host != "" {
		cfg.Server.Host = opts.host
	}
	if opts.port != 0 {
		cfg.Server.HTTPPort = opts.port
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🧰 tools 命令
// =============================================================================

func newToolsCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Print the synthesized tool set as JSON without serving",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return printTools(ctx, cfg, cmd.OutOrStdout())
		},
	}
	addSpecFlags(cmd, opts)
	return cmd
}

func printTools(ctx context.Context, cfg *config.Config, out io.Writer) error {
	_, catalog, err := loadCatalog(ctx, cfg, zap.NewNop())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(catalog.List())
}

// loadCatalog 加载文档并生成工具目录，serve 与 tools 共用
func loadCatalog(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*openapi.Spec, *openapi.Catalog, error) {
	loader := openapi.NewLoader(openapi.LoaderConfig{
		Strict:            cfg.OpenAPI.StrictValidation,
		AllowExternalRefs: cfg.OpenAPI.AllowExternalRefs,
	}, logger)

	spec, err := loader.Load(ctx, cfg.OpenAPI.SpecPath)
	if err != nil {
		return nil, nil, err
	}
	tools, err := openapi.Synthesize(spec, openapi.SynthesizeOptions{
		IncludeTags: cfg.OpenAPI.IncludeTags,
		ExcludeTags: cfg.OpenAPI.ExcludeTags,
		Prefix:      cfg.OpenAPI.ToolPrefix,
	})
	if err != nil {
		return nil, nil, err
	}
	catalog, err := openapi.NewCatalog(tools)
	if err != nil {
		return nil, nil, err
	}
	return spec, catalog, nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func newHealthCmd() *cobra.Command {
	var (
		addr string
		path string
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running server's liveness endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkHealth(addr, path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "Server address")
	cmd.Flags().StringVar(&path, "path", config.DefaultMCPConfig().HealthPath, "Liveness endpoint path")
	return cmd
}

func checkHealth(addr, path string) error {
	client := tlsutil.SecureHTTPClient(5 * time.Second)
	resp, err := client.Get(strings.TrimRight(addr, "/") + path)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if body.Status != "serving" {
		return fmt.Errorf("health check failed: status %q", body.Status)
	}
	return nil
}

// =============================================================================
// 📋 版本
// =============================================================================

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mcpbridge %s\n", Version)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
		},
	}
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	var zapOpts []zap.Option
	if cfg.EnableCaller {
		zapOpts = append(zapOpts, zap.AddCaller())
	}
	stackLevel := zapcore.ErrorLevel
	if !cfg.EnableStacktrace {
		stackLevel = zapcore.FatalLevel
	}
	zapOpts = append(zapOpts, zap.AddStacktrace(stackLevel))

	logger, err := zapConfig.Build(zapOpts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}
