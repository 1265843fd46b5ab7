// =============================================================================
// mcpbridge 链路追踪
// =============================================================================
// 一次工具调用的链路：HTTP 入口 span → "mcp <method>" 分派 span →
// "tool <name>" 上游调用 span，traceparent 随上游请求头继续传递。
// 未启用时全局 provider 保持 noop，span 与头注入均为空操作。
// =============================================================================

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/mcpbridge/config"
	"github.com/BaSui01/mcpbridge/internal/ctxkeys"
)

// InstrumentationName is the tracer name used by every mcpbridge component.
const InstrumentationName = "github.com/BaSui01/mcpbridge"

// Span attribute keys shared by the dispatcher and the invoker.
const (
	AttrTransport   = attribute.Key("mcp.transport")
	AttrSessionID   = attribute.Key("mcp.session.id")
	AttrToolName    = attribute.Key("mcp.tool.name")
	AttrURLTemplate = attribute.Key("url.template")
)

// Providers holds the SDK providers. Both are nil when telemetry is disabled.
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Init installs OTLP/gRPC trace and metric pipelines as the global providers.
// With cfg.Enabled false nothing is dialed and a noop Providers is returned.
func Init(cfg config.TelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "telemetry"))
	if !cfg.Enabled {
		logger.Info("telemetry disabled, spans are not exported")
		return &Providers{}, nil
	}

	ctx := context.Background()
	res, err := newResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	p := &Providers{
		tp: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler(cfg.SampleRate)),
		),
		mp: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
			sdkmetric.WithResource(res),
		),
	}

	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	// 导出失败只记日志，不影响请求处理
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.Warn("otel export error", zap.Error(err))
	}))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.Float64("sample_rate", cfg.SampleRate),
	)
	return p, nil
}

func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(BuildVersion()),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	// 部分探测失败时 res 仍可用
	if err != nil && !errors.Is(err, resource.ErrPartialResource) {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	return res, nil
}

// sampler honours the caller's sampling decision and samples new roots at rate.
func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes pending spans and metrics. Safe on a noop Providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Tracer returns the global tracer for mcpbridge spans.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartRPCSpan opens the "mcp <method>" span for one JSON-RPC request.
// The transport and streaming session id are taken from ctx.
func StartRPCSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		semconv.RPCSystemKey.String("jsonrpc"),
		semconv.RPCMethod(method),
		AttrTransport.String(ctxkeys.Transport(ctx)),
	}
	if id, ok := ctxkeys.SessionID(ctx); ok {
		attrs = append(attrs, AttrSessionID.String(id))
	}
	return Tracer().Start(ctx, "mcp "+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
}

// StartToolSpan opens the "tool <name>" client span around one upstream call.
func StartToolSpan(ctx context.Context, tool, httpMethod, pathTemplate string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "tool "+tool,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrToolName.String(tool),
			semconv.HTTPRequestMethodKey.String(httpMethod),
			AttrURLTemplate.String(pathTemplate),
		),
	)
}

// InjectHeaders writes the trace context of ctx into h (traceparent, baggage).
func InjectHeaders(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// ExtractContext returns ctx enriched with any trace context carried by h.
func ExtractContext(ctx context.Context, h http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(h))
}

// BuildVersion extracts the module version from Go build info, or "dev".
func BuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
