package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/config"
)

// DefaultServiceName 未配置服务名时使用
const DefaultServiceName = "taskflow"

// Providers 持有 SDK 的 TracerProvider 与 MeterProvider；禁用时两者为 nil
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Option 替换默认的 OTLP 导出端，测试中注入内存实现
type Option func(*exporters)

type exporters struct {
	spans  sdktrace.SpanExporter
	reader sdkmetric.Reader
}

// WithSpanExporter 使用给定的 span 导出器代替 OTLP gRPC
func WithSpanExporter(e sdktrace.SpanExporter) Option {
	return func(x *exporters) { x.spans = e }
}

// WithMetricReader 使用给定的 reader 代替周期性 OTLP 导出
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(x *exporters) { x.reader = r }
}

// Init 创建 provider 并注册为全局实现。cfg.Enabled 为 false 时不连接外部服务，
// Tracer 与 Meter 回落到全局 noop。
func Init(cfg config.TelemetryConfig, version string, logger *zap.Logger, opts ...Option) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return &Providers{}, nil
	}

	var x exporters
	for _, o := range opts {
		o(&x)
	}

	ctx := context.Background()
	res, err := serviceResource(ctx, cfg.ServiceName, version)
	if err != nil {
		return nil, err
	}
	if err := x.dialMissing(ctx, cfg.OTLPEndpoint); err != nil {
		return nil, err
	}

	rate := sampleRate(cfg.SampleRate)
	p := &Providers{
		// 上游已采样的请求沿用其决定
		tp: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(x.spans),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
		),
		mp: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(x.reader),
			sdkmetric.WithResource(res),
		),
	}

	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry enabled",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.Float64("sample_rate", rate),
	)
	return p, nil
}

func serviceResource(ctx context.Context, name, version string) (*resource.Resource, error) {
	if name == "" {
		name = DefaultServiceName
	}
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(name),
		semconv.ServiceVersionKey.String(version),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}
	return res, nil
}

// dialMissing 为未注入的一端创建 OTLP gRPC 导出器
func (x *exporters) dialMissing(ctx context.Context, endpoint string) error {
	if x.spans == nil {
		e, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("otlp trace exporter: %w", err)
		}
		x.spans = e
	}
	if x.reader == nil {
		e, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return errors.Join(fmt.Errorf("otlp metric exporter: %w", err), x.spans.Shutdown(ctx))
		}
		x.reader = sdkmetric.NewPeriodicReader(e)
	}
	return nil
}

// sampleRate 把未配置（0）视为全量采样，并截断到 [0,1]
func sampleRate(r float64) float64 {
	if r <= 0 || r > 1 {
		return 1
	}
	return r
}

// Tracer 返回命名 tracer
func (p *Providers) Tracer(name string) trace.Tracer {
	if p == nil || p.tp == nil {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Meter 返回命名 meter
func (p *Providers) Meter(name string) metric.Meter {
	if p == nil || p.mp == nil {
		return otel.Meter(name)
	}
	return p.mp.Meter(name)
}

// EngineSnapshot 是一次采集时读取的引擎负载
type EngineSnapshot struct {
	RunningExecutions int
	QueuedExecutions  int
	ActiveChains      int
	AgentUtilization  float64
}

// ObserveEngine 注册引擎负载的异步仪表，每个采集周期调用一次 read。
// 返回的 Registration 在关闭时注销回调。
func (p *Providers) ObserveEngine(read func() EngineSnapshot) (metric.Registration, error) {
	m := p.Meter("taskflow/engine")

	running, err := m.Int64ObservableGauge("taskflow.executions.running",
		metric.WithDescription("Workflow executions holding a slot"))
	if err != nil {
		return nil, err
	}
	queued, err := m.Int64ObservableGauge("taskflow.executions.queued",
		metric.WithDescription("Workflow executions waiting for a slot"))
	if err != nil {
		return nil, err
	}
	chains, err := m.Int64ObservableGauge("taskflow.chains.active",
		metric.WithDescription("Chain runs in progress"))
	if err != nil {
		return nil, err
	}
	util, err := m.Float64ObservableGauge("taskflow.agents.utilization",
		metric.WithDescription("Busy agents over available agents"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	return m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := read()
		o.ObserveInt64(running, int64(s.RunningExecutions))
		o.ObserveInt64(queued, int64(s.QueuedExecutions))
		o.ObserveInt64(chains, int64(s.ActiveChains))
		o.ObserveFloat64(util, s.AgentUtilization)
		return nil
	}, running, queued, chains, util)
}

// Shutdown 刷新并关闭导出器，禁用时为空操作
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		errs = append(errs, p.tp.Shutdown(ctx))
	}
	if p.mp != nil {
		errs = append(errs, p.mp.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
