package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/taskflow/config"
)

func restoreGlobals(t *testing.T) {
	t.Helper()
	tp, mp, prop := otel.GetTracerProvider(), otel.GetMeterProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		otel.SetTextMapPropagator(prop)
	})
}

func inMemory(t *testing.T, cfg config.TelemetryConfig) (*Providers, *tracetest.InMemoryExporter, *sdkmetric.ManualReader) {
	t.Helper()
	restoreGlobals(t)
	spans := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()

	cfg.Enabled = true
	p, err := Init(cfg, "v1.2.3", zaptest.NewLogger(t), WithSpanExporter(spans), WithMetricReader(reader))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, spans, reader
}

func TestInit_DisabledIsNoop(t *testing.T) {
	restoreGlobals(t)

	p, err := Init(config.TelemetryConfig{}, "v1", nil)
	require.NoError(t, err)
	assert.Nil(t, p.tp)
	assert.Nil(t, p.mp)

	_, span := p.Tracer("scheduler").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	_, err = p.ObserveEngine(func() EngineSnapshot { return EngineSnapshot{} })
	assert.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_SpansCarryServiceResource(t *testing.T) {
	p, spans, _ := inMemory(t, config.TelemetryConfig{SampleRate: 1})

	_, span := p.Tracer("taskflow/orchestrator").Start(context.Background(), "workflow.run")
	span.End()
	require.NoError(t, p.tp.ForceFlush(context.Background()))

	got := spans.GetSpans()
	require.Len(t, got, 1)
	assert.Equal(t, "workflow.run", got[0].Name)

	attrs := map[string]string{}
	for _, kv := range got[0].Resource.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, DefaultServiceName, attrs["service.name"])
	assert.Equal(t, "v1.2.3", attrs["service.version"])

	assert.Same(t, p.tp, otel.GetTracerProvider(), "sdk provider is installed globally")
}

func TestInit_ParentDecisionWins(t *testing.T) {
	// 极低采样率下，根 span 几乎都不采样，但已采样父 span 的子 span 必须保留
	p, spans, _ := inMemory(t, config.TelemetryConfig{SampleRate: 1e-9})
	tr := p.Tracer("dispatch")

	_, root := tr.Start(context.Background(), "root")
	assert.False(t, root.SpanContext().IsSampled())
	root.End()

	always, _, _ := inMemory(t, config.TelemetryConfig{SampleRate: 1})
	parentCtx, parent := always.Tracer("http").Start(context.Background(), "request")
	_, child := tr.Start(parentCtx, "task.dispatch")
	assert.True(t, child.SpanContext().IsSampled())
	child.End()
	parent.End()

	require.NoError(t, p.tp.ForceFlush(context.Background()))
	require.Len(t, spans.GetSpans(), 1)
	assert.Equal(t, "task.dispatch", spans.GetSpans()[0].Name)
}

func TestObserveEngine(t *testing.T) {
	p, _, reader := inMemory(t, config.TelemetryConfig{})

	calls := 0
	reg, err := p.ObserveEngine(func() EngineSnapshot {
		calls++
		return EngineSnapshot{RunningExecutions: 3, QueuedExecutions: 2, ActiveChains: 1, AgentUtilization: 0.75}
	})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, 1, calls, "one snapshot per collection")

	got := map[string]float64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Gauge[int64]:
				got[m.Name] = float64(data.DataPoints[0].Value)
			case metricdata.Gauge[float64]:
				got[m.Name] = data.DataPoints[0].Value
			}
		}
	}
	assert.Equal(t, map[string]float64{
		"taskflow.executions.running": 3,
		"taskflow.executions.queued":  2,
		"taskflow.chains.active":      1,
		"taskflow.agents.utilization": 0.75,
	}, got)

	require.NoError(t, reg.Unregister())
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, 1, calls)
}

func TestSampleRate(t *testing.T) {
	for in, want := range map[float64]float64{0: 1, -1: 1, 3: 1, 0.25: 0.25, 1: 1} {
		assert.Equal(t, want, sampleRate(in), in)
	}
}

func TestNilProviders(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.NotNil(t, p.Tracer("x"))
	assert.NotNil(t, p.Meter("x"))
}
