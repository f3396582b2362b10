package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/petal-labs/mcpchain/transport"
	"github.com/petal-labs/mcpchain/workflow"
)

const instrumentationName = "github.com/petal-labs/mcpchain"

var attributeEncoder = attribute.DefaultEncoder()

// Config selects which telemetry a process produces.
type Config struct {
	// OTLPEndpoint enables span export over OTLP/HTTP to host:port.
	OTLPEndpoint string
	// Insecure disables TLS for the OTLP exporter.
	Insecure bool
	// Metrics enables in-process metric collection.
	Metrics bool

	// SpanExporter overrides the OTLP exporter (for testing).
	SpanExporter sdktrace.SpanExporter
}

// Telemetry bundles the handlers wired into an engine and channel set.
// Disabled parts are backed by no-op providers.
type Telemetry struct {
	Tracing  *TracingHandler
	Metrics  *MetricsHandler
	Channels *ChannelObserver

	tracerProvider *sdktrace.TracerProvider
	reader         *sdkmetric.ManualReader
	meterProvider  *sdkmetric.MeterProvider
}

// Setup builds providers and handlers for cfg.
func Setup(ctx context.Context, cfg Config) (*Telemetry, error) {
	t := &Telemetry{}

	var tracer trace.Tracer = nooptrace.NewTracerProvider().Tracer(instrumentationName)
	exporter := cfg.SpanExporter
	if exporter == nil && cfg.OTLPEndpoint != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otel: create otlp exporter: %w", err)
		}
		exporter = exp
	}
	if exporter != nil {
		t.tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		tracer = t.tracerProvider.Tracer(instrumentationName)
	}

	var meter metric.Meter = noopmetric.NewMeterProvider().Meter(instrumentationName)
	if cfg.Metrics {
		t.reader = sdkmetric.NewManualReader()
		t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(t.reader))
		meter = t.meterProvider.Meter(instrumentationName)
	}

	var err error
	t.Tracing = NewTracingHandler(tracer)
	if t.Metrics, err = NewMetricsHandler(meter); err != nil {
		return nil, fmt.Errorf("otel: metrics handler: %w", err)
	}
	if t.Channels, err = NewChannelObserver(meter, tracer); err != nil {
		return nil, fmt.Errorf("otel: channel observer: %w", err)
	}
	return t, nil
}

// Handler returns the combined event handler for workflow.Options.
func (t *Telemetry) Handler() workflow.EventHandler {
	return workflow.MultiEventHandler(t.Tracing.Handle, t.Metrics.Handle)
}

// Decorator stamps trace ids onto events.
func (t *Telemetry) Decorator() workflow.EventEmitterDecorator {
	return EmitterDecorator(t.Tracing)
}

// Observer returns the channel observer as a transport.Observer.
func (t *Telemetry) Observer() transport.Observer {
	return t.Channels
}

// WriteSummary prints every collected metric point as "name{attrs} value".
// It writes nothing when metrics are disabled.
func (t *Telemetry) WriteSummary(ctx context.Context, w io.Writer) error {
	if t.reader == nil {
		return nil
	}
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return fmt.Errorf("otel: collect metrics: %w", err)
	}

	var lines []string
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					lines = append(lines, fmt.Sprintf("%s{%s} %d", m.Name, dp.Attributes.Encoded(attributeEncoder), dp.Value))
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					lines = append(lines, fmt.Sprintf("%s{%s} count=%d sum=%.3f%s", m.Name, dp.Attributes.Encoded(attributeEncoder), dp.Count, dp.Sum, m.Unit))
				}
			}
		}
	}
	sort.Strings(lines)
	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}
	if t.meterProvider != nil {
		errs = append(errs, t.meterProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
