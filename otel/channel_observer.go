package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/mcpchain/transport"
)

// ChannelObserver records channel state transitions and request lifecycles
// into OpenTelemetry. Terminal request outcomes also produce a short span
// when a tracer is set.
type ChannelObserver struct {
	tracer trace.Tracer

	transitions metric.Int64Counter
	requests    metric.Int64Counter
	latency     metric.Float64Histogram
}

// NewChannelObserver creates a channel observer bound to meter and tracer.
// tracer may be nil.
func NewChannelObserver(meter metric.Meter, tracer trace.Tracer) (*ChannelObserver, error) {
	transitions, err := meter.Int64Counter(
		"mcpchain.channel.transitions",
		metric.WithDescription("Number of channel state transitions"),
	)
	if err != nil {
		return nil, err
	}
	requests, err := meter.Int64Counter(
		"mcpchain.channel.requests",
		metric.WithDescription("Number of channel request lifecycle events"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"mcpchain.channel.request.latency",
		metric.WithDescription("Request latency from registration to settlement in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &ChannelObserver{
		tracer:      tracer,
		transitions: transitions,
		requests:    requests,
		latency:     latency,
	}, nil
}

// ObserveState records one connection state transition.
func (o *ChannelObserver) ObserveState(observation transport.StateObservation) {
	if o == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("server", observation.Server),
		attribute.String("transport", string(observation.Transport)),
		attribute.String("from", string(observation.From)),
		attribute.String("to", string(observation.To)),
	}
	o.transitions.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// ObserveRequest records one request lifecycle event.
func (o *ChannelObserver) ObserveRequest(observation transport.RequestObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("server", observation.Server),
		attribute.String("transport", string(observation.Transport)),
		attribute.String("method", observation.Method),
		attribute.String("outcome", string(observation.Outcome)),
	}
	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.requests.Add(ctx, 1, options)
	if observation.Outcome == transport.RequestRegistered {
		return
	}
	o.latency.Record(ctx, observation.Duration.Seconds(), options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "channel.request",
		trace.WithAttributes(append(attrs, attribute.Int64("request_id", observation.RequestID))...))
	if observation.Outcome != transport.RequestResolved {
		span.SetStatus(codes.Error, observation.Error)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

var _ transport.Observer = (*ChannelObserver)(nil)
