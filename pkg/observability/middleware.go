package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rosbus/rosbus-go/pkg/ros"
	"github.com/rosbus/rosbus-go/pkg/types"
)

// Instrument wraps any node handle so every capability operation and every
// handle it returns records metrics and spans. The wrapped handle is a drop-in
// ros.Ros; backends stay oblivious to observability.
//
// Either provider may be nil, in which case that signal is skipped.
func Instrument(inner ros.Ros, backend string, metrics MetricsProvider, tracing *TracingProvider) ros.Ros {
	return &instrumentedRos{
		inner:   inner,
		backend: backend,
		metrics: metrics,
		tracing: tracing,
	}
}

type instrumentedRos struct {
	inner   ros.Ros
	backend string
	metrics MetricsProvider
	tracing *TracingProvider
}

func (r *instrumentedRos) span(ctx context.Context, operation, target string, kind trace.SpanKind) (context.Context, trace.Span) {
	if r.tracing == nil {
		return ctx, nil
	}
	return r.tracing.StartOperationSpan(ctx, operation, target, kind)
}

func (r *instrumentedRos) finish(ctx context.Context, span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		r.tracing.RecordError(ctx, err)
	}
	span.End()
}

func (r *instrumentedRos) Advertise(ctx context.Context, topic string, ty types.TypeIdentity) (ros.RawPublisher, error) {
	ctx, span := r.span(ctx, "advertise", topic, trace.SpanKindProducer)
	pub, err := r.inner.Advertise(ctx, topic, ty)
	r.finish(ctx, span, err)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.RecordActivePublishers(r.backend, 1)
	}
	return &instrumentedPublisher{inner: pub, ros: r, topic: topic}, nil
}

func (r *instrumentedRos) Subscribe(ctx context.Context, topic string, ty types.TypeIdentity) (ros.RawSubscription, error) {
	ctx, span := r.span(ctx, "subscribe", topic, trace.SpanKindConsumer)
	sub, err := r.inner.Subscribe(ctx, topic, ty)
	r.finish(ctx, span, err)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.RecordActiveSubscribers(r.backend, 1)
	}
	return &instrumentedSubscription{inner: sub, ros: r, topic: topic}, nil
}

func (r *instrumentedRos) CallService(ctx context.Context, service string, ty types.ServiceType, request []byte) ([]byte, error) {
	ctx, span := r.span(ctx, "call_service", service, trace.SpanKindClient)
	start := time.Now()
	response, err := r.inner.CallService(ctx, service, ty, request)
	if r.metrics != nil {
		r.metrics.RecordServiceCall(r.backend, service, statusOf(err), time.Since(start))
	}
	r.finish(ctx, span, err)
	return response, err
}

func (r *instrumentedRos) ServiceClient(ctx context.Context, service string, ty types.ServiceType) (ros.RawServiceClient, error) {
	ctx, span := r.span(ctx, "service_client", service, trace.SpanKindClient)
	client, err := r.inner.ServiceClient(ctx, service, ty)
	r.finish(ctx, span, err)
	if err != nil {
		return nil, err
	}
	return &instrumentedServiceClient{inner: client, ros: r, service: service}, nil
}

func (r *instrumentedRos) AdvertiseService(ctx context.Context, service string, ty types.ServiceType, fn ros.RawServiceFn) (ros.RawServiceServer, error) {
	wrapped := func(ctx context.Context, request []byte) ([]byte, error) {
		start := time.Now()
		response, err := fn(ctx, request)
		if r.metrics != nil {
			r.metrics.RecordDispatch(r.backend, service, statusOf(err), time.Since(start))
		}
		if r.tracing != nil && err != nil {
			r.tracing.RecordError(ctx, err)
		}
		return response, err
	}

	ctx, span := r.span(ctx, "advertise_service", service, trace.SpanKindServer)
	server, err := r.inner.AdvertiseService(ctx, service, ty, wrapped)
	r.finish(ctx, span, err)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.RecordActiveServices(r.backend, 1)
	}
	return &instrumentedServiceServer{inner: server, ros: r}, nil
}

func (r *instrumentedRos) Close() error {
	return r.inner.Close()
}

type instrumentedPublisher struct {
	inner ros.RawPublisher
	ros   *instrumentedRos
	topic string
}

func (p *instrumentedPublisher) Publish(ctx context.Context, payload []byte) error {
	start := time.Now()
	err := p.inner.Publish(ctx, payload)
	if p.ros.metrics != nil {
		p.ros.metrics.RecordPublish(p.ros.backend, p.topic, statusOf(err), time.Since(start))
	}
	if p.ros.tracing != nil {
		p.ros.tracing.AddEvent(ctx, "rosbus.publish",
			attribute.String("rosbus.topic", p.topic),
			attribute.Int("rosbus.payload_bytes", len(payload)),
		)
	}
	return err
}

func (p *instrumentedPublisher) Close() error {
	err := p.inner.Close()
	if p.ros.metrics != nil {
		p.ros.metrics.RecordActivePublishers(p.ros.backend, -1)
	}
	return err
}

type instrumentedSubscription struct {
	inner ros.RawSubscription
	ros   *instrumentedRos
	topic string
}

func (s *instrumentedSubscription) Next(ctx context.Context) ([]byte, error) {
	payload, err := s.inner.Next(ctx)
	if err == nil && s.ros.metrics != nil {
		s.ros.metrics.RecordDelivery(s.ros.backend, s.topic)
	}
	return payload, err
}

func (s *instrumentedSubscription) Close() error {
	err := s.inner.Close()
	if s.ros.metrics != nil {
		s.ros.metrics.RecordActiveSubscribers(s.ros.backend, -1)
	}
	return err
}

type instrumentedServiceClient struct {
	inner   ros.RawServiceClient
	ros     *instrumentedRos
	service string
}

func (c *instrumentedServiceClient) Call(ctx context.Context, request []byte) ([]byte, error) {
	ctx, span := c.ros.span(ctx, "call", c.service, trace.SpanKindClient)
	start := time.Now()
	response, err := c.inner.Call(ctx, request)
	if c.ros.metrics != nil {
		c.ros.metrics.RecordServiceCall(c.ros.backend, c.service, statusOf(err), time.Since(start))
	}
	c.ros.finish(ctx, span, err)
	return response, err
}

func (c *instrumentedServiceClient) Close() error {
	return c.inner.Close()
}

type instrumentedServiceServer struct {
	inner ros.RawServiceServer
	ros   *instrumentedRos
}

func (s *instrumentedServiceServer) Close() error {
	err := s.inner.Close()
	if s.ros.metrics != nil {
		s.ros.metrics.RecordActiveServices(s.ros.backend, -1)
	}
	return err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
