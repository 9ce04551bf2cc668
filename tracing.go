package odata

import (
	"context"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ambiyansyah-risyal/odata"

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// WithTracerProvider records a client span per Execute on tp. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName, trace.WithInstrumentationVersion(Version))
		}
	}
}

func (c *Client) startSpan(ctx context.Context, req *http.Request, d *Descriptor, endpoint string) (context.Context, trace.Span) {
	entitySet := entitySetFromPath(req.URL.Path)
	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", req.URL.String()),
		attribute.String("server.address", req.URL.Hostname()),
		attribute.String("odata.endpoint", endpoint),
		attribute.String("odata.entity_set", entitySet),
	}
	if n := d.Query.Len(); n > 0 {
		attrs = append(attrs, attribute.StringSlice("odata.query_options", d.Query.Keys()))
	}
	return c.tracer.Start(ctx, "odata "+req.Method+" "+entitySet,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

func endSpan(span trace.Span, statusCode int, err error) {
	if statusCode > 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", statusCode))
	}
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		span.SetAttributes(attribute.String("error.type", transportErr.Type))
		if transportErr.ODataCode != "" {
			span.SetAttributes(attribute.String("odata.error.code", transportErr.ODataCode))
		}
	} else if IsCancellation(err) {
		span.SetAttributes(attribute.String("error.type", "Cancelled"))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
