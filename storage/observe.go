package storage

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/electric-coding-llc/s3store/storage"

type instrument struct {
	tracer trace.Tracer
	logger *slog.Logger
	attrs  []attribute.KeyValue
}

func newInstrument(o options, backend string, attrs ...attribute.KeyValue) instrument {
	tp := o.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs = append([]attribute.KeyValue{attribute.String("s3store.backend", backend)}, attrs...)
	args := make([]any, 0, 2*len(attrs))
	for _, kv := range attrs {
		args = append(args, string(kv.Key), kv.Value.Emit())
	}
	return instrument{
		tracer: tp.Tracer(tracerName),
		logger: logger.With(args...),
		attrs:  attrs,
	}
}

func (in instrument) start(ctx context.Context, op, key string) (context.Context, trace.Span) {
	tracer := in.tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	ctx, span := tracer.Start(ctx, "s3store."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(in.attrs...),
	)
	span.SetAttributes(attribute.String("s3store.key", key))
	return ctx, span
}

// end closes span. Conditional outcomes are expected results, so only
// transport failures mark the span as errored.
func (in instrument) end(ctx context.Context, span trace.Span, op, key string, err error) {
	defer span.End()

	logger := in.logger
	if logger == nil {
		logger = slog.Default()
	}
	result := outcome(err)
	span.SetAttributes(attribute.String("s3store.outcome", result))
	if err != nil && IsTransportError(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WarnContext(ctx, "storage operation failed", "op", op, "key", key, "error", err)
		return
	}
	logger.DebugContext(ctx, "storage operation", "op", op, "key", key, "outcome", result)
}
