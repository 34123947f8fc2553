package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer names.
const (
	tracerName   = "kitchenops"
	dbTracerName = "kitchenops/db"
)

// AttrLocationCode is the span attribute carrying the location code a span
// is scoped to.
const AttrLocationCode = "location.code"

// StartSpan starts a span for an internal operation. The returned function
// records err (if any) and ends the span.
//
//	ctx, end := tracing.StartSpan(ctx, "catalog.load")
//	defer func() { end(err) }()
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, endFunc(span)
}

// StartLocationSpan starts a span scoped to one location code.
func StartLocationSpan(ctx context.Context, name, code string) (context.Context, func(error)) {
	return StartSpan(ctx, name, attribute.String(AttrLocationCode, code))
}

// StartDBSpan starts a client span for a SELECT against table.
func StartDBSpan(ctx context.Context, table string) (context.Context, func(error)) {
	name := "query"
	if table != "" {
		name += " " + table
	}

	ctx, span := otel.Tracer(dbTracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", "query"),
		),
	)
	if table != "" {
		span.SetAttributes(attribute.String("db.sql.table", table))
	}
	return ctx, endFunc(span)
}

func endFunc(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
