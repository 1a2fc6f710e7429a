package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ownerCtxKey struct{}
type threadCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if owner := OwnerFromContext(ctx); owner != "" {
		fields = append(fields, zap.String("owner.id", owner))
	}
	if thread := ThreadFromContext(ctx); thread != "" {
		fields = append(fields, zap.String("thread.id", thread))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

// WithOwner adds the authenticated owner id to context.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerCtxKey{}, owner)
}

// OwnerFromContext extracts the owner id from context.
func OwnerFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(ownerCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithThread adds the active thread id to context.
func WithThread(ctx context.Context, thread string) context.Context {
	return context.WithValue(ctx, threadCtxKey{}, thread)
}

// ThreadFromContext extracts the thread id from context.
func ThreadFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(threadCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithRequestID adds a request id to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts the request id from context.
func RequestIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithLogger stores a logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
