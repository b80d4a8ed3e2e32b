package middleware

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/switchyardlabs/switchyard/internal/shared/logger"
	"github.com/switchyardlabs/switchyard/internal/shared/tracing"
)

// TracingConfig holds tracing middleware configuration.
type TracingConfig struct {
	ServiceName string
	SkipPaths   []string
}

// Tracing returns middleware that starts a server span per request and
// propagates inbound trace context.
func Tracing(cfg TracingConfig) func(http.Handler) http.Handler {
	tracer := otel.Tracer(cfg.ServiceName)

	skipPaths := make(map[string]bool)
	for _, p := range cfg.SkipPaths {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			spanName := r.Method + " " + r.URL.Path
			ctx, span := tracer.Start(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.ServerAddress(r.Host),
					attribute.String("http.user_agent", r.UserAgent()),
				),
			)
			defer span.End()

			if reqID := GetRequestID(ctx); reqID != "" {
				span.SetAttributes(attribute.String("request.id", reqID))
			}
			if traceID := tracing.TraceIDFromContext(ctx); traceID != "" {
				ctx = context.WithValue(ctx, logger.TraceIDKey, traceID)
			}

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPResponseStatusCode(rw.status))
			if rw.status >= 400 {
				span.SetAttributes(attribute.Bool("error", true))
			}
		})
	}
}
