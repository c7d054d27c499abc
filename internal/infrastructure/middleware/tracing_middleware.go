package middleware

import (
	"time"

	"pairline/pkg/logger"
	"pairline/pkg/tracing"
	"pairline/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const TraceIDHeader = "X-Trace-ID"

// TracingMiddleware opens a span per request, tags the request context with
// a trace id and logs the outcome through log.
func TracingMiddleware(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath())
		defer span.End()

		traceID := c.GetHeader(TraceIDHeader)
		if traceID == "" {
			if sc := span.SpanContext(); sc.HasTraceID() {
				traceID = sc.TraceID().String()
			} else {
				traceID = utils.GenerateTraceID()
			}
		}
		ctx = logger.WithTraceID(ctx, traceID)
		c.Header(TraceIDHeader, traceID)

		span.SetAttributes(
			attribute.String("http.host", c.Request.Host),
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("http.remote_addr", c.ClientIP()),
		)

		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		status := c.Writer.Status()
		span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.Int64("http.response_size", int64(c.Writer.Size())),
			attribute.Int64("http.duration_ms", duration.Milliseconds()),
		)
		if status >= 400 {
			span.SetStatus(codes.Error, c.Errors.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		if log != nil {
			log.LogRequest(ctx, c.Request.Method, c.Request.URL.Path, status, duration.Milliseconds())
		}
	}
}
