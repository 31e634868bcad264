package http

import (
	"time"

	"github.com/gin-gonic/gin"

	"tachikoma/internal/observability"
	id "tachikoma/internal/utils/id"
)

// traceMiddleware adopts an incoming W3C traceparent trace id (minting a new
// span id) or generates both, stamps a per-request id, and mirrors all three
// onto the response headers.
func traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID, ok := observability.ParseTraceparent(c.GetHeader("traceparent"))
		if !ok {
			traceID = id.NewTraceID()
		}
		spanID := id.NewSpanID()
		requestID := id.NewRequestID()

		ctx := id.WithTraceIDs(c.Request.Context(), traceID, spanID)
		ctx = id.WithRequestID(ctx, requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(ctxKeyStart, time.Now())

		c.Header("traceparent", observability.FormatTraceparent(observability.TraceContext{TraceID: traceID, SpanID: spanID}))
		c.Header("X-Trace-Id", traceID)
		c.Header("X-Span-Id", spanID)
		c.Header("X-Request-Id", requestID)

		c.Next()
	}
}
