package id

import "context"

type contextKey string

const (
	sessionKey contextKey = "tachikoma_session_id"
	userKey    contextKey = "tachikoma_user_id"
	requestKey contextKey = "tachikoma_request_id"
	traceKey   contextKey = "tachikoma_trace_id"
	spanKey    contextKey = "tachikoma_span_id"
)

// IDs captures the identifiers propagated across execution boundaries.
type IDs struct {
	SessionID string
	UserID    string
	RequestID string
	TraceID   string
	SpanID    string
}

// WithSessionID stores the session identifier on the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// WithUserID stores the authenticated user identifier on the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey, userID)
}

// WithRequestID stores the per-request identifier on the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestKey, requestID)
}

// WithTraceIDs stores the trace and span identifiers on the context.
func WithTraceIDs(ctx context.Context, traceID, spanID string) context.Context {
	if traceID != "" {
		ctx = context.WithValue(ctx, traceKey, traceID)
	}
	if spanID != "" {
		ctx = context.WithValue(ctx, spanKey, spanID)
	}
	return ctx
}

// SessionIDFromContext returns the session id stored on the context, if any.
func SessionIDFromContext(ctx context.Context) string {
	return stringValue(ctx, sessionKey)
}

// UserIDFromContext returns the user id stored on the context, if any.
func UserIDFromContext(ctx context.Context) string {
	return stringValue(ctx, userKey)
}

// RequestIDFromContext returns the request id stored on the context, if any.
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestKey)
}

// TraceIDFromContext returns the trace id stored on the context, if any.
func TraceIDFromContext(ctx context.Context) string {
	return stringValue(ctx, traceKey)
}

// SpanIDFromContext returns the span id stored on the context, if any.
func SpanIDFromContext(ctx context.Context) string {
	return stringValue(ctx, spanKey)
}

// IDsFromContext collects every known identifier from the context.
func IDsFromContext(ctx context.Context) IDs {
	return IDs{
		SessionID: SessionIDFromContext(ctx),
		UserID:    UserIDFromContext(ctx),
		RequestID: RequestIDFromContext(ctx),
		TraceID:   TraceIDFromContext(ctx),
		SpanID:    SpanIDFromContext(ctx),
	}
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
