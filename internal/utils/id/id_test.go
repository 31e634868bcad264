package id

import (
	"context"
	"regexp"
	"testing"
)

func TestNewSessionIDFormat(t *testing.T) {
	t.Parallel()

	pattern := regexp.MustCompile(`^session-[0-9a-z]+-[0-9a-z]{6}$`)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		sid := NewSessionID()
		if !pattern.MatchString(sid) {
			t.Fatalf("session id %q does not match expected format", sid)
		}
		if seen[sid] {
			t.Fatalf("duplicate session id generated: %q", sid)
		}
		seen[sid] = true
	}
}

func TestTraceAndSpanIDLengths(t *testing.T) {
	t.Parallel()

	if got := len(NewTraceID()); got != 32 {
		t.Fatalf("trace id length = %d, want 32", got)
	}
	if got := len(NewSpanID()); got != 16 {
		t.Fatalf("span id length = %d, want 16", got)
	}
}

func TestNewWorkerIDFormat(t *testing.T) {
	t.Parallel()

	if got := NewWorkerID(0); got != "worker-0" {
		t.Fatalf("worker id = %q, want worker-0", got)
	}
	if got := NewWorkerID(7); got != "worker-7" {
		t.Fatalf("worker id = %q, want worker-7", got)
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ctx = WithSessionID(ctx, "session-abc-def123")
	ctx = WithUserID(ctx, "user-1")
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithTraceIDs(ctx, "0123456789abcdef0123456789abcdef", "0123456789abcdef")

	ids := IDsFromContext(ctx)
	if ids.SessionID != "session-abc-def123" {
		t.Fatalf("session id = %q", ids.SessionID)
	}
	if ids.UserID != "user-1" || ids.RequestID != "req-1" {
		t.Fatalf("user/request ids did not round-trip: %+v", ids)
	}
	if ids.TraceID == "" || ids.SpanID == "" {
		t.Fatalf("trace ids did not round-trip: %+v", ids)
	}
}

func TestEmptyValuesAreNotStored(t *testing.T) {
	t.Parallel()

	ctx := WithSessionID(context.Background(), "")
	if got := SessionIDFromContext(ctx); got != "" {
		t.Fatalf("expected empty session id, got %q", got)
	}
}
