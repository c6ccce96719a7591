package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		if logger := New(level, "text"); logger == nil {
			t.Errorf("New(%q) returned nil", level)
		}
	}
	if logger := New("info", "json"); logger == nil {
		t.Error("New json returned nil")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()

	if got := RequestID(ctx); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}

	ctx = WithRequestID(ctx, "req-123")
	if got := RequestID(ctx); got != "req-123" {
		t.Errorf("expected req-123, got %q", got)
	}
}

func TestLoggerFromContext(t *testing.T) {
	ctx := context.Background()

	// No logger in context falls back to default
	if FromContext(ctx) == nil {
		t.Fatal("FromContext returned nil")
	}

	custom := New("debug", "text")
	ctx = WithLogger(ctx, custom)
	if FromContext(ctx) != custom {
		t.Error("FromContext did not return the stored logger")
	}
}

func TestLAttachesRequestID(t *testing.T) {
	ctx := WithLogger(context.Background(), slog.Default())

	// Without request ID, L returns the plain logger
	if L(ctx) == nil {
		t.Fatal("L returned nil")
	}

	// With request ID, L returns a derived logger
	ctx = WithRequestID(ctx, "abc")
	if L(ctx) == slog.Default() {
		t.Error("L should derive a logger carrying the request ID")
	}
}
