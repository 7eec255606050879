package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestHandleWritesMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &handler{out: &buf, level: slog.LevelInfo}

	r := slog.NewRecord(time.Now(), slog.LevelInfo, "request", 0)
	r.AddAttrs(slog.String("method", "GET"))

	if err := h.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "request") {
		t.Fatalf("expected message in output, got %q", out)
	}
	if !strings.Contains(out, "method=GET") {
		t.Fatalf("expected attr in output, got %q", out)
	}
}

func TestHandleAnnotatesCallerOnError(t *testing.T) {
	var buf bytes.Buffer
	h := &handler{out: &buf, level: slog.LevelInfo}

	r := slog.NewRecord(time.Now(), slog.LevelError, "boom", 0)
	if err := h.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if !strings.Contains(buf.String(), "caller=") {
		t.Fatalf("expected caller annotation on an error record, got %q", buf.String())
	}
}

func TestEnabledRespectsLevel(t *testing.T) {
	h := &handler{level: slog.LevelWarn}
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info should be disabled when level is warn")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("error should be enabled when level is warn")
	}
}

func TestWithAttrsIsImmutable(t *testing.T) {
	base := &handler{level: slog.LevelInfo}
	next := base.WithAttrs([]slog.Attr{slog.String("k", "v")}).(*handler)

	if len(base.attrs) != 0 {
		t.Fatalf("WithAttrs must not mutate the receiver, got %d attrs on base", len(base.attrs))
	}
	if len(next.attrs) != 1 {
		t.Fatalf("expected 1 attr on the derived handler, got %d", len(next.attrs))
	}
}
