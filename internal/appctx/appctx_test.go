package appctx

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
)

func TestWithLogger_And_LoggerFromContext(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(buf, nil))

	ctx := WithLogger(context.Background(), logger)

	got, ok := LoggerFromContext(ctx)
	if !ok {
		t.Fatal("expected LoggerFromContext to return true")
	}
	if got != logger {
		t.Error("expected same logger instance")
	}
}

func TestLoggerFromContext_NoLogger(t *testing.T) {
	ctx := context.Background()

	got, ok := LoggerFromContext(ctx)
	if ok {
		t.Error("expected LoggerFromContext to return false for context without logger")
	}
	if got != nil {
		t.Error("expected nil logger")
	}
}

func TestGetLogger_WithoutLogger(t *testing.T) {
	ctx := context.Background()

	got := GetLogger(ctx)
	if got != slog.Default() {
		t.Error("expected GetLogger to return slog.Default() when no logger in context")
	}
}
