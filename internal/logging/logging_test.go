package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestInit_RejectsUnknownLevel(t *testing.T) {
	if err := Init("loud", "console"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestInit_RejectsUnknownFormat(t *testing.T) {
	if err := Init("info", "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestNamed_AddsComponent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	prev := L()
	Set(zap.New(core))
	t.Cleanup(func() { Set(prev) })

	Named("worker").Info("build done", zap.Int64("file", 3))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["component"] != "worker" {
		t.Fatalf("expected component=worker, got %v", ctx["component"])
	}
	if ctx["file"] != int64(3) {
		t.Fatalf("expected file=3, got %v", ctx["file"])
	}
}

func TestError_LogsOnGlobalLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	prev := L()
	Set(zap.New(core))
	t.Cleanup(func() { Set(prev) })

	Error("nimbus stopped", zap.String("reason", "bind"))

	entries := logs.FilterMessage("nimbus stopped").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Level != zap.ErrorLevel {
		t.Fatalf("expected error level, got %v", entries[0].Level)
	}
}
