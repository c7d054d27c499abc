package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextLogger_AddsContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithPeerID(WithTraceID(context.Background(), "trace-1"), "peer-a")
	cl.WithContext(ctx).Info("routed offer", zap.String("dst", "peer-b"))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["trace_id"] != "trace-1" {
		t.Errorf("trace_id = %v, want trace-1", fields["trace_id"])
	}
	if fields["peer_id"] != "peer-a" {
		t.Errorf("peer_id = %v, want peer-a", fields["peer_id"])
	}
}

func TestContextLogger_NoContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	cl.WithContext(context.Background()).Info("plain")

	fields := logs.All()[0].ContextMap()
	if _, ok := fields["trace_id"]; ok {
		t.Errorf("trace_id should be absent when not set")
	}
	if _, ok := fields["peer_id"]; ok {
		t.Errorf("peer_id should be absent when not set")
	}
}

func TestContextLogger_LogRequest(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	cl.LogRequest(WithTraceID(context.Background(), "trace-2"), "GET", "/api/v1/peers", 200, 3)

	entries := logs.FilterMessage("http_request").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 request entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["path"] != "/api/v1/peers" || fields["trace_id"] != "trace-2" {
		t.Errorf("unexpected fields: %v", fields)
	}
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	l := New("loud")
	if l.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug should be disabled for unknown level")
	}
	if !l.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be enabled for unknown level")
	}
}
