package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		level  slog.Level
		format string
	}{
		{name: "json format with info level", level: slog.LevelInfo, format: "json"},
		{name: "text format with debug level", level: slog.LevelDebug, format: "text"},
		{name: "default format (json) with error level", level: slog.LevelError, format: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level, tt.format)
			if logger == nil || logger.Logger == nil {
				t.Fatal("expected non-nil logger")
			}
		})
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json")

	tests := []struct {
		name    string
		ctx     context.Context
		want    []string
		notWant []string
	}{
		{
			name: "request id",
			ctx:  WithRequestID(context.Background(), "req-123"),
			want: []string{`"request_id":"req-123"`},
		},
		{
			name: "tick id",
			ctx:  WithTickID(context.Background(), "tick-9"),
			want: []string{`"tick_id":"tick-9"`},
		},
		{
			name:    "empty context",
			ctx:     context.Background(),
			notWant: []string{"request_id", "tick_id"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			logger.InfoContext(tt.ctx, "test message")

			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("expected %s in output, got: %s", w, out)
				}
			}
			for _, nw := range tt.notWant {
				if strings.Contains(out, nw) {
					t.Errorf("unexpected %s in output, got: %s", nw, out)
				}
			}
		})
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "text")

	logger.With(Service("respond"), Component("correlation")).Info("tick")

	out := buf.String()
	if !strings.Contains(out, "service=respond") || !strings.Contains(out, "component=correlation") {
		t.Errorf("expected service and component in output, got: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFields(t *testing.T) {
	tests := []struct {
		attr slog.Attr
		key  string
		val  string
	}{
		{RuleID("r-1"), FieldRuleID, "r-1"},
		{CaseID("c-1"), FieldCaseID, "c-1"},
		{AlertID("a-1"), FieldAlertID, "a-1"},
		{IP("10.0.0.5"), FieldIP, "10.0.0.5"},
		{File("rules/a.yaml"), FieldFile, "rules/a.yaml"},
		{Error(errors.New("boom")), FieldError, "boom"},
		{Error(nil), FieldError, ""},
	}
	for _, tt := range tests {
		if tt.attr.Key != tt.key {
			t.Errorf("expected key %q, got %q", tt.key, tt.attr.Key)
		}
		if tt.attr.Value.String() != tt.val {
			t.Errorf("expected value %q, got %q", tt.val, tt.attr.Value.String())
		}
	}

	d := Duration(1500 * time.Millisecond)
	if d.Key != FieldDuration || d.Value.Int64() != 1500 {
		t.Errorf("unexpected duration attr %v", d)
	}
}
