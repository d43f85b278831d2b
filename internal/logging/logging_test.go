package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestComponentFollowsInit(t *testing.T) {
	// Declared before Init, like package-level loggers.
	log := Component("watchdog")

	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, false)

	log.Info("sweep done", "notified", 2)
	log.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "component=watchdog") {
		t.Errorf("missing component attribute: %q", out)
	}
	if !strings.Contains(out, "notified=2") {
		t.Errorf("missing attribute: %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record should be filtered: %q", out)
	}
}

func TestRequestIDAttribute(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, true)

	ctx := ContextWithRequestID(context.Background(), "req-7")
	Component("api").With("sensor_id", "S1").InfoContext(ctx, "store created")

	out := buf.String()
	for _, want := range []string{`"request_id":"req-7"`, `"sensor_id":"S1"`, `"component":"api"`} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in %q", want, out)
		}
	}
	if RequestID(ctx) != "req-7" {
		t.Errorf("RequestID = %q", RequestID(ctx))
	}
}
