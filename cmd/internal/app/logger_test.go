package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLoggerTo_Formats(t *testing.T) {
	t.Parallel()

	var jsonOut, prettyOut bytes.Buffer
	newLoggerTo(&jsonOut, "warn", "json", false).Warn("delivery.push.fail", "event", "message.created")
	newLoggerTo(&prettyOut, "warn", "PRETTY", false).Warn("delivery.push.fail", "event", "message.created")
	newLoggerTo(&prettyOut, "warn", "pretty", false).Info("filtered")

	if !strings.HasPrefix(jsonOut.String(), "{") || !strings.Contains(jsonOut.String(), `"msg":"delivery.push.fail"`) {
		t.Fatalf("json output: %q", jsonOut.String())
	}
	if !strings.Contains(prettyOut.String(), "[WARN] delivery.push.fail") || strings.Contains(prettyOut.String(), "filtered") {
		t.Fatalf("pretty output: %q", prettyOut.String())
	}
}
