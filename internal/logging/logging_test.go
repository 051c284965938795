package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWithRequest(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	base := slog.New(handler)

	logger := WithRequest(base, "1.2.3.4", "POST", "/api/contact")
	logger.Info("request_evaluated")

	output := buf.String()
	for _, want := range []string{"ip=1.2.3.4", "method=POST", "path=/api/contact", "request_evaluated"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %q in output, got: %s", want, output)
		}
	}
}

func TestWithRequest_NilLogger(t *testing.T) {
	if logger := WithRequest(nil, "ip", "GET", "/"); logger != nil {
		t.Error("WithRequest(nil, ...) should return nil")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInitialize_ComponentFilter(t *testing.T) {
	var buf bytes.Buffer
	if err := Initialize(Config{Level: "debug", Components: []string{"engine"}, Output: &buf}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer Close()

	Engine().Info("engine_message")
	Store().Info("store_message")

	output := buf.String()
	if !strings.Contains(output, "engine_message") {
		t.Errorf("Expected engine message, got: %s", output)
	}
	if strings.Contains(output, "store_message") {
		t.Errorf("Store component should be filtered out, got: %s", output)
	}
	if !strings.Contains(output, "component=engine") {
		t.Errorf("Expected component attribute, got: %s", output)
	}
}

func TestInitialize_FileLog(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "edgeguard.log")

	err := Initialize(Config{
		Level:     "warn",
		FileLevel: "debug",
		FileLog:   &FileLogConfig{Path: path},
		Output:    &console,
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	Get().Debug("only_in_file")
	Get().Warn("everywhere")

	if err := Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), "only_in_file") || !strings.Contains(string(data), "everywhere") {
		t.Errorf("File log missing records: %s", data)
	}
	if strings.Contains(console.String(), "only_in_file") {
		t.Errorf("Console should not contain debug records: %s", console.String())
	}
	if !strings.Contains(console.String(), "everywhere") {
		t.Errorf("Console missing warn record: %s", console.String())
	}

	// Reset to defaults for other tests.
	_ = Initialize(Config{Level: "error", Output: &bytes.Buffer{}})
}
