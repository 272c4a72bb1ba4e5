package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCLIHandlerFormatsAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := NewCLI(&buf, slog.LevelDebug).With("component", "builder").WithGroup("step")

	logger.Info("advanced", "name", "UNPACKED", "note", "two words")

	line := buf.String()
	if !strings.HasPrefix(line, "INFO ") {
		t.Fatalf("unexpected prefix: %q", line)
	}
	for _, want := range []string{"| advanced", "component=builder", "step.name=UNPACKED", `step.note="two words"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
}

func TestCLIHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewCLI(&buf, slog.LevelWarn)

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected warn record, got %q", buf.String())
	}
}

func TestLevelForVerbosity(t *testing.T) {
	cases := map[int]slog.Level{0: slog.LevelWarn, 1: slog.LevelInfo, 2: slog.LevelDebug}
	for verbose, want := range cases {
		if got := LevelForVerbosity(verbose); got != want {
			t.Fatalf("LevelForVerbosity(%d) = %v, want %v", verbose, got, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if lvl, err := ParseLevel("warning"); err != nil || lvl != slog.LevelWarn {
		t.Fatalf("ParseLevel(warning) = %v, %v", lvl, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestBuildLogWritesJSONFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	log, err := NewBuildLog(NewCLI(&console, slog.LevelWarn), dir, "stage4")
	if err != nil {
		t.Fatalf("NewBuildLog() error = %v", err)
	}
	log.Debug("debug only in file", "step", "INIT")
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if console.Len() != 0 {
		t.Fatalf("console should not receive debug records: %q", console.String())
	}

	data, err := os.ReadFile(filepath.Join(dir, "stage4.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &record); err != nil {
		t.Fatalf("decode log record: %v", err)
	}
	if record["msg"] != "debug only in file" || record["step"] != "INIT" {
		t.Fatalf("unexpected record: %v", record)
	}
}

func TestBuildLogWithoutDirUsesBase(t *testing.T) {
	log, err := NewBuildLog(nil, "", "stage4")
	if err != nil {
		t.Fatalf("NewBuildLog() error = %v", err)
	}
	if log.Logger != slog.Default() {
		t.Fatalf("expected default logger")
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
