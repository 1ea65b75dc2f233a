package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for name, want := range tests {
		got, err := ParseLevel(name)
		if err != nil {
			t.Fatalf("ParseLevel(%q) failed: %v", name, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Errorf("expected error for unknown level")
	}
}

func TestSetupAddsSubsystem(t *testing.T) {
	previous := slog.Default()
	defer slog.SetDefault(previous)

	var buf bytes.Buffer
	Setup(&buf, slog.LevelInfo, 0)
	Info("epoch finished", Trainer, "epoch", 3)

	out := buf.String()
	if !strings.Contains(out, "subsystem=trainer") || !strings.Contains(out, "epoch=3") {
		t.Errorf("unexpected log line %q", out)
	}
}

func TestNonMainRankOnlyWarns(t *testing.T) {
	previous := slog.Default()
	defer slog.SetDefault(previous)

	var buf bytes.Buffer
	Setup(&buf, slog.LevelDebug, 2)
	Info("hidden", Engine)
	Warn("shown", Engine)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record leaked from rank 2: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "rank=2") {
		t.Errorf("missing warning from rank 2: %q", out)
	}
}

func TestWithNoopLogger(t *testing.T) {
	previous := slog.Default()
	defer slog.SetDefault(previous)

	var buf bytes.Buffer
	Setup(&buf, slog.LevelInfo, 0)
	err := WithNoopLogger(func() error {
		Error("silenced", Config)
		return nil
	})
	if err != nil {
		t.Fatalf("WithNoopLogger returned %v", err)
	}
	Info("after", Config)
	if strings.Contains(buf.String(), "silenced") || !strings.Contains(buf.String(), "after") {
		t.Errorf("unexpected output %q", buf.String())
	}
}
