package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewWithWriterText(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: slog.LevelInfo})

	logger.Info("ingestion started", "document_id", "doc-1")

	out := buf.String()
	if !strings.Contains(out, "ingestion started") {
		t.Errorf("expected message in output, got %q", out)
	}
	if !strings.Contains(out, "document_id=doc-1") {
		t.Errorf("expected attribute in output, got %q", out)
	}
}

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{JSON: true})

	logger.Info("hello")

	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("expected JSON output, got %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: slog.LevelWarn})

	logger.Debug("too quiet")
	logger.Info("still too quiet")

	if buf.Len() != 0 {
		t.Errorf("expected no output below warn level, got %q", buf.String())
	}

	logger.Warn("loud enough")
	if !strings.Contains(buf.String(), "loud enough") {
		t.Errorf("expected warn output, got %q", buf.String())
	}
}

func TestNewNopDiscards(t *testing.T) {
	logger := NewNop()
	// Must not panic and must accept any level.
	logger.Debug("discarded")
	logger.Error("discarded")
}
