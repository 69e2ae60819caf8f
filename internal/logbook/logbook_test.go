package logbook

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLogbookWritesFileAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "game.log")
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var mirror bytes.Buffer
	lb, err := New(path, WithClock(func() time.Time { return fixed }), WithMirror(&mirror))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	lb.Info("game %s started", "g1")
	lb.Warn("dropped directive %d", 3)
	lb.Error("authority failed")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), data)
	}
	if !strings.HasPrefix(lines[1], "2026-01-02T03:04:05Z WARN  dropped directive 3") {
		t.Fatalf("unexpected warn line: %q", lines[1])
	}
	if mirror.String() != string(data) {
		t.Fatalf("mirror should receive identical lines")
	}
	tail := lb.Tail(2)
	if len(tail) != 2 || tail[0].Level != LevelWarn || tail[1].Level != LevelError {
		t.Fatalf("unexpected tail: %+v", tail)
	}
	if lb.Count(LevelWarn) != 1 {
		t.Fatalf("expected one warning")
	}
}

func TestMemoryLogbookBoundsTail(t *testing.T) {
	lb := Memory(WithTailLimit(2))
	lb.Info("a")
	lb.Info("b")
	lb.Info("c")
	tail := lb.Tail(10)
	if len(tail) != 2 || tail[0].Message != "b" {
		t.Fatalf("expected bounded tail, got %+v", tail)
	}
	var nilBook *Logbook
	nilBook.Warn("ignored")
	if nilBook.Tail(1) != nil {
		t.Fatalf("nil logbook should discard")
	}
}
