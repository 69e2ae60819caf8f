// Package logbook keeps the storyteller-facing game log: every dropped
// directive, uncorrelated result, and authority failure lands here at the
// matching level. Entries go to a text file when one is configured and are
// always retained in a bounded in-memory tail for the spectator view.
package logbook

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const defaultTail = 200

// Entry is one retained line.
type Entry struct {
	At      time.Time
	Level   Level
	Message string
}

// String renders the entry the way it is written to disk.
func (e Entry) String() string {
	return fmt.Sprintf("%s %-5s %s", e.At.UTC().Format(time.RFC3339), string(e.Level), e.Message)
}

// Logbook is safe for concurrent use. The zero value and a nil *Logbook
// both discard entries.
type Logbook struct {
	mu      sync.Mutex
	path    string
	mirror  io.Writer
	entries []Entry
	limit   int
	clock   func() time.Time
}

// Option customizes a Logbook.
type Option func(*Logbook)

// WithMirror copies every line to w (stderr in the CLI).
func WithMirror(w io.Writer) Option {
	return func(l *Logbook) {
		l.mirror = w
	}
}

// WithTailLimit bounds the in-memory tail.
func WithTailLimit(n int) Option {
	return func(l *Logbook) {
		if n > 0 {
			l.limit = n
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(l *Logbook) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New creates a logbook that writes to path. An empty path keeps entries in
// memory only.
func New(path string, opts ...Option) (*Logbook, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("logbook: ensure dir: %w", err)
		}
	}
	l := &Logbook{path: path, limit: defaultTail, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// Memory returns a logbook without a backing file.
func Memory(opts ...Option) *Logbook {
	l, _ := New("", opts...)
	return l
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes a single entry to the logbook.
func (l *Logbook) Append(level Level, message string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := Entry{At: l.clock(), Level: level, Message: strings.TrimSpace(message)}
	if l.limit <= 0 {
		l.limit = defaultTail
	}
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.limit {
		l.entries = l.entries[len(l.entries)-l.limit:]
	}
	line := entry.String() + "\n"
	if l.mirror != nil {
		_, _ = io.WriteString(l.mirror, line)
	}
	if l.path == "" {
		return
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.WriteString(line)
}

// Tail returns up to maxLines of the most recent entries.
func (l *Logbook) Tail(maxLines int) []Entry {
	if l == nil || maxLines <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	start := 0
	if len(l.entries) > maxLines {
		start = len(l.entries) - maxLines
	}
	out := make([]Entry, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

// Count returns how many retained entries have the given level.
func (l *Logbook) Count(level Level) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.Level == level {
			n++
		}
	}
	return n
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) {
	l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) {
	l.Append(LevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) {
	l.Append(LevelError, fmt.Sprintf(format, args...))
}
