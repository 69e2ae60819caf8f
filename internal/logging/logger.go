package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/grimoire/internal/config"
)

// Logger appends timestamped lines to .grimoire/logs/grimoire.log. It is the
// process log for transports and lifecycle; game events go to the logbook.
// Loggers derived with Component share the file and its lock.
type Logger struct {
	out       *output
	component string
}

type output struct {
	mu    sync.Mutex
	file  *os.File
	clock func() time.Time
}

// Option customizes a Logger.
type Option func(*output)

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(o *output) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// New opens the process log under the game directory's .grimoire/logs.
func New(projectDir string, opts ...Option) (*Logger, error) {
	return Open(filepath.Join(projectDir, config.GrimoireDir, "logs", "grimoire.log"), opts...)
}

// Open appends to the log file at path, creating its directory.
func Open(path string, opts ...Option) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	out := &output{file: f, clock: time.Now}
	for _, opt := range opts {
		opt(out)
	}
	return &Logger{out: out}, nil
}

// Component returns a logger that tags every line with name.
func (l *Logger) Component(name string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{out: l.out, component: strings.TrimSpace(name)}
}

// Close releases the file handle. Component loggers share it, so close the
// root logger once.
func (l *Logger) Close() error {
	if l == nil || l.out == nil {
		return nil
	}
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	if l.out.file == nil {
		return nil
	}
	err := l.out.file.Close()
	l.out.file = nil
	return err
}

// Printf writes a single timestamped line.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.out == nil {
		return
	}
	line := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	if l.component != "" {
		line = l.component + ": " + line
	}
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	if l.out.file == nil {
		return
	}
	fmt.Fprintf(l.out.file, "[%s] %s\n", l.out.clock().Format(time.RFC3339), line)
}
