// Package audit is the append-only observability sink: every state event and
// every directive execution is written here for later replay. Nothing in the
// engine reads it back while a game is running.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/kingrea/grimoire/internal/state"
)

// Trace records one directive execution.
type Trace struct {
	GameID    string    `json:"game_id"`
	Iteration int       `json:"iteration"`
	Index     int       `json:"index"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Failed reports whether the directive returned an error.
func (t Trace) Failed() bool {
	return t.Error != ""
}

// Sink consumes events and traces.
type Sink interface {
	RecordEvent(ctx context.Context, gameID string, ev state.Event) error
	RecordTrace(ctx context.Context, tr Trace) error
}

// Reader replays what a sink stored.
type Reader interface {
	Games(ctx context.Context) ([]string, error)
	Events(ctx context.Context, gameID string) ([]state.Event, error)
	Traces(ctx context.Context, gameID string) ([]Trace, error)
}

// Discard drops everything.
type Discard struct{}

func (Discard) RecordEvent(context.Context, string, state.Event) error { return nil }
func (Discard) RecordTrace(context.Context, Trace) error               { return nil }

// Memory keeps everything in process. Tests use it as a recorder.
type Memory struct {
	mu     sync.Mutex
	order  []string
	events map[string][]state.Event
	traces map[string][]Trace
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{events: map[string][]state.Event{}, traces: map[string][]Trace{}}
}

func (m *Memory) RecordEvent(_ context.Context, gameID string, ev state.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch(gameID)
	m.events[gameID] = append(m.events[gameID], ev)
	return nil
}

func (m *Memory) RecordTrace(_ context.Context, tr Trace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch(tr.GameID)
	m.traces[tr.GameID] = append(m.traces[tr.GameID], tr)
	return nil
}

func (m *Memory) Games(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out, nil
}

func (m *Memory) Events(_ context.Context, gameID string) ([]state.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]state.Event, len(m.events[gameID]))
	copy(out, m.events[gameID])
	return out, nil
}

func (m *Memory) Traces(_ context.Context, gameID string) ([]Trace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Trace, len(m.traces[gameID]))
	copy(out, m.traces[gameID])
	return out, nil
}

func (m *Memory) touch(gameID string) {
	if _, ok := m.events[gameID]; ok {
		return
	}
	if _, ok := m.traces[gameID]; ok {
		return
	}
	m.order = append(m.order, gameID)
	m.events[gameID] = nil
}
