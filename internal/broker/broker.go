// Package broker reconciles action results from participants against the
// expectations the storyteller declared. It is the only place results are
// written; every write goes through the broker's lock so "check complete"
// and "record result" can never lose an update.
package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidAction = errors.New("broker: action id is required")
	ErrRetired       = errors.New("broker: action id already retired")
)

// Result is one participant's answer to an action request.
type Result struct {
	ActionID      string          `json:"action_id"`
	ParticipantID string          `json:"participant_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
	RecordedAt    time.Time       `json:"recorded_at"`
}

// Failed reports whether the result is error-tagged.
func (r Result) Failed() bool {
	return r.Error != ""
}

// ErrorResult builds an error-tagged result.
func ErrorResult(err error) Result {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Result{Error: msg}
}

// PayloadResult marshals value into a result payload. Values that cannot be
// encoded become error-tagged results so the group still completes.
func PayloadResult(value any) Result {
	raw, err := json.Marshal(value)
	if err != nil {
		return ErrorResult(fmt.Errorf("encode result: %w", err))
	}
	return Result{Payload: raw}
}

// Logger receives diagnostics for dropped results. logbook.Logbook satisfies it.
type Logger interface {
	Warn(format string, args ...any)
}

type group struct {
	expected map[string]struct{}
	results  map[string]Result
	retired  bool
}

func (g *group) complete() bool {
	for id := range g.expected {
		if _, ok := g.results[id]; !ok {
			return false
		}
	}
	return true
}

func (g *group) outstanding() []string {
	var ids []string
	for id := range g.expected {
		if _, ok := g.results[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Broker is safe for concurrent use.
type Broker struct {
	mu      sync.Mutex
	groups  map[string]*group
	fresh   []Result
	changed chan struct{}
	logger  Logger
	clock   func() time.Time
}

// Option customizes a Broker.
type Option func(*Broker)

// WithLogger injects a logger for dropped results.
func WithLogger(l Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(b *Broker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// New returns an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		groups:  map[string]*group{},
		changed: make(chan struct{}, 1),
		clock:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// DeclareExpectation unions ids into the group for actionID, creating it
// when needed. Declaring the same ids twice is a no-op.
func (b *Broker) DeclareExpectation(actionID string, ids ...string) error {
	actionID = strings.TrimSpace(actionID)
	if actionID == "" {
		return ErrInvalidAction
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[actionID]
	if !ok {
		g = &group{expected: map[string]struct{}{}, results: map[string]Result{}}
		b.groups[actionID] = g
	}
	if g.retired {
		return fmt.Errorf("%w: %s", ErrRetired, actionID)
	}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		g.expected[id] = struct{}{}
	}
	return nil
}

// RecordResult stores a result when actionID is open and participantID is
// expected. Anything else is dropped with a warning and leaves the broker
// untouched; it reports whether the result was kept.
func (b *Broker) RecordResult(actionID, participantID string, result Result) bool {
	b.mu.Lock()
	g, ok := b.groups[actionID]
	switch {
	case !ok:
		b.mu.Unlock()
		b.warn("broker: dropped result from %s for unknown action %s", participantID, actionID)
		return false
	case g.retired:
		b.mu.Unlock()
		b.warn("broker: dropped result from %s for closed action %s", participantID, actionID)
		return false
	}
	if _, expected := g.expected[participantID]; !expected {
		b.mu.Unlock()
		b.warn("broker: dropped result from %s, not expected for action %s", participantID, actionID)
		return false
	}
	result.ActionID = actionID
	result.ParticipantID = participantID
	if result.RecordedAt.IsZero() {
		result.RecordedAt = b.clock()
	}
	g.results[participantID] = result
	b.fresh = append(b.fresh, result)
	b.mu.Unlock()
	b.signal()
	return true
}

// IsComplete reports whether every expected participant has a result.
// Unknown action ids are never complete.
func (b *Broker) IsComplete(actionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[actionID]
	if !ok {
		return false
	}
	return g.complete()
}

// PendingSummary lists, per open action id, the participants still outstanding.
func (b *Broker) PendingSummary() map[string][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	summary := map[string][]string{}
	for id, g := range b.groups {
		if g.retired {
			continue
		}
		if missing := g.outstanding(); len(missing) > 0 {
			summary[id] = missing
		}
	}
	return summary
}

// Results copies the collected results for an action.
func (b *Broker) Results(actionID string) map[string]Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[actionID]
	if !ok {
		return nil
	}
	out := make(map[string]Result, len(g.results))
	for id, r := range g.results {
		out[id] = r
	}
	return out
}

// Drain returns the results recorded since the previous drain, in arrival order.
func (b *Broker) Drain() []Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.fresh
	b.fresh = nil
	return out
}

// RetireCompleted closes every complete group whose results have all been
// drained and returns the retired ids. Retired ids are never reopened.
func (b *Broker) RetireCompleted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	undrained := map[string]struct{}{}
	for _, r := range b.fresh {
		undrained[r.ActionID] = struct{}{}
	}
	var retired []string
	for id, g := range b.groups {
		if g.retired || !g.complete() {
			continue
		}
		if _, waiting := undrained[id]; waiting {
			continue
		}
		g.retired = true
		retired = append(retired, id)
	}
	sort.Strings(retired)
	return retired
}

// Retire closes one action id regardless of completeness.
func (b *Broker) Retire(actionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[actionID]
	if !ok || g.retired {
		return false
	}
	g.retired = true
	return true
}

// Changed fires (coalesced) after every accepted result.
func (b *Broker) Changed() <-chan struct{} {
	return b.changed
}

// Reset discards every group and undrained result.
func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groups = map[string]*group{}
	b.fresh = nil
}

func (b *Broker) signal() {
	select {
	case b.changed <- struct{}{}:
	default:
	}
}

func (b *Broker) warn(format string, args ...any) {
	if b.logger != nil {
		b.logger.Warn(format, args...)
	}
}
