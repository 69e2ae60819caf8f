// Package participant adapts seats to the engine. Internal seats answer
// action requests from a policy running in its own goroutine; external seats
// are handed the request over a channel and answer whenever they like.
package participant

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kingrea/grimoire/internal/broker"
)

// Kind distinguishes autonomous from externally connected seats.
type Kind string

const (
	KindInternal Kind = "internal"
	KindExternal Kind = "external"
)

// Message types the engine itself produces.
const (
	MessageActionRequest = "ACTION_REQUEST"
	MessageGameEnd       = "GAME_END"
	// MessagePrivateInfo tells one seat its own role and alignment.
	MessagePrivateInfo = "PRIVATE_INFO"
	// MessageStateUpdate carries the public table after a phase change.
	MessageStateUpdate = "GAME_STATE_UPDATE"
)

var (
	ErrDuplicateAdapter = errors.New("participant: adapter already registered")
	ErrTimeout          = errors.New("participant: action timed out")
	ErrCancelled        = errors.New("participant: action cancelled")
	ErrNoChannel        = errors.New("participant: no channel")
)

// Message is anything pushed to a seat.
type Message struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	To       string `json:"to,omitempty"`
	ActionID string `json:"action_id,omitempty"`
	Category string `json:"category,omitempty"`
	Payload  any    `json:"payload,omitempty"`
}

// Request asks one seat for one action result.
type Request struct {
	ActionID      string         `json:"action_id"`
	ParticipantID string         `json:"participant_id"`
	Category      string         `json:"category"`
	Context       map[string]any `json:"context,omitempty"`
}

// Recorder accepts results. *broker.Broker satisfies it.
type Recorder interface {
	RecordResult(actionID, participantID string, result broker.Result) bool
}

// Adapter is the engine's handle on one seat.
type Adapter interface {
	ID() string
	Kind() Kind
	// Deliver pushes an informational message. It never blocks on the seat.
	Deliver(ctx context.Context, msg Message) error
	// Request starts an action and returns without waiting for the answer;
	// the answer (or an error-tagged result) reaches rec later.
	Request(ctx context.Context, req Request, rec Recorder) error
}

// Roster holds adapters in seating order.
type Roster struct {
	mu       sync.RWMutex
	order    []string
	adapters map[string]Adapter
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{adapters: map[string]Adapter{}}
}

// Register adds an adapter.
func (r *Roster) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("participant: nil adapter")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[a.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAdapter, a.ID())
	}
	r.adapters[a.ID()] = a
	r.order = append(r.order, a.ID())
	return nil
}

// Get looks up an adapter by participant id.
func (r *Roster) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// All returns adapters in seating order.
func (r *Roster) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.adapters[id])
	}
	return out
}

// Len reports how many seats are registered.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func newMessageID() string {
	return uuid.NewString()
}
