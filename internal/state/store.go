// Package state holds the canonical record of a game: seats, their status
// flags, the phase/day counter, and the append-only event log. Nothing
// outside this package mutates that record except through Store methods.
package state

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/grimoire/internal/roles"
)

// Store is safe for concurrent use. Observers run while the store lock is
// held so they see events in sequence order; they must not call back into
// the store.
type Store struct {
	mu           sync.RWMutex
	catalog      *roles.Catalog
	clock        func() time.Time
	observers    []func(Event)
	order        []string
	participants map[string]*Participant
	events       []Event
	seq          int64
	phase        Phase
	day          int
	nominee      string
	bluffs       []string
	redHerring   string
	cleared      bool
}

// Option customizes a Store.
type Option func(*Store)

// WithCatalog overrides the role catalog used for alignment and status defaults.
func WithCatalog(cat *roles.Catalog) Option {
	return func(s *Store) {
		if cat != nil {
			s.catalog = cat
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithObserver registers a callback for every appended event.
func WithObserver(fn func(Event)) Option {
	return func(s *Store) {
		if fn != nil {
			s.observers = append(s.observers, fn)
		}
	}
}

// NewStore returns an empty store in the SETUP phase.
func NewStore(opts ...Option) *Store {
	s := &Store{
		catalog:      roles.Builtin(),
		clock:        func() time.Time { return time.Now().UTC() },
		participants: map[string]*Participant{},
		phase:        PhaseSetup,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Catalog exposes the role catalog backing the store.
func (s *Store) Catalog() *roles.Catalog {
	return s.catalog
}

// AddParticipant seats a new participant with default status flags.
func (s *Store) AddParticipant(seat Seat) (Participant, error) {
	seat.ID = strings.TrimSpace(seat.ID)
	seat.Role = strings.TrimSpace(seat.Role)
	if seat.ID == "" {
		return Participant{}, fmt.Errorf("%w: id is required", ErrInvalidSeat)
	}
	alignment := seat.Alignment
	if alignment == "" {
		alignment = s.catalog.AlignmentOf(seat.Role)
	}
	if alignment != roles.AlignmentGood && alignment != roles.AlignmentEvil {
		return Participant{}, fmt.Errorf("%w: %s has no alignment for role %q", ErrInvalidSeat, seat.ID, seat.Role)
	}
	name := strings.TrimSpace(seat.Name)
	if name == "" {
		name = seat.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleared {
		return Participant{}, ErrCleared
	}
	if _, exists := s.participants[seat.ID]; exists {
		return Participant{}, fmt.Errorf("%w: %s", ErrDuplicateParticipant, seat.ID)
	}
	p := &Participant{
		ID:        seat.ID,
		Name:      name,
		Role:      seat.Role,
		Alignment: alignment,
		Alive:     true,
		Statuses:  s.catalog.DefaultStatuses(seat.Role),
	}
	s.participants[p.ID] = p
	s.order = append(s.order, p.ID)
	s.appendLocked(CategoryParticipantAdded, map[string]any{
		"participant_id": p.ID,
		"name":           p.Name,
		"role":           p.Role,
		"alignment":      string(p.Alignment),
	})
	return p.clone(), nil
}

// UpdateStatus sets one status flag. The "alive" key toggles the alive flag.
func (s *Store) UpdateStatus(id, key string, value any) error {
	key = strings.TrimSpace(key)
	normalized, err := normalizeStatusValue(value)
	if err != nil {
		return fmt.Errorf("%w: %s=%v", err, key, value)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}
	if key == StatusAlive {
		alive, isBool := normalized.(bool)
		if !isBool {
			return fmt.Errorf("%w: alive must be boolean", ErrInvalidStatusValue)
		}
		p.Alive = alive
	} else {
		if _, known := p.Statuses[key]; !known {
			return fmt.Errorf("%w: %s on %s", ErrUnknownStatusKey, key, id)
		}
		p.Statuses[key] = normalized
	}
	s.appendLocked(CategoryStatusUpdate, map[string]any{
		"participant_id": id,
		"status":         key,
		"value":          normalized,
	})
	return nil
}

// SetAlive kills or revives a participant. Killing appends a DEATH event.
func (s *Store) SetAlive(id string, alive bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}
	if !alive && !p.Alive {
		return fmt.Errorf("%w: %s", ErrAlreadyDead, id)
	}
	p.Alive = alive
	if alive {
		s.appendLocked(CategoryStatusUpdate, map[string]any{
			"participant_id": id,
			"status":         StatusAlive,
			"value":          true,
		})
		return nil
	}
	s.appendLocked(CategoryDeath, map[string]any{
		"participant_id": id,
		"role_at_death":  p.Role,
		"reason":         reason,
	})
	return nil
}

// SetName changes a participant's display name.
func (s *Store) SetName(id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSeat)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}
	p.Name = name
	s.appendLocked(CategoryNameSet, map[string]any{"participant_id": id, "name": name})
	return nil
}

// SetNominee records the player currently on the block. An empty id clears it.
func (s *Store) SetNominee(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		if _, ok := s.participants[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
		}
	}
	s.nominee = id
	s.appendLocked(CategoryNomineeSet, map[string]any{"participant_id": id})
	return nil
}

// DemonBluffCount is how many not-in-play Townsfolk the Demon is shown.
const DemonBluffCount = 3

// SetDemonBluffs records the Townsfolk roles shown to the Demon. Each must be
// a distinct catalog Townsfolk that no seat holds.
func (s *Store) SetDemonBluffs(names []string) error {
	if len(names) != DemonBluffCount {
		return fmt.Errorf("%w: want %d roles, got %d", ErrInvalidBluffs, DemonBluffCount, len(names))
	}
	bluffs := make([]string, 0, len(names))
	seen := map[string]bool{}
	for _, name := range names {
		role, ok := s.catalog.Lookup(name)
		if !ok || role.Type != roles.TypeTownsfolk {
			return fmt.Errorf("%w: %q is not a townsfolk role", ErrInvalidBluffs, name)
		}
		if seen[role.Name] {
			return fmt.Errorf("%w: %q listed twice", ErrInvalidBluffs, role.Name)
		}
		seen[role.Name] = true
		bluffs = append(bluffs, role.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleared {
		return ErrCleared
	}
	for _, id := range s.order {
		if seen[s.participants[id].Role] {
			return fmt.Errorf("%w: %q is in play", ErrInvalidBluffs, s.participants[id].Role)
		}
	}
	s.bluffs = bluffs
	s.appendLocked(CategoryDemonBluffsSet, map[string]any{"roles": append([]string(nil), bluffs...)})
	return nil
}

// SetRedHerring marks the good player the Fortune Teller reads as a demon.
// An empty id clears it.
func (s *Store) SetRedHerring(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		if _, ok := s.participants[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
		}
	}
	s.redHerring = id
	s.appendLocked(CategoryRedHerringSet, map[string]any{"participant_id": id})
	return nil
}

// SetPhase moves the game to a new phase through a PHASE_CHANGE event. A
// negative day keeps the current day counter.
func (s *Store) SetPhase(phase Phase, day int) Event {
	payload := map[string]any{"phase": string(phase)}
	if day >= 0 {
		payload["day"] = day
	}
	return s.AppendEvent(CategoryPhaseChange, payload)
}

// AppendEvent always succeeds. PHASE_CHANGE events also move the phase and
// day counter, so phase transitions are observable only through the log.
func (s *Store) AppendEvent(category string, payload map[string]any) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(strings.TrimSpace(category), clonePayload(payload))
}

func (s *Store) appendLocked(category string, payload map[string]any) Event {
	s.seq++
	ev := Event{Seq: s.seq, Category: category, Payload: payload, At: s.clock()}
	s.events = append(s.events, ev)
	if category == CategoryPhaseChange {
		s.applyPhaseChangeLocked(payload)
	}
	for _, fn := range s.observers {
		fn(ev.clone())
	}
	return ev.clone()
}

func (s *Store) applyPhaseChangeLocked(payload map[string]any) {
	raw, ok := payload["phase"]
	if !ok {
		raw = payload["new_phase"]
	}
	if name, isString := raw.(string); isString {
		if phase, known := ParsePhase(name); known {
			s.phase = phase
		}
	}
	if day, ok := intValue(payload["day"]); ok && day >= 0 {
		s.day = day
	}
}

// Snapshot deep-copies the store with the most recent events. recent <= 0
// includes the full log.
func (s *Store) Snapshot(recent int) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Phase:        s.phase,
		Day:          s.day,
		Nominee:      s.nominee,
		DemonBluffs:  append([]string(nil), s.bluffs...),
		RedHerring:   s.redHerring,
		Participants: make([]Participant, 0, len(s.order)),
		LastSeq:      s.seq,
		Cleared:      s.cleared,
	}
	for _, id := range s.order {
		snap.Participants = append(snap.Participants, s.participants[id].clone())
	}
	start := 0
	if recent > 0 && len(s.events) > recent {
		start = len(s.events) - recent
	}
	snap.Events = make([]Event, 0, len(s.events)-start)
	for _, ev := range s.events[start:] {
		snap.Events = append(snap.Events, ev.clone())
	}
	return snap
}

// Events returns every event with a sequence greater than afterSeq.
func (s *Store) Events(afterSeq int64) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Seq > afterSeq {
			out = append(out, ev.clone())
		}
	}
	return out
}

// Participant returns a copy of one seat.
func (s *Store) Participant(id string) (Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return Participant{}, false
	}
	return p.clone(), true
}

// Has reports whether a participant id is seated.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.participants[id]
	return ok
}

// IDs lists every seat in seating order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Phase returns the current phase and day.
func (s *Store) Phase() (Phase, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase, s.day
}

// Clear drops all game state. A cleared store tells the loop to stop.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants = map[string]*Participant{}
	s.order = nil
	s.events = nil
	s.nominee = ""
	s.bluffs = nil
	s.redHerring = ""
	s.phase = PhaseTerminated
	s.cleared = true
}

// Cleared reports whether Clear has been called.
func (s *Store) Cleared() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cleared
}

func normalizeStatusValue(value any) (any, error) {
	switch v := value.(type) {
	case bool, string:
		return v, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, ErrInvalidStatusValue
		}
		if v == math.Trunc(v) && math.Abs(v) < 1<<31 {
			return int(v), nil
		}
		return v, nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, ErrInvalidStatusValue
		}
		return f, nil
	default:
		return nil, ErrInvalidStatusValue
	}
}

func intValue(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		i, err := v.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}
