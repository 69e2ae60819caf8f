package state

import (
	"errors"
	"strings"
	"time"

	"github.com/kingrea/grimoire/internal/roles"
)

// Phase is the stage of the turn structure. It is data, never control flow.
type Phase string

const (
	PhaseSetup         Phase = "SETUP"
	PhaseFirstNight    Phase = "FIRST_NIGHT"
	PhaseNight         Phase = "NIGHT"
	PhaseDayDiscussion Phase = "DAY_DISCUSSION"
	PhaseNomination    Phase = "NOMINATION"
	PhaseVoting        Phase = "VOTING"
	PhaseTerminated    Phase = "TERMINATED"
)

var phaseAliases = map[string]Phase{
	"DAY_CHAT": PhaseDayDiscussion,
	"DAY":      PhaseDayDiscussion,
	"GAME_END": PhaseTerminated,
}

// ParsePhase resolves a phase name, accepting a few storyteller spellings.
func ParsePhase(value string) (Phase, bool) {
	name := strings.ToUpper(strings.TrimSpace(value))
	switch Phase(name) {
	case PhaseSetup, PhaseFirstNight, PhaseNight, PhaseDayDiscussion, PhaseNomination, PhaseVoting, PhaseTerminated:
		return Phase(name), true
	}
	if alias, ok := phaseAliases[name]; ok {
		return alias, true
	}
	return "", false
}

// Event categories appended by the store itself or commonly used by the storyteller.
const (
	CategoryParticipantAdded = "PARTICIPANT_ADDED"
	CategoryStatusUpdate     = "STATUS_UPDATE"
	CategoryPhaseChange      = "PHASE_CHANGE"
	CategoryDeath            = "DEATH"
	CategoryNameSet          = "NAME_SET"
	CategoryNomineeSet       = "NOMINEE_SET"
	CategoryDemonBluffsSet   = "DEMON_BLUFFS_SET"
	CategoryRedHerringSet    = "RED_HERRING_SET"
	CategoryAwaitTimeout     = "AWAIT_TIMEOUT"
	CategoryVictoryCheck     = "VICTORY_CHECK"
	CategoryGameOver         = "GAME_OVER"
	CategoryStorytellerNote  = "STORYTELLER_NOTE"
)

// StatusAlive is the status key that maps onto Participant.Alive.
const StatusAlive = "alive"

var (
	ErrDuplicateParticipant = errors.New("state: duplicate participant")
	ErrUnknownParticipant   = errors.New("state: unknown participant")
	ErrUnknownStatusKey     = errors.New("state: unknown status key")
	ErrInvalidStatusValue   = errors.New("state: invalid status value")
	ErrInvalidSeat          = errors.New("state: invalid seat")
	ErrAlreadyDead          = errors.New("state: participant already dead")
	ErrInvalidBluffs        = errors.New("state: invalid demon bluffs")
	ErrCleared              = errors.New("state: store cleared")
)

// Seat is the input to AddParticipant.
type Seat struct {
	ID        string          `json:"id" yaml:"id"`
	Name      string          `json:"name,omitempty" yaml:"name,omitempty"`
	Role      string          `json:"role" yaml:"role"`
	Alignment roles.Alignment `json:"alignment,omitempty" yaml:"alignment,omitempty"`
}

// Participant is one seat at the table.
type Participant struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Role      string          `json:"role"`
	Alignment roles.Alignment `json:"alignment"`
	Alive     bool            `json:"alive"`
	Statuses  map[string]any  `json:"statuses"`
}

// Event is one immutable entry of the audit trail.
type Event struct {
	Seq      int64          `json:"seq"`
	Category string         `json:"category"`
	Payload  map[string]any `json:"payload,omitempty"`
	At       time.Time      `json:"at"`
}

// Snapshot is a point-in-time deep copy of the store.
type Snapshot struct {
	Phase        Phase         `json:"phase"`
	Day          int           `json:"day"`
	Nominee      string        `json:"nominee,omitempty"`
	DemonBluffs  []string      `json:"demon_bluffs,omitempty"`
	RedHerring   string        `json:"fortune_teller_red_herring,omitempty"`
	Participants []Participant `json:"participants"`
	Events       []Event       `json:"recent_events"`
	LastSeq      int64         `json:"last_seq"`
	Cleared      bool          `json:"cleared,omitempty"`
}

// Participant finds a seat in the snapshot.
func (s Snapshot) Participant(id string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// AliveIDs lists living seats in seating order.
func (s Snapshot) AliveIDs() []string {
	var ids []string
	for _, p := range s.Participants {
		if p.Alive {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

func (p *Participant) clone() Participant {
	out := *p
	out.Statuses = make(map[string]any, len(p.Statuses))
	for k, v := range p.Statuses {
		out.Statuses[k] = v
	}
	return out
}

func (e Event) clone() Event {
	e.Payload = clonePayload(e.Payload)
	return e
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return clonePayload(v)
	case []any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = cloneValue(v[i])
		}
		return out
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	default:
		return v
	}
}
