// Package directive defines the instructions a decision authority issues and
// the interpreter that applies them. Each directive kind, and each legal
// mutation target, is its own Go type; there is no path-based mutation.
package directive

import (
	"encoding/json"
	"errors"

	"github.com/kingrea/grimoire/internal/state"
)

// Kind names a directive family on the wire.
type Kind string

const (
	KindStateMutate     Kind = "STATE_MUTATE"
	KindBroadcast       Kind = "BROADCAST"
	KindPersonalDeliver Kind = "PERSONAL_DELIVER"
	KindRequestAction   Kind = "REQUEST_ACTION"
	KindAwait           Kind = "AWAIT"
	KindTerminate       Kind = "TERMINATE"
	KindCheckVictory    Kind = "CHECK_VICTORY"
	KindReport          Kind = "REPORT"
)

// Target names what a STATE_MUTATE directive changes.
type Target string

const (
	TargetStatus      Target = "status"
	TargetAlive       Target = "alive"
	TargetPhase       Target = "phase"
	TargetName        Target = "name"
	TargetNominee     Target = "nominee"
	TargetParticipant Target = "participant"
	TargetEvent       Target = "event"
	TargetBluffs      Target = "demon_bluffs"
	TargetRedHerring  Target = "red_herring"
)

var (
	ErrMalformed     = errors.New("directive: malformed")
	ErrUnknownKind   = errors.New("directive: unknown kind")
	ErrUnknownTarget = errors.New("directive: unknown target participant")
	ErrDelivery      = errors.New("directive: delivery failed")
)

// Directive is implemented only by the types in this package.
type Directive interface {
	Kind() Kind
	sealed()
}

// Mutation is a STATE_MUTATE directive.
type Mutation interface {
	Directive
	Target() Target
}

type mutation struct{}

func (mutation) Kind() Kind { return KindStateMutate }
func (mutation) sealed()    {}

// StatusMutation sets one status flag on a participant.
type StatusMutation struct {
	mutation
	ParticipantID string `json:"participant_id"`
	Key           string `json:"key"`
	Value         any    `json:"value"`
}

func (StatusMutation) Target() Target { return TargetStatus }

// AliveMutation kills or revives a participant.
type AliveMutation struct {
	mutation
	ParticipantID string `json:"participant_id"`
	Alive         bool   `json:"alive"`
	Reason        string `json:"reason,omitempty"`
}

func (AliveMutation) Target() Target { return TargetAlive }

// PhaseMutation moves the turn structure. An empty Phase keeps the current
// phase; a negative Day keeps the current day.
type PhaseMutation struct {
	mutation
	Phase state.Phase `json:"phase,omitempty"`
	Day   int         `json:"day"`
}

func (PhaseMutation) Target() Target { return TargetPhase }

// NameMutation renames a participant.
type NameMutation struct {
	mutation
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name"`
}

func (NameMutation) Target() Target { return TargetName }

// NomineeMutation puts a participant on the block, or clears it when empty.
type NomineeMutation struct {
	mutation
	ParticipantID string `json:"participant_id"`
}

func (NomineeMutation) Target() Target { return TargetNominee }

// ParticipantMutation seats a new participant mid-game.
type ParticipantMutation struct {
	mutation
	Seat     state.Seat `json:"seat"`
	External bool       `json:"external,omitempty"`
}

func (ParticipantMutation) Target() Target { return TargetParticipant }

// EventMutation appends an arbitrary event to the log.
type EventMutation struct {
	mutation
	Category string         `json:"category"`
	Payload  map[string]any `json:"payload,omitempty"`
}

func (EventMutation) Target() Target { return TargetEvent }

// BluffsMutation records the not-in-play Townsfolk shown to the Demon.
type BluffsMutation struct {
	mutation
	Roles []string `json:"roles"`
}

func (BluffsMutation) Target() Target { return TargetBluffs }

// RedHerringMutation picks the Fortune Teller's red herring, or clears it when empty.
type RedHerringMutation struct {
	mutation
	ParticipantID string `json:"participant_id"`
}

func (RedHerringMutation) Target() Target { return TargetRedHerring }

// Broadcast delivers one message to every seat not excluded.
type Broadcast struct {
	MessageType string   `json:"message_type"`
	Payload     any      `json:"payload,omitempty"`
	Exclude     []string `json:"exclude,omitempty"`
}

func (Broadcast) Kind() Kind { return KindBroadcast }
func (Broadcast) sealed()    {}

// PersonalDeliver delivers one message to one seat.
type PersonalDeliver struct {
	ParticipantID string `json:"participant_id"`
	MessageType   string `json:"message_type"`
	Payload       any    `json:"payload,omitempty"`
}

func (PersonalDeliver) Kind() Kind { return KindPersonalDeliver }
func (PersonalDeliver) sealed()    {}

// RequestAction asks one seat to act. The seat becomes expected for ActionID.
type RequestAction struct {
	ActionID      string         `json:"action_id"`
	ParticipantID string         `json:"participant_id"`
	Category      string         `json:"category"`
	Context       map[string]any `json:"context,omitempty"`
}

func (RequestAction) Kind() Kind { return KindRequestAction }
func (RequestAction) sealed()    {}

// Await makes the loop wait for ActionID to complete before the next call.
type Await struct {
	ActionID string   `json:"action_id"`
	Expected []string `json:"expected,omitempty"`
}

func (Await) Kind() Kind { return KindAwait }
func (Await) sealed()    {}

// Terminate ends the game after the current batch.
type Terminate struct {
	Winner string `json:"winner"`
	Reason string `json:"reason,omitempty"`
}

func (Terminate) Kind() Kind { return KindTerminate }
func (Terminate) sealed()    {}

// CheckVictory evaluates the built-in win conditions against live state.
type CheckVictory struct{}

func (CheckVictory) Kind() Kind { return KindCheckVictory }
func (CheckVictory) sealed()    {}

// Report carries a problem the authority noticed about itself.
type Report struct {
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (Report) Kind() Kind { return KindReport }
func (Report) sealed()    {}

// Describe renders a directive in its canonical wire form for traces.
func Describe(d Directive) string {
	if d == nil {
		return ""
	}
	wire := map[string]any{"kind": d.Kind(), "params": d}
	if m, ok := d.(Mutation); ok {
		wire["target"] = m.Target()
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return string(d.Kind())
	}
	return string(raw)
}
