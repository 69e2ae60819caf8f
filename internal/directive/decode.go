package directive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kingrea/grimoire/internal/roles"
	"github.com/kingrea/grimoire/internal/state"
)

// Rejection describes one batch entry that could not be decoded.
type Rejection struct {
	Index int
	Raw   string
	Err   error
}

func (r Rejection) Error() string {
	return fmt.Sprintf("entry %d: %v", r.Index, r.Err)
}

type wireDirective struct {
	Kind       string          `json:"kind"`
	Command    string          `json:"command"`
	Params     json.RawMessage `json:"params"`
	Parameters json.RawMessage `json:"parameters"`
}

// params is the union of every field any kind or legacy command reads.
type params struct {
	Target        string `json:"target"`
	ParticipantID string `json:"participant_id"`
	PlayerID      string `json:"player_id"`

	Key       string `json:"key"`
	StatusKey string `json:"status_key"`
	Value     any    `json:"value"`
	HasValue  bool   `json:"-"`
	Alive     *bool  `json:"alive"`
	Reason    string `json:"reason"`

	Phase   string   `json:"phase"`
	Day     *int     `json:"day"`
	KeyPath []string `json:"key_path"`

	Name      string `json:"name"`
	Role      string `json:"role"`
	Alignment string `json:"alignment"`
	External  bool   `json:"external"`

	Roles []string `json:"roles"`

	Category  string         `json:"category"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Payload   any            `json:"payload"`

	MessageType string   `json:"message_type"`
	Exclude     []string `json:"exclude"`

	ActionID      string         `json:"action_id"`
	ActionType    string         `json:"action_type"`
	Context       map[string]any `json:"context"`
	ActionDetails map[string]any `json:"action_details"`

	Expected        []string `json:"expected"`
	ExpectedPlayers []string `json:"expected_players"`

	Winner    string         `json:"winner"`
	Message   string         `json:"message"`
	RawOutput string         `json:"raw_output"`
	Details   map[string]any `json:"details"`
}

func (p params) participant() string {
	if id := strings.TrimSpace(p.ParticipantID); id != "" {
		return id
	}
	return strings.TrimSpace(p.PlayerID)
}

// DecodeBatch parses an authority response. The payload must be a JSON
// array or an object with a "directives" array; anything else is an error
// and yields no directives. Individual entries that fail to decode are
// returned as rejections and the rest survive in order.
func DecodeBatch(data []byte) ([]Directive, []Rejection, error) {
	entries, err := splitBatch(data)
	if err != nil {
		return nil, nil, err
	}
	out := make([]Directive, 0, len(entries))
	var rejected []Rejection
	for i, raw := range entries {
		d, err := Decode(raw)
		if err != nil {
			rejected = append(rejected, Rejection{Index: i, Raw: string(raw), Err: err})
			continue
		}
		out = append(out, d)
	}
	return out, rejected, nil
}

func splitBatch(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrMalformed)
	}
	var entries []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, fmt.Errorf("%w: batch: %v", ErrMalformed, err)
		}
	case '{':
		var wrapper struct {
			Directives *[]json.RawMessage `json:"directives"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, fmt.Errorf("%w: batch: %v", ErrMalformed, err)
		}
		if wrapper.Directives == nil {
			return nil, fmt.Errorf("%w: object batch without directives", ErrMalformed)
		}
		entries = *wrapper.Directives
	default:
		return nil, fmt.Errorf("%w: batch is not a list", ErrMalformed)
	}
	return entries, nil
}

// Decode parses a single directive object.
func Decode(raw []byte) (Directive, error) {
	var wire wireDirective
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	body := wire.Params
	if len(body) == 0 {
		body = wire.Parameters
	}
	var p params
	if len(bytes.TrimSpace(body)) > 0 && !bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("%w: params: %v", ErrMalformed, err)
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err == nil {
			_, p.HasValue = fields["value"]
		}
	}
	kind := strings.ToUpper(strings.TrimSpace(wire.Kind))
	if kind == "" {
		return decodeLegacy(strings.ToUpper(strings.TrimSpace(wire.Command)), p)
	}
	return decodeKind(Kind(kind), p)
}

func decodeKind(kind Kind, p params) (Directive, error) {
	switch kind {
	case KindStateMutate:
		return decodeMutation(p)
	case KindBroadcast:
		if p.MessageType == "" {
			return nil, missing(kind, "message_type")
		}
		return Broadcast{MessageType: p.MessageType, Payload: p.Payload, Exclude: p.Exclude}, nil
	case KindPersonalDeliver:
		if p.participant() == "" || p.MessageType == "" {
			return nil, missing(kind, "participant_id, message_type")
		}
		return PersonalDeliver{ParticipantID: p.participant(), MessageType: p.MessageType, Payload: p.Payload}, nil
	case KindRequestAction:
		if p.participant() == "" || strings.TrimSpace(p.ActionID) == "" {
			return nil, missing(kind, "participant_id, action_id")
		}
		category := p.Category
		if category == "" {
			category = p.ActionType
		}
		ctx := p.Context
		if ctx == nil {
			ctx = p.ActionDetails
		}
		return RequestAction{ActionID: strings.TrimSpace(p.ActionID), ParticipantID: p.participant(), Category: category, Context: ctx}, nil
	case KindAwait:
		if strings.TrimSpace(p.ActionID) == "" {
			return nil, missing(kind, "action_id")
		}
		expected := p.Expected
		if expected == nil {
			expected = p.ExpectedPlayers
		}
		return Await{ActionID: strings.TrimSpace(p.ActionID), Expected: expected}, nil
	case KindTerminate:
		if strings.TrimSpace(p.Winner) == "" {
			return nil, missing(kind, "winner")
		}
		return Terminate{Winner: strings.TrimSpace(p.Winner), Reason: p.Reason}, nil
	case KindCheckVictory:
		return CheckVictory{}, nil
	case KindReport:
		details := p.Details
		if p.RawOutput != "" {
			details = cloneMap(details)
			details["raw_output"] = p.RawOutput
		}
		return Report{Message: p.Message, Details: details}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func decodeMutation(p params) (Directive, error) {
	target := Target(strings.ToLower(strings.TrimSpace(p.Target)))
	id := p.participant()
	switch target {
	case TargetStatus:
		key := p.Key
		if key == "" {
			key = p.StatusKey
		}
		if id == "" || key == "" || !p.HasValue {
			return nil, missing(KindStateMutate, "participant_id, key, value")
		}
		return StatusMutation{ParticipantID: id, Key: key, Value: p.Value}, nil
	case TargetAlive:
		if id == "" || p.Alive == nil {
			return nil, missing(KindStateMutate, "participant_id, alive")
		}
		return AliveMutation{ParticipantID: id, Alive: *p.Alive, Reason: p.Reason}, nil
	case TargetPhase:
		return phaseMutation(p.Phase, p.Day)
	case TargetName:
		if id == "" || strings.TrimSpace(p.Name) == "" {
			return nil, missing(KindStateMutate, "participant_id, name")
		}
		return NameMutation{ParticipantID: id, Name: p.Name}, nil
	case TargetNominee:
		return NomineeMutation{ParticipantID: id}, nil
	case TargetParticipant:
		if id == "" {
			return nil, missing(KindStateMutate, "participant_id")
		}
		return ParticipantMutation{
			Seat:     state.Seat{ID: id, Name: p.Name, Role: p.Role, Alignment: roles.Alignment(p.Alignment)},
			External: p.External,
		}, nil
	case TargetBluffs:
		if len(p.Roles) == 0 {
			return nil, missing(KindStateMutate, "roles")
		}
		return BluffsMutation{Roles: p.Roles}, nil
	case TargetRedHerring:
		return RedHerringMutation{ParticipantID: id}, nil
	case TargetEvent:
		category := p.Category
		if category == "" {
			category = p.EventType
		}
		if strings.TrimSpace(category) == "" {
			return nil, missing(KindStateMutate, "category")
		}
		payload := p.Data
		if m, ok := p.Payload.(map[string]any); ok {
			payload = m
		}
		return EventMutation{Category: category, Payload: payload}, nil
	case "":
		return nil, missing(KindStateMutate, "target")
	default:
		return nil, fmt.Errorf("%w: unknown mutation target %q", ErrMalformed, target)
	}
}

func phaseMutation(name string, day *int) (Directive, error) {
	m := PhaseMutation{Day: -1}
	if day != nil {
		if *day < 0 {
			return nil, fmt.Errorf("%w: negative day %d", ErrMalformed, *day)
		}
		m.Day = *day
	}
	if strings.TrimSpace(name) != "" {
		phase, ok := state.ParsePhase(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown phase %q", ErrMalformed, name)
		}
		m.Phase = phase
	}
	if m.Phase == "" && m.Day < 0 {
		return nil, missing(KindStateMutate, "phase or day")
	}
	return m, nil
}

// decodeLegacy maps the storyteller's older command vocabulary onto kinds.
func decodeLegacy(command string, p params) (Directive, error) {
	switch command {
	case "":
		return nil, missing("", "kind")
	case "LOG_EVENT":
		p.Target = string(TargetEvent)
		return decodeMutation(p)
	case "UPDATE_PLAYER_STATUS":
		if p.StatusKey == state.StatusAlive || p.Key == state.StatusAlive {
			if alive, ok := p.Value.(bool); ok {
				p.Alive = &alive
				p.Target = string(TargetAlive)
				return decodeMutation(p)
			}
		}
		p.Target = string(TargetStatus)
		return decodeMutation(p)
	case "EXECUTE_PLAYER":
		dead := false
		p.Alive = &dead
		p.Target = string(TargetAlive)
		return decodeMutation(p)
	case "UPDATE_GRIMOIRE_VALUE":
		return decodeGrimoirePath(p)
	case "BROADCAST_MESSAGE":
		return decodeKind(KindBroadcast, p)
	case "SEND_PERSONAL_MESSAGE":
		return decodeKind(KindPersonalDeliver, p)
	case "REQUEST_PLAYER_ACTION":
		return decodeKind(KindRequestAction, p)
	case "AWAIT_PLAYER_RESPONSES":
		return decodeKind(KindAwait, p)
	case "END_GAME":
		return decodeKind(KindTerminate, p)
	case "CHECK_VICTORY":
		return decodeKind(KindCheckVictory, p)
	case "ERROR_LOG":
		return decodeKind(KindReport, p)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, command)
	}
}

// decodeGrimoirePath accepts only the handful of paths that have a typed
// equivalent: phase, day, and nominee.
func decodeGrimoirePath(p params) (Directive, error) {
	if len(p.KeyPath) == 0 || !p.HasValue {
		return nil, missing("UPDATE_GRIMOIRE_VALUE", "key_path, value")
	}
	path := make([]string, 0, len(p.KeyPath))
	for _, part := range p.KeyPath {
		path = append(path, strings.ToLower(strings.TrimSpace(part)))
	}
	if path[0] == "game_state" && len(path) > 1 {
		path = path[1:]
	}
	if path[0] == "player_names" {
		if len(path) != 2 {
			return nil, fmt.Errorf("%w: player_names needs a participant id", ErrMalformed)
		}
		name, _ := p.Value.(string)
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: player name must be a non-empty string", ErrMalformed)
		}
		return NameMutation{ParticipantID: strings.TrimSpace(p.KeyPath[len(p.KeyPath)-1]), Name: name}, nil
	}
	if len(path) != 1 {
		return nil, fmt.Errorf("%w: unsupported grimoire path %v", ErrMalformed, p.KeyPath)
	}
	switch path[0] {
	case "current_phase", "phase":
		name, ok := p.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: phase must be a string", ErrMalformed)
		}
		return phaseMutation(name, nil)
	case "day_number", "day", "current_day":
		n, ok := p.Value.(float64)
		if !ok || n != float64(int(n)) {
			return nil, fmt.Errorf("%w: day must be an integer", ErrMalformed)
		}
		day := int(n)
		return phaseMutation("", &day)
	case "nominee", "current_nominee":
		id, _ := p.Value.(string)
		return NomineeMutation{ParticipantID: id}, nil
	case "demon_bluffs":
		list, _ := p.Value.([]any)
		names := make([]string, 0, len(list))
		for _, item := range list {
			name, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: demon_bluffs must list role names", ErrMalformed)
			}
			names = append(names, name)
		}
		if len(names) == 0 {
			return nil, missing("UPDATE_GRIMOIRE_VALUE", "demon_bluffs roles")
		}
		return BluffsMutation{Roles: names}, nil
	case "fortune_teller_red_herring", "red_herring":
		if p.Value == nil {
			return RedHerringMutation{}, nil
		}
		id, ok := p.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: red herring must be a participant id", ErrMalformed)
		}
		return RedHerringMutation{ParticipantID: strings.TrimSpace(id)}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported grimoire path %v", ErrMalformed, p.KeyPath)
	}
}

func missing(kind Kind, fields string) error {
	if kind == "" {
		return fmt.Errorf("%w: missing %s", ErrMalformed, fields)
	}
	return fmt.Errorf("%w: %s requires %s", ErrMalformed, kind, fields)
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
