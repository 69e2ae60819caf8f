package directive

import (
	"errors"
	"testing"

	"github.com/kingrea/grimoire/internal/state"
)

func TestDecodeBatchKeepsOrderAndRejectsBadEntries(t *testing.T) {
	data := []byte(`[
		{"kind": "STATE_MUTATE", "params": {"target": "status", "participant_id": "p1", "key": "poisoned", "value": true}},
		{"kind": "TELEPORT", "params": {}},
		{"kind": "BROADCAST", "params": {"message_type": "DAWN", "payload": {"day": 1}}},
		{"kind": "REQUEST_ACTION", "params": {"participant_id": "p2"}},
		{"kind": "AWAIT", "params": {"action_id": "A1", "expected": ["p1", "p2"]}}
	]`)
	directives, rejected, err := DecodeBatch(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(directives) != 3 {
		t.Fatalf("expected 3 directives, got %d", len(directives))
	}
	if _, ok := directives[0].(StatusMutation); !ok {
		t.Fatalf("expected status mutation first, got %T", directives[0])
	}
	if b, ok := directives[1].(Broadcast); !ok || b.MessageType != "DAWN" {
		t.Fatalf("expected broadcast second, got %#v", directives[1])
	}
	if a, ok := directives[2].(Await); !ok || len(a.Expected) != 2 {
		t.Fatalf("expected await last, got %#v", directives[2])
	}
	if len(rejected) != 2 || rejected[0].Index != 1 || rejected[1].Index != 3 {
		t.Fatalf("unexpected rejections: %+v", rejected)
	}
	if !errors.Is(rejected[0].Err, ErrUnknownKind) || !errors.Is(rejected[1].Err, ErrMalformed) {
		t.Fatalf("unexpected rejection errors: %v / %v", rejected[0].Err, rejected[1].Err)
	}
}

func TestDecodeBatchShapes(t *testing.T) {
	directives, _, err := DecodeBatch([]byte(`{"directives": [{"kind": "CHECK_VICTORY"}]}`))
	if err != nil || len(directives) != 1 {
		t.Fatalf("wrapped batch: %v %v", directives, err)
	}
	for _, bad := range []string{``, `"hello"`, `{"kind": "AWAIT"}`, `[1,`, `42`} {
		if _, _, err := DecodeBatch([]byte(bad)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected malformed batch for %q, got %v", bad, err)
		}
	}
	directives, rejected, err := DecodeBatch([]byte(`[]`))
	if err != nil || len(directives) != 0 || len(rejected) != 0 {
		t.Fatalf("empty batch should be valid")
	}
}

func TestDecodeLegacyCommands(t *testing.T) {
	cases := []struct {
		raw   string
		check func(Directive) bool
	}{
		{`{"command": "LOG_EVENT", "params": {"event_type": "NIGHT_KILL", "data": {"target": "p3"}}}`, func(d Directive) bool {
			e, ok := d.(EventMutation)
			return ok && e.Category == "NIGHT_KILL" && e.Payload["target"] == "p3"
		}},
		{`{"command": "UPDATE_PLAYER_STATUS", "params": {"player_id": "p1", "status_key": "drunk", "value": true}}`, func(d Directive) bool {
			s, ok := d.(StatusMutation)
			return ok && s.ParticipantID == "p1" && s.Key == "drunk" && s.Value == true
		}},
		{`{"command": "UPDATE_PLAYER_STATUS", "params": {"player_id": "p1", "status_key": "alive", "value": false}}`, func(d Directive) bool {
			a, ok := d.(AliveMutation)
			return ok && !a.Alive
		}},
		{`{"command": "EXECUTE_PLAYER", "params": {"player_id": "p2", "reason": "Executed by majority vote"}}`, func(d Directive) bool {
			a, ok := d.(AliveMutation)
			return ok && a.ParticipantID == "p2" && !a.Alive && a.Reason != ""
		}},
		{`{"command": "UPDATE_GRIMOIRE_VALUE", "params": {"key_path": ["current_phase"], "value": "DAY_CHAT"}}`, func(d Directive) bool {
			p, ok := d.(PhaseMutation)
			return ok && p.Phase == state.PhaseDayDiscussion && p.Day == -1
		}},
		{`{"command": "UPDATE_GRIMOIRE_VALUE", "params": {"key_path": ["day_number"], "value": 2}}`, func(d Directive) bool {
			p, ok := d.(PhaseMutation)
			return ok && p.Phase == "" && p.Day == 2
		}},
		{`{"command": "UPDATE_GRIMOIRE_VALUE", "params": {"key_path": ["player_names", "p3"], "value": "Cy"}}`, func(d Directive) bool {
			n, ok := d.(NameMutation)
			return ok && n.ParticipantID == "p3" && n.Name == "Cy"
		}},
		{`{"command": "UPDATE_GRIMOIRE_VALUE", "params": {"key_path": ["game_state", "demon_bluffs"], "value": ["Monk", "Soldier", "Mayor"]}}`, func(d Directive) bool {
			b, ok := d.(BluffsMutation)
			return ok && len(b.Roles) == 3 && b.Roles[0] == "Monk" && b.Roles[2] == "Mayor"
		}},
		{`{"command": "UPDATE_GRIMOIRE_VALUE", "params": {"key_path": ["fortune_teller_red_herring"], "value": "p4"}}`, func(d Directive) bool {
			r, ok := d.(RedHerringMutation)
			return ok && r.ParticipantID == "p4"
		}},
		{`{"kind": "STATE_MUTATE", "params": {"target": "demon_bluffs", "roles": ["Chef", "Empath", "Virgin"]}}`, func(d Directive) bool {
			b, ok := d.(BluffsMutation)
			return ok && len(b.Roles) == 3
		}},
		{`{"kind": "STATE_MUTATE", "params": {"target": "red_herring", "participant_id": "p2"}}`, func(d Directive) bool {
			r, ok := d.(RedHerringMutation)
			return ok && r.ParticipantID == "p2"
		}},
		{`{"command": "SEND_PERSONAL_MESSAGE", "params": {"player_id": "p1", "message_type": "INFO", "payload": "psst"}}`, func(d Directive) bool {
			p, ok := d.(PersonalDeliver)
			return ok && p.ParticipantID == "p1" && p.Payload == "psst"
		}},
		{`{"command": "REQUEST_PLAYER_ACTION", "params": {"player_id": "p1", "action_id": "N1", "action_type": "NIGHT_CHOICE", "action_details": {"pick": 1}}}`, func(d Directive) bool {
			r, ok := d.(RequestAction)
			return ok && r.Category == "NIGHT_CHOICE" && r.Context["pick"] == float64(1)
		}},
		{`{"command": "AWAIT_PLAYER_RESPONSES", "params": {"action_id": "N1", "expected_players": ["p1"]}}`, func(d Directive) bool {
			a, ok := d.(Await)
			return ok && a.ActionID == "N1" && len(a.Expected) == 1
		}},
		{`{"command": "END_GAME", "params": {"winner": "Good", "reason": "Imp executed"}}`, func(d Directive) bool {
			term, ok := d.(Terminate)
			return ok && term.Winner == "Good"
		}},
		{`{"command": "ERROR_LOG", "params": {"message": "bad json", "raw_output": "{{"}}`, func(d Directive) bool {
			r, ok := d.(Report)
			return ok && r.Details["raw_output"] == "{{"
		}},
	}
	for _, tc := range cases {
		d, err := Decode([]byte(tc.raw))
		if err != nil {
			t.Fatalf("decode %s: %v", tc.raw, err)
		}
		if !tc.check(d) {
			t.Fatalf("unexpected directive for %s: %#v", tc.raw, d)
		}
	}
}

func TestDecodeRejectsIncompleteMutations(t *testing.T) {
	for _, raw := range []string{
		`{"kind": "STATE_MUTATE", "params": {"target": "status", "participant_id": "p1", "key": "drunk"}}`,
		`{"kind": "STATE_MUTATE", "params": {"target": "alive", "participant_id": "p1"}}`,
		`{"kind": "STATE_MUTATE", "params": {"target": "phase", "phase": "BRUNCH"}}`,
		`{"kind": "STATE_MUTATE", "params": {"target": "weather"}}`,
		`{"kind": "STATE_MUTATE", "params": {}}`,
		`{"command": "UPDATE_GRIMOIRE_VALUE", "params": {"key_path": ["demon_bluffs"], "value": []}}`,
		`{"command": "UPDATE_GRIMOIRE_VALUE", "params": {"key_path": ["demon_bluffs"], "value": ["Monk", 7, "Mayor"]}}`,
		`{"command": "UPDATE_GRIMOIRE_VALUE", "params": {"key_path": ["player_names"], "value": "Cy"}}`,
		`{"command": "UPDATE_GRIMOIRE_VALUE", "params": {"key_path": ["weather", "today"], "value": "rain"}}`,
		`{"kind": "STATE_MUTATE", "params": {"target": "demon_bluffs"}}`,
		`{"params": {"target": "status"}}`,
	} {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected malformed for %s, got %v", raw, err)
		}
	}
}

func TestDescribeIncludesTarget(t *testing.T) {
	got := Describe(AliveMutation{ParticipantID: "p1"})
	want := `{"kind":"STATE_MUTATE","params":{"participant_id":"p1","alive":false},"target":"alive"}`
	if got != want {
		t.Fatalf("describe = %s", got)
	}
}
