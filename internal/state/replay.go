package state

import (
	"encoding/json"

	"github.com/kingrea/grimoire/internal/roles"
)

// Replay folds an event log back into the snapshot it describes. Default
// statuses are not logged, so only statuses that changed during the game
// appear. recent bounds the events kept in the snapshot; zero keeps all.
func Replay(events []Event, recent int) Snapshot {
	snap := Snapshot{Phase: PhaseSetup}
	index := map[string]int{}
	for _, ev := range events {
		snap.LastSeq = ev.Seq
		id, _ := ev.Payload["participant_id"].(string)
		switch ev.Category {
		case CategoryParticipantAdded:
			if _, seen := index[id]; seen || id == "" {
				continue
			}
			name, _ := ev.Payload["name"].(string)
			role, _ := ev.Payload["role"].(string)
			align, _ := ev.Payload["alignment"].(string)
			index[id] = len(snap.Participants)
			snap.Participants = append(snap.Participants, Participant{
				ID:        id,
				Name:      name,
				Role:      role,
				Alignment: roles.Alignment(align),
				Alive:     true,
				Statuses:  map[string]any{},
			})
		case CategoryStatusUpdate:
			i, ok := index[id]
			if !ok {
				continue
			}
			key, _ := ev.Payload["status"].(string)
			if key == StatusAlive {
				if alive, isBool := ev.Payload["value"].(bool); isBool {
					snap.Participants[i].Alive = alive
				}
				continue
			}
			snap.Participants[i].Statuses[key] = ev.Payload["value"]
		case CategoryDeath:
			if i, ok := index[id]; ok {
				snap.Participants[i].Alive = false
			}
		case CategoryNameSet:
			if i, ok := index[id]; ok {
				if name, _ := ev.Payload["name"].(string); name != "" {
					snap.Participants[i].Name = name
				}
			}
		case CategoryNomineeSet:
			snap.Nominee = id
		case CategoryDemonBluffsSet:
			snap.DemonBluffs = stringList(ev.Payload["roles"])
		case CategoryRedHerringSet:
			snap.RedHerring = id
		case CategoryPhaseChange:
			if phase, _ := ev.Payload["phase"].(string); phase != "" {
				snap.Phase = Phase(phase)
			}
			if day, ok := asInt(ev.Payload["day"]); ok {
				snap.Day = day
			}
		}
	}
	kept := events
	if recent > 0 && len(kept) > recent {
		kept = kept[len(kept)-recent:]
	}
	snap.Events = append([]Event(nil), kept...)
	return snap
}

// stringList reads a role list stored in memory or decoded from JSON.
func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// asInt accepts the shapes a day counter takes in memory and after a JSON
// round trip.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}
